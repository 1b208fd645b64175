// Package trust implements the authority verification protocol:
// signed authority assertions, the portable authority token, and
// offline verification of assertion chains against trust anchors.
package trust

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/canonicalize"
	"github.com/kwstx/mandate/pkg/crypto"
	"github.com/kwstx/mandate/pkg/identity"
)

// AssertionType classifies what an assertion attests.
type AssertionType string

const (
	AssertionRoleAssignment AssertionType = "ROLE_ASSIGNMENT"
	AssertionDelegation     AssertionType = "DELEGATION"
	AssertionOwnership      AssertionType = "OWNERSHIP"
	AssertionCapability     AssertionType = "CAPABILITY"
)

// AssertionPayload is the signed portion of an authority assertion.
type AssertionPayload struct {
	IssuerID  string        `json:"issuer_id"`
	SubjectID string        `json:"subject_id"`
	Type      AssertionType `json:"type"`
	Claim     string        `json:"claim"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Nonce     string        `json:"nonce"`
}

// Assertion bundles a payload, its signature, and the issuer's public
// key so a holder can verify offline.
type Assertion struct {
	Payload         AssertionPayload `json:"payload"`
	Signature       string           `json:"signature"`
	IssuerPublicKey string           `json:"issuer_public_key"`
}

// IssueAssertion signs a payload with the issuer's key. A fresh nonce
// is assigned when the payload carries none.
func IssueAssertion(payload AssertionPayload, signer crypto.Signer) (Assertion, error) {
	if payload.Nonce == "" {
		payload.Nonce = uuid.New().String()
	}
	data, err := canonicalize.JCS(payload)
	if err != nil {
		return Assertion{}, err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return Assertion{}, fmt.Errorf("trust: assertion signing failed: %w", err)
	}
	return Assertion{
		Payload:         payload,
		Signature:       sig,
		IssuerPublicKey: signer.PublicKey(),
	}, nil
}

// verifySignature checks the assertion's signature against its bundled
// issuer key.
func (a Assertion) verifySignature() (bool, error) {
	data, err := canonicalize.JCS(a.Payload)
	if err != nil {
		return false, err
	}
	return crypto.Verify(a.IssuerPublicKey, a.Signature, data)
}

// AuthorityProof is the assertion chain supporting a portable token.
type AuthorityProof struct {
	Assertions      []Assertion     `json:"assertions"`
	TargetSubjectID string          `json:"target_subject_id"`
	RequiredScope   *identity.Scope `json:"required_scope,omitempty"`
}

// PortableToken is a self-contained, offline-verifiable bundle of an
// identity and the assertions backing its authority.
type PortableToken struct {
	Identity       identity.Signed `json:"identity"`
	AuthorityProof AuthorityProof  `json:"authority_proof"`
	Version        string          `json:"version"`
}
