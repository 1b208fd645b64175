// Package identity defines signed agent identities: who an agent is,
// who owns it, what scope it declared at issuance, and the context it
// was issued for. Identities are immutable after issuance and revocable
// by agent id.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/kwstx/mandate/pkg/canonicalize"
	"github.com/kwstx/mandate/pkg/crypto"
)

// Environment is the runtime environment an identity is scoped to.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

var (
	ErrEmptyAgentID      = errors.New("identity: agent id must not be empty")
	ErrEmptyScope        = errors.New("identity: declared scope must name at least one resource and action")
	ErrBadEnvironment    = errors.New("identity: unknown environment")
	ErrBadVersion        = errors.New("identity: unsupported payload version")
	ErrExpired           = errors.New("identity: expired")
	ErrNotYetValid       = errors.New("identity: not yet valid")
	ErrSignatureMismatch = errors.New("identity: signature does not verify")
)

// payloadVersions is the base version named in version errors; the
// check itself is versionConstraint.
var payloadVersions = semver.MustParse("1.0.0")

// versionConstraint accepts any 1.x payload.
var versionConstraint, _ = semver.NewConstraint("^1.0.0")

// Scope is the resource/action surface an identity declares.
type Scope struct {
	Resources   []string          `json:"resources"`
	Actions     []string          `json:"actions"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Context binds an identity to a runtime environment.
type Context struct {
	Environment Environment       `json:"environment"`
	Region      string            `json:"region,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Payload is the signed portion of an agent identity.
type Payload struct {
	AgentID   string    `json:"agent_id"`
	OwnerID   string    `json:"owner_id"`
	OrgID     string    `json:"org_id"`
	Scope     Scope     `json:"declared_scope"`
	Context   Context   `json:"context"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   string    `json:"version"`
	PublicKey string    `json:"public_key"`
	Algorithm string    `json:"algorithm"`
}

// Signed is an identity payload with its detached signature.
type Signed struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

// Validate checks the structural invariants of a payload.
func (p Payload) Validate() error {
	if p.AgentID == "" {
		return ErrEmptyAgentID
	}
	if len(p.Scope.Resources) == 0 || len(p.Scope.Actions) == 0 {
		return ErrEmptyScope
	}
	switch p.Context.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment:
	default:
		return fmt.Errorf("%w: %q", ErrBadEnvironment, p.Context.Environment)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadVersion, p.Version)
	}
	if !versionConstraint.Check(v) {
		return fmt.Errorf("%w: %s not in ^%s", ErrBadVersion, p.Version, payloadVersions)
	}
	return nil
}

// CanonicalBytes returns the canonical serialization signed at issuance.
func (p Payload) CanonicalBytes() ([]byte, error) {
	return canonicalize.JCS(p)
}

// Issue signs a payload with the agent's signer, stamping the signer's
// public key and algorithm label into the payload first.
func Issue(p Payload, signer crypto.Signer) (Signed, error) {
	p.PublicKey = signer.PublicKey()
	p.Algorithm = signer.Algorithm()
	if err := p.Validate(); err != nil {
		return Signed{}, err
	}
	data, err := p.CanonicalBytes()
	if err != nil {
		return Signed{}, err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return Signed{}, fmt.Errorf("identity: signing failed: %w", err)
	}
	return Signed{Payload: p, Signature: sig}, nil
}

// VerifySignature checks the detached signature against the embedded
// public key.
func (s Signed) VerifySignature() error {
	data, err := s.Payload.CanonicalBytes()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(s.Payload.PublicKey, s.Signature, data)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureMismatch
	}
	return nil
}

// CheckValidity verifies the temporal window against asOf.
func (s Signed) CheckValidity(asOf time.Time) error {
	if asOf.Before(s.Payload.IssuedAt) {
		return ErrNotYetValid
	}
	if !s.Payload.ExpiresAt.IsZero() && asOf.After(s.Payload.ExpiresAt) {
		return ErrExpired
	}
	return nil
}
