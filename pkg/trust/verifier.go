package trust

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ChainStatus reports how far chain verification got.
type ChainStatus string

const (
	ChainVerified   ChainStatus = "verified"
	ChainBroken     ChainStatus = "broken"
	ChainUnverified ChainStatus = "unverified"
)

// ErrThrottled is a transient failure; callers retry at the request
// level, never inside the core.
var ErrThrottled = errors.New("trust: verification rate limit exceeded")

// Result is the outcome of portable token verification.
type Result struct {
	IsValid          bool              `json:"is_valid"`
	Reason           string            `json:"reason,omitempty"`
	TrustChainStatus ChainStatus       `json:"trust_chain_status"`
	VerifiedClaims   map[string]string `json:"verified_claims,omitempty"`
}

// Verifier validates portable tokens against a set of trusted root
// public keys.
type Verifier struct {
	trustedRoots map[string]bool
	limiter      *rate.Limiter
}

// NewVerifier accepts the hex-encoded public keys trusted as chain
// anchors.
func NewVerifier(trustedRootKeys []string) *Verifier {
	roots := make(map[string]bool, len(trustedRootKeys))
	for _, k := range trustedRootKeys {
		roots[k] = true
	}
	return &Verifier{trustedRoots: roots}
}

// WithRateLimiter guards verification with a token bucket. Exceeding
// it surfaces ErrThrottled rather than a verification verdict.
func (v *Verifier) WithRateLimiter(l *rate.Limiter) *Verifier {
	v.limiter = l
	return v
}

// VerifyToken runs the full protocol: identity signature, per-assertion
// signature and expiry, chain continuity from a trust anchor, and chain
// termination at the identity's agent id. Verification is deterministic
// for a given token, root set and asOf.
func (v *Verifier) VerifyToken(token PortableToken, asOf time.Time) (Result, error) {
	if v.limiter != nil && !v.limiter.Allow() {
		return Result{}, ErrThrottled
	}

	if err := token.Identity.VerifySignature(); err != nil {
		return Result{
			Reason:           "Identity signature verification failed",
			TrustChainStatus: ChainUnverified,
		}, nil
	}
	if err := token.Identity.CheckValidity(asOf); err != nil {
		return Result{
			Reason:           fmt.Sprintf("Identity is not valid at %s", asOf.Format(time.RFC3339)),
			TrustChainStatus: ChainUnverified,
		}, nil
	}

	assertions := token.AuthorityProof.Assertions
	if len(assertions) == 0 {
		return Result{
			Reason:           "Authority proof contains no assertions",
			TrustChainStatus: ChainUnverified,
		}, nil
	}

	for i, a := range assertions {
		ok, err := a.verifySignature()
		if err != nil || !ok {
			return Result{
				Reason:           fmt.Sprintf("Assertion %d signature verification failed", i),
				TrustChainStatus: ChainUnverified,
			}, nil
		}
		if !a.Payload.ExpiresAt.IsZero() && asOf.After(a.Payload.ExpiresAt) {
			return Result{
				Reason:           fmt.Sprintf("Assertion %d has expired", i),
				TrustChainStatus: ChainUnverified,
			}, nil
		}
	}

	// Chain continuity: anchored at a trusted root, each link issued by
	// the previous link's subject.
	if !v.trustedRoots[assertions[0].IssuerPublicKey] {
		return Result{
			Reason:           "Broken authority chain: untrusted root issuer",
			TrustChainStatus: ChainBroken,
		}, nil
	}
	for i := 1; i < len(assertions); i++ {
		if assertions[i].Payload.IssuerID != assertions[i-1].Payload.SubjectID {
			return Result{
				Reason:           "Broken authority chain: issuer mismatch",
				TrustChainStatus: ChainBroken,
			}, nil
		}
	}

	// Termination: the chain must end at the token's identity.
	last := assertions[len(assertions)-1]
	if last.Payload.SubjectID != token.Identity.Payload.AgentID {
		return Result{
			Reason:           "Broken authority chain: chain does not terminate at the token subject",
			TrustChainStatus: ChainBroken,
		}, nil
	}

	claims := make(map[string]string, len(assertions))
	for _, a := range assertions {
		claims[string(a.Payload.Type)+":"+a.Payload.SubjectID] = a.Payload.Claim
	}
	return Result{
		IsValid:          true,
		TrustChainStatus: ChainVerified,
		VerifiedClaims:   claims,
	}, nil
}
