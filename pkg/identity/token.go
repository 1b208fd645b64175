package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "mandate/identity"

// HandoffClaims is the JWT claim set used to hand a verified identity
// and its verified authority claims to another platform.
type HandoffClaims struct {
	jwt.RegisteredClaims
	OwnerID        string            `json:"owner_id,omitempty"`
	OrgID          string            `json:"org_id,omitempty"`
	Environment    Environment       `json:"environment,omitempty"`
	Region         string            `json:"region,omitempty"`
	VerifiedClaims map[string]string `json:"verified_claims,omitempty"`
}

// TokenManager mints and validates handoff JWTs with an Ed25519 key.
type TokenManager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewTokenManager(priv ed25519.PrivateKey) *TokenManager {
	return &TokenManager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Mint produces a signed JWT for the identity, bundling the verified
// authority claims gathered during portable-token verification.
func (tm *TokenManager) Mint(s Signed, verifiedClaims map[string]string, ttl time.Duration, now time.Time) (string, error) {
	claims := HandoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.Payload.AgentID,
			Subject:   s.Payload.AgentID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OwnerID:        s.Payload.OwnerID,
		OrgID:          s.Payload.OrgID,
		Environment:    s.Payload.Context.Environment,
		Region:         s.Payload.Context.Region,
		VerifiedClaims: verifiedClaims,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(tm.priv)
}

// Validate parses and validates a handoff JWT.
func (tm *TokenManager) Validate(tokenString string) (*HandoffClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HandoffClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return tm.pub, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*HandoffClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
