// Package crypto is the gateway to cryptographic primitives. The rest
// of the core treats signatures, public keys and digests as opaque hex
// strings; algorithm names travel only as labels on identity and
// assertion records.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// AlgEd25519 is the label carried on records signed by this gateway.
const AlgEd25519 = "ed25519"

var (
	ErrInvalidKey       = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature encoding")
)

// Signer produces detached signatures over raw bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	Algorithm() string
}

// Ed25519Signer implements Signer with an in-memory Ed25519 key pair.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) Algorithm() string {
	return AlgEd25519
}

// Verify checks a hex-encoded signature over data against a hex-encoded
// public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: size %d", ErrInvalidKey, len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
