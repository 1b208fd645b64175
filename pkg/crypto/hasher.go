package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kwstx/mandate/pkg/canonicalize"
)

// Hasher produces deterministic digests of structured values.
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher hashes the RFC 8785 canonical JSON form of a value.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	digest, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	return digest, nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
