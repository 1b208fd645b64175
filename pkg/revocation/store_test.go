package revocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwstx/mandate/pkg/revocation"
)

func TestMemoryStore(t *testing.T) {
	s := revocation.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.IsRevoked(ctx, "agent:a")
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Revoke(ctx, "agent:a", first))

	ok, err = s.IsRevoked(ctx, "agent:a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-revoking keeps the original timestamp.
	require.NoError(t, s.Revoke(ctx, "agent:a", first.Add(time.Hour)))
	at, ok := s.RevokedAt("agent:a")
	require.True(t, ok)
	assert.Equal(t, first, at)

	ok, err = s.IsRevoked(ctx, "agent:other")
	require.NoError(t, err)
	assert.False(t, ok)
}
