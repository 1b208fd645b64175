package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mandate:revoked:"

// RedisStore shares a revocation list across platform nodes. Entries
// never expire; a revoked identity stays revoked.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix}
}

// WithKeyPrefix overrides the key namespace.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) Revoke(ctx context.Context, agentID string, at time.Time) error {
	// SetNX keeps the first recorded revocation timestamp on races.
	if err := s.client.SetNX(ctx, s.prefix+agentID, at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("revocation: redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+agentID).Result()
	if err != nil {
		return false, fmt.Errorf("revocation: redis lookup failed: %w", err)
	}
	return n > 0, nil
}
