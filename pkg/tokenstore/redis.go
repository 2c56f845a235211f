package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixnotka/trailship/pkg/stream"
)

// RedisStore keeps tokens in Redis (or Valkey) under
// "trailship:token:<group>:<stream>", relying on key expiry for the TTL.
type RedisStore struct {
	Client redis.Cmdable
	Prefix string
}

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{Client: client, Prefix: "trailship:token:"}
}

func (s *RedisStore) key(id stream.ID) string {
	return s.Prefix + id.Group + ":" + id.Name
}

func (s *RedisStore) Get(ctx context.Context, id stream.ID) (Entry, bool, error) {
	key := s.key(id)
	token, err := s.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}

	entry := Entry{Token: token}
	// A failed TTL lookup only loses the expiry, the token is still valid.
	if ttl, err := s.Client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, token != "", nil
}

func (s *RedisStore) Put(ctx context.Context, id stream.ID, token string, ttl time.Duration) error {
	key := s.key(id)
	if err := s.Client.Set(ctx, key, token, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id stream.ID) error {
	key := s.key(id)
	if err := s.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %w", ErrUnavailable, key, err)
	}
	return nil
}
