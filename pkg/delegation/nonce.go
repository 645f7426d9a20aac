package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records consumed one-time token nonces. Consume is a
// single atomic check-and-insert; a second call with the same nonce
// inside its validity window returns false.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// MemoryNonceStore is the in-process NonceStore. Expired rows are swept
// opportunistically on each call.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryNonceStore) WithClock(clock func() time.Time) *MemoryNonceStore {
	s.clock = clock
	return s
}

// Consume atomically records the nonce. A second call with the same nonce
// before expiresAt passes returns false.
func (s *MemoryNonceStore) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for n, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, n)
		}
	}

	if exp, ok := s.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[nonce] = expiresAt
	return true, nil
}

// RedisNonceStore backs the replay cache with Redis. SET NX PX is a
// single round trip, so the check-and-insert is atomic across processes
// and the row self-expires with the token TTL.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "nonce:", clock: time.Now}
}

// Consume records the nonce with a TTL matching the token expiry.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce store: %w", err)
	}
	return ok, nil
}
