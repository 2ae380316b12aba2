package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptStore counts failed attempts per user. Implementations must make
// Increment atomic so concurrent failures never lose a count.
type AttemptStore interface {
	// Increment bumps the counter and returns the new value.
	Increment(ctx context.Context, userID string) (int, error)
	// Expire arms a TTL on the counter; after the TTL the count reads zero.
	Expire(ctx context.Context, userID string, ttl time.Duration) error
	// Count returns the current value.
	Count(ctx context.Context, userID string) (int, error)
	// Clear resets the counter to zero.
	Clear(ctx context.Context, userID string) error
}

type memoryEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryAttemptStore is the default single-process store. TTLs are honored
// lazily on access.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryAttemptStore creates an empty in-memory store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryAttemptStore) Increment(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveLocked(userID)
	if e == nil {
		e = &memoryEntry{}
		s.entries[userID] = e
	}
	e.count++
	return e.count, nil
}

func (s *MemoryAttemptStore) Expire(_ context.Context, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.liveLocked(userID); e != nil {
		e.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryAttemptStore) Count(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.liveLocked(userID); e != nil {
		return e.count, nil
	}
	return 0, nil
}

func (s *MemoryAttemptStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, userID)
	return nil
}

func (s *MemoryAttemptStore) liveLocked(userID string) *memoryEntry {
	e, ok := s.entries[userID]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, userID)
		return nil
	}
	return e
}

// RedisAttemptStore shares attempt counts across processes so lockouts hold
// fleet-wide. Counters live under attempts:<user>.
type RedisAttemptStore struct {
	client *redis.Client
	prefix string
}

// NewRedisAttemptStore wraps an existing Redis client.
func NewRedisAttemptStore(client *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, prefix: "attempts:"}
}

func (s *RedisAttemptStore) Increment(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Incr(ctx, s.prefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return int(n), nil
}

func (s *RedisAttemptStore) Expire(ctx context.Context, userID string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.prefix+userID, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

func (s *RedisAttemptStore) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, s.prefix+userID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (s *RedisAttemptStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.prefix+userID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
