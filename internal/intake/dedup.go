package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator filters redelivered messages by message id. It is a fast
// path only: the unique trigger event key is what guarantees a message is
// correlated once.
type Deduplicator interface {
	// Seen reports whether the message id was marked and has not expired.
	Seen(ctx context.Context, messageID string) (bool, error)

	// Mark records the message id for ttl.
	Mark(ctx context.Context, messageID string, ttl time.Duration) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// FormatDedupKey builds the standard dedup key.
func FormatDedupKey(messageID string) string {
	return fmt.Sprintf("dedup:msg:%s", messageID)
}

// --- MemoryDeduplicator ---

// MemoryDeduplicator is an in-memory Deduplicator with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryDeduplicator struct {
	mu      sync.RWMutex
	entries map[string]time.Time // value: expiry
}

// NewMemoryDeduplicator creates a new in-memory deduplicator.
func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{entries: make(map[string]time.Time)}
}

// Seen reports whether the id is marked. Expired entries are dropped.
func (d *MemoryDeduplicator) Seen(_ context.Context, messageID string) (bool, error) {
	key := FormatDedupKey(messageID)

	d.mu.RLock()
	expiresAt, exists := d.entries[key]
	d.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		d.mu.Lock()
		delete(d.entries, key)
		d.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Mark records the id with TTL.
func (d *MemoryDeduplicator) Mark(_ context.Context, messageID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[FormatDedupKey(messageID)] = time.Now().Add(ttl)
	return nil
}

// HealthCheck always succeeds.
func (d *MemoryDeduplicator) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (d *MemoryDeduplicator) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// --- RedisDeduplicator ---

// RedisDeduplicator is a Redis-backed Deduplicator with TTL.
type RedisDeduplicator struct {
	client redis.Cmdable
}

// NewRedisDeduplicator creates a new Redis-backed deduplicator.
func NewRedisDeduplicator(client redis.Cmdable) *RedisDeduplicator {
	return &RedisDeduplicator{client: client}
}

// Seen checks for the id in Redis.
func (d *RedisDeduplicator) Seen(ctx context.Context, messageID string) (bool, error) {
	key := FormatDedupKey(messageID)
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Mark records the id in Redis with TTL.
func (d *RedisDeduplicator) Mark(ctx context.Context, messageID string, ttl time.Duration) error {
	key := FormatDedupKey(messageID)
	if err := d.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (d *RedisDeduplicator) HealthCheck(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
