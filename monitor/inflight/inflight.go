// Package inflight keeps the set of wallets with a top-up in progress. At most one top-up per wallet may be in
// flight; a second attempt while the first is running is dropped, not queued.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard is the set of in-flight destinations. TryAcquire is an atomic test-and-set: it returns true when addr was
// not in the set and has been added.
type Guard interface {
	TryAcquire(ctx context.Context, addr string) (bool, error)
	Release(ctx context.Context, addr string) error
}

// Memory is a Guard local to the process.
type Memory struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewMemory returns an empty in-memory guard.
func NewMemory() *Memory {
	return &Memory{set: make(map[string]struct{})}
}

// TryAcquire adds addr to the set if absent.
func (m *Memory) TryAcquire(_ context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.set[addr]; ok {
		return false, nil
	}

	m.set[addr] = struct{}{}

	return true, nil
}

// Release removes addr from the set.
func (m *Memory) Release(_ context.Context, addr string) error {
	m.mu.Lock()
	delete(m.set, addr)
	m.mu.Unlock()

	return nil
}

// Len returns the number of in-flight destinations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.set)
}

// Redis is a Guard shared by every monitor using the same Redis server. Keys expire after ttl so a crashed process
// cannot hold a wallet forever.
type Redis struct {
	c      *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a guard on client c. ttl must be longer than a top-up, including its confirmation wait.
func NewRedis(c *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{c: c, prefix: prefix, ttl: ttl}
}

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// TryAcquire sets the key for addr if it does not exist.
func (r *Redis) TryAcquire(ctx context.Context, addr string) (bool, error) {
	ok, err := r.c.SetNX(ctx, r.prefix+addr, time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("inflight: acquire %s: %w", addr, err)
	}

	return ok, nil
}

// Release deletes the key for addr.
func (r *Redis) Release(ctx context.Context, addr string) error {
	if err := r.c.Del(ctx, r.prefix+addr).Err(); err != nil {
		return fmt.Errorf("inflight: release %s: %w", addr, err)
	}

	return nil
}
