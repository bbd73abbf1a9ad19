// Package cache implements atomic get-or-compute over Redis with a per-key
// distributed lock, a stale backup value, and a circuit breaker that bypasses
// the cache backend entirely when it misbehaves.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/observability"
)

// Backend is the slice of the Redis adapter the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

const (
	lockLease     = 30 * time.Second
	staleTTL      = 24 * time.Hour
	pollBudget    = 1 * time.Second
	pollBaseSleep = 50 * time.Millisecond

	// breaker: >=5 consecutive backend errors open it; a successful ping
	// after the cooldown closes it.
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Factory computes the value on a miss. Factories must be deterministic for
// a given key: the lock can be lost mid-compute, and a double-compute must
// produce an equivalent value.
type Factory func(ctx context.Context) ([]byte, error)

// Cache provides GetOrCompute with single-flight semantics across processes.
type Cache struct {
	backend Backend
	metrics *observability.Metrics

	mu           sync.Mutex
	consecErrors int
	openedAt     time.Time
}

// New creates a cache over the given backend. metrics may be nil in tests.
func New(backend Backend, metrics *observability.Metrics) *Cache {
	return &Cache{backend: backend, metrics: metrics}
}

// GetOrCompute returns the cached value at key, or runs factory under a
// distributed lock and persists the result with ttl plus a stale twin.
//
// Guarantees:
//   - at most one concurrent factory per key across all processes while the
//     lock holder is alive;
//   - a lock wait longer than one second degrades to the stale value when
//     present, then to a local compute (logged as lock-timeout);
//   - a broken cache backend short-circuits to the factory.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, factory Factory) ([]byte, error) {
	if c.bypassing() {
		c.countMiss("bypass")
		return factory(ctx)
	}

	if val, err := c.backendGet(ctx, key); err == nil {
		c.countHit("fresh")
		return val, nil
	} else if !errors.Is(err, infra.ErrNotFound) {
		// backend error, not a miss: degraded path
		c.countMiss("bypass")
		return factory(ctx)
	}
	c.countMiss("cold")

	lockKey := key + ":lock"
	acquired, err := c.backendSetNX(ctx, lockKey, []byte("1"), lockLease)
	if err != nil {
		return factory(ctx)
	}

	if acquired {
		// The lease is released on every path, including cancellation.
		defer c.backend.Del(context.WithoutCancel(ctx), lockKey)

		// Another node may have populated the key during lock wait.
		if val, err := c.backendGet(ctx, key); err == nil {
			c.countHit("fresh")
			return val, nil
		}

		val, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, val, ttl)
		return val, nil
	}

	// Lock held elsewhere: poll the key briefly with jittered sleeps.
	deadline := time.Now().Add(pollBudget)
	for time.Now().Before(deadline) {
		sleep := pollBaseSleep + time.Duration(rand.Int63n(int64(pollBaseSleep)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if val, err := c.backendGet(ctx, key); err == nil {
			c.countHit("fresh")
			return val, nil
		}
	}

	// Timed out: serve stale if present, else compute locally.
	if val, err := c.backendGet(ctx, key+":stale"); err == nil {
		c.countHit("stale")
		return val, nil
	}

	slog.Warn("cache lock timeout, computing locally", "key", key)
	c.countMiss("timeout")
	val, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, val, ttl)
	return val, nil
}

// Get returns the cached value without computing.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.bypassing() {
		return nil, infra.ErrNotFound
	}
	return c.backendGet(ctx, key)
}

// Set writes key and its stale twin.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.bypassing() {
		return nil
	}
	c.store(ctx, key, value, ttl)
	return nil
}

// Delete removes key and its stale twin.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.backend.Del(ctx, key, key+":stale")
}

// store writes the main entry and the stale backup. The stale TTL never goes
// below the main TTL.
func (c *Cache) store(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.recordError()
		slog.Warn("cache set failed", "key", key, "error", err)
		return
	}
	st := staleTTL
	if ttl > st {
		st = ttl
	}
	if err := c.backend.Set(ctx, key+":stale", value, st); err != nil {
		slog.Warn("cache stale set failed", "key", key, "error", err)
	}
	c.recordSuccess()
}

// =============================================================================
// backend wrappers feeding the cache breaker
// =============================================================================

func (c *Cache) backendGet(ctx context.Context, key string) ([]byte, error) {
	val, err := c.backend.Get(ctx, key)
	if err != nil && !errors.Is(err, infra.ErrNotFound) {
		c.recordError()
		return nil, err
	}
	c.recordSuccess()
	return val, err
}

func (c *Cache) backendSetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.backend.SetNX(ctx, key, value, ttl)
	if err != nil {
		c.recordError()
		return false, err
	}
	c.recordSuccess()
	return ok, nil
}

func (c *Cache) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecErrors++
	if c.consecErrors == breakerThreshold {
		c.openedAt = time.Now()
		slog.Warn("cache breaker opened, bypassing backend", "consecutive_errors", c.consecErrors)
	}
}

func (c *Cache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecErrors = 0
}

// bypassing reports whether the cache breaker is open. After the cooldown a
// successful ping closes it; a failed ping keeps it open.
func (c *Cache) bypassing() bool {
	c.mu.Lock()
	open := c.consecErrors >= breakerThreshold
	cooled := open && time.Since(c.openedAt) >= breakerCooldown
	c.mu.Unlock()

	if !open {
		return false
	}
	if !cooled {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.backend.Ping(ctx); err != nil {
		c.mu.Lock()
		c.openedAt = time.Now() // restart cooldown
		c.mu.Unlock()
		return true
	}
	c.recordSuccess()
	slog.Info("cache breaker closed after successful ping")
	return false
}

func (c *Cache) countHit(kind string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(kind).Inc()
	}
}

func (c *Cache) countMiss(reason string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(reason).Inc()
	}
}
