// Package infra provides the concrete Redis adapter shared by the cache,
// queue, rate limiter and budget controller.
//
// The adapter wraps go-redis v9 behind the narrow interfaces each consumer
// package declares, so tests can swap in miniredis or fakes without touching
// pipeline code.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for missing keys so callers don't depend on
// redis.Nil directly.
var ErrNotFound = errors.New("redis: key not found")

// StreamMessage is one entry read from a Redis stream.
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// RedisAdapter wraps go-redis v9 with the operations the render core uses:
// KV with TTL, SetNX locks, float counters, sorted sets, streams with
// consumer groups, and pub/sub.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects from a redis:// URL and pings; the caller decides
// whether a failure is fatal or triggers a degraded mode.
func NewRedisAdapter(url string) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisAdapter{rdb: rdb}, nil
}

// NewRedisAdapterFromClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisAdapterFromClient(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

// Close shuts down the underlying client.
func (a *RedisAdapter) Close() error { return a.rdb.Close() }

// Ping verifies connectivity. Used by health checks and the cache breaker.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// KV
// =============================================================================

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// SetNX sets key only if absent. Returns true when the caller won the set.
// This is the primitive behind the cache's distributed lock and the budget
// alert idempotency keys.
func (a *RedisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *RedisAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return a.rdb.TTL(ctx, key).Result()
}

// =============================================================================
// Hashes (job state records)
// =============================================================================

func (a *RedisAdapter) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return a.rdb.HSet(ctx, key, fields).Err()
}

func (a *RedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := a.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// =============================================================================
// Counters (budget)
// =============================================================================

// IncrByFloat performs the backend-atomic float increment the budget
// controller relies on. Never emulate this with read-modify-write.
func (a *RedisAdapter) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return a.rdb.IncrByFloat(ctx, key, delta).Result()
}

// =============================================================================
// Sorted sets (rate limiter sliding windows)
// =============================================================================

func (a *RedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (a *RedisAdapter) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return a.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (a *RedisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.ZCard(ctx, key).Result()
}

// ZRangeWithScores returns members ordered by score; the limiter uses the
// head to compute the window reset time.
func (a *RedisAdapter) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	return a.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
}

// =============================================================================
// Lists (budget audit ring, DLQ inspection)
// =============================================================================

func (a *RedisAdapter) LPush(ctx context.Context, key string, values ...interface{}) error {
	return a.rdb.LPush(ctx, key, values...).Err()
}

func (a *RedisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}

func (a *RedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

// =============================================================================
// Streams (job queue)
// =============================================================================

// XAdd appends to a stream, trimming approximately to maxLen when positive.
func (a *RedisAdapter) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return a.rdb.XAdd(ctx, args).Result()
}

// EnsureGroup creates the consumer group at $ if it does not exist yet.
func (a *RedisAdapter) EnsureGroup(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// XReadGroup blocks up to block for new messages for this consumer.
// Returns nil, nil on timeout.
func (a *RedisAdapter) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

func (a *RedisAdapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return a.rdb.XAck(ctx, stream, group, ids...).Err()
}

// XAutoClaim transfers pending entries idle longer than minIdle to consumer.
// Workers use it to reclaim messages from crashed peers.
func (a *RedisAdapter) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	msgs, _, err := a.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
	}
	return out, nil
}

// XLen reports the stream length; the worker manager autoscales on it.
func (a *RedisAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.rdb.XLen(ctx, stream).Result()
}

// =============================================================================
// Pub/Sub (per-job progress topics)
// =============================================================================

func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel and returns an
// unsubscribe function. Delivery is at-least-once from the subscriber's view;
// handlers must be idempotent on repeated states.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
