// Package middleware holds the HTTP cross-cutting layers: org authentication,
// per-endpoint rate limiting, and response header hygiene.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sgd/backend/internal/multitenancy"
	"github.com/sgd/backend/internal/observability"
)

// LimiterBackend is the slice of the Redis adapter the limiter needs.
type LimiterBackend interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

const (
	windowSize = 60 * time.Second
	// Bucket TTL outlives the window slightly so an idle bucket expires on
	// its own instead of lingering.
	bucketTTL    = 70 * time.Second
	defaultLimit = 100
)

// EndpointLimits maps endpoint classes to requests per minute. Endpoints not
// listed here get defaultLimit.
var EndpointLimits = map[string]int{
	"render":       30,
	"render_async": 20,
	"ingest":       50,
	"upload":       20,
	"critique":     60,
	"canon_derive": 40,
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces a sliding 60-second window per (identifier, endpoint)
// pair using a Redis sorted set of request timestamps. A Redis failure fails
// open: availability over strict enforcement.
type Limiter struct {
	backend LimiterBackend
	metrics *observability.Metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewLimiter(backend LimiterBackend, metrics *observability.Metrics) *Limiter {
	return &Limiter{
		backend: backend,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Allow checks and, when permitted, consumes one request slot. Rejected
// requests consume nothing.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) (Decision, error) {
	limit, ok := EndpointLimits[endpoint]
	if !ok {
		limit = defaultLimit
	}

	now := l.now()
	key := fmt.Sprintf("rl:%s:%s", identifier, endpoint)
	cutoff := now.Add(-windowSize)

	if err := l.backend.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixMilli())); err != nil {
		return l.failOpen(limit, now, err)
	}
	count, err := l.backend.ZCard(ctx, key)
	if err != nil {
		return l.failOpen(limit, now, err)
	}

	if count >= int64(limit) {
		// Window is full: the slot frees when the oldest entry ages out.
		resetAt := now.Add(windowSize)
		if oldest, err := l.backend.ZRangeWithScores(ctx, key, 0, 0); err == nil && len(oldest) == 1 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(windowSize)
		}
		if l.metrics != nil {
			l.metrics.ErrorsByCategory.WithLabelValues("rate_limit_exceeded").Inc()
		}
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	if err := l.backend.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return l.failOpen(limit, now, err)
	}
	if err := l.backend.Expire(ctx, key, bucketTTL); err != nil {
		l.logger.Printf("bucket expire failed for %s: %v", key, err)
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		ResetAt:   now.Add(windowSize),
	}, nil
}

func (l *Limiter) failOpen(limit int, now time.Time, err error) (Decision, error) {
	l.logger.Printf("backend unavailable, failing open: %v", err)
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(windowSize)}, nil
}

// Middleware enforces the given endpoint class on the wrapped handler. The
// identifier is the API key ID when authenticated, then the org ID, then the
// client IP.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, _ := l.Allow(r.Context(), requestIdentifier(r), endpoint)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "rate_limit_exceeded",
					"message":     fmt.Sprintf("rate limit of %d requests per minute exceeded", d.Limit),
					"retry_after": retryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIdentifier picks the rate-limit bucket owner, most specific first.
func requestIdentifier(r *http.Request) string {
	if keyID := multitenancy.APIKeyID(r.Context()); keyID != "" {
		return "key:" + keyID
	}
	if orgID, err := multitenancy.OrgID(r.Context()); err == nil {
		return "org:" + orgID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
