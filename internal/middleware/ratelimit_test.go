package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/multitenancy"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := infra.NewRedisAdapterFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewLimiter(adapter, nil)
}

func TestLimiter_EnforcesEndpointLimit(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	for i := 0; i < 20; i++ {
		d, err := l.Allow(ctx, "key:abc", "render_async")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, d.Allowed, err)
		}
		if d.Limit != 20 {
			t.Fatalf("limit=%d, want 20", d.Limit)
		}
	}

	d, err := l.Allow(ctx, "key:abc", "render_async")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Errorf("21st request must be rejected: %+v", d)
	}
}

func TestLimiter_RejectionConsumesNothing(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 30; i++ {
		if d, _ := l.Allow(ctx, "org:o1", "render"); !d.Allowed {
			t.Fatalf("fill request %d rejected", i)
		}
	}
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(ctx, "org:o1", "render"); d.Allowed {
			t.Fatal("over-limit request allowed")
		}
	}

	// Rejections did not extend the window: once the original entries age
	// out, requests flow again immediately.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if d, _ := l.Allow(ctx, "org:o1", "render"); !d.Allowed {
		t.Error("window must fully reset after 60s despite rejected attempts")
	}
}

func TestLimiter_ResetAtTracksOldestEntry(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	base := time.Now()
	l.now = func() time.Time { return base }
	if d, _ := l.Allow(ctx, "ip:1.2.3.4", "upload"); !d.Allowed {
		t.Fatal("first request rejected")
	}

	l.now = func() time.Time { return base.Add(10 * time.Second) }
	for i := 0; i < 19; i++ {
		if d, _ := l.Allow(ctx, "ip:1.2.3.4", "upload"); !d.Allowed {
			t.Fatalf("fill request %d rejected", i)
		}
	}

	d, _ := l.Allow(ctx, "ip:1.2.3.4", "upload")
	if d.Allowed {
		t.Fatal("bucket should be full")
	}
	want := base.Add(windowSize)
	if diff := d.ResetAt.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("ResetAt=%v, want oldest entry + 60s (%v)", d.ResetAt, want)
	}
}

func TestLimiter_UnknownEndpointGetsDefault(t *testing.T) {
	l := testLimiter(t)
	d, err := l.Allow(context.Background(), "ip:9.9.9.9", "healthz")
	if err != nil || !d.Allowed || d.Limit != defaultLimit {
		t.Errorf("decision=%+v err=%v, want default limit %d", d, err, defaultLimit)
	}
}

type brokenBackend struct{}

func (brokenBackend) ZAdd(context.Context, string, float64, string) error {
	return context.DeadlineExceeded
}
func (brokenBackend) ZRemRangeByScore(context.Context, string, string, string) error {
	return context.DeadlineExceeded
}
func (brokenBackend) ZCard(context.Context, string) (int64, error) {
	return 0, context.DeadlineExceeded
}
func (brokenBackend) ZRangeWithScores(context.Context, string, int64, int64) ([]redis.Z, error) {
	return nil, context.DeadlineExceeded
}
func (brokenBackend) Expire(context.Context, string, time.Duration) error {
	return context.DeadlineExceeded
}

func TestLimiter_FailsOpenWhenBackendDown(t *testing.T) {
	l := NewLimiter(brokenBackend{}, nil)
	d, err := l.Allow(context.Background(), "key:abc", "render")
	if err != nil || !d.Allowed {
		t.Errorf("backend outage must fail open: %+v err=%v", d, err)
	}
}

func TestMiddleware_SetsHeadersAndRejects(t *testing.T) {
	l := testLimiter(t)
	handler := l.Middleware("render_async")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/render/async", nil)
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") != "20" {
		t.Errorf("X-RateLimit-Limit=%s", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("Retry-After") == "" || last.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("retry headers missing on 429")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(last.Body.Bytes(), &body); err != nil || body["error"] != "rate_limit_exceeded" {
		t.Errorf("429 body wrong: %s", last.Body.String())
	}
}

func TestRequestIdentifier_Preference(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:55123"
	if got := requestIdentifier(req); got != "ip:10.0.0.7" {
		t.Errorf("anonymous identifier=%s", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := requestIdentifier(req); got != "ip:203.0.113.9" {
		t.Errorf("forwarded identifier=%s", got)
	}

	withOrg := req.WithContext(multitenancy.WithOrg(req.Context(), "org-1"))
	if got := requestIdentifier(withOrg); got != "org:org-1" {
		t.Errorf("org identifier=%s", got)
	}

	withKey := req.WithContext(multitenancy.WithAPIKeyID(withOrg.Context(), "k123"))
	if got := requestIdentifier(withKey); got != "key:k123" {
		t.Errorf("key identifier=%s", got)
	}
}
