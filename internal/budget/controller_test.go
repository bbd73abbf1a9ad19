package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/infra"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []int
}

func (r *recordingAlerter) Alert(orgID string, pct int, spend, budget float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, pct)
}

func (r *recordingAlerter) fired() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.alerts...)
}

func testController(t *testing.T, dailyBudget float64, alerter Alerter) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewController(infra.NewRedisAdapterFromClient(rdb), dailyBudget, alerter, nil)
}

func TestTrack_AccumulatesSpend(t *testing.T) {
	c := testController(t, 100, nil)
	ctx := context.Background()

	st, err := c.Track(ctx, "org-1", 1.25, "model-a", "planner")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if st.SpendUSD != 1.25 {
		t.Errorf("spend=%v, want 1.25", st.SpendUSD)
	}

	st, err = c.Track(ctx, "org-1", 0.75, "model-a", "image")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if st.SpendUSD != 2.0 {
		t.Errorf("spend=%v, want 2.0", st.SpendUSD)
	}

	// Check is non-mutating.
	before, _ := c.Check(ctx, "org-1")
	after, _ := c.Check(ctx, "org-1")
	if before.SpendUSD != after.SpendUSD || before.SpendUSD != 2.0 {
		t.Errorf("Check must not mutate: %v then %v", before.SpendUSD, after.SpendUSD)
	}
}

func TestTrack_LastPermittedCallThenRefusal(t *testing.T) {
	c := testController(t, 1.0, nil)
	ctx := context.Background()

	// Bring spend to budget - 0.01.
	if _, err := c.Track(ctx, "org-2", 0.99, "m", "image"); err != nil {
		t.Fatalf("setup track: %v", err)
	}

	// The call that crosses the cap succeeds.
	st, err := c.Track(ctx, "org-2", 0.05, "m", "image")
	if err != nil {
		t.Fatalf("crossing call must be permitted: %v", err)
	}
	if !st.Exceeded {
		t.Error("crossing call should flag Exceeded")
	}

	// Every subsequent call that day is refused with Retry-After.
	_, err = c.Track(ctx, "org-2", 0.01, "m", "image")
	if err == nil {
		t.Fatal("post-cap call must be refused")
	}
	var terr *core.Error
	if !core.IsKind(err, core.KindBudget) {
		t.Fatalf("expected budget error kind, got %v", err)
	}
	if ok := errorAs(err, &terr); !ok || terr.RetryAfter <= 0 || terr.RetryAfter > 86400 {
		t.Errorf("Retry-After must be within (0, 86400], got %+v", terr)
	}
}

func errorAs(err error, target **core.Error) bool {
	e, ok := err.(*core.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestTrack_AlertsFireOncePerThreshold(t *testing.T) {
	rec := &recordingAlerter{}
	c := testController(t, 10.0, rec)
	ctx := context.Background()

	c.Track(ctx, "org-3", 5.0, "m", "image")  // 50%
	c.Track(ctx, "org-3", 0.5, "m", "image")  // 55% — no new alert
	c.Track(ctx, "org-3", 2.6, "m", "image")  // 81%
	c.Track(ctx, "org-3", 2.0, "m", "image")  // 101% — crossing call permitted

	fired := rec.fired()
	counts := map[int]int{}
	for _, pct := range fired {
		counts[pct]++
	}
	for _, threshold := range []int{50, 80, 100} {
		if counts[threshold] != 1 {
			t.Errorf("threshold %d%% fired %d times, want exactly once (all: %v)",
				threshold, counts[threshold], fired)
		}
	}
}

func TestTrack_AuditRingRetainsEntries(t *testing.T) {
	c := testController(t, 0, nil) // zero budget disables enforcement
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Track(ctx, "org-4", 0.01, "model-x", "critic"); err != nil {
			t.Fatalf("Track %d: %v", i, err)
		}
	}

	entries, err := c.Audit(ctx, "org-4", 10)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(entries))
	}
	if entries[0].Model != "model-x" || entries[0].Task != "critic" {
		t.Errorf("audit entry fields lost: %+v", entries[0])
	}
}

func TestSecondsUntilMidnight(t *testing.T) {
	c := testController(t, 1, nil)
	c.nowFunc = func() time.Time {
		return time.Date(2026, 8, 26, 23, 59, 0, 0, time.UTC)
	}
	if s := c.secondsUntilMidnight(); s != 60 {
		t.Errorf("one minute to midnight should be 60 seconds, got %d", s)
	}
}

func TestAuditStore_NilDBIsNoOp(t *testing.T) {
	s, err := NewAuditStore(nil)
	if err != nil {
		t.Fatalf("NewAuditStore(nil): %v", err)
	}

	ctx := context.Background()
	s.Record(ctx, "org-5", Entry{CostUSD: 0.02, Model: "m", Task: "planner", Timestamp: time.Now()})

	entries, err := s.History(ctx, "org-5", 10)
	if err != nil || entries != nil {
		t.Errorf("nil-db history should be empty and error-free, got %v / %v", entries, err)
	}
}
