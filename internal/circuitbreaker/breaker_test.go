package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(context.Context) error { return errBoom })
}

func succeeding(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(context.Context) error { return nil })
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("test"))

	for i := 0; i < 5; i++ {
		if err := failing(cb); !errors.Is(err, errBoom) {
			t.Fatalf("call %d should reach the callable, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("breaker should be OPEN after 5 consecutive failures, got %s", cb.State())
	}

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker should reject with ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("open breaker must not invoke the callable")
	}
}

func TestBreaker_TripsOnWindowFailureRate(t *testing.T) {
	cfg := DefaultConfig("rate")
	cfg.FailureThreshold = 1000 // keep the consecutive trigger out of the way
	cb := New(cfg)

	// Alternate success/failure: never 2 consecutive failures, but the
	// window rate reaches 0.5 once min_calls outcomes are observed.
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			succeeding(cb)
		} else {
			failing(cb)
		}
	}
	// One more failure pushes the rate over the threshold at >=10 calls.
	failing(cb)

	if cb.State() != StateOpen {
		t.Fatalf("breaker should trip on window failure rate, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig("recovery")
	cfg.ResetTimeout = 20 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		failing(cb)
	}
	if cb.State() != StateOpen {
		t.Fatal("precondition: breaker open")
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("breaker should be HALF_OPEN after reset timeout, got %s", cb.State())
	}

	// success_threshold=2 consecutive successes close it
	succeeding(cb)
	if cb.State() != StateHalfOpen {
		t.Fatalf("one success should not close the breaker, got %s", cb.State())
	}
	succeeding(cb)
	if cb.State() != StateClosed {
		t.Fatalf("two successes should close the breaker, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("reopen")
	cfg.ResetTimeout = 10 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		failing(cb)
	}
	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatal("precondition: half-open")
	}

	failing(cb)
	if cb.State() != StateOpen {
		t.Fatalf("any failure in half-open must reopen, got %s", cb.State())
	}
}

func TestBreaker_ExcludedErrorsNeverChangeState(t *testing.T) {
	errValidation := errors.New("validation")
	cfg := DefaultConfig("excluded")
	cfg.Exclude = func(err error) bool { return errors.Is(err, errValidation) }
	cb := New(cfg)

	for i := 0; i < 20; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errValidation })
		if !errors.Is(err, errValidation) {
			t.Fatalf("excluded error should pass through, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("excluded errors must not trip the breaker, got %s", cb.State())
	}
}

func TestBreaker_TransitionsRecorded(t *testing.T) {
	cfg := DefaultConfig("audit")
	cfg.ResetTimeout = 5 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		failing(cb)
	}
	time.Sleep(10 * time.Millisecond)
	cb.State() // triggers open -> half_open

	trs := cb.Transitions()
	if len(trs) < 2 {
		t.Fatalf("expected at least 2 transitions, got %d", len(trs))
	}
	if trs[0].From != StateClosed || trs[0].To != StateOpen {
		t.Errorf("first transition should be CLOSED->OPEN, got %s->%s", trs[0].From, trs[0].To)
	}
	if trs[0].Reason == "" || trs[0].At.IsZero() {
		t.Error("transitions must carry reason and timestamp")
	}
}

func TestRegistry_SharedInstancePerName(t *testing.T) {
	reg := NewRegistry(nil)
	a := reg.Get("provider:image")
	b := reg.Get("provider:image")
	if a != b {
		t.Error("registry must return the same breaker for the same name")
	}

	states := reg.States()
	if states["provider:image"] != "CLOSED" {
		t.Errorf("fresh breaker should be CLOSED, got %s", states["provider:image"])
	}
	if !reg.Healthy() {
		t.Error("registry with only closed breakers should be healthy")
	}
}
