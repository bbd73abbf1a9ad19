// Package circuitbreaker implements the circuit breaker guarding every
// external dependency of the render core: the provider endpoint per task,
// the cache backend, storage and the vector index.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned without invoking the callable while the breaker
// suppresses a dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker thresholds.
type Config struct {
	Name string

	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold int

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int

	// ResetTimeout is the open period before a trial request is admitted.
	ResetTimeout time.Duration

	// FailureRateThreshold trips the breaker when the failure rate over the
	// sliding outcome window reaches it, provided at least MinCalls outcomes
	// have been observed.
	FailureRateThreshold float64
	MinCalls             int
	WindowSize           int

	// Exclude reports errors that must not count as failures (validation,
	// policy). Excluded errors pass through without touching state.
	Exclude func(error) bool

	// OnStateChange is called on every transition with the reason.
	OnStateChange func(name string, from, to State, reason string)
}

// DefaultConfig returns the defaults from the service runbook:
// 5 consecutive failures or 50% failure rate over >=10 calls trip; 60s to
// half-open; 2 successes to close.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                 name,
		FailureThreshold:     5,
		SuccessThreshold:     2,
		ResetTimeout:         60 * time.Second,
		FailureRateThreshold: 0.5,
		MinCalls:             10,
		WindowSize:           100,
	}
}

// Transition records one state change for audit.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// CircuitBreaker serializes its state transitions behind a mutex; only one
// caller observes the decision that triggers a transition.
type CircuitBreaker struct {
	cfg *Config

	mu          sync.Mutex
	state       State
	consecFail  int
	consecSucc  int
	window      []bool // true = failure; bounded ring of recent outcomes
	windowPos   int
	windowFull  bool
	openedAt    time.Time
	transitions []Transition
}

// New creates a breaker in the closed state.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	return &CircuitBreaker{
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, applying the open→half-open timer.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Transitions returns a copy of the recorded state changes.
func (cb *CircuitBreaker) Transitions() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Transition, len(cb.transitions))
	copy(out, cb.transitions)
	return out
}

// Execute runs fn if the breaker allows it. A rejection returns
// ErrCircuitOpen without invoking fn. Excluded errors are passed through
// without counting as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && cb.cfg.Exclude != nil && cb.cfg.Exclude(err) {
		return err
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState(time.Now()) == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	cb.window[cb.windowPos] = !success
	cb.windowPos = (cb.windowPos + 1) % len(cb.window)
	if cb.windowPos == 0 {
		cb.windowFull = true
	}

	if success {
		cb.consecSucc++
		cb.consecFail = 0
		if state == StateHalfOpen && cb.consecSucc >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now, "success threshold reached in half-open")
		}
		return
	}

	cb.consecFail++
	cb.consecSucc = 0

	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen, now, "failure in half-open")
	case StateClosed:
		if cb.consecFail >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now, "consecutive failure threshold reached")
			return
		}
		if calls, rate := cb.windowStats(); calls >= cb.cfg.MinCalls && rate >= cb.cfg.FailureRateThreshold {
			cb.setState(StateOpen, now, "window failure rate threshold reached")
		}
	}
}

// windowStats returns the number of observed outcomes and the failure rate.
func (cb *CircuitBreaker) windowStats() (int, float64) {
	calls := cb.windowPos
	if cb.windowFull {
		calls = len(cb.window)
	}
	if calls == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < calls; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return calls, float64(failures) / float64(calls)
}

// currentState applies the reset timer. Callers hold cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setState(StateHalfOpen, now, "reset timeout elapsed")
	}
	return cb.state
}

// setState changes state and records the transition. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(next State, now time.Time, reason string) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next

	switch next {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.consecSucc = 0
	case StateClosed:
		cb.consecFail = 0
		cb.window = make([]bool, cb.cfg.WindowSize)
		cb.windowPos = 0
		cb.windowFull = false
	}

	cb.transitions = append(cb.transitions, Transition{From: prev, To: next, Reason: reason, At: now})
	if len(cb.transitions) > 256 {
		cb.transitions = cb.transitions[len(cb.transitions)-256:]
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, next, reason)
	} else {
		log.Printf("[CircuitBreaker:%s] %s -> %s (%s)", cb.cfg.Name, prev, next, reason)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the process-wide thread-safe map of breakers by name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
}

// NewRegistry creates a registry; defaultCfg seeds breakers created by Get.
func NewRegistry(defaultCfg *Config) *Registry {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for name, creating it from the default config.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	cfg := *r.cfg
	cfg.Name = name
	cb = New(&cfg)
	r.breakers[name] = cb
	return cb
}

// GetOrCreate returns an existing breaker or creates one with custom config.
func (r *Registry) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	if cfg == nil {
		c := *r.cfg
		cfg = &c
	}
	cfg.Name = name
	cb = New(cfg)
	r.breakers[name] = cb
	return cb
}

// States snapshots every breaker state for the health endpoint.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// Healthy reports false when any breaker is open.
func (r *Registry) Healthy() bool {
	for _, s := range r.States() {
		if s == StateOpen.String() {
			return false
		}
	}
	return true
}
