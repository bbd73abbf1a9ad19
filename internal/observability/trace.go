// Package observability provides the tracing substrate every pipeline stage
// emits into: a per-request Trace with push/pop scoped spans, per-span LLM
// call records, and cost/token accounting. Prompts and completions are never
// stored raw; only their SHA-256 hashes appear in a trace.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgd/backend/internal/core"
)

// SpanStatus marks a span's outcome.
type SpanStatus string

const (
	SpanOK    SpanStatus = "OK"
	SpanError SpanStatus = "ERROR"
)

// LLMCall records a single invocation of the external model endpoint.
type LLMCall struct {
	PromptSHA256     string    `json:"prompt_sha256"`
	CompletionSHA256 string    `json:"completion_sha256"`
	Model            string    `json:"model"`
	Task             string    `json:"task"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
	Span             string    `json:"span"`
}

// Span is one timed stage within a trace.
type Span struct {
	Name       string                 `json:"name"`
	Start      time.Time              `json:"start"`
	End        time.Time              `json:"end"`
	DurationMS int64                  `json:"duration_ms"`
	Status     SpanStatus             `json:"status"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	LLMCalls   int                    `json:"llm_calls_in_span"`
}

// Trace aggregates the spans and LLM calls belonging to one request.
type Trace struct {
	mu sync.Mutex

	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Spans        []*Span   `json:"spans"`
	Calls        []LLMCall `json:"llm_calls"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	TotalTokens  int       `json:"total_tokens"`

	stack []*Span
}

// NewTrace starts a trace named after the operation at request entry.
func NewTrace(name string) *Trace {
	return &Trace{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: time.Now(),
	}
}

// StartSpan pushes a named span; Close pops it and records duration.
func (t *Trace) StartSpan(name string) *SpanHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp := &Span{Name: name, Start: time.Now(), Status: SpanOK, Meta: map[string]interface{}{}}
	t.Spans = append(t.Spans, sp)
	t.stack = append(t.stack, sp)
	return &SpanHandle{trace: t, span: sp}
}

// SpanHandle closes over one open span.
type SpanHandle struct {
	trace *Trace
	span  *Span
	once  sync.Once
}

// SetMeta attaches free-form metadata to the span.
func (h *SpanHandle) SetMeta(key string, value interface{}) {
	h.trace.mu.Lock()
	defer h.trace.mu.Unlock()
	h.span.Meta[key] = value
}

// Fail marks the span as errored with the error kind.
func (h *SpanHandle) Fail(err error) {
	h.trace.mu.Lock()
	defer h.trace.mu.Unlock()
	h.span.Status = SpanError
	if err != nil {
		h.span.Meta["error_kind"] = string(core.KindOf(err))
	}
}

// Close pops the span and stamps its duration. Safe to call twice.
func (h *SpanHandle) Close() {
	h.once.Do(func() {
		h.trace.mu.Lock()
		defer h.trace.mu.Unlock()
		h.span.End = time.Now()
		h.span.DurationMS = h.span.End.Sub(h.span.Start).Milliseconds()
		for i := len(h.trace.stack) - 1; i >= 0; i-- {
			if h.trace.stack[i] == h.span {
				h.trace.stack = append(h.trace.stack[:i], h.trace.stack[i+1:]...)
				break
			}
		}
	})
}

// RecordLLMCall hashes the prompt and completion and appends the call record
// to the trace, attributing it to the innermost open span.
func (t *Trace) RecordLLMCall(task, model, prompt, completion string, promptTokens, completionTokens int, latency time.Duration, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	spanName := ""
	if n := len(t.stack); n > 0 {
		spanName = t.stack[n-1].Name
		t.stack[n-1].LLMCalls++
	}

	t.Calls = append(t.Calls, LLMCall{
		PromptSHA256:     core.HashText(prompt),
		CompletionSHA256: core.HashText(completion),
		Model:            model,
		Task:             task,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
		CostUSD:          costUSD,
		Timestamp:        time.Now(),
		Span:             spanName,
	})
	t.TotalCostUSD += costUSD
	t.TotalTokens += promptTokens + completionTokens
}

// CostUSD returns the accumulated cost across all recorded calls.
func (t *Trace) CostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.TotalCostUSD
}

// ModelRoute lists the models used, in call order, without duplicates.
func (t *Trace) ModelRoute() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var route []string
	for _, c := range t.Calls {
		if !seen[c.Model] {
			seen[c.Model] = true
			route = append(route, c.Model)
		}
	}
	return route
}

// Sink receives finished traces. The default sink logs a summary; production
// deployments point this at the observability backend.
type Sink interface {
	Ship(ctx context.Context, trace *Trace)
}

// LogSink writes a one-line summary per trace via slog.
type LogSink struct{}

func (LogSink) Ship(_ context.Context, t *Trace) {
	slog.Info("trace finished",
		"trace_id", t.ID,
		"name", t.Name,
		"spans", len(t.Spans),
		"llm_calls", len(t.Calls),
		"cost_usd", t.TotalCostUSD,
		"tokens", t.TotalTokens,
		"duration_ms", t.FinishedAt.Sub(t.StartedAt).Milliseconds(),
	)
}

// Finish stamps the trace and ships it to the sink.
func (t *Trace) Finish(ctx context.Context, sink Sink) {
	t.mu.Lock()
	t.FinishedAt = time.Now()
	t.mu.Unlock()
	if sink != nil {
		sink.Ship(ctx, t)
	}
}

// MarshalJSON serializes the trace without exposing the internal stack.
func (t *Trace) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	type alias struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		StartedAt    time.Time `json:"started_at"`
		FinishedAt   time.Time `json:"finished_at"`
		Spans        []*Span   `json:"spans"`
		Calls        []LLMCall `json:"llm_calls"`
		TotalCostUSD float64   `json:"total_cost_usd"`
		TotalTokens  int       `json:"total_tokens"`
	}
	return json.Marshal(alias{
		ID: t.ID, Name: t.Name, StartedAt: t.StartedAt, FinishedAt: t.FinishedAt,
		Spans: t.Spans, Calls: t.Calls, TotalCostUSD: t.TotalCostUSD, TotalTokens: t.TotalTokens,
	})
}

// =============================================================================
// CONTEXT PLUMBING
// =============================================================================

type traceKey struct{}

// WithTrace attaches the trace to the request context.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// FromContext returns the active trace, or nil when tracing is absent
// (background maintenance work).
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}
