package provider

import (
	"context"
	"testing"
	"time"

	"github.com/sgd/backend/internal/circuitbreaker"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/observability"
)

// scriptedTransport returns canned outcomes per model, in call order.
type scriptedTransport struct {
	calls    []string // models invoked, in order
	handlers map[string]func(call int) (*Response, error)
	perModel map[string]int
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{
		handlers: map[string]func(int) (*Response, error){},
		perModel: map[string]int{},
	}
}

func (s *scriptedTransport) Invoke(_ context.Context, model string, _ *Request) (*Response, error) {
	s.calls = append(s.calls, model)
	n := s.perModel[model]
	s.perModel[model]++
	if h, ok := s.handlers[model]; ok {
		return h(n)
	}
	return &Response{Text: "ok"}, nil
}

func testPolicy() *Policy {
	return &Policy{
		Tasks: map[string]TaskPolicy{
			"planner": {Primary: "primary-model", Fallbacks: []string{"fallback-model"}},
			"image":   {Primary: "image-model", MaxCostUSD: 0.10},
		},
		Timeouts: TimeoutPolicy{DefaultMS: 1000},
		Retry:    RetryPolicy{MaxAttempts: 2, BackoffMS: 1},
	}
}

func newTestClient(tp Transport) *Client {
	c := NewClient(testPolicy(), tp, circuitbreaker.NewRegistry(nil), nil)
	c.sleep = func(time.Duration) {}
	return c
}

func TestExecute_PrimarySuccess(t *testing.T) {
	tp := newScripted()
	c := newTestClient(tp)

	resp, err := c.Execute(context.Background(), &Request{Task: TaskPlanner, Prompt: "plan"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Model != "primary-model" {
		t.Errorf("model=%s, want primary-model", resp.Model)
	}
	if len(tp.calls) != 1 {
		t.Errorf("expected a single call, got %v", tp.calls)
	}
}

func TestExecute_RetriesThenFallback(t *testing.T) {
	tp := newScripted()
	tp.handlers["primary-model"] = func(int) (*Response, error) {
		return nil, core.Errorf(core.KindProvider, "upstream 503")
	}
	c := newTestClient(tp)

	resp, err := c.Execute(context.Background(), &Request{Task: TaskPlanner, Prompt: "plan"})
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if resp.Model != "fallback-model" {
		t.Errorf("model=%s, want fallback-model", resp.Model)
	}
	// 2 attempts on primary, then 1 success on fallback
	want := []string{"primary-model", "primary-model", "fallback-model"}
	if len(tp.calls) != len(want) {
		t.Fatalf("calls=%v, want %v", tp.calls, want)
	}
	for i := range want {
		if tp.calls[i] != want[i] {
			t.Errorf("call %d=%s, want %s", i, tp.calls[i], want[i])
		}
	}
}

func TestExecute_AllModelsExhausted(t *testing.T) {
	tp := newScripted()
	fail := func(int) (*Response, error) { return nil, core.Errorf(core.KindProvider, "down") }
	tp.handlers["primary-model"] = fail
	tp.handlers["fallback-model"] = fail
	c := newTestClient(tp)

	_, err := c.Execute(context.Background(), &Request{Task: TaskPlanner, Prompt: "plan"})
	if !core.IsKind(err, core.KindProvider) {
		t.Fatalf("expected provider error after exhaustion, got %v", err)
	}
}

func TestExecute_CostCapBreachIsFailure(t *testing.T) {
	tp := newScripted()
	tp.handlers["image-model"] = func(int) (*Response, error) {
		return &Response{Images: []Image{{Data: []byte("x")}}, CostUSD: 0.25}, nil
	}
	c := newTestClient(tp)

	_, err := c.Execute(context.Background(), &Request{Task: TaskImage, Count: 1, Width: 64, Height: 64})
	if !core.IsKind(err, core.KindProvider) {
		t.Fatalf("cost-cap breach should fail as provider error, got %v", err)
	}
}

func TestExecute_BreakerOpenShortCircuits(t *testing.T) {
	tp := newScripted()
	fail := func(int) (*Response, error) { return nil, core.Errorf(core.KindProvider, "500") }
	tp.handlers["primary-model"] = fail
	tp.handlers["fallback-model"] = fail
	c := newTestClient(tp)
	ctx := context.Background()

	// Drive the provider:planner breaker open: 5 consecutive failures.
	for i := 0; i < 3; i++ {
		c.Execute(ctx, &Request{Task: TaskPlanner, Prompt: "p"})
	}

	before := len(tp.calls)
	_, err := c.Execute(ctx, &Request{Task: TaskPlanner, Prompt: "p"})
	if !core.IsKind(err, core.KindBreakerOpen) {
		t.Fatalf("expected breaker-open rejection, got %v", err)
	}
	if len(tp.calls) != before {
		t.Error("open breaker must not produce outbound calls")
	}
}

func TestExecute_CostExtraction(t *testing.T) {
	cases := []struct {
		name string
		resp *Response
		req  *Request
		want float64
	}{
		{"declared cost wins", &Response{CostUSD: 0.05, PromptTokens: 1000}, &Request{}, 0.05},
		{"token pricing", &Response{PromptTokens: 1000, CompletionTokens: 1000}, &Request{}, promptCostPer1k + completionCostPer1k},
		{"image flat rate", &Response{Images: []Image{{}, {}}}, &Request{}, 2 * imageFlatRateUSD},
		{"nothing known", &Response{}, &Request{}, 0},
	}
	for _, tc := range cases {
		if got := extractCost(tc.resp, tc.req); got != tc.want {
			t.Errorf("%s: extractCost=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExecute_FailedAttemptsLandOnTrace(t *testing.T) {
	tp := newScripted()
	fail := func(int) (*Response, error) { return nil, core.Errorf(core.KindProvider, "upstream 503") }
	tp.handlers["primary-model"] = fail
	tp.handlers["fallback-model"] = fail
	c := newTestClient(tp)

	tr := observability.NewTrace("test")
	ctx := observability.WithTrace(context.Background(), tr)
	_, err := c.Execute(ctx, &Request{Task: TaskPlanner, Prompt: "the prompt"})
	if !core.IsKind(err, core.KindProvider) {
		t.Fatalf("expected provider error after exhaustion, got %v", err)
	}

	// Every transport attempt is an llm_call, failures included: two
	// attempts on primary, two on the fallback.
	if len(tr.Calls) != len(tp.calls) || len(tp.calls) != 4 {
		t.Fatalf("trace has %d llm_calls for %d attempts", len(tr.Calls), len(tp.calls))
	}
	for i, call := range tr.Calls {
		if call.Model != tp.calls[i] {
			t.Errorf("call %d attributed to %s, want %s", i, call.Model, tp.calls[i])
		}
		if call.CompletionSHA256 != core.HashText("") {
			t.Errorf("call %d: failed attempt must carry no completion", i)
		}
		if call.CostUSD != 0 || call.CompletionTokens != 0 {
			t.Errorf("call %d: failed attempt must cost nothing: %+v", i, call)
		}
	}
	if tr.TotalCostUSD != 0 {
		t.Errorf("failed run accrued cost %v", tr.TotalCostUSD)
	}
}

func TestExecute_RecordsOnTrace(t *testing.T) {
	tp := newScripted()
	tp.handlers["primary-model"] = func(int) (*Response, error) {
		return &Response{Text: "completion", PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.01}, nil
	}
	c := newTestClient(tp)

	tr := observability.NewTrace("test")
	ctx := observability.WithTrace(context.Background(), tr)
	if _, err := c.Execute(ctx, &Request{Task: TaskPlanner, Prompt: "the prompt"}); err != nil {
		t.Fatal(err)
	}

	if len(tr.Calls) != 1 {
		t.Fatalf("expected one llm_call on the trace, got %d", len(tr.Calls))
	}
	call := tr.Calls[0]
	if call.Task != "planner" || call.Model != "primary-model" {
		t.Errorf("call attribution wrong: %+v", call)
	}
	if call.CostUSD != 0.01 || tr.TotalCostUSD != 0.01 {
		t.Errorf("cost accounting wrong: call=%v trace=%v", call.CostUSD, tr.TotalCostUSD)
	}
}
