package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sgd/backend/internal/circuitbreaker"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/observability"
)

// Request describes one provider call.
type Request struct {
	Task   Task
	System string
	Prompt string

	// Image-generation parameters; ignored for text tasks.
	Count  int
	Width  int
	Height int
	Format core.ImageFormat
}

// Image is one generated asset returned by an image task.
type Image struct {
	Data   []byte
	Format core.ImageFormat
}

// Response is the normalized provider result.
type Response struct {
	Model            string
	Text             string
	Images           []Image
	PromptTokens     int
	CompletionTokens int
	// CostUSD as declared by the endpoint; zero means undeclared and the
	// client estimates from tokens or the image flat rate.
	CostUSD float64
	Latency time.Duration
}

// Transport performs the raw call against one concrete model.
type Transport interface {
	Invoke(ctx context.Context, model string, req *Request) (*Response, error)
}

// fallback pricing per 1k tokens when the endpoint does not declare cost.
const (
	promptCostPer1k     = 0.003
	completionCostPer1k = 0.015
	imageFlatRateUSD    = 0.04
)

// Client routes requests per policy with retries, fallbacks and per-task
// circuit breakers.
type Client struct {
	policy    *Policy
	transport Transport
	breakers  *circuitbreaker.Registry
	metrics   *observability.Metrics

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewClient builds a client. metrics may be nil.
func NewClient(policy *Policy, transport Transport, breakers *circuitbreaker.Registry, metrics *observability.Metrics) *Client {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Client{
		policy:    policy,
		transport: transport,
		breakers:  breakers,
		metrics:   metrics,
		sleep:     time.Sleep,
	}
}

// Execute runs the request through the task's model chain. For each model the
// configured attempts are made with linear backoff plus jitter; cost-cap
// breaches count as failures. When every model is exhausted the last cause is
// surfaced as a ProviderError, except a rejection from an open breaker which
// keeps its own kind.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	models, timeout, maxCost := c.policy.routeFor(req.Task)
	breaker := c.breakers.Get("provider:" + string(req.Task))

	var lastErr error
	for _, model := range models {
		for attempt := 1; attempt <= c.policy.Retry.MaxAttempts; attempt++ {
			resp, latency, err := c.invokeOnce(ctx, breaker, model, req, timeout, maxCost)
			if err == nil {
				c.record(ctx, req, resp, "success")
				return resp, nil
			}

			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				// The breaker guards the whole task; retrying other models
				// would bypass the suppression it exists to provide. No
				// transport call was made, so there is nothing to record.
				return nil, core.NewError(core.KindBreakerOpen,
					"provider dependency suppressed for task "+string(req.Task), err)
			}

			// Failed attempts are part of the audit trail too: an llm_call
			// with no completion, zero tokens and zero cost.
			c.recordFailure(ctx, req, model, latency)
			c.countCall(req.Task, model, "failure")

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if kind := core.KindOf(err); kind != core.KindProvider && kind != core.KindInternal {
				// Non-retryable kinds (policy, validation) surface as-is.
				return nil, err
			}

			lastErr = err
			if attempt < c.policy.Retry.MaxAttempts {
				backoff := time.Duration(c.policy.Retry.BackoffMS*attempt) * time.Millisecond
				backoff += time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
				c.sleep(backoff)
			}
		}
		slog.Warn("provider model exhausted, moving to fallback",
			"task", req.Task, "model", model, "error", lastErr)
	}

	return nil, core.NewError(core.KindProvider,
		"all models exhausted for task "+string(req.Task), lastErr)
}

func (c *Client) invokeOnce(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, model string, req *Request, timeout time.Duration, maxCost float64) (*Response, time.Duration, error) {
	var resp *Response
	var latency time.Duration
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		r, err := c.transport.Invoke(callCtx, model, req)
		latency = time.Since(start)
		if err != nil {
			return err
		}
		r.Model = model
		r.Latency = latency
		r.CostUSD = extractCost(r, req)

		if maxCost > 0 && r.CostUSD > maxCost {
			return core.Errorf(core.KindProvider,
				"model %s cost $%.4f exceeds task cap $%.4f", model, r.CostUSD, maxCost)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, latency, err
	}
	return resp, latency, nil
}

// extractCost prefers the endpoint-declared cost, then token pricing, then
// the per-image flat rate.
func extractCost(r *Response, req *Request) float64 {
	if r.CostUSD > 0 {
		return r.CostUSD
	}
	if r.PromptTokens > 0 || r.CompletionTokens > 0 {
		return float64(r.PromptTokens)/1000*promptCostPer1k +
			float64(r.CompletionTokens)/1000*completionCostPer1k
	}
	if n := len(r.Images); n > 0 {
		return float64(n) * imageFlatRateUSD
	}
	return 0
}

// record attaches the call to the active trace and bumps metrics.
func (c *Client) record(ctx context.Context, req *Request, resp *Response, outcome string) {
	if tr := observability.FromContext(ctx); tr != nil {
		prompt := req.System + "\n" + req.Prompt
		tr.RecordLLMCall(string(req.Task), resp.Model, prompt, resp.Text,
			resp.PromptTokens, resp.CompletionTokens, resp.Latency, resp.CostUSD)
	}
	c.countCall(req.Task, resp.Model, outcome)
	if c.metrics != nil {
		c.metrics.AITokensTotal.WithLabelValues(string(req.Task), "prompt").Add(float64(resp.PromptTokens))
		c.metrics.AITokensTotal.WithLabelValues(string(req.Task), "completion").Add(float64(resp.CompletionTokens))
	}
}

// recordFailure attaches a failed attempt to the active trace: no
// completion, zero tokens, zero cost, measured latency.
func (c *Client) recordFailure(ctx context.Context, req *Request, model string, latency time.Duration) {
	if tr := observability.FromContext(ctx); tr != nil {
		prompt := req.System + "\n" + req.Prompt
		tr.RecordLLMCall(string(req.Task), model, prompt, "", 0, 0, latency, 0)
	}
}

func (c *Client) countCall(task Task, model, outcome string) {
	if c.metrics != nil {
		c.metrics.AIRequestsTotal.WithLabelValues(string(task), model, outcome).Inc()
	}
}
