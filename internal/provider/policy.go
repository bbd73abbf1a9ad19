// Package provider executes LLM and image-generation calls against the
// external model endpoint. Routing is policy-driven per task: primary model,
// ordered fallbacks, per-task timeout, cost cap, and retry with backoff.
// Every call goes through the task's circuit breaker and is recorded on the
// active trace with hashed prompt and completion.
package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Task names the call site; the policy document keys off it.
type Task string

const (
	TaskPlanner Task = "planner"
	TaskCritic  Task = "critic"
	TaskCanon   Task = "canon"
	TaskImage   Task = "image"
)

// TaskPolicy routes one task.
type TaskPolicy struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	MaxCostUSD float64  `json:"max_cost_usd,omitempty"` // 0 disables the cap
}

// TimeoutPolicy holds per-task call deadlines in milliseconds.
type TimeoutPolicy struct {
	DefaultMS int            `json:"default"`
	PerTaskMS map[string]int `json:"per_task,omitempty"`
}

// RetryPolicy controls per-model retry behavior.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMS   int `json:"backoff_ms"`
}

// Policy is the declarative routing document, loaded from JSON.
type Policy struct {
	Tasks    map[string]TaskPolicy `json:"tasks"`
	Timeouts TimeoutPolicy         `json:"timeouts_ms"`
	Retry    RetryPolicy           `json:"retry"`
}

// DefaultPolicy covers local development when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Tasks: map[string]TaskPolicy{
			string(TaskPlanner): {Primary: "anthropic/claude-sonnet-4", Fallbacks: []string{"openai/gpt-4o-mini"}},
			string(TaskCritic):  {Primary: "openai/gpt-4o-mini"},
			string(TaskCanon):   {Primary: "anthropic/claude-sonnet-4"},
			string(TaskImage):   {Primary: "google/gemini-2.5-flash-image", Fallbacks: []string{"openai/dall-e-3"}, MaxCostUSD: 0.50},
		},
		Timeouts: TimeoutPolicy{
			DefaultMS: 30000,
			PerTaskMS: map[string]int{string(TaskImage): 120000},
		},
		Retry: RetryPolicy{MaxAttempts: 3, BackoffMS: 250},
	}
}

// LoadPolicy reads a policy JSON file, filling gaps from the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 1
	}
	return p, nil
}

// routeFor resolves the model chain and limits for a task.
func (p *Policy) routeFor(task Task) (models []string, timeout time.Duration, maxCost float64) {
	tp, ok := p.Tasks[string(task)]
	if !ok {
		tp = TaskPolicy{Primary: "openai/gpt-4o-mini"}
	}
	models = append([]string{tp.Primary}, tp.Fallbacks...)

	ms := p.Timeouts.DefaultMS
	if override, ok := p.Timeouts.PerTaskMS[string(task)]; ok {
		ms = override
	}
	if ms <= 0 {
		ms = 30000
	}
	return models, time.Duration(ms) * time.Millisecond, tp.MaxCostUSD
}
