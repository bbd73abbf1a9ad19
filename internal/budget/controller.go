// Package budget enforces the per-org daily spend cap in real time. The
// counter lives in Redis and every increment is backend-atomic; the
// controller never holds an application lock across the counter update.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/observability"
)

// Backend is the slice of the Redis adapter the controller needs.
type Backend interface {
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	LPush(ctx context.Context, key string, values ...interface{}) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Status reports an org's budget position after a check or track.
type Status struct {
	OrgID             string  `json:"org_id"`
	Date              string  `json:"date"`
	SpendUSD          float64 `json:"spend_usd"`
	BudgetUSD         float64 `json:"budget_usd"`
	Pct               float64 `json:"pct"`
	Exceeded          bool    `json:"exceeded"`
	RetryAfterSeconds int     `json:"retry_after_seconds,omitempty"`
}

// Entry is one tracked spend, appended to the per-org audit ring.
type Entry struct {
	CostUSD   float64   `json:"cost_usd"`
	Model     string    `json:"model"`
	Task      string    `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// alert thresholds; each fires at most once per (org, date).
var alertThresholds = []int{50, 80, 100}

const (
	auditRingSize = 1000
	auditRingTTL  = 7 * 24 * time.Hour
)

// Alerter receives threshold crossings. The webhook dispatcher implements it;
// tests use a recorder.
type Alerter interface {
	Alert(orgID string, pct int, spend, budget float64)
}

// Controller tracks daily spend and enforces the hard cap.
type Controller struct {
	backend Backend
	budget  float64 // daily USD cap per org
	alerter Alerter
	metrics *observability.Metrics
	sink    *AuditStore
	logger  *log.Logger
	nowFunc func() time.Time
}

// NewController creates a controller with the given daily USD budget.
// alerter and metrics may be nil.
func NewController(backend Backend, dailyBudgetUSD float64, alerter Alerter, metrics *observability.Metrics) *Controller {
	return &Controller{
		backend: backend,
		budget:  dailyBudgetUSD,
		alerter: alerter,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
		nowFunc: time.Now,
	}
}

// WithAuditStore attaches a durable audit sink alongside the Redis ring.
func (c *Controller) WithAuditStore(s *AuditStore) *Controller {
	c.sink = s
	return c
}

func (c *Controller) dailyKey(orgID, date string) string {
	return fmt.Sprintf("budget:daily:%s:%s", orgID, date)
}

func (c *Controller) alertKey(orgID, date string, pct int) string {
	return fmt.Sprintf("budget:alert:%s:%s:%d", orgID, date, pct)
}

func (c *Controller) auditKey(orgID string) string {
	return fmt.Sprintf("budget:audit:%s", orgID)
}

// secondsUntilMidnight computes the UTC reset distance used both for key
// TTLs and Retry-After values.
func (c *Controller) secondsUntilMidnight() int {
	now := c.nowFunc().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}

// Track atomically adds cost to the org's daily counter and enforces the cap.
// The call that crosses the cap is the last permitted one: it succeeds, and
// every later call that day returns BudgetExceeded with Retry-After set to
// the seconds remaining until UTC midnight.
func (c *Controller) Track(ctx context.Context, orgID string, costUSD float64, model, task string) (*Status, error) {
	date := c.nowFunc().UTC().Format("2006-01-02")
	key := c.dailyKey(orgID, date)

	prior, err := c.currentSpend(ctx, key)
	if err != nil {
		return nil, core.NewError(core.KindCache, "budget counter read failed", err)
	}
	if c.budget > 0 && prior >= c.budget {
		retry := c.secondsUntilMidnight()
		return &Status{
				OrgID: orgID, Date: date, SpendUSD: prior, BudgetUSD: c.budget,
				Pct: prior / c.budget, Exceeded: true, RetryAfterSeconds: retry,
			}, &core.Error{
				Kind:       core.KindBudget,
				Message:    fmt.Sprintf("daily budget exhausted for org %s", orgID),
				RetryAfter: retry,
			}
	}

	spend, err := c.backend.IncrByFloat(ctx, key, costUSD)
	if err != nil {
		return nil, core.NewError(core.KindCache, "budget counter increment failed", err)
	}
	// First use of the day: pin the key to expire at UTC midnight.
	if spend == costUSD {
		_ = c.backend.Expire(ctx, key, time.Duration(c.secondsUntilMidnight())*time.Second)
	}

	c.appendAudit(ctx, orgID, Entry{CostUSD: costUSD, Model: model, Task: task, Timestamp: c.nowFunc()})
	if c.metrics != nil {
		c.metrics.BudgetSpendUSD.WithLabelValues(orgID).Set(spend)
		c.metrics.AICostUSDTotal.WithLabelValues(orgID, task).Add(costUSD)
	}

	status := &Status{OrgID: orgID, Date: date, SpendUSD: spend, BudgetUSD: c.budget}
	if c.budget > 0 {
		status.Pct = spend / c.budget
		c.fireAlerts(ctx, orgID, date, spend)
		if status.Pct >= 1.0 {
			// This call is permitted; the flag warns the caller that the
			// next one will be refused.
			status.Exceeded = true
			status.RetryAfterSeconds = c.secondsUntilMidnight()
		}
	}
	return status, nil
}

// Check is the non-mutating budget read used by the render precheck.
func (c *Controller) Check(ctx context.Context, orgID string) (*Status, error) {
	date := c.nowFunc().UTC().Format("2006-01-02")
	spend, err := c.currentSpend(ctx, c.dailyKey(orgID, date))
	if err != nil {
		return nil, core.NewError(core.KindCache, "budget counter read failed", err)
	}

	status := &Status{OrgID: orgID, Date: date, SpendUSD: spend, BudgetUSD: c.budget}
	if c.budget > 0 {
		status.Pct = spend / c.budget
		if status.Pct >= 1.0 {
			status.Exceeded = true
			status.RetryAfterSeconds = c.secondsUntilMidnight()
		}
	}
	return status, nil
}

// Audit returns the most recent tracked entries for an org, newest first.
func (c *Controller) Audit(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > auditRingSize {
		limit = auditRingSize
	}
	raw, err := c.backend.LRange(ctx, c.auditKey(orgID), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if json.Unmarshal([]byte(r), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (c *Controller) currentSpend(ctx context.Context, key string) (float64, error) {
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var spend float64
	if _, err := fmt.Sscanf(string(raw), "%g", &spend); err != nil {
		return 0, fmt.Errorf("malformed budget counter %q: %w", raw, err)
	}
	return spend, nil
}

// fireAlerts sends each threshold alert at most once per (org, date), gated
// by a SetNX idempotency key.
func (c *Controller) fireAlerts(ctx context.Context, orgID, date string, spend float64) {
	pct := spend / c.budget * 100
	for _, threshold := range alertThresholds {
		if pct < float64(threshold) {
			continue
		}
		won, err := c.backend.SetNX(ctx, c.alertKey(orgID, date, threshold), []byte("1"),
			time.Duration(c.secondsUntilMidnight())*time.Second)
		if err != nil || !won {
			continue
		}
		c.logger.Printf("org %s crossed %d%% of daily budget ($%.4f of $%.2f)", orgID, threshold, spend, c.budget)
		if c.alerter != nil {
			c.alerter.Alert(orgID, threshold, spend, c.budget)
		}
	}
}

func (c *Controller) appendAudit(ctx context.Context, orgID string, e Entry) {
	if c.sink != nil {
		c.sink.Record(ctx, orgID, e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	key := c.auditKey(orgID)
	if err := c.backend.LPush(ctx, key, data); err != nil {
		c.logger.Printf("audit append failed for %s: %v", orgID, err)
		return
	}
	_ = c.backend.LTrim(ctx, key, 0, auditRingSize-1)
	_ = c.backend.Expire(ctx, key, auditRingTTL)
}
