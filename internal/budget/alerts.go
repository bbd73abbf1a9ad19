package budget

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

// WebhookAlerter posts threshold crossings to the configured webhook URL
// asynchronously through a small background worker pool, so budget tracking
// never blocks on a slow receiver.
type WebhookAlerter struct {
	url        string
	httpClient *http.Client
	queue      chan alertEvent
	logger     *log.Logger
	closeOnce  sync.Once
}

type alertEvent struct {
	OrgID     string    `json:"org_id"`
	Pct       int       `json:"pct"`
	SpendUSD  float64   `json:"spend_usd"`
	BudgetUSD float64   `json:"budget_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWebhookAlerter starts the delivery workers. A empty URL yields a no-op
// alerter that only logs.
func NewWebhookAlerter(url string, workers int) *WebhookAlerter {
	if workers <= 0 {
		workers = 2
	}
	a := &WebhookAlerter{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan alertEvent, 256),
		logger:     log.New(log.Writer(), "[BUDGET-ALERT] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

// Alert enqueues the event; a full queue drops it with a log line rather
// than blocking the cost path.
func (a *WebhookAlerter) Alert(orgID string, pct int, spend, budget float64) {
	ev := alertEvent{OrgID: orgID, Pct: pct, SpendUSD: spend, BudgetUSD: budget, Timestamp: time.Now()}
	select {
	case a.queue <- ev:
	default:
		a.logger.Printf("alert queue full, dropping %d%% alert for org %s", pct, orgID)
	}
}

// Close stops accepting alerts and lets the delivery workers drain.
func (a *WebhookAlerter) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
}

func (a *WebhookAlerter) worker() {
	for ev := range a.queue {
		a.deliver(ev)
	}
}

func (a *WebhookAlerter) deliver(ev alertEvent) {
	if a.url == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	// one retry on transport failure, then give up
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := a.httpClient.Post(a.url, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			a.logger.Printf("webhook returned %d for org %s (%d%%)", resp.StatusCode, ev.OrgID, ev.Pct)
			return
		}
		a.logger.Printf("webhook delivery attempt %d failed: %v", attempt, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}
