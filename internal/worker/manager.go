// Package worker runs the async render consumers: a manager owns a set of
// workers draining the job stream, autoscaled by queue depth, each processing
// one job at a time through the render pipeline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/queue"
)

// State of one managed worker.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Stats is the externally visible record of one worker.
type Stats struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
}

// Manager owns the worker set. All operations are safe for concurrent use.
type Manager struct {
	queue      *queue.Queue
	renderer   Renderer
	metrics    *observability.Metrics
	maxWorkers int

	mu      sync.Mutex
	seq     int
	workers map[string]*worker
}

// NewManager creates a manager bounded at maxWorkers concurrent consumers.
func NewManager(q *queue.Queue, r Renderer, maxWorkers int, metrics *observability.Metrics) *Manager {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Manager{
		queue:      q,
		renderer:   r,
		metrics:    metrics,
		maxWorkers: maxWorkers,
		workers:    make(map[string]*worker),
	}
}

// Start launches a worker. An empty id gets a generated one. Starting an
// already running id is a no-op returning that id.
func (m *Manager) Start(ctx context.Context, id string) string {
	m.mu.Lock()
	if id == "" {
		m.seq++
		id = fmt.Sprintf("worker-%d", m.seq)
	}
	if w, ok := m.workers[id]; ok && w.state() == StateRunning {
		m.mu.Unlock()
		return id
	}
	w := newWorker(id, m.queue, m.renderer, m.metrics)
	m.workers[id] = w
	w.start(ctx)
	m.mu.Unlock()

	m.gauge()
	slog.Info("worker started", "worker_id", id)
	return id
}

// Stop requests a cooperative stop: the worker finishes its current job and
// exits. Blocks until the worker loop has returned.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}
	w.stop()
	m.gauge()
	slog.Info("worker stopped", "worker_id", id)
	return nil
}

// Restart stops and relaunches a worker, preserving its id but resetting its
// counters.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	m.Start(ctx, id)
	return nil
}

// ScaleTo adjusts the running worker count to n, clamped to [0, maxWorkers].
func (m *Manager) ScaleTo(ctx context.Context, n int) {
	if n < 0 {
		n = 0
	}
	if n > m.maxWorkers {
		n = m.maxWorkers
	}

	running := m.runningIDs()
	for len(running) < n {
		id := m.Start(ctx, "")
		running = append(running, id)
	}
	for i := len(running) - 1; i >= n; i-- {
		_ = m.Stop(running[i])
	}
}

// Autoscale applies the depth-based scaling rule:
// 0-5 messages -> 1 worker, 6-15 -> 2, 16+ -> min(3, maxWorkers).
func (m *Manager) Autoscale(ctx context.Context, depth int64) {
	var target int
	switch {
	case depth <= 5:
		target = 1
	case depth <= 15:
		target = 2
	default:
		target = 3
	}
	if target > m.maxWorkers {
		target = m.maxWorkers
	}
	if len(m.runningIDs()) != target {
		slog.Info("autoscaling workers", "queue_depth", depth, "target", target)
	}
	m.ScaleTo(ctx, target)
}

// RunAutoscaler polls queue depth on the given interval until ctx ends, then
// stops every worker.
func (m *Manager) RunAutoscaler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.ScaleTo(context.Background(), 0)
			return
		case <-ticker.C:
			depth, err := m.queue.Depth(ctx)
			if err != nil {
				slog.Warn("queue depth probe failed", "error", err)
				continue
			}
			m.Autoscale(ctx, depth)
		}
	}
}

// Stats reports every known worker, running or stopped.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.stats())
	}
	return out
}

func (m *Manager) runningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, w := range m.workers {
		if w.state() == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) gauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveWorkers.Set(float64(len(m.runningIDs())))
}
