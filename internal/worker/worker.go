package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/queue"
	"github.com/sgd/backend/internal/render"
)

// Renderer is the slice of the render pipeline a worker drives.
type Renderer interface {
	Render(ctx context.Context, orgID string, req *core.RenderRequest, mode render.Mode) (*core.RenderResult, error)
}

const (
	idleSleep     = 200 * time.Millisecond
	reclaimEvery  = 50
	reclaimMinAge = 60 * time.Second
)

// worker is one consumption loop. Per-job failures are counted and reported
// but never kill the loop; only stop() ends it.
type worker struct {
	id       string
	queue    *queue.Queue
	renderer Renderer
	metrics  *observability.Metrics

	mu        sync.Mutex
	st        State
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

func newWorker(id string, q *queue.Queue, r Renderer, metrics *observability.Metrics) *worker {
	return &worker{id: id, queue: q, renderer: r, metrics: metrics, st: StateStopped}
}

func (w *worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.st = StateRunning
	w.startedAt = time.Now()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
}

// stop is cooperative: it signals the loop and waits for the current job to
// finish.
func (w *worker) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	w.mu.Lock()
	w.st = StateStopped
	w.mu.Unlock()
}

func (w *worker) state() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

func (w *worker) stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		ID:        w.id,
		State:     w.st,
		StartedAt: w.startedAt,
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

func (w *worker) loop(ctx context.Context) {
	defer close(w.done)

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		iteration++
		msgs, err := w.queue.Read(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue read failed", "worker_id", w.id, "error", err)
			sleepCtx(ctx, idleSleep)
			continue
		}

		// Pick up messages stranded on dead consumers now and then.
		if iteration%reclaimEvery == 0 {
			if claimed, rerr := w.queue.Reclaim(ctx, w.id, reclaimMinAge); rerr == nil {
				msgs = append(msgs, claimed...)
			}
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, idleSleep)
			continue
		}

		for _, msg := range msgs {
			w.process(ctx, msg)
		}
	}
}

// process runs one job end to end: running -> preview -> preview_ready ->
// final -> completed, ACKing the message on every outcome. Failures move the
// job to failed and park a DLQ record; the message is still ACKed so the
// stream never wedges on a poison payload.
func (w *worker) process(ctx context.Context, msg queue.Message) {
	job, err := w.queue.Status(ctx, msg.JobID)
	if err != nil {
		slog.Warn("dropping message for unknown job", "worker_id", w.id, "job_id", msg.JobID)
		w.ack(ctx, msg)
		return
	}
	if job.State.Terminal() {
		// Cancelled while queued; nothing to do.
		w.ack(ctx, msg)
		return
	}

	tr := observability.NewTrace("render.job")
	jobCtx := observability.WithTrace(ctx, tr)

	if _, err := w.queue.Transition(jobCtx, job.ID, core.JobRunning, nil); err != nil {
		w.ack(ctx, msg)
		return
	}

	if err := w.renderJob(jobCtx, job); err != nil {
		w.failed.Add(1)
		slog.Error("job failed", "worker_id", w.id, "job_id", job.ID, "error", err)
		if ferr := w.queue.Fail(context.WithoutCancel(jobCtx), job.ID, err); ferr != nil {
			slog.Error("failure transition failed", "job_id", job.ID, "error", ferr)
		}
		if derr := w.queue.DeadLetter(context.WithoutCancel(jobCtx), job.ID, string(core.KindOf(err))); derr != nil {
			slog.Error("dead letter append failed", "job_id", job.ID, "error", derr)
		}
	} else {
		w.processed.Add(1)
	}
	w.ack(ctx, msg)
}

func (w *worker) renderJob(ctx context.Context, job *core.Job) error {
	preview, err := w.renderer.Render(ctx, job.OrgID, job.Payload, render.ModePreview)
	if err != nil {
		return err
	}
	previewURL := ""
	if len(preview.Assets) > 0 {
		previewURL = preview.Assets[0].URL
	}
	if _, err := w.queue.Transition(ctx, job.ID, core.JobPreviewReady, func(j *core.Job) {
		j.PreviewURL = previewURL
	}); err != nil {
		// Cancelled between running and preview: stop quietly.
		if core.IsKind(err, core.KindJobTerminal) {
			return nil
		}
		return err
	}

	final, err := w.renderer.Render(ctx, job.OrgID, job.Payload, render.ModeFinal)
	if err != nil {
		return err
	}
	if err := w.queue.Complete(ctx, job.ID, final); err != nil {
		if core.IsKind(err, core.KindJobTerminal) {
			return nil
		}
		return err
	}
	return nil
}

func (w *worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), msg.ID); err != nil {
		slog.Warn("ack failed", "worker_id", w.id, "msg_id", msg.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
