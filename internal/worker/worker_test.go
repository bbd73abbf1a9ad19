package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/queue"
	"github.com/sgd/backend/internal/render"
)

type stubRenderer struct {
	previewCalls atomic.Int64
	finalCalls   atomic.Int64
	failWith     error
}

func (s *stubRenderer) Render(_ context.Context, orgID string, req *core.RenderRequest, mode render.Mode) (*core.RenderResult, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	if mode == render.ModePreview {
		s.previewCalls.Add(1)
		return &core.RenderResult{Assets: []core.Asset{{
			URL:        "https://assets.local/preview.png?signature=x",
			StorageKey: "org/" + orgID + "/previews/" + req.ProjectID + "/p.png",
		}}}, nil
	}
	s.finalCalls.Add(1)
	return &core.RenderResult{
		Assets: []core.Asset{{
			URL:        "https://assets.local/final.png?signature=x",
			StorageKey: "org/" + orgID + "/renders/" + req.ProjectID + "/f.png",
		}},
		Audit: core.Audit{TraceID: "t", CostUSD: 0.04, GuardrailsOK: true},
	}, nil
}

func testSetup(t *testing.T) (*queue.Queue, *infra.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := infra.NewRedisAdapterFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	q, err := queue.New(context.Background(), adapter, cache.New(adapter, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	return q, adapter
}

func enqueueOne(t *testing.T, q *queue.Queue, instruction string) *queue.EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(context.Background(), "org-1", &core.RenderRequest{
		ProjectID: "p1",
		Prompts:   core.Prompts{Task: core.TaskCreate, Instruction: instruction},
		Outputs:   core.Outputs{Count: 1, Format: core.FormatPNG, Dimensions: "512x512"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func readOne(t *testing.T, q *queue.Queue) queue.Message {
	t.Helper()
	msgs, err := q.Read(context.Background(), "test-worker")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read: msgs=%v err=%v", msgs, err)
	}
	return msgs[0]
}

func TestProcess_HappyPath(t *testing.T) {
	ctx := context.Background()
	q, _ := testSetup(t)
	r := &stubRenderer{}
	w := newWorker("test-worker", q, r, nil)

	res := enqueueOne(t, q, "process me")
	w.process(ctx, readOne(t, q))

	job, err := q.Status(ctx, res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != core.JobCompleted {
		t.Fatalf("state=%s, want completed", job.State)
	}
	if job.PreviewURL == "" {
		t.Error("preview URL must be recorded before the final render")
	}
	if job.Result == nil || len(job.Result.Assets) != 1 {
		t.Error("final result not persisted on the job")
	}
	if r.previewCalls.Load() != 1 || r.finalCalls.Load() != 1 {
		t.Errorf("render calls: preview=%d final=%d", r.previewCalls.Load(), r.finalCalls.Load())
	}
	if w.stats().Processed != 1 || w.stats().Failed != 0 {
		t.Errorf("counters wrong: %+v", w.stats())
	}

	// Completion caches the result: re-enqueueing serves it directly.
	again := enqueueOne(t, q, "process me")
	if !again.Cached {
		t.Error("completed job must populate the content-hash cache")
	}
}

func TestProcess_FailureGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	q, adapter := testSetup(t)
	r := &stubRenderer{failWith: core.Errorf(core.KindProvider, "models down")}
	w := newWorker("test-worker", q, r, nil)

	res := enqueueOne(t, q, "doomed job")
	w.process(ctx, readOne(t, q))

	job, _ := q.Status(ctx, res.JobID)
	if job.State != core.JobFailed || job.ErrorKind != string(core.KindProvider) {
		t.Errorf("failure not recorded: state=%s kind=%s", job.State, job.ErrorKind)
	}
	if n, _ := adapter.XLen(ctx, queue.StreamDLQ); n != 1 {
		t.Errorf("dlq length=%d, want 1", n)
	}
	if w.stats().Failed != 1 {
		t.Errorf("failed counter=%d", w.stats().Failed)
	}
}

func TestProcess_SkipsCancelledJob(t *testing.T) {
	ctx := context.Background()
	q, _ := testSetup(t)
	r := &stubRenderer{}
	w := newWorker("test-worker", q, r, nil)

	res := enqueueOne(t, q, "cancel before work")
	msg := readOne(t, q)
	if err := q.Cancel(ctx, res.JobID); err != nil {
		t.Fatal(err)
	}

	w.process(ctx, msg)

	job, _ := q.Status(ctx, res.JobID)
	if job.State != core.JobCancelled {
		t.Errorf("cancelled job must stay cancelled, got %s", job.State)
	}
	if r.previewCalls.Load()+r.finalCalls.Load() != 0 {
		t.Error("no render may run for a cancelled job")
	}
}

func TestManager_ScaleToAndStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := testSetup(t)
	m := NewManager(q, &stubRenderer{}, 3, nil)

	m.ScaleTo(ctx, 2)
	if got := len(m.runningIDs()); got != 2 {
		t.Fatalf("running=%d, want 2", got)
	}

	// Clamped at maxWorkers.
	m.ScaleTo(ctx, 10)
	if got := len(m.runningIDs()); got != 3 {
		t.Fatalf("running=%d, want clamp at 3", got)
	}

	m.ScaleTo(ctx, 0)
	if got := len(m.runningIDs()); got != 0 {
		t.Fatalf("running=%d, want 0", got)
	}
	for _, s := range m.Stats() {
		if s.State != StateStopped {
			t.Errorf("worker %s still %s after scale to zero", s.ID, s.State)
		}
	}
}

func TestManager_Autoscale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := testSetup(t)
	m := NewManager(q, &stubRenderer{}, 3, nil)
	defer m.ScaleTo(ctx, 0)

	cases := []struct {
		depth int64
		want  int
	}{
		{0, 1}, {5, 1}, {6, 2}, {15, 2}, {16, 3}, {100, 3},
	}
	for _, tc := range cases {
		m.Autoscale(ctx, tc.depth)
		if got := len(m.runningIDs()); got != tc.want {
			t.Errorf("depth=%d: running=%d, want %d", tc.depth, got, tc.want)
		}
	}
}

func TestManager_AutoscaleHonorsMaxWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := testSetup(t)
	m := NewManager(q, &stubRenderer{}, 2, nil)
	defer m.ScaleTo(ctx, 0)

	m.Autoscale(ctx, 100)
	if got := len(m.runningIDs()); got != 2 {
		t.Errorf("running=%d, want maxWorkers cap of 2", got)
	}
}

func TestManager_StopIsCooperative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := testSetup(t)
	m := NewManager(q, &stubRenderer{}, 3, nil)

	id := m.Start(ctx, "")
	done := make(chan struct{})
	go func() {
		_ = m.Stop(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return; worker loop is not cooperative")
	}

	if err := m.Stop("nope"); err == nil {
		t.Error("stopping an unknown worker must error")
	}
}

func TestWorkerLoop_DrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := testSetup(t)
	r := &stubRenderer{}
	m := NewManager(q, r, 3, nil)

	res := enqueueOne(t, q, "end to end drain")
	m.Start(ctx, "drainer")
	defer m.ScaleTo(ctx, 0)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Status(ctx, res.JobID)
		if err == nil && job.State == core.JobCompleted {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("worker loop did not complete the job in time")
}
