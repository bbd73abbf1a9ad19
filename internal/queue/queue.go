// Package queue implements the async render job queue on Redis streams:
// content-hash dedup, a bounded append-only stream drained by a consumer
// group, per-job state hashes, and per-job pub/sub progress topics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/observability"
)

const (
	StreamRender = "q:render"
	StreamDLQ    = "q:render:dlq"
	Group        = "sgd-workers"

	streamMaxLen = 10000
	dlqMaxLen    = 1000
	blockTimeout = 2 * time.Second

	resultTTL  = 30 * 24 * time.Hour
	jobTTL     = 24 * time.Hour
	pendingTTL = 1 * time.Hour
)

// Backend is the slice of the Redis adapter the queue needs.
type Backend interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]infra.StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]infra.StreamMessage, error)
	XLen(ctx context.Context, stream string) (int64, error)
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// EnqueueResult is the outcome of an enqueue call. Exactly one of the three
// shapes applies: a cached final result, a freshly created job, or the job
// already in flight for the same content hash.
type EnqueueResult struct {
	Cached      bool               `json:"cached"`
	ContentHash string             `json:"content_hash"`
	JobID       string             `json:"job_id,omitempty"`
	Result      *core.RenderResult `json:"result,omitempty"`
}

// Message is one queued job handed to a worker.
type Message struct {
	ID    string // stream entry id, needed for ACK
	JobID string
}

// Event is a progress update published on the per-job topic.
type Event struct {
	JobID      string        `json:"job_id"`
	State      core.JobState `json:"state"`
	PreviewURL string        `json:"preview_url,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Queue is the job queue facade shared by the API and the workers.
type Queue struct {
	backend Backend
	cache   *cache.Cache
	metrics *observability.Metrics
}

// New creates the queue and ensures the consumer group exists.
func New(ctx context.Context, backend Backend, c *cache.Cache, metrics *observability.Metrics) (*Queue, error) {
	if err := backend.EnsureGroup(ctx, StreamRender, Group); err != nil {
		return nil, core.NewError(core.KindInternal, "consumer group init failed", err)
	}
	return &Queue{backend: backend, cache: c, metrics: metrics}, nil
}

func resultKey(hash string) string  { return "render:" + hash }
func pendingKey(hash string) string { return "render:pending:" + hash }
func jobKey(id string) string       { return "job:" + id }
func topicFor(id string) string     { return "job:" + id }

// Enqueue deduplicates by content hash, then either returns the cached final
// result, returns the in-flight job for the same payload, or creates a new
// job and appends it to the stream.
func (q *Queue) Enqueue(ctx context.Context, orgID string, req *core.RenderRequest) (*EnqueueResult, error) {
	hash := req.ContentHash()

	if raw, err := q.cache.Get(ctx, resultKey(hash)); err == nil {
		var result core.RenderResult
		if json.Unmarshal(raw, &result) == nil {
			return &EnqueueResult{Cached: true, ContentHash: hash, Result: &result}, nil
		}
	}

	jobID := uuid.NewString()
	// The pending key can expire between a lost SetNX and the follow-up
	// Get. Retrying the pair closes that window: the caller either joins
	// the in-flight job or claims the hash itself.
	for attempt := 0; attempt < 2; attempt++ {
		won, err := q.backend.SetNX(ctx, pendingKey(hash), []byte(jobID), pendingTTL)
		if err != nil || won {
			// Dedup is best-effort when the backend misbehaves.
			break
		}
		// Same payload already in flight: point the caller at that job.
		if existing, gerr := q.backend.Get(ctx, pendingKey(hash)); gerr == nil {
			return &EnqueueResult{ContentHash: hash, JobID: string(existing)}, nil
		}
	}

	now := time.Now().UTC()
	job := &core.Job{
		ID:          jobID,
		ContentHash: hash,
		OrgID:       orgID,
		Payload:     req,
		State:       core.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}

	if _, err := q.backend.XAdd(ctx, StreamRender, streamMaxLen, map[string]interface{}{
		"job_id":       job.ID,
		"content_hash": hash,
		"org_id":       orgID,
	}); err != nil {
		return nil, core.NewError(core.KindInternal, "stream append failed", err)
	}

	q.publish(ctx, Event{JobID: job.ID, State: core.JobQueued, Timestamp: now})
	slog.Info("job enqueued", "job_id", job.ID, "content_hash", hash[:12], "org_id", orgID)
	return &EnqueueResult{ContentHash: hash, JobID: job.ID}, nil
}

// Status loads the job record.
func (q *Queue) Status(ctx context.Context, jobID string) (*core.Job, error) {
	return q.loadJob(ctx, jobID)
}

// Transition moves a job to next, persists it, and publishes the event.
// Transitions violating the total order queued < running < preview_ready <
// terminal are rejected; only the owning worker calls this concurrently with
// cancellation, and the load-check-write here is the tiebreaker.
func (q *Queue) Transition(ctx context.Context, jobID string, next core.JobState, mutate func(*core.Job)) (*core.Job, error) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.CanTransition(next) {
		if job.State.Terminal() {
			return nil, core.Errorf(core.KindJobTerminal, "job %s is already %s", jobID, job.State)
		}
		return nil, core.Errorf(core.KindInternal, "illegal transition %s -> %s for job %s", job.State, next, jobID)
	}

	job.State = next
	job.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(job)
	}
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}

	q.publish(ctx, Event{
		JobID:      job.ID,
		State:      job.State,
		PreviewURL: job.PreviewURL,
		Error:      job.Error,
		ErrorKind:  job.ErrorKind,
		Timestamp:  job.UpdatedAt,
	})
	if q.metrics != nil && job.State.Terminal() {
		q.metrics.JobsProcessed.WithLabelValues(string(job.State)).Inc()
	}
	return job, nil
}

// Complete marks the job done, stores the result, and caches it by content
// hash for 30 days so future enqueues short-circuit.
func (q *Queue) Complete(ctx context.Context, jobID string, result *core.RenderResult) error {
	job, err := q.Transition(ctx, jobID, core.JobCompleted, func(j *core.Job) {
		j.Result = result
	})
	if err != nil {
		return err
	}

	if data, merr := json.Marshal(result); merr == nil {
		if cerr := q.cache.Set(ctx, resultKey(job.ContentHash), data, resultTTL); cerr != nil {
			slog.Warn("result cache write failed", "job_id", jobID, "error", cerr)
		}
	}
	q.clearPending(ctx, job.ContentHash)
	return nil
}

// Fail marks the job failed with its typed error.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := q.Transition(ctx, jobID, core.JobFailed, func(j *core.Job) {
		j.Error = cause.Error()
		j.ErrorKind = string(core.KindOf(cause))
	})
	if err != nil {
		return err
	}
	q.clearPending(ctx, job.ContentHash)
	return nil
}

// Cancel sets a non-terminal job to cancelled. Terminal jobs reject with
// JobTerminal; unknown jobs with JobNotFound.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Transition(ctx, jobID, core.JobCancelled, nil)
	if err != nil {
		return err
	}
	q.clearPending(ctx, job.ContentHash)
	return nil
}

// Read blocks up to two seconds for the next message assigned to consumer.
// A nil slice means the wait timed out.
func (q *Queue) Read(ctx context.Context, consumer string) ([]Message, error) {
	msgs, err := q.backend.XReadGroup(ctx, StreamRender, Group, consumer, 1, blockTimeout)
	if err != nil {
		return nil, err
	}
	return toMessages(msgs), nil
}

// Reclaim transfers messages pending on dead consumers for longer than
// minIdle to this consumer.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Message, error) {
	msgs, err := q.backend.XAutoClaim(ctx, StreamRender, Group, consumer, minIdle, 10)
	if err != nil {
		return nil, err
	}
	return toMessages(msgs), nil
}

// Ack acknowledges a processed message.
func (q *Queue) Ack(ctx context.Context, msgID string) error {
	return q.backend.XAck(ctx, StreamRender, Group, msgID)
}

// Depth reports the stream length; the worker manager autoscales on it.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.backend.XLen(ctx, StreamRender)
	if err == nil && q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(n))
	}
	return n, err
}

// DeadLetter parks a failed message on the bounded DLQ stream with its
// reason code. The original message must still be ACKed by the caller.
func (q *Queue) DeadLetter(ctx context.Context, jobID, reason string) error {
	_, err := q.backend.XAdd(ctx, StreamDLQ, dlqMaxLen, map[string]interface{}{
		"job_id":    jobID,
		"reason":    reason,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

// Subscribe delivers every event published for jobID until the returned
// unsubscribe function is called. Delivery is at-least-once; handlers must be
// idempotent on repeated states.
func (q *Queue) Subscribe(ctx context.Context, jobID string, handler func(Event)) (func(), error) {
	return q.backend.Subscribe(ctx, topicFor(jobID), func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("malformed job event dropped", "job_id", jobID, "error", err)
			return
		}
		handler(ev)
	})
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.backend.Publish(ctx, topicFor(ev.JobID), data); err != nil {
		slog.Warn("job event publish failed", "job_id", ev.JobID, "error", err)
	}
}

func (q *Queue) saveJob(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return core.NewError(core.KindInternal, "marshal job", err)
	}
	key := jobKey(job.ID)
	if err := q.backend.HSet(ctx, key, map[string]interface{}{
		"state": string(job.State),
		"data":  string(data),
	}); err != nil {
		return core.NewError(core.KindInternal, "job state write failed", err)
	}
	_ = q.backend.Expire(ctx, key, jobTTL)
	return nil
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (*core.Job, error) {
	fields, err := q.backend.HGetAll(ctx, jobKey(jobID))
	if errors.Is(err, infra.ErrNotFound) {
		return nil, core.Errorf(core.KindJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, core.NewError(core.KindInternal, "job state read failed", err)
	}
	var job core.Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, core.NewError(core.KindInternal, "corrupt job record", err)
	}
	return &job, nil
}

func (q *Queue) clearPending(ctx context.Context, hash string) {
	if err := q.backend.Del(ctx, pendingKey(hash)); err != nil {
		slog.Warn("pending dedup key cleanup failed", "content_hash", hash[:12], "error", err)
	}
}

func toMessages(msgs []infra.StreamMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		jobID, _ := m.Values["job_id"].(string)
		out = append(out, Message{ID: m.ID, JobID: jobID})
	}
	return out
}
