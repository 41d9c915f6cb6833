// Package jobs is a small durable job queue on top of the store. Jobs are
// deduplicated by key: while a job with a given key is pending or running, a
// second enqueue of the same key is a no-op. Callers may schedule a job with
// an explicit start delay, which is how delivery retries implement backoff.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/store"
)

// Handler runs one claimed job. A non-zero retryIn asks the queue to
// reschedule the same job after that delay; an error is logged and the job is
// dropped (handlers own their retry policy).
type Handler func(ctx context.Context, job store.JobRecord) (retryIn time.Duration, err error)

type Queue struct {
	Store        store.Store
	Log          *zap.Logger
	PollInterval time.Duration
	Now          func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
}

func New(st store.Store, log *zap.Logger) *Queue {
	return &Queue{
		Store:        st,
		Log:          log,
		PollInterval: time.Second,
		Now:          time.Now,
		handlers:     make(map[string]Handler),
	}
}

func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue schedules a job to run after delay. Returns false when a job with
// the same key is already pending or running.
func (q *Queue) Enqueue(key, kind, payload string, delay time.Duration) (bool, error) {
	now := q.Now().UTC()
	return q.Store.EnqueueJob(store.JobRecord{
		JobKey:    key,
		Kind:      kind,
		Payload:   payload,
		Status:    store.JobPending,
		RunAt:     now.Add(delay).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	})
}

// Run polls for due jobs until ctx is cancelled. The in-flight batch finishes
// before Run returns, which gives workers their graceful drain.
func (q *Queue) Run(ctx context.Context) {
	interval := q.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := q.ProcessDue(ctx, now, 25); err != nil {
				q.Log.Warn("job queue poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessDue claims and runs due jobs. One failing job never blocks the rest
// of the batch.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := q.Store.ClaimDueJobs(now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		q.runOne(ctx, job)
		processed++
	}
	return processed, nil
}

func (q *Queue) runOne(ctx context.Context, job store.JobRecord) {
	h, ok := q.handler(job.Kind)
	if !ok {
		q.Log.Warn("no handler for job kind", zap.String("kind", job.Kind), zap.String("key", job.JobKey))
		_ = q.Store.CompleteJob(job.JobKey)
		return
	}

	retryIn, err := q.safeRun(ctx, h, job)
	if err != nil {
		q.Log.Warn("job failed", zap.String("key", job.JobKey), zap.Error(err))
	}

	// Complete before rescheduling so the key is free for the retry row.
	if cerr := q.Store.CompleteJob(job.JobKey); cerr != nil {
		q.Log.Warn("job completion failed", zap.String("key", job.JobKey), zap.Error(cerr))
		return
	}
	if retryIn > 0 {
		if _, err := q.Enqueue(job.JobKey, job.Kind, job.Payload, retryIn); err != nil {
			q.Log.Warn("job reschedule failed", zap.String("key", job.JobKey), zap.Error(err))
		}
	}
}

// safeRun keeps a panicking handler from taking down the worker loop.
func (q *Queue) safeRun(ctx context.Context, h Handler, job store.JobRecord) (retryIn time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			retryIn = 0
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return h(ctx, job)
}
