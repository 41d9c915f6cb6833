// Package archive sweeps decided tasks into their terminal archived state
// after a retention window.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/jobs"
	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
)

const JobKindArchive = "task_archive"

type Archiver struct {
	Store        store.Store
	Queue        *jobs.Queue
	Log          *zap.Logger
	PollInterval time.Duration
	AfterDays    int
	Now          func() time.Time
}

func NewArchiver(st store.Store, queue *jobs.Queue, log *zap.Logger) *Archiver {
	a := &Archiver{
		Store:        st,
		Queue:        queue,
		Log:          log,
		PollInterval: time.Minute,
		AfterDays:    30,
		Now:          time.Now,
	}
	queue.Register(JobKindArchive, a.archiveJob)
	return a
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := a.Poll(ctx, now); err != nil {
				a.Log.Warn("archive poll failed", zap.Error(err))
			}
		}
	}
}

// Poll enqueues one idempotent archive job per task whose decision is older
// than the retention window.
func (a *Archiver) Poll(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -a.AfterDays).Format(time.RFC3339)
	eligible, err := a.Store.ListArchivable(cutoff, 100)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, task := range eligible {
		if err := ctx.Err(); err != nil {
			return scheduled, err
		}
		added, err := a.Queue.Enqueue("archive:"+task.TaskID, JobKindArchive, task.TaskID, 0)
		if err != nil {
			return scheduled, err
		}
		if added {
			scheduled++
		}
	}
	return scheduled, nil
}

func (a *Archiver) archiveJob(_ context.Context, job store.JobRecord) (time.Duration, error) {
	return 0, a.Archive(job.Payload)
}

// Archive flips one task to archived. The status is re-checked inside the
// transaction: a task that was archived by a concurrent run, or is no longer
// eligible, makes this a no-op.
func (a *Archiver) Archive(taskID string) error {
	now := a.Now().UTC().Format(time.RFC3339)
	return a.Store.WithTx(func(tx store.Tx) error {
		task, ok := tx.GetTask(taskID)
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		if !review.CanArchive(task.Status) {
			return nil
		}
		task.Status = store.StatusArchived
		task.ArchivedAt = &now
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
}
