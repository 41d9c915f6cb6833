package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/store"
)

func newTestQueue() (*Queue, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	q := New(st, zap.NewNop())
	q.Now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return q, st
}

func TestEnqueue_DedupsByKey(t *testing.T) {
	q, _ := newTestQueue()

	added, err := q.Enqueue("k1", "noop", "", 0)
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = q.Enqueue("k1", "noop", "", 0)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if added {
		t.Fatal("expected dedup on second enqueue")
	}
}

func TestProcessDue_RunsAndCompletes(t *testing.T) {
	q, _ := newTestQueue()

	var ran []string
	q.Register("collect", func(_ context.Context, job store.JobRecord) (time.Duration, error) {
		ran = append(ran, job.Payload)
		return 0, nil
	})

	if _, err := q.Enqueue("k1", "collect", "a", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("k2", "collect", "b", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := q.ProcessDue(context.Background(), q.Now(), 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 2 || len(ran) != 2 {
		t.Fatalf("expected 2 jobs run, got n=%d ran=%v", n, ran)
	}

	// Completed jobs free their key.
	added, err := q.Enqueue("k1", "collect", "a", 0)
	if err != nil || !added {
		t.Fatalf("re-enqueue after completion: added=%v err=%v", added, err)
	}
}

func TestProcessDue_HonorsDelay(t *testing.T) {
	q, _ := newTestQueue()

	var ran int
	q.Register("later", func(context.Context, store.JobRecord) (time.Duration, error) {
		ran++
		return 0, nil
	})

	if _, err := q.Enqueue("k1", "later", "", time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.ProcessDue(context.Background(), q.Now(), 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ran != 0 {
		t.Fatal("delayed job ran early")
	}

	if _, err := q.ProcessDue(context.Background(), q.Now().Add(2*time.Minute), 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected delayed job to run, ran=%d", ran)
	}
}

func TestProcessDue_ReschedulesOnRetry(t *testing.T) {
	q, _ := newTestQueue()

	var attempts int
	q.Register("flaky", func(context.Context, store.JobRecord) (time.Duration, error) {
		attempts++
		if attempts < 3 {
			return 30 * time.Second, errors.New("try again")
		}
		return 0, nil
	})

	if _, err := q.Enqueue("k1", "flaky", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := q.Now()
	for i := 0; i < 3; i++ {
		if _, err := q.ProcessDue(context.Background(), now, 10); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		now = now.Add(time.Minute)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	// Job completed without rescheduling; nothing left to run.
	if _, err := q.ProcessDue(context.Background(), now, 10); err != nil {
		t.Fatalf("final process: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("job ran after completion, attempts=%d", attempts)
	}
}

func TestProcessDue_PanicDoesNotKillBatch(t *testing.T) {
	q, _ := newTestQueue()

	var ran bool
	q.Register("boom", func(context.Context, store.JobRecord) (time.Duration, error) {
		panic("handler bug")
	})
	q.Register("ok", func(context.Context, store.JobRecord) (time.Duration, error) {
		ran = true
		return 0, nil
	})

	if _, err := q.Enqueue("a-boom", "boom", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("b-ok", "ok", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.ProcessDue(context.Background(), q.Now(), 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !ran {
		t.Fatal("panicking job blocked the rest of the batch")
	}
}

func TestProcessDue_UnknownKindIsDropped(t *testing.T) {
	q, st := newTestQueue()

	if _, err := q.Enqueue("k1", "ghost", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ProcessDue(context.Background(), q.Now(), 10); err != nil {
		t.Fatalf("process: %v", err)
	}

	jobs, err := st.ClaimDueJobs("9999-12-31T00:00:00Z", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("unknown-kind job not dropped: %+v", jobs)
	}
}
