package store

import (
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	sources   map[string]SourceRecord
	tasks     map[string]TaskRecord
	decisions map[string]DecisionRecord // keyed by task ID
	events    map[string]EventRecord
	idemKeys  map[string]IdemRecord
	jobs      map[string]JobRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sources:   make(map[string]SourceRecord),
		tasks:     make(map[string]TaskRecord),
		decisions: make(map[string]DecisionRecord),
		events:    make(map[string]EventRecord),
		idemKeys:  make(map[string]IdemRecord),
		jobs:      make(map[string]JobRecord),
	}
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.clone()
	if err := fn((*memTx)(s)); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// clone and restore give WithTx rollback semantics so a failed transaction
// cannot leave a partial write behind, matching the SQL backend.
func (s *InMemoryStore) clone() *InMemoryStore {
	c := NewInMemoryStore()
	for k, v := range s.sources {
		c.sources[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.decisions {
		c.decisions[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.idemKeys {
		c.idemKeys[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

func (s *InMemoryStore) restore(c *InMemoryStore) {
	s.sources = c.sources
	s.tasks = c.tasks
	s.decisions = c.decisions
	s.events = c.events
	s.idemKeys = c.idemKeys
	s.jobs = c.jobs
}

type memTx InMemoryStore

func (t *memTx) PutSource(src SourceRecord) error {
	t.sources[src.SourceID] = src
	return nil
}

func (t *memTx) GetSource(sourceID string) (SourceRecord, bool) {
	src, ok := t.sources[sourceID]
	return src, ok
}

func (t *memTx) PutTask(task TaskRecord) error {
	t.tasks[task.TaskID] = task
	return nil
}

func (t *memTx) GetTask(taskID string) (TaskRecord, bool) {
	task, ok := t.tasks[taskID]
	return task, ok
}

func (t *memTx) PutDecision(dec DecisionRecord) error {
	t.decisions[dec.TaskID] = dec
	return nil
}

func (t *memTx) GetDecisionByTask(taskID string) (DecisionRecord, bool) {
	dec, ok := t.decisions[taskID]
	return dec, ok
}

func (t *memTx) PutEvent(ev EventRecord) error {
	t.events[ev.EventID] = ev
	return nil
}

func (t *memTx) GetEvent(eventID string) (EventRecord, bool) {
	ev, ok := t.events[eventID]
	return ev, ok
}

func (s *InMemoryStore) PutSource(src SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.SourceID] = src
	return nil
}

func (s *InMemoryStore) GetSource(sourceID string) (SourceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	return src, ok
}

func (s *InMemoryStore) PutTask(task TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *InMemoryStore) GetTask(taskID string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	return task, ok
}

func (s *InMemoryStore) ListArchivable(cutoff string, limit int) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []TaskRecord{}
	for _, task := range s.tasks {
		switch task.Status {
		case StatusApproved, StatusDenied, StatusDispatched:
		default:
			continue
		}
		dec, ok := s.decisions[task.TaskID]
		if !ok || dec.DecidedAt > cutoff {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutDecision(dec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[dec.TaskID] = dec
	return nil
}

func (s *InMemoryStore) GetDecisionByTask(taskID string) (DecisionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dec, ok := s.decisions[taskID]
	return dec, ok
}

func (s *InMemoryStore) PutEvent(ev EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.EventID] = ev
	return nil
}

func (s *InMemoryStore) GetEvent(eventID string) (EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	return ev, ok
}

func (s *InMemoryStore) ListUndeliveredDue(cutoff string, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []EventRecord{}
	for _, ev := range s.events {
		if ev.Delivered {
			continue
		}
		if ev.LastAttemptAt != nil && *ev.LastAttemptAt > cutoff {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListUndeliveredBySource(sourceID string, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []EventRecord{}
	for _, ev := range s.events {
		if ev.Delivered || ev.SourceID != sourceID {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutIdempotency(rec IdemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idemKeys[rec.IdemKey] = rec
	return nil
}

func (s *InMemoryStore) GetIdempotency(idemKey string) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idemKeys[idemKey]
	return rec, ok
}

func (s *InMemoryStore) EnqueueJob(job JobRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobKey]; exists {
		return false, nil
	}
	s.jobs[job.JobKey] = job
	return true, nil
}

func (s *InMemoryStore) ClaimDueJobs(now string, limit int) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []JobRecord{}
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		job := s.jobs[k]
		if job.Status != JobPending || job.RunAt > now {
			continue
		}
		job.Status = JobRunning
		job.UpdatedAt = now
		s.jobs[k] = job
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobKey)
	return nil
}

func (s *InMemoryStore) ResetRunningJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, job := range s.jobs {
		if job.Status == JobRunning {
			job.Status = JobPending
			s.jobs[k] = job
		}
	}
	return nil
}
