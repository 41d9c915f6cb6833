package review

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/diff"
	"github.com/patjackson52/hilt/internal/store"
)

// Service owns the review-task lifecycle: creation, working-block edits and
// the decision transition. The decision transition is the one place where
// task state, the decision record and the outbox event are written, and all
// three land in a single store transaction.
type Service struct {
	Store store.Store
	Log   *zap.Logger
	Now   func() time.Time
}

func NewService(st store.Store, log *zap.Logger) *Service {
	return &Service{Store: st, Log: log, Now: time.Now}
}

func (s *Service) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

type CreateTaskInput struct {
	SourceID    string
	Blocks      []diff.Block
	Priority    int
	RiskLevel   string
	RiskWarning *string
	Metadata    json.RawMessage
}

func (s *Service) CreateTask(in CreateTaskInput) (store.TaskRecord, error) {
	if in.SourceID == "" {
		return store.TaskRecord{}, fmt.Errorf("%w: source_id is required", ErrValidation)
	}
	if err := validateBlocks(in.Blocks); err != nil {
		return store.TaskRecord{}, err
	}
	if _, ok := s.Store.GetSource(in.SourceID); !ok {
		return store.TaskRecord{}, fmt.Errorf("%w: source %s", ErrNotFound, in.SourceID)
	}

	blocksJSON, err := json.Marshal(in.Blocks)
	if err != nil {
		return store.TaskRecord{}, err
	}

	now := s.now()
	task := store.TaskRecord{
		TaskID:         uuid.NewString(),
		SourceID:       in.SourceID,
		Status:         store.StatusPending,
		Priority:       in.Priority,
		RiskLevel:      in.RiskLevel,
		RiskWarning:    in.RiskWarning,
		BlocksOriginal: blocksJSON,
		BlocksWorking:  blocksJSON,
		MetadataJSON:   in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.PutTask(task); err != nil {
		return store.TaskRecord{}, err
	}
	return task, nil
}

func (s *Service) GetTask(taskID string) (store.TaskRecord, error) {
	task, ok := s.Store.GetTask(taskID)
	if !ok {
		return store.TaskRecord{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return task, nil
}

// UpdateWorkingBlocks replaces the working block set of a pending task.
// Blocks may be edited or removed, but a block whose original is marked
// non-editable must keep its original content.
func (s *Service) UpdateWorkingBlocks(taskID string, blocks []diff.Block) (store.TaskRecord, error) {
	if err := validateBlocks(blocks); err != nil {
		return store.TaskRecord{}, err
	}

	var updated store.TaskRecord
	err := s.Store.WithTx(func(tx store.Tx) error {
		task, ok := tx.GetTask(taskID)
		if !ok {
			return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		if task.Status != store.StatusPending {
			return fmt.Errorf("%w: cannot edit blocks of %s task", ErrInvalidState, task.Status)
		}

		var original []diff.Block
		if err := json.Unmarshal(task.BlocksOriginal, &original); err != nil {
			return err
		}
		if err := checkEditable(original, blocks); err != nil {
			return err
		}

		blocksJSON, err := json.Marshal(blocks)
		if err != nil {
			return err
		}
		task.BlocksWorking = blocksJSON
		task.UpdatedAt = s.now()
		if err := tx.PutTask(task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return store.TaskRecord{}, err
	}
	return updated, nil
}

// SubmitDecision records an approve/deny decision for a pending task. Within
// one transaction it computes the diff, freezes the final blocks, inserts the
// decision record and appends the outbox event. A task that has already left
// pending fails with ErrInvalidState, so a decision can land at most once.
func (s *Service) SubmitDecision(taskID string, kind DecisionKind, reason, actor *string) (store.TaskRecord, error) {
	if !kind.Valid() {
		return store.TaskRecord{}, fmt.Errorf("%w: unknown decision kind %q", ErrValidation, kind)
	}

	var updated store.TaskRecord
	err := s.Store.WithTx(func(tx store.Tx) error {
		task, ok := tx.GetTask(taskID)
		if !ok {
			return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		if task.Status != store.StatusPending {
			return fmt.Errorf("%w: task already %s", ErrInvalidState, task.Status)
		}

		var original, working []diff.Block
		if err := json.Unmarshal(task.BlocksOriginal, &original); err != nil {
			return err
		}
		if err := json.Unmarshal(task.BlocksWorking, &working); err != nil {
			return err
		}

		result, err := diff.Compute(original, working)
		if err != nil {
			return err
		}
		diffJSON, err := json.Marshal(result)
		if err != nil {
			return err
		}

		now := s.now()
		task.Status = StatusForDecision(kind)
		task.BlocksFinal = task.BlocksWorking
		task.DiffJSON = diffJSON
		task.UpdatedAt = now

		decision := store.DecisionRecord{
			DecisionID: uuid.NewString(),
			TaskID:     task.TaskID,
			Kind:       string(kind),
			Reason:     reason,
			DecidedBy:  actor,
			DecidedAt:  now,
		}

		eventID := uuid.NewString()
		payload, err := buildPayload(eventID, task, decision, original, working, result, now)
		if err != nil {
			return err
		}
		event := store.EventRecord{
			EventID:     eventID,
			TaskID:      task.TaskID,
			SourceID:    task.SourceID,
			Kind:        string(kind),
			PayloadJSON: payload,
			CreatedAt:   now,
		}

		if err := tx.PutTask(task); err != nil {
			return err
		}
		if err := tx.PutDecision(decision); err != nil {
			return err
		}
		if err := tx.PutEvent(event); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return store.TaskRecord{}, err
	}

	s.Log.Info("decision recorded",
		zap.String("task_id", updated.TaskID),
		zap.String("status", updated.Status))
	return updated, nil
}

func validateBlocks(blocks []diff.Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: at least one block is required", ErrValidation)
	}
	seen := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if b.ID == "" {
			return fmt.Errorf("%w: block id is required", ErrValidation)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: duplicate block id %s", ErrValidation, b.ID)
		}
		seen[b.ID] = true
		switch b.Kind {
		case diff.BlockText:
		case diff.BlockData:
			if !json.Valid(b.Value) {
				return fmt.Errorf("%w: block %s value is not valid JSON", ErrValidation, b.ID)
			}
		default:
			return fmt.Errorf("%w: block %s has unknown kind %q", ErrValidation, b.ID, b.Kind)
		}
	}
	return nil
}

func checkEditable(original, working []diff.Block) error {
	byID := make(map[string]diff.Block, len(original))
	for _, b := range original {
		byID[b.ID] = b
	}
	for _, w := range working {
		orig, ok := byID[w.ID]
		if !ok {
			return fmt.Errorf("%w: block %s does not exist in the original set", ErrValidation, w.ID)
		}
		if w.Kind != orig.Kind {
			return fmt.Errorf("%w: block %s cannot change kind from %s to %s", ErrValidation, w.ID, orig.Kind, w.Kind)
		}
		if orig.Editable {
			continue
		}
		if w.Text != orig.Text || string(w.Value) != string(orig.Value) {
			return fmt.Errorf("%w: block %s is not editable", ErrValidation, w.ID)
		}
	}
	return nil
}
