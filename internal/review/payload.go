package review

import (
	"encoding/json"

	"github.com/patjackson52/hilt/internal/diff"
	"github.com/patjackson52/hilt/internal/store"
)

// Payload is the immutable snapshot frozen into an outbox event at decision
// time. The dispatcher and the pull API serve these bytes as-is; nothing is
// recomputed at delivery time.
type Payload struct {
	EventID    string          `json:"event_id"`
	SourceID   string          `json:"source_id"`
	TaskID     string          `json:"task_id"`
	Decision   PayloadDecision `json:"decision"`
	Original   []diff.Block    `json:"original"`
	Final      []diff.Block    `json:"final"`
	Diff       diff.Result     `json:"diff"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OccurredAt string          `json:"occurred_at"`
}

type PayloadDecision struct {
	Type      string  `json:"type"`
	Reason    *string `json:"reason,omitempty"`
	DecidedAt string  `json:"decided_at"`
	DecidedBy *string `json:"decided_by,omitempty"`
}

func buildPayload(eventID string, task store.TaskRecord, decision store.DecisionRecord, original, final []diff.Block, result diff.Result, occurredAt string) ([]byte, error) {
	return json.Marshal(Payload{
		EventID:  eventID,
		SourceID: task.SourceID,
		TaskID:   task.TaskID,
		Decision: PayloadDecision{
			Type:      decision.Kind,
			Reason:    decision.Reason,
			DecidedAt: decision.DecidedAt,
			DecidedBy: decision.DecidedBy,
		},
		Original:   original,
		Final:      final,
		Diff:       result,
		Metadata:   task.MetadataJSON,
		OccurredAt: occurredAt,
	})
}
