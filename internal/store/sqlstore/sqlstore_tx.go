package sqlstore

import (
	"database/sql"
	"strings"

	"github.com/patjackson52/hilt/internal/store"
)

const (
	sourceCols = `source_id, name, delivery_mode, webhook_enabled, webhook_url, webhook_secret, timeout_ms, max_attempts, backoff_base_seconds, created_at, updated_at`
	taskCols   = `task_id, source_id, status, priority, risk_level, risk_warning, blocks_original, blocks_working, blocks_final, diff_json, metadata_json, created_at, updated_at, archived_at`
	eventCols  = `event_id, task_id, source_id, kind, payload_json, delivered, attempt_count, last_attempt_at, created_at`
)

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (store.SourceRecord, bool) {
	var rec store.SourceRecord
	var enabled int
	if err := row.Scan(&rec.SourceID, &rec.Name, &rec.DeliveryMode, &enabled, &rec.WebhookURL, &rec.WebhookSecret, &rec.TimeoutMS, &rec.MaxAttempts, &rec.BackoffBaseSeconds, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return store.SourceRecord{}, false
	}
	rec.WebhookEnabled = enabled != 0
	return rec, true
}

func scanTask(row scanner) (store.TaskRecord, bool) {
	var rec store.TaskRecord
	var original, working string
	var final, diff, metadata sql.NullString
	if err := row.Scan(&rec.TaskID, &rec.SourceID, &rec.Status, &rec.Priority, &rec.RiskLevel, &rec.RiskWarning, &original, &working, &final, &diff, &metadata, &rec.CreatedAt, &rec.UpdatedAt, &rec.ArchivedAt); err != nil {
		return store.TaskRecord{}, false
	}
	rec.BlocksOriginal = []byte(original)
	rec.BlocksWorking = []byte(working)
	if final.Valid {
		rec.BlocksFinal = []byte(final.String)
	}
	if diff.Valid {
		rec.DiffJSON = []byte(diff.String)
	}
	if metadata.Valid {
		rec.MetadataJSON = []byte(metadata.String)
	}
	return rec, true
}

func scanEvent(row scanner) (store.EventRecord, bool) {
	var rec store.EventRecord
	var delivered int
	var payload string
	if err := row.Scan(&rec.EventID, &rec.TaskID, &rec.SourceID, &rec.Kind, &payload, &delivered, &rec.AttemptCount, &rec.LastAttemptAt, &rec.CreatedAt); err != nil {
		return store.EventRecord{}, false
	}
	rec.Delivered = delivered != 0
	rec.PayloadJSON = []byte(payload)
	return rec, true
}

func collectEvents(rows *sql.Rows) ([]store.EventRecord, error) {
	out := []store.EventRecord{}
	for rows.Next() {
		ev, ok := scanEvent(rows)
		if !ok {
			return nil, rows.Err()
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutSource(src store.SourceRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO sources(`+sourceCols+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_id) DO UPDATE SET
  name=excluded.name,
  delivery_mode=excluded.delivery_mode,
  webhook_enabled=excluded.webhook_enabled,
  webhook_url=excluded.webhook_url,
  webhook_secret=excluded.webhook_secret,
  timeout_ms=excluded.timeout_ms,
  max_attempts=excluded.max_attempts,
  backoff_base_seconds=excluded.backoff_base_seconds,
  updated_at=excluded.updated_at`,
		src.SourceID, src.Name, src.DeliveryMode, boolInt(src.WebhookEnabled), src.WebhookURL, src.WebhookSecret,
		src.TimeoutMS, src.MaxAttempts, src.BackoffBaseSeconds, src.CreatedAt, src.UpdatedAt,
	)
	return err
}

func (t *Tx) GetSource(sourceID string) (store.SourceRecord, bool) {
	return scanSource(t.tx.QueryRow(`SELECT `+sourceCols+` FROM sources WHERE source_id = ?`, sourceID))
}

func (t *Tx) PutTask(task store.TaskRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO tasks(`+taskCols+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
  status=excluded.status,
  priority=excluded.priority,
  risk_level=excluded.risk_level,
  risk_warning=excluded.risk_warning,
  blocks_working=excluded.blocks_working,
  blocks_final=excluded.blocks_final,
  diff_json=excluded.diff_json,
  metadata_json=excluded.metadata_json,
  updated_at=excluded.updated_at,
  archived_at=excluded.archived_at`,
		task.TaskID, task.SourceID, task.Status, task.Priority, task.RiskLevel, task.RiskWarning,
		string(task.BlocksOriginal), string(task.BlocksWorking), nullBytes(task.BlocksFinal),
		nullBytes(task.DiffJSON), nullBytes(task.MetadataJSON), task.CreatedAt, task.UpdatedAt, task.ArchivedAt,
	)
	return err
}

func (t *Tx) GetTask(taskID string) (store.TaskRecord, bool) {
	return scanTask(t.tx.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE task_id = ?`, taskID))
}

func (t *Tx) PutDecision(dec store.DecisionRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO decisions(decision_id, task_id, kind, reason, decided_by, decided_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(task_id) DO NOTHING`,
		dec.DecisionID, dec.TaskID, dec.Kind, dec.Reason, dec.DecidedBy, dec.DecidedAt,
	)
	return err
}

func (t *Tx) GetDecisionByTask(taskID string) (store.DecisionRecord, bool) {
	var rec store.DecisionRecord
	row := t.tx.QueryRow(`SELECT decision_id, task_id, kind, reason, decided_by, decided_at FROM decisions WHERE task_id = ?`, taskID)
	if err := row.Scan(&rec.DecisionID, &rec.TaskID, &rec.Kind, &rec.Reason, &rec.DecidedBy, &rec.DecidedAt); err != nil {
		return store.DecisionRecord{}, false
	}
	return rec, true
}

func (t *Tx) PutEvent(ev store.EventRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO decision_events(`+eventCols+`)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(event_id) DO UPDATE SET
  delivered=excluded.delivered,
  attempt_count=excluded.attempt_count,
  last_attempt_at=excluded.last_attempt_at`,
		ev.EventID, ev.TaskID, ev.SourceID, ev.Kind, string(ev.PayloadJSON),
		boolInt(ev.Delivered), ev.AttemptCount, ev.LastAttemptAt, ev.CreatedAt,
	)
	return err
}

func (t *Tx) GetEvent(eventID string) (store.EventRecord, bool) {
	return scanEvent(t.tx.QueryRow(`SELECT `+eventCols+` FROM decision_events WHERE event_id = ?`, eventID))
}
