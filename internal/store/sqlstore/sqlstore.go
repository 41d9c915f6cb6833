package sqlstore

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/patjackson52/hilt/internal/store"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Migrate() error {
	return store.Migrate(s.db)
}

func (s *Store) WithTx(fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutSource(src store.SourceRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutSource(src) })
}

func (s *Store) GetSource(sourceID string) (store.SourceRecord, bool) {
	return scanSource(s.db.QueryRow(`SELECT `+sourceCols+` FROM sources WHERE source_id = ?`, sourceID))
}

func (s *Store) PutTask(task store.TaskRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutTask(task) })
}

func (s *Store) GetTask(taskID string) (store.TaskRecord, bool) {
	return scanTask(s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE task_id = ?`, taskID))
}

func (s *Store) ListArchivable(cutoff string, limit int) ([]store.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+prefixCols("t.", taskCols)+`
FROM tasks t
JOIN decisions d ON d.task_id = t.task_id
WHERE t.status IN ('approved', 'denied', 'dispatched') AND d.decided_at <= ?
ORDER BY t.created_at ASC
LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.TaskRecord{}
	for rows.Next() {
		task, ok := scanTask(rows)
		if !ok {
			return nil, rows.Err()
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) PutDecision(dec store.DecisionRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDecision(dec) })
}

func (s *Store) GetDecisionByTask(taskID string) (store.DecisionRecord, bool) {
	var rec store.DecisionRecord
	row := s.db.QueryRow(`SELECT decision_id, task_id, kind, reason, decided_by, decided_at FROM decisions WHERE task_id = ?`, taskID)
	if err := row.Scan(&rec.DecisionID, &rec.TaskID, &rec.Kind, &rec.Reason, &rec.DecidedBy, &rec.DecidedAt); err != nil {
		return store.DecisionRecord{}, false
	}
	return rec, true
}

func (s *Store) PutEvent(ev store.EventRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutEvent(ev) })
}

func (s *Store) GetEvent(eventID string) (store.EventRecord, bool) {
	return scanEvent(s.db.QueryRow(`SELECT `+eventCols+` FROM decision_events WHERE event_id = ?`, eventID))
}

func (s *Store) ListUndeliveredDue(cutoff string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventCols+`
FROM decision_events
WHERE delivered = 0 AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
ORDER BY created_at ASC
LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) ListUndeliveredBySource(sourceID string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventCols+`
FROM decision_events
WHERE delivered = 0 AND source_id = ?
ORDER BY created_at ASC
LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) PutIdempotency(rec store.IdemRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys(idem_key, body_hash, response_status, response_body, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(idem_key) DO NOTHING`,
		rec.IdemKey, rec.BodyHash, rec.ResponseStatus, string(rec.ResponseBody), rec.CreatedAt,
	)
	return err
}

func (s *Store) GetIdempotency(idemKey string) (store.IdemRecord, bool) {
	var rec store.IdemRecord
	var body string
	row := s.db.QueryRow(`SELECT idem_key, body_hash, response_status, response_body, created_at FROM idempotency_keys WHERE idem_key = ?`, idemKey)
	if err := row.Scan(&rec.IdemKey, &rec.BodyHash, &rec.ResponseStatus, &body, &rec.CreatedAt); err != nil {
		return store.IdemRecord{}, false
	}
	rec.ResponseBody = []byte(body)
	return rec, true
}

func (s *Store) EnqueueJob(job store.JobRecord) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO jobs(job_key, kind, payload, status, run_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(job_key) DO NOTHING`,
		job.JobKey, job.Kind, job.Payload, job.Status, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ClaimDueJobs(now string, limit int) ([]store.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	out := []store.JobRecord{}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(`SELECT job_key, kind, payload, status, run_at, created_at, updated_at
FROM jobs
WHERE status = 'pending' AND run_at <= ?
ORDER BY run_at ASC
LIMIT ?`, now, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	for rows.Next() {
		var job store.JobRecord
		if err := rows.Scan(&job.JobKey, &job.Kind, &job.Payload, &job.Status, &job.RunAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return nil, err
	}
	rows.Close()

	for i := range out {
		out[i].Status = store.JobRunning
		out[i].UpdatedAt = now
		if _, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE job_key = ?`, now, out[i].JobKey); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CompleteJob(jobKey string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE job_key = ?`, jobKey)
	return err
}

func (s *Store) ResetRunningJobs() error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'pending' WHERE status = 'running'`)
	return err
}
