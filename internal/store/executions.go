package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
)

type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, uuid, task_id, job_id, input, output, status, error, error_kind, started_at, completed_at, duration_ms, attempt, worker_id, http_request_count, created_at, updated_at`

func (s *ExecutionStore) Create(e *model.Execution) error {
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = model.ExecutionPending
	}

	res, err := s.db.Exec(
		`INSERT INTO executions (uuid, task_id, job_id, input, output, status, error, error_kind, started_at, completed_at, duration_ms, attempt, worker_id, http_request_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, e.TaskID, e.JobID, string(e.Input), nullableJSON(e.Output), e.Status, e.Error, e.ErrorKind,
		e.StartedAt, e.CompletedAt, e.DurationMS, e.Attempt, e.WorkerID, e.HTTPRequestCount, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errs.Wrap(err, "create execution")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(err, "read inserted execution id")
	}
	e.ID = id
	return nil
}

// Complete records a terminal outcome for an in-flight execution.
func (s *ExecutionStore) Complete(e *model.Execution) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE executions SET output = ?, status = ?, error = ?, error_kind = ?, completed_at = ?, duration_ms = ?, http_request_count = ?, updated_at = ?
		 WHERE id = ?`,
		nullableJSON(e.Output), e.Status, e.Error, e.ErrorKind, e.CompletedAt, e.DurationMS, e.HTTPRequestCount, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return errs.Wrapf(err, "complete execution %d", e.ID)
	}
	return nil
}

func (s *ExecutionStore) GetByID(id int64) (*model.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *ExecutionStore) ListByJob(jobID int64) ([]*model.Execution, error) {
	rows, err := s.db.Query(`SELECT `+executionColumns+` FROM executions WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, errs.Wrapf(err, "list executions for job %d", jobID)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var e model.Execution
	var input string
	var output sql.NullString

	err := row.Scan(&e.ID, &e.UUID, &e.TaskID, &e.JobID, &input, &output, &e.Status, &e.Error, &e.ErrorKind,
		&e.StartedAt, &e.CompletedAt, &e.DurationMS, &e.Attempt, &e.WorkerID, &e.HTTPRequestCount, &e.CreatedAt, &e.UpdatedAt)
	if errs.Is(err, sql.ErrNoRows) {
		return nil, errs.New("execution not found")
	}
	if err != nil {
		return nil, errs.Wrap(err, "scan execution")
	}
	e.Input = json.RawMessage(input)
	if output.Valid {
		e.Output = json.RawMessage(output.String)
	}
	return &e, nil
}

func scanExecutions(rows *sql.Rows) ([]*model.Execution, error) {
	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
