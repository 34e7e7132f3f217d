package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
)

// dbConn is the subset of *sql.DB that *sql.Tx also satisfies, letting
// TaskStore run either against the pool directly or scoped to one
// transaction (registrysync needs the latter: §4.E requires sync to be
// transactional per task).
type dbConn interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// TaskStore persists Task rows (§4.D/§4.E). Shaped after
// pulse/async/store.go's Store: one struct per table, CreateX/GetX/ListX
// methods, no ORM.
type TaskStore struct {
	db dbConn
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a TaskStore scoped to an open transaction, for callers
// that need several table operations to commit or roll back together.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

const taskColumns = `id, uuid, name, version, input_schema, output_schema, source_ref, enabled, registry_source, created_at, updated_at`

func (s *TaskStore) Create(t *model.Task) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := s.db.Exec(
		`INSERT INTO tasks (uuid, name, version, input_schema, output_schema, source_ref, enabled, registry_source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.Name, t.Version, string(t.InputSchema), string(t.OutputSchema), t.SourceRef, t.Enabled, t.RegistrySource, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return errs.Wrapf(err, "create task %s@%s", t.Name, t.Version)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(err, "read inserted task id")
	}
	t.ID = id
	return nil
}

func (s *TaskStore) Update(t *model.Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE tasks SET input_schema = ?, output_schema = ?, source_ref = ?, enabled = ?, registry_source = ?, updated_at = ?
		 WHERE id = ?`,
		string(t.InputSchema), string(t.OutputSchema), t.SourceRef, t.Enabled, t.RegistrySource, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return errs.Wrapf(err, "update task %d", t.ID)
	}
	return nil
}

func (s *TaskStore) Disable(id int64) error {
	_, err := s.db.Exec(`UPDATE tasks SET enabled = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return errs.Wrapf(err, "disable task %d", id)
	}
	return nil
}

func (s *TaskStore) GetByID(id int64) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *TaskStore) GetByNameVersion(name, version string) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE name = ? AND version = ?`, name, version)
	return scanTask(row)
}

func (s *TaskStore) ListEnabled() ([]*model.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks WHERE enabled = 1 ORDER BY name, version`)
	if err != nil {
		return nil, errs.Wrap(err, "list enabled tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *TaskStore) ListAll() ([]*model.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY name, version`)
	if err != nil {
		return nil, errs.Wrap(err, "list tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ErrNotFound is returned by GetByID/GetByNameVersion when no row matches.
var ErrNotFound = errs.New("task not found")

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var inputSchema, outputSchema string
	err := row.Scan(&t.ID, &t.UUID, &t.Name, &t.Version, &inputSchema, &outputSchema, &t.SourceRef, &t.Enabled, &t.RegistrySource, &t.CreatedAt, &t.UpdatedAt)
	if errs.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "scan task")
	}
	t.InputSchema = json.RawMessage(inputSchema)
	t.OutputSchema = json.RawMessage(outputSchema)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
