package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
)

// cronParser mirrors the scheduler's parser (5- or 6-field expressions)
// so an expression validated here is guaranteed to parse when the
// scheduler later loads it.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateCronExpression rejects malformed expressions and TZ specifiers
// (schedules run on UTC only, per the documented Open Question decision).
func validateCronExpression(expr string) error {
	if strings.Contains(expr, "TZ=") {
		return errs.Newf("cron expression must not specify a timezone: %q", expr)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return errs.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

// ScheduleStore persists cron-driven recurring job definitions (§4.H).
// Grounded on pulse/schedule/store.go's shape (one row per schedule,
// next_run_at tracked on the row itself rather than recomputed by a
// separate ticker table).
type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleColumns = `id, uuid, task_id, name, cron_expression, input_data, enabled, status, next_run_at, last_run_at, execution_count, max_executions, output_destinations, metadata, created_at, updated_at`

func (s *ScheduleStore) Create(sc *model.Schedule) error {
	if err := validateCronExpression(sc.CronExpression); err != nil {
		return err
	}
	if sc.UUID == "" {
		sc.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	if sc.Status == "" {
		sc.Status = model.ScheduleActive
	}
	if len(sc.InputData) == 0 {
		sc.InputData = json.RawMessage(`{}`)
	}
	if len(sc.OutputDestinations) == 0 {
		sc.OutputDestinations = json.RawMessage(`[]`)
	}
	if len(sc.Metadata) == 0 {
		sc.Metadata = json.RawMessage(`{}`)
	}

	res, err := s.db.Exec(
		`INSERT INTO schedules (uuid, task_id, name, cron_expression, input_data, enabled, status, next_run_at, last_run_at, execution_count, max_executions, output_destinations, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.UUID, sc.TaskID, sc.Name, sc.CronExpression, string(sc.InputData), sc.Enabled, sc.Status, sc.NextRunAt, sc.LastRunAt,
		sc.ExecutionCount, sc.MaxExecutions, string(sc.OutputDestinations), string(sc.Metadata), sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return errs.Wrap(err, "create schedule")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(err, "read inserted schedule id")
	}
	sc.ID = id
	return nil
}

// ListDue returns enabled, active schedules whose next_run_at has passed,
// for the scheduler tick (§4.H).
func (s *ScheduleStore) ListDue(now time.Time) ([]*model.Schedule, error) {
	rows, err := s.db.Query(
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC`,
		model.ScheduleActive, now,
	)
	if err != nil {
		return nil, errs.Wrap(err, "list due schedules")
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *ScheduleStore) ListEnabled() ([]*model.Schedule, error) {
	rows, err := s.db.Query(`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(err, "list enabled schedules")
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// RecordFire advances a schedule after firing: bumps execution_count,
// stamps last_run_at, sets next_run_at (nil once the schedule has no more
// runs), and flips status to Completed if max_executions was just hit.
func (s *ScheduleStore) RecordFire(id int64, firedAt time.Time, nextRunAt *time.Time, newExecutionCount int, completed bool) error {
	now := time.Now().UTC()
	status := model.ScheduleActive
	if completed {
		status = model.ScheduleCompleted
	}
	_, err := s.db.Exec(
		`UPDATE schedules SET last_run_at = ?, next_run_at = ?, execution_count = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		firedAt, nextRunAt, newExecutionCount, status, now, id,
	)
	if err != nil {
		return errs.Wrapf(err, "record fire for schedule %d", id)
	}
	return nil
}

func (s *ScheduleStore) Disable(id int64) error {
	_, err := s.db.Exec(`UPDATE schedules SET enabled = 0, status = ?, updated_at = ? WHERE id = ?`, model.ScheduleDisabled, time.Now().UTC(), id)
	if err != nil {
		return errs.Wrapf(err, "disable schedule %d", id)
	}
	return nil
}

func (s *ScheduleStore) GetByID(id int64) (*model.Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var sc model.Schedule
	var inputData, outputDest, metadata string

	err := row.Scan(&sc.ID, &sc.UUID, &sc.TaskID, &sc.Name, &sc.CronExpression, &inputData, &sc.Enabled, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &sc.ExecutionCount, &sc.MaxExecutions, &outputDest, &metadata, &sc.CreatedAt, &sc.UpdatedAt)
	if errs.Is(err, sql.ErrNoRows) {
		return nil, errs.New("schedule not found")
	}
	if err != nil {
		return nil, errs.Wrap(err, "scan schedule")
	}
	sc.InputData = json.RawMessage(inputData)
	sc.OutputDestinations = json.RawMessage(outputDest)
	sc.Metadata = json.RawMessage(metadata)
	return &sc, nil
}

func scanSchedules(rows *sql.Rows) ([]*model.Schedule, error) {
	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
