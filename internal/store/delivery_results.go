package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
)

// DeliveryResultStore persists append-only delivery attempt records (§4.I).
type DeliveryResultStore struct {
	db *sql.DB
}

func NewDeliveryResultStore(db *sql.DB) *DeliveryResultStore {
	return &DeliveryResultStore{db: db}
}

const deliveryResultColumns = `id, uuid, job_id, execution_id, destination_type, destination_id, success, delivery_time_ms, size_bytes, response_info, error_message, created_at`

func (s *DeliveryResultStore) Create(d *model.DeliveryResult) error {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(
		`INSERT INTO delivery_results (uuid, job_id, execution_id, destination_type, destination_id, success, delivery_time_ms, size_bytes, response_info, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UUID, d.JobID, d.ExecutionID, d.DestinationType, d.DestinationID, d.Success, d.DeliveryTimeMS, d.SizeBytes, d.ResponseInfo, d.ErrorMessage, d.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(err, "create delivery result")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(err, "read inserted delivery result id")
	}
	d.ID = id
	return nil
}

func (s *DeliveryResultStore) ListByJob(jobID int64) ([]*model.DeliveryResult, error) {
	rows, err := s.db.Query(`SELECT `+deliveryResultColumns+` FROM delivery_results WHERE job_id = ? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, errs.Wrapf(err, "list delivery results for job %d", jobID)
	}
	defer rows.Close()

	var out []*model.DeliveryResult
	for rows.Next() {
		var d model.DeliveryResult
		if err := rows.Scan(&d.ID, &d.UUID, &d.JobID, &d.ExecutionID, &d.DestinationType, &d.DestinationID, &d.Success,
			&d.DeliveryTimeMS, &d.SizeBytes, &d.ResponseInfo, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, errs.Wrap(err, "scan delivery result")
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
