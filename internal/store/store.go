package store

import "database/sql"

// Store bundles every table's store behind one struct, the way callers
// (dispatcher, registrysync, scheduler, delivery) wire persistence.
type Store struct {
	DB         *sql.DB
	Tasks      *TaskStore
	Executions *ExecutionStore
	Jobs       *JobStore
	Schedules  *ScheduleStore
	Deliveries *DeliveryResultStore
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{
		DB:         db,
		Tasks:      NewTaskStore(db),
		Executions: NewExecutionStore(db),
		Jobs:       NewJobStore(db),
		Schedules:  NewScheduleStore(db),
		Deliveries: NewDeliveryResultStore(db),
	}
}

// OpenStore opens and migrates a database at path and wraps it in a Store.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}
