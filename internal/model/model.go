// Package model holds the shared entity types persisted by the store and
// passed between components, per SPEC_FULL.md §3.
package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether this status never transitions further.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// JobPriority orders job claim precedence (§4.F).
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Rank returns a numeric weight, stored in jobs.priority_rank so the
// store's claim query can order by priority DESC.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// JobStatus is the lifecycle state of a Job (§4.F).
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetrying   JobStatus = "retrying"
)

// Terminal reports whether this status never transitions further.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Eligible reports whether a job in this status can be claimed, pending a
// scheduled_for check.
func (s JobStatus) Eligible() bool {
	return s == JobQueued || s == JobRetrying
}

// ScheduleStatus is the lifecycle state of a Schedule (§3).
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleDisabled  ScheduleStatus = "disabled"
)

// Task is a versioned, schema-validated unit of executable JavaScript
// (§3). (name, version) is unique.
type Task struct {
	ID             int64
	UUID           string
	Name           string
	Version        string
	InputSchema    json.RawMessage
	OutputSchema   json.RawMessage
	SourceRef      string
	Enabled        bool
	RegistrySource bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution is one attempt at running a Task, optionally tied to a Job
// (§3).
type Execution struct {
	ID               int64
	UUID             string
	TaskID           int64
	JobID            *int64
	Input            json.RawMessage
	Output           json.RawMessage
	Status           ExecutionStatus
	Error            string
	ErrorKind        string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationMS       int64
	Attempt          int
	WorkerID         string
	HTTPRequestCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Job is a durable, queued request to execute a Task (§3).
type Job struct {
	ID                 int64
	UUID               string
	TaskID             int64
	ScheduleID         *int64
	Input              json.RawMessage
	Priority           JobPriority
	Status             JobStatus
	RetryCount         int
	MaxRetries         int
	ScheduledFor       time.Time
	ClaimedAt          *time.Time
	OutputDestinations json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Schedule is a cron-driven recurring job definition (§3).
type Schedule struct {
	ID                 int64
	UUID               string
	TaskID             int64
	Name               string
	CronExpression     string
	InputData          json.RawMessage
	Enabled            bool
	Status             ScheduleStatus
	NextRunAt          *time.Time
	LastRunAt          *time.Time
	ExecutionCount     int
	MaxExecutions      *int
	OutputDestinations json.RawMessage
	Metadata           json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeliveryResult is an append-only record of one delivery attempt to one
// destination for one execution (§3).
type DeliveryResult struct {
	ID              int64
	UUID            string
	JobID           int64
	ExecutionID     int64
	DestinationType string
	DestinationID   string
	Success         bool
	DeliveryTimeMS  int64
	SizeBytes       int64
	ResponseInfo    string
	ErrorMessage    string
	CreatedAt       time.Time
}
