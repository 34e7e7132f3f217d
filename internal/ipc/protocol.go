// Package ipc implements the line-framed, length-bounded JSON-over-stdio
// protocol between the coordinator and each worker process (SPEC_FULL.md
// §4.A/§6). Message shapes follow original_source/ratchet-ipc's naming
// (MessageEnvelope, WorkerMessage, CoordinatorMessage,
// IPC_PROTOCOL_VERSION) translated into Go tagged unions: each message
// type implements an unexported marker method so a type switch over the
// interface is exhaustive and compiler-checked, per SPEC_FULL.md §9's
// "dynamic dispatch" design note.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// ProtocolVersion is the wire protocol version stamped on every envelope.
const ProtocolVersion = "1.0"

// MaxLineBytes is the largest single line the transport will accept before
// treating the connection as fatally broken (§4.A).
const MaxLineBytes = 1 << 20 // 1 MiB

// Envelope is the outer wrapper for every IPC message (§4.A).
type Envelope struct {
	ID              string          `json:"id"`
	CorrelationID   *string         `json:"correlation_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload, assigning a fresh id and the current
// timestamp. correlationID is nil for unsolicited messages (Ready, Log,
// Heartbeat, Error) and non-nil for every response.
func NewEnvelope(payload json.RawMessage, correlationID *string) Envelope {
	return Envelope{
		ID:              uuid.NewString(),
		CorrelationID:   correlationID,
		Timestamp:       time.Now().UTC(),
		ProtocolVersion: ProtocolVersion,
		Payload:         payload,
	}
}

// ExecutionContext is passed alongside task input so the worker can label
// logs and fetch recordings without a second round trip (supplemented from
// original_source/ratchet-execution/src/ipc.rs's ExecutionContext type;
// see SPEC_FULL.md §4.A).
type ExecutionContext struct {
	ExecutionID string  `json:"execution_id"`
	JobID       *string `json:"job_id,omitempty"`
	TaskID      string  `json:"task_id"`
	TaskVersion string  `json:"task_version"`
}

// --- Coordinator -> Worker messages ---

// CoordinatorMessage is the sealed set of messages the coordinator may
// send to a worker.
type CoordinatorMessage interface {
	coordinatorMessage()
	Type() string
}

type Ping struct{}

func (Ping) coordinatorMessage() {}
func (Ping) Type() string        { return "ping" }

type ExecuteTask struct {
	ExecutionID string           `json:"execution_id"`
	TaskID      string           `json:"task_id"`
	TaskVersion string           `json:"task_version"`
	TaskSource  string           `json:"task_source"`
	Input       json.RawMessage  `json:"input"`
	Context     ExecutionContext `json:"context"`
	DeadlineMS  int64            `json:"deadline_ms,omitempty"`
}

func (ExecuteTask) coordinatorMessage() {}
func (ExecuteTask) Type() string        { return "execute_task" }

type ValidateTask struct {
	TaskSource string `json:"task_source"`
}

func (ValidateTask) coordinatorMessage() {}
func (ValidateTask) Type() string        { return "validate_task" }

type Shutdown struct{}

func (Shutdown) coordinatorMessage() {}
func (Shutdown) Type() string        { return "shutdown" }

// --- Worker -> Coordinator messages ---

// WorkerMessage is the sealed set of messages a worker may send to the
// coordinator.
type WorkerMessage interface {
	workerMessage()
	Type() string
}

type Pong struct{}

func (Pong) workerMessage() {}
func (Pong) Type() string   { return "pong" }

type Ready struct{}

func (Ready) workerMessage() {}
func (Ready) Type() string   { return "ready" }

type TaskResult struct {
	ExecutionID  string          `json:"execution_id"`
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	HTTPStatus   int             `json:"http_status,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	HTTPRequests int             `json:"http_requests,omitempty"`
}

func (TaskResult) workerMessage() {}
func (TaskResult) Type() string   { return "task_result" }

type ValidationResult struct {
	TaskSource string `json:"task_source"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

func (ValidationResult) workerMessage() {}
func (ValidationResult) Type() string   { return "validation_result" }

type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Log) workerMessage() {}
func (Log) Type() string   { return "log" }

// WorkerError is the worker's unsolicited fatal-condition report. Named
// WorkerError (not Error) to avoid shadowing the error interface.
type WorkerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (WorkerError) workerMessage() {}
func (WorkerError) Type() string   { return "error" }

type Heartbeat struct{}

func (Heartbeat) workerMessage() {}
func (Heartbeat) Type() string   { return "heartbeat" }

// taggedPayload is the on-wire shape of every payload: a "type"
// discriminator alongside the message's own fields, flattened via
// json.RawMessage round-tripping rather than embedding (Go has no native
// sum-type JSON support).
type taggedPayload struct {
	Type string `json:"type"`
}

// EncodeCoordinatorMessage marshals a CoordinatorMessage into a tagged
// payload suitable for Envelope.Payload.
func EncodeCoordinatorMessage(msg CoordinatorMessage) (json.RawMessage, error) {
	return encodeTagged(msg.Type(), msg)
}

// EncodeWorkerMessage marshals a WorkerMessage into a tagged payload
// suitable for Envelope.Payload.
func EncodeWorkerMessage(msg WorkerMessage) (json.RawMessage, error) {
	return encodeTagged(msg.Type(), msg)
}

func encodeTagged(typ string, msg interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Wrapf(err, "marshal %s payload", typ)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errs.Wrapf(err, "flatten %s payload", typ)
	}
	typeJSON, _ := json.Marshal(typ)
	fields["type"] = typeJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errs.Wrapf(err, "re-marshal %s payload", typ)
	}
	return out, nil
}

// DecodeCoordinatorMessage inspects a payload's "type" field and decodes
// it into the matching concrete CoordinatorMessage.
func DecodeCoordinatorMessage(payload json.RawMessage) (CoordinatorMessage, error) {
	var tag taggedPayload
	if err := json.Unmarshal(payload, &tag); err != nil {
		return nil, errs.Wrap(err, "decode payload type tag")
	}
	switch tag.Type {
	case "ping":
		return Ping{}, nil
	case "execute_task":
		var m ExecuteTask
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode execute_task")
		}
		return m, nil
	case "validate_task":
		var m ValidateTask
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode validate_task")
		}
		return m, nil
	case "shutdown":
		return Shutdown{}, nil
	default:
		return nil, errs.Newf("unknown coordinator message type %q", tag.Type)
	}
}

// DecodeWorkerMessage inspects a payload's "type" field and decodes it
// into the matching concrete WorkerMessage.
func DecodeWorkerMessage(payload json.RawMessage) (WorkerMessage, error) {
	var tag taggedPayload
	if err := json.Unmarshal(payload, &tag); err != nil {
		return nil, errs.Wrap(err, "decode payload type tag")
	}
	switch tag.Type {
	case "pong":
		return Pong{}, nil
	case "ready":
		return Ready{}, nil
	case "task_result":
		var m TaskResult
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode task_result")
		}
		return m, nil
	case "validation_result":
		var m ValidationResult
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode validation_result")
		}
		return m, nil
	case "log":
		var m Log
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode log")
		}
		return m, nil
	case "error":
		var m WorkerError
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(err, "decode error")
		}
		return m, nil
	case "heartbeat":
		return Heartbeat{}, nil
	default:
		return nil, errs.Newf("unknown worker message type %q", tag.Type)
	}
}

// IsUnsolicited reports whether a WorkerMessage is allowed to arrive with
// a nil correlation id (§4.A).
func IsUnsolicited(msg WorkerMessage) bool {
	switch msg.(type) {
	case Ready, Log, Heartbeat, WorkerError:
		return true
	default:
		return false
	}
}
