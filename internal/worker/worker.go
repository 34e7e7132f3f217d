// Package worker implements the coordinator-facing side of the Worker
// Process (§4.B): the serial IPC read loop that drives one jsengine.Host.
// There is no teacher analog for a subprocess event loop (teranos talks to
// an external HTTP service, see pulse/async/python_handler.go); the loop
// shape below is grounded on original_source/ratchet-execution's worker
// main loop and SPEC_FULL.md §4.B's state machine.
package worker

import (
	"context"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/ipc"
	"github.com/michiel/ratchet-sub009/internal/jsengine"
	"github.com/michiel/ratchet-sub009/internal/log"
)

// HeartbeatIdleThreshold is how long the worker may sit without receiving a
// message before it emits an unsolicited Heartbeat (§4.B).
const HeartbeatIdleThreshold = 30 * time.Second

// DefaultFetchTimeout bounds any single fetch() call a task script makes.
const DefaultFetchTimeout = 30 * time.Second

// Worker drives the coordinator <-> worker IPC loop for exactly one
// subprocess lifetime. It holds one jsengine.Host per ExecuteTask, since a
// freshly loaded script can't be swapped into an already-running Host.
type Worker struct {
	transport *ipc.Transport
	id        string
}

// New constructs a Worker bound to a transport (typically wrapping
// os.Stdin/os.Stdout from cmd/ratchet-worker).
func New(transport *ipc.Transport, id string) *Worker {
	return &Worker{transport: transport, id: id}
}

// Run announces readiness and then serially processes coordinator messages
// until Shutdown is received, the transport errs, or ctx is cancelled. It
// returns nil on a clean Shutdown, and a non-nil error for any fatal
// transport condition (§4.A: oversized line, read error).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.send(ipc.Ready{}, nil); err != nil {
		return errs.Wrap(err, "send ready")
	}
	log.Infow("worker ready", "worker_id", w.id)

	recvCh := make(chan recvResult, 1)
	go w.recvLoop(recvCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-recvCh:
			if res.err != nil {
				return res.err
			}
			if shouldStop := w.handleEnvelope(res.env); shouldStop {
				return nil
			}
			go w.recvLoop(recvCh)
		case <-time.After(HeartbeatIdleThreshold):
			if err := w.send(ipc.Heartbeat{}, nil); err != nil {
				return errs.Wrap(err, "send heartbeat")
			}
		}
	}
}

type recvResult struct {
	env ipc.Envelope
	err error
}

func (w *Worker) recvLoop(out chan<- recvResult) {
	env, err := w.transport.Recv()
	out <- recvResult{env: env, err: err}
}

// handleEnvelope processes one coordinator message serially; it returns
// true when the worker should stop (Shutdown received).
func (w *Worker) handleEnvelope(env ipc.Envelope) bool {
	msg, err := ipc.DecodeCoordinatorMessage(env.Payload)
	if err != nil {
		log.Warnw("discarding unparseable coordinator message", "error", err.Error())
		return false
	}

	switch m := msg.(type) {
	case ipc.Ping:
		_ = w.send(ipc.Pong{}, &env.ID)
	case ipc.ValidateTask:
		w.handleValidateTask(m, env.ID)
	case ipc.ExecuteTask:
		w.handleExecuteTask(m, env.ID)
	case ipc.Shutdown:
		log.Infow("worker received shutdown", "worker_id", w.id)
		return true
	default:
		log.Warnw("ignoring unknown coordinator message", "type", msg.Type())
	}
	return false
}

func (w *Worker) handleValidateTask(m ipc.ValidateTask, correlationID string) {
	result := ipc.ValidationResult{TaskSource: m.TaskSource, Valid: true}
	if err := jsengine.CheckSyntax(m.TaskSource); err != nil {
		result.Valid = false
		result.Error = err.Error()
	}
	if err := w.send(result, &correlationID); err != nil {
		log.Errorw("failed to send validation_result", "error", err.Error())
	}
}

func (w *Worker) handleExecuteTask(m ipc.ExecuteTask, correlationID string) {
	start := time.Now()
	host := jsengine.NewHost(DefaultFetchTimeout)

	result := ipc.TaskResult{ExecutionID: m.ExecutionID}

	if err := host.Load(m.TaskSource); err != nil {
		result.Error = err.Error()
		result.ErrorKind = string(errs.KindLoaderError)
		result.DurationMS = time.Since(start).Milliseconds()
		w.sendTaskResult(result, correlationID)
		return
	}

	callRes, err := host.Call(m.Input, m.Context)
	result.DurationMS = time.Since(start).Milliseconds()
	result.HTTPRequests = host.HTTPRequests()

	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = string(errs.KindUnknownError)
		w.sendTaskResult(result, correlationID)
		return
	}

	if callRes.ErrorMessage != "" {
		result.Error = callRes.ErrorMessage
		result.ErrorKind = string(callRes.ErrorKind)
		result.HTTPStatus = callRes.HTTPStatus
		w.sendTaskResult(result, correlationID)
		return
	}

	result.Success = true
	result.Output = callRes.Output
	w.sendTaskResult(result, correlationID)
}

func (w *Worker) sendTaskResult(result ipc.TaskResult, correlationID string) {
	if err := w.send(result, &correlationID); err != nil {
		log.Errorw("failed to send task_result", "error", err.Error(), "execution_id", result.ExecutionID)
	}
}

func (w *Worker) send(msg ipc.WorkerMessage, correlationID *string) error {
	payload, err := ipc.EncodeWorkerMessage(msg)
	if err != nil {
		return err
	}
	return w.transport.Send(ipc.NewEnvelope(payload, correlationID))
}
