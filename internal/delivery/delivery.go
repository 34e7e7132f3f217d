// Package delivery implements §4.I's output delivery subsystem: after a
// successful execution, each destination named on the job is handled
// independently and records a DeliveryResult row. Grounded on
// pulse/async/python_handler.go's HTTP-call/error-capture shape for the
// webhook path; filesystem and stdio destinations follow the same
// attempt/record structure with no retry, per §4.I.
package delivery

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/httpclient"
	"github.com/michiel/ratchet-sub009/internal/log"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/store"
)

// TaskNameResolver resolves a task id to its name, for {task_name} path
// template interpolation (§4.I). Satisfied by *store.TaskStore.
type TaskNameResolver interface {
	GetByID(id int64) (*model.Task, error)
}

// attemptResult is the outcome of delivering to one destination, used to
// build a model.DeliveryResult row.
type attemptResult struct {
	success      bool
	sizeBytes    int64
	responseInfo string
	err          error
}

// Deliverer dispatches a completed execution's output to every destination
// named on its job, independently and concurrently (§4.I: "Delivery
// ordering is unspecified across destinations"). It implements
// internal/dispatcher.Deliverer.
type Deliverer struct {
	results *store.DeliveryResultStore
	tasks   TaskNameResolver
	client  *httpclient.SaferClient
	limiters *hostLimiters

	stdout io.Writer
	stderr io.Writer
}

func New(results *store.DeliveryResultStore, tasks TaskNameResolver) *Deliverer {
	return &Deliverer{
		results:  results,
		tasks:    tasks,
		client:   httpclient.NewSaferClient(30 * time.Second),
		limiters: newHostLimiters(),
		stdout:   defaultStdio.Out,
		stderr:   defaultStdio.Err,
	}
}

// Deliver decodes destinations and hands the execution's output to each one
// independently; a destination failure never blocks another.
func (d *Deliverer) Deliver(ctx context.Context, job *model.Job, execution *model.Execution, destinations []byte) {
	dests, err := parseDestinations(destinations)
	if err != nil {
		log.Errorw("delivery: failed to parse output_destinations", "job_id", job.ID, "error", err)
		return
	}
	if len(dests) == 0 {
		return
	}

	taskName := d.taskName(execution.TaskID)

	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func(dest Destination) {
			defer wg.Done()
			d.deliverOne(ctx, job, execution, dest, taskName)
		}(dest)
	}
	wg.Wait()
}

func (d *Deliverer) taskName(taskID int64) string {
	task, err := d.tasks.GetByID(taskID)
	if err != nil {
		log.Warnw("delivery: failed to resolve task name for path template", "task_id", taskID, "error", err)
		return ""
	}
	return task.Name
}

func (d *Deliverer) deliverOne(ctx context.Context, job *model.Job, execution *model.Execution, dest Destination, taskName string) {
	start := time.Now()

	var result attemptResult
	switch dest.Type {
	case KindFilesystem:
		result = deliverFilesystem(dest, execution.UUID, taskName, execution.Output, start)
	case KindWebhook:
		result = deliverWebhook(ctx, d.client, d.limiters, dest, execution.Output)
	case KindStdio:
		result = deliverStdio(dest, execution.Output, d.stdout, d.stderr)
	default:
		result = attemptResult{err: errs.Newf("unknown destination type %q", dest.Type)}
	}

	elapsed := time.Since(start)

	row := &model.DeliveryResult{
		JobID:           job.ID,
		ExecutionID:     execution.ID,
		DestinationType: string(dest.Type),
		DestinationID:   dest.id(),
		Success:         result.success,
		DeliveryTimeMS:  elapsed.Milliseconds(),
		SizeBytes:       result.sizeBytes,
		ResponseInfo:    result.responseInfo,
	}
	if result.err != nil {
		row.ErrorMessage = result.err.Error()
	}

	if err := d.results.Create(row); err != nil {
		log.Errorw("delivery: failed to record delivery result", "job_id", job.ID, "destination", dest.Type, "error", err)
	}
}
