// Package dispatcher implements the claim -> execute -> record -> deliver
// loop (§4.G): the central loop tying the job queue, worker pool, task
// registry, and output delivery together. Grounded on
// pulse/async/worker.go's processNextJob (dequeue -> gate checks ->
// execute -> complete/fail) generalized from one in-process executor to a
// pool of IPC-driven worker subprocesses.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/ipc"
	"github.com/michiel/ratchet-sub009/internal/log"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/queue"
	"github.com/michiel/ratchet-sub009/internal/registry"
	"github.com/michiel/ratchet-sub009/internal/store"
)

// Backoff constants per §4.G: "exponential with jitter. Base 1s, factor 2,
// cap 5 min, jitter = decorrelated (min(cap, random(base, prev*3)))".
const (
	BackoffBase   = 1 * time.Second
	BackoffFactor = 2
	BackoffCap    = 5 * time.Minute
)

// Config tunes the dispatcher's polling and concurrency.
type Config struct {
	PollInterval    time.Duration // how often to try claiming when the queue was last empty
	StuckClaimGrace time.Duration // §4.F's stuck-claim reaper threshold
	MaxConcurrent   int           // bounds in-flight dispatchOne goroutines; 0 means use the pool size
	ExecuteTimeout  time.Duration // deadline handed to the worker per task
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StuckClaimGrace <= 0 {
		c.StuckClaimGrace = 5 * time.Minute
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 5 * time.Minute
	}
	return c
}

// WorkerExecutor is the subset of workerpool.Pool the dispatcher needs,
// narrowed for testability.
type WorkerExecutor interface {
	Execute(ctx context.Context, msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error)
	Size() int
}

// TaskSourceProvider resolves a task's (name, version) to its loaded JS
// source, per internal/registry.Registry.Get.
type TaskSourceProvider interface {
	Get(key string) (registry.TaskDefinition, bool)
}

// Deliverer hands a completed execution's output to the destinations the
// job named (§4.I). Implemented by internal/delivery.
type Deliverer interface {
	Deliver(ctx context.Context, job *model.Job, execution *model.Execution, destinations []byte)
}

// Dispatcher runs the claim/execute/record/deliver loop (§4.G).
type Dispatcher struct {
	queue      *queue.Queue
	pool       WorkerExecutor
	tasks      *store.TaskStore
	executions *store.ExecutionStore
	source     TaskSourceProvider
	delivery   Deliverer
	cfg        Config

	mu          sync.Mutex
	crashCounts map[int64]int // consecutive worker crashes per job, process-local (§4.G)
}

func New(q *queue.Queue, pool WorkerExecutor, tasks *store.TaskStore, executions *store.ExecutionStore, source TaskSourceProvider, delivery Deliverer, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:       q,
		pool:        pool,
		tasks:       tasks,
		executions:  executions,
		source:      source,
		delivery:    delivery,
		cfg:         cfg.withDefaults(),
		crashCounts: make(map[int64]int),
	}
}

// Run claims and dispatches jobs until ctx is cancelled. Claimed jobs are
// each handled in their own goroutine, bounded by the worker pool's size
// so the dispatcher never queues more in-flight work than there are
// workers to run it.
func (d *Dispatcher) Run(ctx context.Context) {
	maxConcurrent := d.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = d.pool.Size()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	reclaimTicker := time.NewTicker(d.cfg.StuckClaimGrace)
	defer reclaimTicker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaimTicker.C:
			if n, err := d.queue.ReclaimStuck(d.cfg.StuckClaimGrace); err != nil {
				log.Warnw("stuck claim reap failed", "error", err)
			} else if n > 0 {
				log.Infow("reclaimed stuck jobs", "count", n)
			}
		default:
		}

		job, err := d.queue.Claim()
		if err != nil {
			log.Warnw("claim failed", "error", err)
			d.sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if job == nil {
			d.sleep(ctx, d.cfg.PollInterval)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(job *model.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchOne(ctx, job)
		}(job)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

// dispatchOne runs steps 1-6 of §4.G for one claimed job.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *model.Job) {
	task, err := d.tasks.GetByID(job.TaskID)
	if err != nil {
		log.Errorw("dispatcher: task lookup failed, failing job", "job_id", job.ID, "error", err)
		d.failJob(job)
		return
	}

	def, ok := d.source.Get(task.Name + "@" + task.Version)
	if !ok {
		log.Errorw("dispatcher: task source not loaded, failing job", "job_id", job.ID, "task", task.Name)
		d.failJob(job)
		return
	}

	execution := &model.Execution{
		TaskID:  task.ID,
		JobID:   &job.ID,
		Input:   job.Input,
		Status:  model.ExecutionRunning,
		Attempt: job.RetryCount + 1,
	}
	startedAt := time.Now().UTC()
	execution.StartedAt = &startedAt
	if err := d.executions.Create(execution); err != nil {
		log.Errorw("dispatcher: failed to record execution start", "job_id", job.ID, "error", err)
		return
	}

	jobIDStr := uuid.Nil.String()
	if job.UUID != "" {
		jobIDStr = job.UUID
	}
	// execCtx is deliberately rooted in context.Background(), not ctx: §5
	// says an in-flight execution keeps running when the dispatcher is
	// asked to shut down (the caller waits up to grace_period, then moves
	// on to killing workers), rather than being cancelled the instant Run's
	// ctx is cancelled. The execution's own deadline still bounds it.
	execCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ExecuteTimeout)
	defer cancel()

	msg := ipc.ExecuteTask{
		ExecutionID: execution.UUID,
		TaskID:      task.UUID,
		TaskVersion: task.Version,
		TaskSource:  def.MainJS,
		Input:       job.Input,
		Context: ipc.ExecutionContext{
			ExecutionID: execution.UUID,
			JobID:       &jobIDStr,
			TaskID:      task.UUID,
			TaskVersion: task.Version,
		},
		DeadlineMS: d.cfg.ExecuteTimeout.Milliseconds(),
	}

	resp, err := d.pool.Execute(execCtx, msg)
	if err != nil {
		if errs.Is(execCtx.Err(), context.DeadlineExceeded) {
			// A deadline expiry is a TimeoutError, not a crash; if a worker
			// was running the task, the pool has already killed it.
			d.recordTaskError(ctx, job, execution, ipc.TaskResult{
				ExecutionID: execution.UUID,
				Error:       "execution deadline exceeded",
				ErrorKind:   string(errs.KindTimeoutError),
			})
			return
		}
		d.handleWorkerCrash(ctx, job, execution)
		return
	}

	result, ok := resp.(ipc.TaskResult)
	if !ok {
		log.Errorw("dispatcher: unexpected worker response type", "type", resp.Type())
		d.handleWorkerCrash(ctx, job, execution)
		return
	}

	d.clearCrashCount(job.ID)

	if result.Success {
		d.recordSuccess(ctx, job, execution, result)
		return
	}
	d.recordTaskError(ctx, job, execution, result)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, job *model.Job, execution *model.Execution, result ipc.TaskResult) {
	completedAt := time.Now().UTC()
	execution.Output = result.Output
	execution.Status = model.ExecutionCompleted
	execution.CompletedAt = &completedAt
	execution.DurationMS = result.DurationMS
	execution.HTTPRequestCount = result.HTTPRequests

	if err := d.executions.Complete(execution); err != nil {
		log.Errorw("dispatcher: failed to record execution success", "execution_id", execution.ID, "error", err)
	}
	if err := d.queue.Complete(job.ID); err != nil {
		log.Errorw("dispatcher: failed to complete job", "job_id", job.ID, "error", err)
	}

	if d.delivery != nil {
		d.delivery.Deliver(ctx, job, execution, job.OutputDestinations)
	}
}

// recordTaskError classifies a TaskResult's error kind per §4.G step 5 and
// either requeues it for retry or marks it permanently failed.
func (d *Dispatcher) recordTaskError(ctx context.Context, job *model.Job, execution *model.Execution, result ipc.TaskResult) {
	completedAt := time.Now().UTC()
	execution.Status = model.ExecutionFailed
	execution.Error = result.Error
	execution.ErrorKind = result.ErrorKind
	execution.CompletedAt = &completedAt
	execution.DurationMS = result.DurationMS
	execution.HTTPRequestCount = result.HTTPRequests

	if err := d.executions.Complete(execution); err != nil {
		log.Errorw("dispatcher: failed to record execution failure", "execution_id", execution.ID, "error", err)
	}

	kind := errs.Kind(result.ErrorKind)
	if d.isRetryable(kind, result) && job.RetryCount < job.MaxRetries {
		d.retryJob(job)
		return
	}
	d.failJob(job)
}

func (d *Dispatcher) isRetryable(kind errs.Kind, result ipc.TaskResult) bool {
	if kind.Retryable() {
		return true
	}
	if kind == errs.KindHttpError {
		return errs.IsTransientHTTPStatus(result.HTTPStatus)
	}
	return false
}

// handleWorkerCrash treats a pool.Execute failure as §4.G's WorkerCrashed
// case: the first crash for a given job doesn't consume a retry, but
// consecutive crashes for the same job do.
func (d *Dispatcher) handleWorkerCrash(ctx context.Context, job *model.Job, execution *model.Execution) {
	completedAt := time.Now().UTC()
	execution.Status = model.ExecutionFailed
	execution.Error = "worker crashed during execution"
	execution.ErrorKind = string(errs.KindWorkerCrashed)
	execution.CompletedAt = &completedAt
	if err := d.executions.Complete(execution); err != nil {
		log.Errorw("dispatcher: failed to record crash", "execution_id", execution.ID, "error", err)
	}

	free := d.consumeFreeCrash(job.ID)
	if free || job.RetryCount < job.MaxRetries {
		d.retryJobKeepingCount(job, free)
		return
	}
	d.failJob(job)
}

// consumeFreeCrash returns true (and marks the job's free crash used) the
// first time it's called for a given job id; subsequent calls return
// false until clearCrashCount resets it.
func (d *Dispatcher) consumeFreeCrash(jobID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.crashCounts[jobID]
	d.crashCounts[jobID] = n + 1
	return n == 0
}

func (d *Dispatcher) clearCrashCount(jobID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.crashCounts, jobID)
}

func (d *Dispatcher) retryJob(job *model.Job) {
	retryCount := job.RetryCount + 1
	delay := backoffFor(retryCount)
	if err := d.queue.Retry(job.ID, retryCount, time.Now().UTC().Add(delay)); err != nil {
		log.Errorw("dispatcher: failed to requeue job for retry", "job_id", job.ID, "error", err)
	}
}

// retryJobKeepingCount requeues a crashed job; when free is true the
// retry_count is left unchanged (the crash wasn't the task's fault).
func (d *Dispatcher) retryJobKeepingCount(job *model.Job, free bool) {
	retryCount := job.RetryCount
	if !free {
		retryCount++
	}
	delay := backoffFor(retryCount)
	if err := d.queue.Retry(job.ID, retryCount, time.Now().UTC().Add(delay)); err != nil {
		log.Errorw("dispatcher: failed to requeue crashed job", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) failJob(job *model.Job) {
	if err := d.queue.Fail(job.ID); err != nil {
		log.Errorw("dispatcher: failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

// backoffFor computes the decorrelated-jitter retry delay for the given
// attempt number per §4.G. There is no persisted "previous backoff" in the
// jobs table, so prev is approximated as the pure exponential term for
// attempt-1; see DESIGN.md for this Open Question's resolution.
func backoffFor(attempt int) time.Duration {
	prev := BackoffBase
	for i := 1; i < attempt; i++ {
		prev *= BackoffFactor
		if prev > BackoffCap {
			prev = BackoffCap
			break
		}
	}

	lower := int64(BackoffBase)
	upper := int64(prev) * 3
	if upper <= lower {
		upper = lower + 1
	}
	d := lower + rand.Int63n(upper-lower)
	delay := time.Duration(d)
	if delay > BackoffCap {
		delay = BackoffCap
	}
	return delay
}
