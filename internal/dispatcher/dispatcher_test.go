package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/ipc"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/queue"
	"github.com/michiel/ratchet-sub009/internal/registry"
	"github.com/michiel/ratchet-sub009/internal/store"
)

type fakeExecutor struct {
	mu        sync.Mutex
	responses []func(msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error)
	calls     int
	size      int
}

func (f *fakeExecutor) Execute(ctx context.Context, msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i](msg)
}

func (f *fakeExecutor) Size() int {
	if f.size == 0 {
		return 1
	}
	return f.size
}

type fakeSource struct {
	defs map[string]registry.TaskDefinition
}

func (f *fakeSource) Get(key string) (registry.TaskDefinition, bool) {
	d, ok := f.defs[key]
	return d, ok
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDeliverer) Deliver(ctx context.Context, job *model.Job, execution *model.Execution, destinations []byte) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })
	return st
}

func seedTaskAndJob(t *testing.T, st *store.Store) (*model.Task, *model.Job) {
	t.Helper()
	task := &model.Task{
		Name:         "echo",
		Version:      "1.0.0",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		SourceRef:    "file:///tasks/echo",
		Enabled:      true,
	}
	require.NoError(t, st.Tasks.Create(task))

	job := &model.Job{
		TaskID:     task.ID,
		Input:      json.RawMessage(`{"n":1}`),
		Priority:   model.PriorityNormal,
		MaxRetries: 2,
	}
	require.NoError(t, st.Jobs.Create(job))
	return task, job
}

func TestDispatchOneSuccessDeliversOutput(t *testing.T) {
	st := newTestStore(t)
	task, _ := seedTaskAndJob(t, st)
	q := queue.New(st.Jobs)

	claimed, err := q.Claim()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	exec := &fakeExecutor{responses: []func(ipc.CoordinatorMessage) (ipc.WorkerMessage, error){
		func(msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
			et := msg.(ipc.ExecuteTask)
			return ipc.TaskResult{ExecutionID: et.ExecutionID, Success: true, Output: json.RawMessage(`{"ok":true}`)}, nil
		},
	}}
	src := &fakeSource{defs: map[string]registry.TaskDefinition{
		"echo@1.0.0": {Name: "echo", Version: "1.0.0", MainJS: "function main(i){return i;}"},
	}}
	deliverer := &fakeDeliverer{}

	d := New(q, exec, st.Tasks, st.Executions, src, deliverer, Config{})
	d.dispatchOne(context.Background(), claimed)

	job, err := st.Jobs.GetByID(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)

	deliverer.mu.Lock()
	require.Equal(t, 1, deliverer.calls)
	deliverer.mu.Unlock()

	_ = task
}

func TestDispatchOneTransientErrorRequeuesForRetry(t *testing.T) {
	st := newTestStore(t)
	seedTaskAndJob(t, st)
	q := queue.New(st.Jobs)

	claimed, err := q.Claim()
	require.NoError(t, err)

	exec := &fakeExecutor{responses: []func(ipc.CoordinatorMessage) (ipc.WorkerMessage, error){
		func(msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
			et := msg.(ipc.ExecuteTask)
			return ipc.TaskResult{ExecutionID: et.ExecutionID, Success: false, Error: "connection reset", ErrorKind: string(errs.KindNetworkError)}, nil
		},
	}}
	src := &fakeSource{defs: map[string]registry.TaskDefinition{
		"echo@1.0.0": {Name: "echo", Version: "1.0.0", MainJS: "function main(i){return i;}"},
	}}

	d := New(q, exec, st.Tasks, st.Executions, src, nil, Config{})
	d.dispatchOne(context.Background(), claimed)

	job, err := st.Jobs.GetByID(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRetrying, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.True(t, job.ScheduledFor.After(time.Now().UTC().Add(-time.Second)))
}

func TestDispatchOnePermanentErrorFailsImmediately(t *testing.T) {
	st := newTestStore(t)
	seedTaskAndJob(t, st)
	q := queue.New(st.Jobs)

	claimed, err := q.Claim()
	require.NoError(t, err)

	exec := &fakeExecutor{responses: []func(ipc.CoordinatorMessage) (ipc.WorkerMessage, error){
		func(msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
			et := msg.(ipc.ExecuteTask)
			return ipc.TaskResult{ExecutionID: et.ExecutionID, Success: false, Error: "bad input", ErrorKind: string(errs.KindValidationError)}, nil
		},
	}}
	src := &fakeSource{defs: map[string]registry.TaskDefinition{
		"echo@1.0.0": {Name: "echo", Version: "1.0.0", MainJS: "function main(i){return i;}"},
	}}

	d := New(q, exec, st.Tasks, st.Executions, src, nil, Config{})
	d.dispatchOne(context.Background(), claimed)

	job, err := st.Jobs.GetByID(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, job.Status)
}

func TestDispatchOneFirstCrashDoesNotConsumeRetry(t *testing.T) {
	st := newTestStore(t)
	seedTaskAndJob(t, st)
	q := queue.New(st.Jobs)

	claimed, err := q.Claim()
	require.NoError(t, err)

	exec := &fakeExecutor{responses: []func(ipc.CoordinatorMessage) (ipc.WorkerMessage, error){
		func(msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
			return nil, errs.New("transport closed")
		},
	}}
	src := &fakeSource{defs: map[string]registry.TaskDefinition{
		"echo@1.0.0": {Name: "echo", Version: "1.0.0", MainJS: "function main(i){return i;}"},
	}}

	d := New(q, exec, st.Tasks, st.Executions, src, nil, Config{})
	d.dispatchOne(context.Background(), claimed)

	job, err := st.Jobs.GetByID(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRetrying, job.Status)
	require.Equal(t, 0, job.RetryCount, "first crash must not consume a retry")
}

func TestBackoffForStaysWithinBaseAndCap(t *testing.T) {
	d1 := backoffFor(1)
	require.GreaterOrEqual(t, d1, BackoffBase)
	require.LessOrEqual(t, d1, BackoffCap)

	d10 := backoffFor(10)
	require.LessOrEqual(t, d10, BackoffCap)
}
