package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })
	return st
}

func seedTask(t *testing.T, st *Store) *model.Task {
	t.Helper()
	task := &model.Task{
		Name:         "echo",
		Version:      "1.0.0",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		SourceRef:    "file:///tasks/echo/1.0.0/main.js",
		Enabled:      true,
	}
	require.NoError(t, st.Tasks.Create(task))
	return task
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	st := newTestStore(t)
	task := seedTask(t, st)
	require.NotZero(t, task.ID)

	got, err := st.Tasks.GetByNameVersion("echo", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.True(t, got.Enabled)
}

func TestJobStoreClaimIsAtomicAndPriorityOrdered(t *testing.T) {
	st := newTestStore(t)
	task := seedTask(t, st)

	low := &model.Job{TaskID: task.ID, Input: json.RawMessage(`{}`), Priority: model.PriorityLow, ScheduledFor: time.Now().Add(-time.Minute)}
	urgent := &model.Job{TaskID: task.ID, Input: json.RawMessage(`{}`), Priority: model.PriorityUrgent, ScheduledFor: time.Now().Add(-time.Minute)}
	require.NoError(t, st.Jobs.Create(low))
	require.NoError(t, st.Jobs.Create(urgent))

	claimed, err := st.Jobs.Claim(time.Now(), "slot-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, urgent.ID, claimed.ID)
	require.Equal(t, model.JobProcessing, claimed.Status)

	// Re-claiming must skip the now-processing urgent job and take low.
	claimed2, err := st.Jobs.Claim(time.Now(), "slot-2")
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	require.Equal(t, low.ID, claimed2.ID)

	claimed3, err := st.Jobs.Claim(time.Now(), "slot-3")
	require.NoError(t, err)
	require.Nil(t, claimed3)
}

func TestJobStoreRetryRequeuesForFutureAttempt(t *testing.T) {
	st := newTestStore(t)
	task := seedTask(t, st)

	job := &model.Job{TaskID: task.ID, Input: json.RawMessage(`{}`), ScheduledFor: time.Now().Add(-time.Minute)}
	require.NoError(t, st.Jobs.Create(job))

	claimed, err := st.Jobs.Claim(time.Now(), "slot-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	future := time.Now().Add(time.Hour)
	require.NoError(t, st.Jobs.Retry(claimed.ID, 1, future))

	notYet, err := st.Jobs.Claim(time.Now(), "slot-2")
	require.NoError(t, err)
	require.Nil(t, notYet)

	got, err := st.Jobs.GetByID(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRetrying, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestScheduleStoreListDue(t *testing.T) {
	st := newTestStore(t)
	task := seedTask(t, st)

	past := time.Now().Add(-time.Minute)
	sched := &model.Schedule{TaskID: task.ID, Name: "nightly", CronExpression: "0 0 * * *", NextRunAt: &past}
	require.NoError(t, st.Schedules.Create(sched))

	due, err := st.Schedules.ListDue(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, sched.ID, due[0].ID)

	future := time.Now().Add(time.Hour)
	require.NoError(t, st.Schedules.RecordFire(sched.ID, time.Now(), &future, 1, false))

	due2, err := st.Schedules.ListDue(time.Now())
	require.NoError(t, err)
	require.Empty(t, due2)
}

func TestExecutionAndDeliveryResultRoundTrip(t *testing.T) {
	st := newTestStore(t)
	task := seedTask(t, st)
	job := &model.Job{TaskID: task.ID, Input: json.RawMessage(`{}`), ScheduledFor: time.Now()}
	require.NoError(t, st.Jobs.Create(job))

	exec := &model.Execution{TaskID: task.ID, JobID: &job.ID, Input: json.RawMessage(`{}`)}
	require.NoError(t, st.Executions.Create(exec))

	exec.Status = model.ExecutionCompleted
	exec.Output = json.RawMessage(`{"ok":true}`)
	now := time.Now().UTC()
	exec.CompletedAt = &now
	require.NoError(t, st.Executions.Complete(exec))

	got, err := st.Executions.GetByID(exec.ID)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionCompleted, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Output))

	delivery := &model.DeliveryResult{JobID: job.ID, ExecutionID: exec.ID, DestinationType: "stdio", Success: true}
	require.NoError(t, st.Deliveries.Create(delivery))

	list, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Success)
}
