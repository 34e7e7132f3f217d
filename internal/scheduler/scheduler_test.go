package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/queue"
	"github.com/michiel/ratchet-sub009/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })
	return st
}

func seedSchedule(t *testing.T, st *store.Store, cronExpr string, nextRunAt time.Time, maxExecutions *int) *model.Schedule {
	t.Helper()
	task := &model.Task{Name: "echo", Version: "1.0.0", SourceRef: "file:///echo", Enabled: true}
	require.NoError(t, st.Tasks.Create(task))

	sched := &model.Schedule{
		TaskID:         task.ID,
		Name:           "every-minute",
		CronExpression: cronExpr,
		NextRunAt:      &nextRunAt,
		Enabled:        true,
		MaxExecutions:  maxExecutions,
	}
	require.NoError(t, st.Schedules.Create(sched))
	return sched
}

func TestNextRunAfterComputesNextMinuteBoundary(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, err := NextRunAfter("* * * * *", from)
	require.NoError(t, err)
	require.True(t, next.After(from))
	require.Equal(t, 31, next.Minute())
}

func TestTickFiresDueScheduleAndAdvancesNextRunAt(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	sched := seedSchedule(t, st, "* * * * *", now.Add(-time.Minute), nil)

	q := queue.New(st.Jobs)
	s := New(st.Schedules, q)
	s.tick(now)

	updated, err := st.Schedules.GetByID(sched.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ExecutionCount)
	require.NotNil(t, updated.NextRunAt)
	require.True(t, updated.NextRunAt.After(now))
	require.Equal(t, model.ScheduleActive, updated.Status)

	jobs, err := st.Jobs.ListStuckClaims(now.Add(time.Hour)) // sanity: none stuck
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestTickCompletesScheduleAtMaxExecutions(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	maxExec := 1
	sched := seedSchedule(t, st, "* * * * *", now.Add(-time.Minute), &maxExec)

	q := queue.New(st.Jobs)
	s := New(st.Schedules, q)
	s.tick(now)

	updated, err := st.Schedules.GetByID(sched.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScheduleCompleted, updated.Status)
	require.Nil(t, updated.NextRunAt)
}

func TestTickSkipsNotYetDueSchedules(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	seedSchedule(t, st, "* * * * *", now.Add(time.Hour), nil)

	q := queue.New(st.Jobs)
	s := New(st.Schedules, q)
	s.tick(now)

	claimed, err := q.Claim()
	require.NoError(t, err)
	require.Nil(t, claimed)
}
