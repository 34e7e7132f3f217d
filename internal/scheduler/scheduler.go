// Package scheduler drives cron-expression-based recurring jobs (§4.H).
// Grounded on pulse/schedule/ticker.go's Ticker (single interval ticker,
// checkScheduledJobs sweep, next_run_at advance-and-persist), with the
// interval-seconds schedule model replaced by robfig/cron/v3 expression
// parsing and "fire at most once on resume" semantics (§4.H's Open
// Question, resolved below).
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/log"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/queue"
	"github.com/michiel/ratchet-sub009/internal/store"
)

// TickInterval is how often the scheduler wakes to check for due
// schedules. The teacher's Ticker runs every second; §4.H's "a single
// ticker wakes at the earliest next_run_at" is approximated here by a
// short fixed poll rather than a precisely-computed single-shot timer,
// since schedules can be added/removed between wakeups (§4.H: "Add/
// update/remove: modifications take effect at the next tick boundary").
const TickInterval = 1 * time.Second

// parser interprets cron expressions against UTC, accepting both the
// standard 5-field form and a 6-field form with a leading seconds field.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler maintains enabled schedules and enqueues a job each time one
// comes due (§4.H).
type Scheduler struct {
	schedules *store.ScheduleStore
	queue     *queue.Queue

	mu sync.Mutex
}

func New(schedules *store.ScheduleStore, q *queue.Queue) *Scheduler {
	return &Scheduler{schedules: schedules, queue: q}
}

// Run ticks until ctx is cancelled, firing every due schedule on each
// tick and advancing its next_run_at.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now.UTC())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	due, err := s.schedules.ListDue(now)
	if err != nil {
		log.Warnw("scheduler: failed to list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if err := s.fire(sched, now); err != nil {
			log.Errorw("scheduler: failed to fire schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}

// fire enqueues a job for one due schedule and advances its next_run_at
// (§4.H). Firing is independent of whether the schedule's previous
// invocation completed (no overlap prevention, per §4.H). Missed fires
// (§4.H: "fires at most once on resume, no catch-up") fall out of this
// naturally: the next occurrence is always computed from the current
// tick time `now`, never from the schedule's stale next_run_at, so a
// schedule that was due many times while the scheduler was down still
// only fires once here and last_run_at is stamped with the resume time.
func (s *Scheduler) fire(sched *model.Schedule, now time.Time) error {
	job := &model.Job{
		TaskID:             sched.TaskID,
		ScheduleID:         &sched.ID,
		Input:              cloneJSON(sched.InputData),
		Priority:           model.PriorityNormal,
		OutputDestinations: cloneJSON(sched.OutputDestinations),
	}
	if err := s.queue.Enqueue(job); err != nil {
		return errs.Wrapf(err, "enqueue job for schedule %d", sched.ID)
	}

	executionCount := sched.ExecutionCount + 1
	completed := sched.MaxExecutions != nil && executionCount >= *sched.MaxExecutions

	var nextRunAt *time.Time
	if !completed {
		next, err := NextRunAfter(sched.CronExpression, now)
		if err != nil {
			return errs.Wrapf(err, "compute next run for schedule %d", sched.ID)
		}
		nextRunAt = &next
	}

	if err := s.schedules.RecordFire(sched.ID, now, nextRunAt, executionCount, completed); err != nil {
		return errs.Wrapf(err, "record fire for schedule %d", sched.ID)
	}
	return nil
}

// NextRunAfter computes the next UTC fire time for a cron expression
// strictly after from. Used both by the tick loop and by whatever creates
// or updates a schedule (to seed next_run_at).
func NextRunAfter(expr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, errs.Wrapf(err, "parse cron expression %q", expr)
	}
	return schedule.Next(from.UTC()).UTC(), nil
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
