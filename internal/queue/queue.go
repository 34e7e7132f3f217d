// Package queue is the durable priority job queue (§4.F): a thin
// pub/sub-aware wrapper around store.JobStore's atomic claim. Grounded on
// pulse/async/queue.go's Queue (Subscribe/Unsubscribe/notifySubscribers,
// buffered non-blocking fan-out), with Dequeue replaced by Claim's SQL
// conditional-UPDATE since this queue expects multiple concurrent
// claimants (dispatcher workers) rather than one single-threaded poller.
package queue

import (
	"sync"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/store"
)

// SubscriberBufferSize bounds how many pending notifications a slow
// subscriber can fall behind by before updates are dropped for it.
const SubscriberBufferSize = 32

type Queue struct {
	jobs *store.JobStore

	mu          sync.Mutex
	subscribers []chan *model.Job
}

func New(jobs *store.JobStore) *Queue {
	return &Queue{jobs: jobs}
}

// Enqueue persists a new job and notifies subscribers.
func (q *Queue) Enqueue(job *model.Job) error {
	if err := q.jobs.Create(job); err != nil {
		return errs.Wrap(err, "enqueue job")
	}
	q.notify(job)
	return nil
}

// Claim atomically takes the next eligible job, if any, per priority then
// age (§4.F). Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim() (*model.Job, error) {
	job, err := q.jobs.Claim(time.Now().UTC(), "")
	if err != nil {
		return nil, errs.Wrap(err, "claim job")
	}
	if job != nil {
		q.notify(job)
	}
	return job, nil
}

func (q *Queue) Complete(id int64) error {
	if err := q.jobs.Complete(id); err != nil {
		return err
	}
	q.notifyByID(id)
	return nil
}

func (q *Queue) Retry(id int64, retryCount int, runAt time.Time) error {
	if err := q.jobs.Retry(id, retryCount, runAt); err != nil {
		return err
	}
	q.notifyByID(id)
	return nil
}

func (q *Queue) Fail(id int64) error {
	if err := q.jobs.Fail(id); err != nil {
		return err
	}
	q.notifyByID(id)
	return nil
}

// ReclaimStuck requeues Processing jobs whose claimed_at is older than
// grace, for the dispatcher's stuck-claim sweep (§4.G).
func (q *Queue) ReclaimStuck(grace time.Duration) (int, error) {
	stuck, err := q.jobs.ListStuckClaims(time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, errs.Wrap(err, "list stuck claims")
	}
	for _, job := range stuck {
		if err := q.jobs.Retry(job.ID, job.RetryCount, time.Now().UTC()); err != nil {
			return 0, errs.Wrapf(err, "reclaim stuck job %d", job.ID)
		}
		q.notifyByID(job.ID)
	}
	return len(stuck), nil
}

// Subscribe returns a buffered channel of job state changes. Callers must
// call Unsubscribe when done.
func (q *Queue) Subscribe() chan *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan *model.Job, SubscriberBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

func (q *Queue) Unsubscribe(ch chan *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) notify(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

func (q *Queue) notifyByID(id int64) {
	job, err := q.jobs.GetByID(id)
	if err != nil {
		return
	}
	q.notify(job)
}
