// Package queue limits how many ingestion jobs run at the same time.
package queue

import (
	"fmt"
	"sync"
)

const DefaultConcurrency = 100

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending     int `json:"pending"`
	Active      int `json:"active"`
	Concurrency int `json:"concurrency"`
}

// Queue runs submitted jobs with at most Concurrency of them active.
// Jobs over the limit wait in FIFO order; a finishing job hands its slot
// directly to the oldest waiter.
type Queue struct {
	concurrency int

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

func New(concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Queue{concurrency: concurrency}
}

// Submit blocks until job has run and returns its error. A panicking job is
// reported as an error to its own caller only.
func (q *Queue) Submit(job func() error) (err error) {
	q.acquire()
	defer q.release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: job panicked: %v", r)
		}
	}()
	return job()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:     len(q.waiters),
		Active:      q.active,
		Concurrency: q.concurrency,
	}
}

func (q *Queue) acquire() {
	q.mu.Lock()
	if q.active < q.concurrency {
		q.active++
		q.mu.Unlock()
		return
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.mu.Unlock()
	<-ready
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		// the slot moves to next, active is unchanged
		close(next)
		return
	}
	q.active--
}
