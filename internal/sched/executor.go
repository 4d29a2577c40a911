package sched

import (
	"sync/atomic"
	"time"
)

// parkInterval bounds how long an idle Executor waits on the shared
// notify channel before re-checking the termination flag and the queue
// again. It trades a small amount of wasted wakeups for never blocking
// past a Stop call indefinitely.
const parkInterval = 10 * time.Millisecond

// Executor repeatedly pops a task from a shared Queue, polls it once,
// and either drops it (Ready) or pushes it back to the tail (Pending).
// A Runtime runs one Executor per worker goroutine.
type Executor struct {
	queue   *Queue
	stopped atomic.Bool
}

// NewExecutor returns an Executor draining queue.
func NewExecutor(queue *Queue) *Executor {
	return &Executor{queue: queue}
}

// Run drives the poll loop until Stop is called. It is meant to be the
// body of a worker goroutine; callers typically hand it to a
// workerpool.Pool as the job function.
func (e *Executor) Run() {
	waker := Waker{}
	for !e.stopped.Load() {
		t, ok := e.queue.TryPop()
		if !ok {
			select {
			case <-e.queue.notify:
			case <-time.After(parkInterval):
			}
			continue
		}
		switch t.Poll(waker) {
		case Ready:
			// task finished; nothing to requeue
		case Pending:
			e.queue.Push(t)
		}
	}
}

// Stop requests that Run return once its current poll finishes.
func (e *Executor) Stop() {
	e.stopped.Store(true)
}
