package sched

import (
	"sync"

	"github.com/infodancer/smtpd/internal/workerpool"
)

// Runtime pairs a fixed-size workerpool.Pool with a shared task Queue: it
// is the concrete thing spawn() targets. One Executor runs per worker, so
// at most numThreads tasks are ever being polled concurrently, but an
// unbounded number may be queued awaiting a turn.
type Runtime struct {
	pool      *workerpool.Pool
	queue     *Queue
	mu        sync.Mutex
	executors []*Executor
	started   bool
}

// NewRuntime builds a Runtime backed by numThreads workers. Threads are
// not started until Start is called.
func NewRuntime(numThreads int) *Runtime {
	return &Runtime{
		pool:  workerpool.New(numThreads),
		queue: NewQueue(),
	}
}

// Start launches one Executor per worker in the pool. Calling Start twice
// is a no-op.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for i := 0; i < r.pool.Size(); i++ {
		exec := NewExecutor(r.queue)
		r.executors = append(r.executors, exec)
		r.pool.Execute(exec.Run)
	}
}

// Spawn enqueues t for polling by the next free worker. Safe to call
// before or after Start; tasks queued before Start simply wait.
func (r *Runtime) Spawn(t Task) {
	r.queue.Push(t)
}

// Stop signals every Executor to return after its current poll and tears
// down the underlying worker pool. It does not wait for in-flight tasks
// to reach Ready; callers that need a drained queue should Spawn a
// sentinel task, or check Queue length themselves, before calling Stop.
func (r *Runtime) Stop() {
	r.mu.Lock()
	executors := r.executors
	r.mu.Unlock()
	for _, exec := range executors {
		exec.Stop()
	}
	r.pool.Close()
}

// QueueLen reports the number of tasks currently queued (not counting
// any task presently being polled by a worker).
func (r *Runtime) QueueLen() int {
	return r.queue.Len()
}
