package server

import "sync/atomic"

// ConnectionLimiter enforces spec.md §6's max-connections ceiling
// (default 1000): a lock-free count of concurrently running SMTP
// sessions, checked on accept and released once a session's Run
// returns.
type ConnectionLimiter struct {
	limit  int64
	active atomic.Int64
}

// NewConnectionLimiter returns a limiter admitting at most max
// concurrent sessions.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{limit: int64(max)}
}

// TryAcquire claims one session slot if the limiter is under capacity,
// retrying the compare-and-swap rather than locking since sessions open
// and close far more often than the limit itself changes.
func (l *ConnectionLimiter) TryAcquire() bool {
	for {
		active := l.active.Load()
		if active >= l.limit {
			return false
		}
		if l.active.CompareAndSwap(active, active+1) {
			return true
		}
	}
}

// Release frees one session slot; the acceptor calls this when a
// session's Run returns, whatever the outcome.
func (l *ConnectionLimiter) Release() {
	l.active.Add(-1)
}

// Current reports how many sessions presently hold a slot.
func (l *ConnectionLimiter) Current() int64 {
	return l.active.Load()
}

// Limit reports the configured maximum, exposed alongside Current so
// callers (the acceptor's rejection log line, metrics) can report
// saturation as a fraction rather than a bare count.
func (l *ConnectionLimiter) Limit() int64 {
	return l.limit
}
