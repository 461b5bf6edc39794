package pool

import (
	"sync"
	"sync/atomic"

	"condenser/pkg/engine"
)

// Lease grants exclusive use of one session. Callers must arrange Release on
// every exit path (defer directly after Acquire); Release is idempotent so a
// duplicate call on an error path is harmless.
type Lease struct {
	p       *Pool
	h       *handle
	once    sync.Once
	faulted atomic.Bool
}

// Session returns the leased session. Valid only until Release.
func (l *Lease) Session() engine.Session { return l.h.sess }

// SessionID is a convenience for outcome attribution.
func (l *Lease) SessionID() string {
	if l.h.sess == nil {
		return ""
	}
	return l.h.sess.ID()
}

// MarkUnhealthy records that the session reported an unrecoverable engine
// fault during use. The handle then returns to the pool as unhealthy and is
// repaired before being offered again.
func (l *Lease) MarkUnhealthy() { l.faulted.Store(true) }

// Release returns the handle to the pool. Exactly one release takes effect
// regardless of how many exit paths call it.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.p.release(l.h, l.faulted.Load())
	})
}
