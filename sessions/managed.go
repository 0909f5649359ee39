package sessions

import (
	"sync/atomic"

	"github.com/ggoodman/sessionpool-go/retry"
)

// ManagedSession is one lease: temporary exclusive ownership of a remote
// session. Callers issue their data RPCs against Client() using Name(),
// then hand ownership back with Release, typically via defer.
type ManagedSession struct {
	pool     *Pool
	h        *handle
	released atomic.Bool
}

func newManagedSession(p *Pool, h *handle) *ManagedSession {
	return &ManagedSession{pool: p, h: h}
}

// Name returns the server-assigned session identifier.
func (ms *ManagedSession) Name() string {
	return ms.h.name
}

// Client returns the channel-bound client the session was created on.
// Data RPCs for this session must go through it so they reach the same
// logical channel.
func (ms *ManagedSession) Client() Client {
	return ms.h.client
}

// Invalidate marks the session unusable. On Release it is destroyed
// instead of returning to the pool.
func (ms *ManagedSession) Invalidate() {
	ms.h.valid = false
}

// InvalidateIfNeeded inspects an error observed while using the lease and
// invalidates the session when the server reports it gone. The error is
// returned unchanged so the call can be chained around any RPC.
func (ms *ManagedSession) InvalidateIfNeeded(err error) error {
	if err != nil && retry.IsSessionNotFound(err) {
		ms.h.valid = false
	}
	return err
}

// Release returns ownership to the pool. It must be called exactly once
// per lease; a second call panics, since a double release means two
// callers may believe they own the same session.
func (ms *ManagedSession) Release() {
	if !ms.released.CompareAndSwap(false, true) {
		panic("sessions: ManagedSession released twice")
	}
	ms.pool.recycle(ms.h)
}
