package sessions

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/sessionpool-go/internal/logctx"
)

var (
	// ErrPoolClosed is returned by Get once Close has been called.
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrGetSessionTimeout is returned by Get when the pool stayed at
	// capacity for the whole SessionGetTimeout window. It indicates
	// saturation, not corruption: the pool remains fully usable.
	ErrGetSessionTimeout = errors.New("timeout waiting for session")
)

const (
	// closeTimeout bounds how long Close waits for delete RPCs.
	closeTimeout = 30 * time.Second
	// destroyTimeout bounds one background delete RPC.
	destroyTimeout = 15 * time.Second
)

// waiter is one caller parked in Get. The channel is buffered so a
// releaser can hand a session over without blocking while holding the
// pool mutex.
type waiter struct {
	ch chan *handle
}

// Pool is a bounded pool of remote sessions. Create one with NewPool and
// always Close it; the pool owns server-side state that does not go away
// on its own.
type Pool struct {
	database string
	source   ClientSource
	cfg      Config
	log      *slog.Logger

	// mu guards the bookkeeping below and nothing else: session RPCs run
	// outside of it.
	mu          sync.Mutex
	idle        []*handle  // FIFO: leased from the front, returned at the back
	waiters     *list.List // of *waiter, FIFO
	numInUse    int
	numCreating int
	orphans     []*handle // invalid sessions still occupying server state
	closed      bool

	closedCh    chan struct{}
	maintCancel context.CancelFunc
	maintDone   chan struct{}

	// pendingDeletes counts in-flight best-effort delete RPCs; guarded by
	// mu. Close drains it with a bounded wait, so a WaitGroup (which must
	// not see Add during Wait) is the wrong tool here: laggard releases
	// may start deletes while Close is already draining.
	pendingDeletes int
}

// NewPool pre-warms cfg.MinOpened sessions, spreading the creation load
// across the source's channels, and starts the maintenance loop. If any
// part of the warm-up fails the whole construction fails and everything
// already created is deleted again.
func NewPool(ctx context.Context, database string, source ClientSource, cfg Config) (*Pool, error) {
	if database == "" {
		return nil, errors.New("database is required")
	}
	if source == nil || source.Num() == 0 {
		return nil, errors.New("a client source with at least one channel is required")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("initialize session pool: %w", err)
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	log := slog.New(logctx.NewHandler(base.Handler()))

	idle, err := warmUp(ctx, database, source, cfg.MinOpened)
	if err != nil {
		// The warm-up may have failed exactly because ctx is done, so
		// the partial cleanup runs on its own bounded context.
		cctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		for _, h := range idle {
			h.destroy(cctx, log)
		}
		return nil, fmt.Errorf("initialize session pool: %w", err)
	}

	p := &Pool{
		database:  database,
		source:    source,
		cfg:       cfg,
		log:       log,
		idle:      idle,
		waiters:   list.New(),
		closedCh:  make(chan struct{}),
		maintDone: make(chan struct{}),
	}

	mctx, cancel := context.WithCancel(context.Background())
	p.maintCancel = cancel
	go p.maintain(logctx.WithPool(mctx, &logctx.PoolData{Database: database}))
	return p, nil
}

// warmUp splits count creations across the source's channels so the
// initial load lands evenly on every transport connection.
func warmUp(ctx context.Context, database string, source ClientSource, count int) ([]*handle, error) {
	channels := source.Num()
	per := count / channels
	rem := count % channels

	type result struct {
		handles []*handle
		err     error
	}
	results := make(chan result, channels)
	launched := 0
	for i := 0; i < channels; i++ {
		n := per
		if i == 0 {
			n += rem
		}
		if n == 0 {
			continue
		}
		launched++
		client := source.Client()
		go func(client Client, n int) {
			handles, err := createSessions(ctx, client, database, n)
			results <- result{handles: handles, err: err}
		}(client, n)
	}

	var created []*handle
	var firstErr error
	for i := 0; i < launched; i++ {
		r := <-results
		created = append(created, r.handles...)
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return created, firstErr
	}
	return created, nil
}

// createSessions loops batch creation until exactly count sessions exist;
// the server is allowed to fulfill a batch only partially.
func createSessions(ctx context.Context, client Client, database string, count int) ([]*handle, error) {
	var handles []*handle
	for len(handles) < count {
		infos, err := client.BatchCreateSessions(ctx, database, count-len(handles))
		if err != nil {
			return handles, err
		}
		if len(infos) == 0 {
			return handles, errors.New("server returned an empty session batch")
		}
		now := time.Now()
		for _, info := range infos {
			handles = append(handles, newHandle(info, client, now))
		}
	}
	return handles, nil
}

// Get leases one session. Resolution order: the idle set (FIFO, provided
// no earlier caller is still parked), then creation of a new session while
// under MaxOpened, then parking as a waiter until a release hands a
// session over or SessionGetTimeout elapses.
func (p *Pool) Get(ctx context.Context) (*ManagedSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Earlier arrivals waiting in the queue go first; jumping them here
	// would let fresh callers win every race for a newly idle session.
	if p.waiters.Len() == 0 {
		if h := p.takeLocked(); h != nil {
			h.lastUsedAt = time.Now()
			p.mu.Unlock()
			return newManagedSession(p, h), nil
		}
	}

	if p.numOpenedLocked()+p.numCreating < p.cfg.MaxOpened {
		p.numCreating++
		p.mu.Unlock()
		return p.createForLease(ctx)
	}

	w := &waiter{ch: make(chan *handle, 1)}
	el := p.waiters.PushBack(w)
	p.mu.Unlock()

	return p.await(ctx, w, el)
}

// createForLease performs the network round trip for a reserved slot. The
// reservation (numCreating) is held so concurrent Gets cannot overshoot
// MaxOpened while the RPC is in flight.
func (p *Pool) createForLease(ctx context.Context) (*ManagedSession, error) {
	client := p.source.Client()
	info, err := client.CreateSession(ctx, p.database)
	now := time.Now()

	p.mu.Lock()
	p.numCreating--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	h := newHandle(info, client, now)
	if p.closed {
		p.destroyAsyncLocked(h)
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.numInUse++
	h.lastUsedAt = now
	p.mu.Unlock()
	return newManagedSession(p, h), nil
}

// await parks the caller until a releaser hands over a session, the
// deadline passes, ctx ends, or the pool closes.
func (p *Pool) await(ctx context.Context, w *waiter, el *list.Element) (*ManagedSession, error) {
	timer := time.NewTimer(p.cfg.SessionGetTimeout)
	defer timer.Stop()

	select {
	case h := <-w.ch:
		return newManagedSession(p, h), nil
	case <-p.closedCh:
		p.cancelWaiter(el, w)
		return nil, ErrPoolClosed
	case <-ctx.Done():
		p.cancelWaiter(el, w)
		return nil, ctx.Err()
	case <-timer.C:
		p.cancelWaiter(el, w)
		p.mu.Lock()
		p.log.Warn("timeout waiting for session",
			slog.Int("idle", len(p.idle)),
			slog.Int("waiters", p.waiters.Len()),
			slog.Int("in_use", p.numInUse),
			slog.Int("creating", p.numCreating),
			slog.Int("max_opened", p.cfg.MaxOpened),
		)
		p.mu.Unlock()
		return nil, ErrGetSessionTimeout
	}
}

// cancelWaiter removes the waiter entry under the same mutex releasers
// hold when they hand sessions over, so a cancelled waiter can never be
// resurrected by a late release. If a handoff won the race anyway, the
// delivered session flows back into the pool without the caller seeing it.
func (p *Pool) cancelWaiter(el *list.Element, w *waiter) {
	p.mu.Lock()
	p.waiters.Remove(el)
	select {
	case h := <-w.ch:
		p.releaseLocked(h)
	default:
	}
	p.mu.Unlock()
}

// recycle takes back ownership of a leased handle.
func (p *Pool) recycle(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !h.valid {
		p.numInUse--
		if !h.deleted {
			p.destroyAsyncLocked(h)
		}
		return
	}
	if p.closed {
		p.evictLocked(h)
		return
	}
	// Rotate out aged sessions once the pool is over its idle budget, but
	// never at the expense of a parked caller.
	if p.waiters.Len() == 0 &&
		p.numOpenedLocked() > p.cfg.MaxIdle &&
		time.Since(h.createdAt) > p.cfg.IdleTimeout {
		p.evictLocked(h)
		return
	}
	p.releaseLocked(h)
}

// releaseLocked returns an in-use handle to the pool: the oldest waiter
// gets it directly (ownership transfers, so the in-use count is
// unchanged), otherwise it joins the idle FIFO.
func (p *Pool) releaseLocked(h *handle) {
	if p.closed {
		p.evictLocked(h)
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		h.lastUsedAt = time.Now()
		w.ch <- h
		return
	}
	p.numInUse--
	p.idle = append(p.idle, h)
}

// evictLocked removes an in-use handle from the pool's accounting and
// schedules its remote delete.
func (p *Pool) evictLocked(h *handle) {
	p.numInUse--
	p.destroyAsyncLocked(h)
}

// takeLocked pops the oldest idle session and accounts it as in use.
func (p *Pool) takeLocked() *handle {
	if len(p.idle) == 0 {
		return nil
	}
	h := p.idle[0]
	p.idle = p.idle[1:]
	p.numInUse++
	return h
}

func (p *Pool) popWaiterLocked() *waiter {
	el := p.waiters.Front()
	if el == nil {
		return nil
	}
	p.waiters.Remove(el)
	return el.Value.(*waiter)
}

func (p *Pool) numOpenedLocked() int {
	return p.numInUse + len(p.idle)
}

// destroyAsyncLocked deletes the remote session without making the caller
// wait on the round trip. Sessions whose delete fails are kept as orphans
// and retried on maintenance ticks. Callers must hold mu.
func (p *Pool) destroyAsyncLocked(h *handle) {
	p.pendingDeletes++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		ok := h.destroy(ctx, p.log)
		p.mu.Lock()
		p.pendingDeletes--
		if !ok && !p.closed {
			p.orphans = append(p.orphans, h)
		}
		p.mu.Unlock()
	}()
}

// NumOpened reports all live sessions, leased plus idle. Like IdleCount
// and WaiterCount it is a snapshot under the pool mutex: consistent at the
// instant read, possibly stale immediately after.
func (p *Pool) NumOpened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpenedLocked()
}

// IdleCount reports sessions available for immediate lease.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// WaiterCount reports callers currently parked in Get.
func (p *Pool) WaiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Close shuts the pool down: new Gets fail fast, parked waiters wake with
// ErrPoolClosed, the maintenance loop stops, and every remaining session
// is deleted best-effort. Close does not wait for callers that never
// release; their sessions are deleted when they eventually do.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closedCh)
	idle := p.idle
	p.idle = nil
	orphans := p.orphans
	p.orphans = nil
	p.mu.Unlock()

	p.maintCancel()
	<-p.maintDone

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, h := range idle {
		h.destroy(ctx, p.log)
	}
	for _, h := range orphans {
		h.destroy(ctx, p.log)
	}

	for {
		p.mu.Lock()
		pending := p.pendingDeletes
		p.mu.Unlock()
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			p.log.Warn("close timed out waiting for in-flight session deletes",
				slog.Int("pending", pending))
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
