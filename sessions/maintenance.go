package sessions

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/ggoodman/sessionpool-go/internal/logctx"
	"github.com/ggoodman/sessionpool-go/retry"
)

// maintenanceRetry bounds retries of the pool's own RPCs (ping, batch
// create, delete) to well under one maintenance interval.
func maintenanceRetry() retry.Settings {
	return retry.Settings{
		Codes: []codes.Code{codes.Unavailable},
		Backoff: retry.Backoff{
			Initial: 100 * time.Millisecond,
			Max:     2 * time.Second,
			Timeout: 10 * time.Second,
		},
	}
}

// maintain runs until Close cancels ctx. Each tick retries orphaned
// deletes, health-checks the idle set and restores the MinOpened floor.
// Failures are logged and never escape the loop.
func (p *Pool) maintain(ctx context.Context) {
	defer close(p.maintDone)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.removeOrphans(ctx)
		p.healthCheck(ctx)
		p.replenish(ctx)
	}
}

// removeOrphans retries the server-side delete for sessions whose earlier
// delete attempt failed. Still-undeletable ones go back on the list.
func (p *Pool) removeOrphans(ctx context.Context) {
	p.mu.Lock()
	orphans := p.orphans
	p.orphans = nil
	p.mu.Unlock()
	if len(orphans) == 0 {
		return
	}

	var remaining []*handle
	for _, h := range orphans {
		if ctx.Err() != nil || !h.destroy(ctx, p.log) {
			remaining = append(remaining, h)
		}
	}
	if len(remaining) > 0 {
		p.mu.Lock()
		if !p.closed {
			p.orphans = append(p.orphans, remaining...)
		}
		p.mu.Unlock()
	}
}

// healthCheck cycles the idle FIFO exactly once, pinging every session
// whose last known server contact is outside the trust window. Sessions
// are taken out one at a time so the pool keeps serving leases while the
// ping round trips run.
func (p *Pool) healthCheck(ctx context.Context) {
	mark := time.Now()
	for ctx.Err() == nil {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		h := p.takeLocked()
		if h == nil {
			p.mu.Unlock()
			return
		}
		if !h.lastCheckedAt.Before(mark) {
			// Wrapped around: everything idle has been visited this tick.
			p.releaseLocked(h)
			p.mu.Unlock()
			return
		}
		if mark.Sub(h.aliveAt()) < p.cfg.SessionAliveTrustDuration {
			h.lastCheckedAt = mark
			p.releaseLocked(h)
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		sctx := logctx.WithSession(ctx, &logctx.SessionData{Name: h.name})
		err := retry.Do(sctx, maintenanceRetry(), func(ctx context.Context) error {
			return h.client.Ping(ctx, h.name)
		})
		if err != nil {
			if ctx.Err() != nil {
				p.mu.Lock()
				p.releaseLocked(h)
				p.mu.Unlock()
				return
			}
			p.log.InfoContext(sctx, "evicting session that failed ping", slog.String("error", err.Error()))
			p.mu.Lock()
			p.evictLocked(h)
			p.mu.Unlock()
			continue
		}
		now := time.Now()
		h.lastCheckedAt = now
		h.lastPongAt = now
		p.mu.Lock()
		p.releaseLocked(h)
		p.mu.Unlock()
	}
}

// replenish restores the MinOpened floor after evictions, creating at most
// IncStep sessions per tick. New sessions satisfy parked waiters before
// joining the idle set.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.MinOpened - (p.numOpenedLocked() + p.numCreating)
	if p.closed || need <= 0 {
		p.mu.Unlock()
		return
	}
	if need > p.cfg.IncStep {
		need = p.cfg.IncStep
	}
	p.numCreating += need
	p.mu.Unlock()

	var created []*handle
	for len(created) < need && ctx.Err() == nil {
		client := p.source.Client()
		var infos []SessionInfo
		err := retry.Do(ctx, maintenanceRetry(), func(ctx context.Context) error {
			var err error
			infos, err = client.BatchCreateSessions(ctx, p.database, need-len(created))
			return err
		})
		if err != nil {
			p.log.ErrorContext(ctx, "failed to replenish session pool", slog.String("error", err.Error()))
			break
		}
		if len(infos) == 0 {
			break
		}
		now := time.Now()
		for _, info := range infos {
			created = append(created, newHandle(info, client, now))
		}
	}

	p.mu.Lock()
	p.numCreating -= need
	if p.closed {
		for _, h := range created {
			p.destroyAsyncLocked(h)
		}
		p.mu.Unlock()
		return
	}
	for _, h := range created {
		if w := p.popWaiterLocked(); w != nil {
			p.numInUse++
			h.lastUsedAt = time.Now()
			w.ch <- h
			continue
		}
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()
}
