package sessions

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ggoodman/sessionpool-go/internal/logctx"
)

// handle is one remote session owned by the pool. All fields are guarded
// by the pool mutex except during a lease, when exactly one caller owns
// the handle.
type handle struct {
	name   string
	client Client

	valid   bool
	deleted bool

	createdAt     time.Time
	lastUsedAt    time.Time
	lastCheckedAt time.Time
	lastPongAt    time.Time
}

func newHandle(info SessionInfo, client Client, now time.Time) *handle {
	return &handle{
		name:          info.Name,
		client:        client,
		valid:         true,
		createdAt:     now,
		lastUsedAt:    now,
		lastCheckedAt: now,
		lastPongAt:    now,
	}
}

// aliveAt is the most recent moment the server is known to have seen this
// session.
func (h *handle) aliveAt() time.Time {
	if h.lastPongAt.After(h.lastUsedAt) {
		return h.lastPongAt
	}
	return h.lastUsedAt
}

// destroy marks the handle invalid and best-effort deletes the remote
// session. It reports whether the server-side delete went through; a
// handle that is invalid but not deleted still occupies server state and
// is tracked as an orphan.
func (h *handle) destroy(ctx context.Context, log *slog.Logger) bool {
	h.valid = false
	if h.deleted {
		return true
	}
	ctx = logctx.WithSession(ctx, &logctx.SessionData{Name: h.name})
	if err := h.client.DeleteSession(ctx, h.name); err != nil {
		if status.Code(err) == codes.NotFound {
			// Already gone server-side; nothing to keep tracking.
			h.deleted = true
			return true
		}
		log.ErrorContext(ctx, "failed to delete session", slog.String("error", err.Error()))
		return false
	}
	h.deleted = true
	return true
}
