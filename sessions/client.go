package sessions

import (
	"context"
	"time"
)

// SessionInfo is the server's description of one created session.
type SessionInfo struct {
	// Name is the opaque server-assigned session identifier.
	Name string
	// CreateTime is the server-reported creation time, when available.
	CreateTime time.Time
}

// Client is the session-service surface the pool needs. Implementations
// issue the RPCs over one logical channel and must be safe for concurrent
// use; everything about the wire format lives behind this boundary.
type Client interface {
	// CreateSession allocates one session in database.
	CreateSession(ctx context.Context, database string) (SessionInfo, error)

	// BatchCreateSessions allocates up to count sessions in database. The
	// server may return fewer; callers loop until satisfied.
	BatchCreateSessions(ctx context.Context, database string, count int) ([]SessionInfo, error)

	// DeleteSession releases the server-side state for the named session.
	DeleteSession(ctx context.Context, name string) error

	// Ping verifies the named session is still alive server-side.
	Ping(ctx context.Context, name string) error
}

// ClientSource supplies Clients for session creation, distributing logical
// ownership across however many transport channels back it.
type ClientSource interface {
	// Client returns the next client in rotation.
	Client() Client
	// Num returns how many distinct channels the source draws from.
	Num() int
}
