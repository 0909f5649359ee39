// Package sessiontest provides an in-memory fake of the remote session
// service for exercising pool behavior without a network. The fake tracks
// which sessions the server considers live and supports scripted failures
// for the create and ping paths.
package sessiontest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ggoodman/sessionpool-go/sessions"
)

// Backend is a fake session service shared by any number of fake clients.
// All methods are safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	live      map[string]bool
	created   int
	deleted   int
	pinged    int
	createErr error
	pingErr   func(name string) error
}

func NewBackend() *Backend {
	return &Backend{live: make(map[string]bool)}
}

// FailCreates makes every subsequent create call fail with err; pass nil
// to restore normal behavior.
func (b *Backend) FailCreates(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// FailPings installs fn as the per-session ping verdict; pass nil to
// restore normal behavior.
func (b *Backend) FailPings(fn func(name string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = fn
}

// Expire drops the named session server-side without telling the pool,
// the way a real server sheds state under load.
func (b *Backend) Expire(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.live, name)
}

// LiveCount reports how many sessions the server currently holds.
func (b *Backend) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// CreatedCount reports how many sessions were ever created.
func (b *Backend) CreatedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// DeletedCount reports how many delete calls succeeded.
func (b *Backend) DeletedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

// PingCount reports how many ping calls arrived.
func (b *Backend) PingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinged
}

func (b *Backend) createSessions(count int) ([]sessions.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	infos := make([]sessions.SessionInfo, 0, count)
	for i := 0; i < count; i++ {
		name := "sessions/" + uuid.NewString()
		b.live[name] = true
		b.created++
		infos = append(infos, sessions.SessionInfo{Name: name})
	}
	return infos, nil
}

// Client is a fake sessions.Client bound to a Backend.
type Client struct {
	backend *Backend
}

var _ sessions.Client = (*Client)(nil)

func (c *Client) CreateSession(ctx context.Context, database string) (sessions.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return sessions.SessionInfo{}, err
	}
	infos, err := c.backend.createSessions(1)
	if err != nil {
		return sessions.SessionInfo{}, err
	}
	return infos[0], nil
}

func (c *Client) BatchCreateSessions(ctx context.Context, database string, count int) ([]sessions.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.backend.createSessions(count)
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[name] {
		return status.Errorf(codes.NotFound, "Session not found: %s", name)
	}
	delete(b.live, name)
	b.deleted++
	return nil
}

func (c *Client) Ping(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinged++
	if b.pingErr != nil {
		if err := b.pingErr(name); err != nil {
			return err
		}
	}
	if !b.live[name] {
		return status.Errorf(codes.NotFound, "Session not found: %s", name)
	}
	return nil
}

// Source is a fake sessions.ClientSource over one Backend, pretending to
// hold num distinct channels.
type Source struct {
	backend *Backend
	num     int
}

var _ sessions.ClientSource = (*Source)(nil)

// NewSource returns a Source with num logical channels (minimum 1).
func NewSource(backend *Backend, num int) *Source {
	if num < 1 {
		num = 1
	}
	return &Source{backend: backend, num: num}
}

func (s *Source) Client() sessions.Client { return &Client{backend: s.backend} }

func (s *Source) Num() int { return s.num }
