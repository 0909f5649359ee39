// Package rpc implements the sessions.Client boundary over gRPC channels
// supplied by the connection manager. Only the pool's control-plane calls
// live here; data RPCs belong to whoever holds the lease.
package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/ggoodman/sessionpool-go/grpcconn"
	"github.com/ggoodman/sessionpool-go/sessions"
)

const (
	methodCreateSession       = "/db.v1.Sessions/CreateSession"
	methodBatchCreateSessions = "/db.v1.Sessions/BatchCreateSessions"
	methodDeleteSession       = "/db.v1.Sessions/DeleteSession"
	methodGetSession          = "/db.v1.Sessions/GetSession"
)

type session struct {
	Name       string    `json:"name"`
	CreateTime time.Time `json:"createTime"`
}

type createSessionRequest struct {
	Database string `json:"database"`
}

type batchCreateSessionsRequest struct {
	Database     string `json:"database"`
	SessionCount int    `json:"sessionCount"`
}

type batchCreateSessionsResponse struct {
	Sessions []session `json:"sessions"`
}

type deleteSessionRequest struct {
	Name string `json:"name"`
}

type getSessionRequest struct {
	Name string `json:"name"`
}

// Client issues session control-plane RPCs over one logical channel.
type Client struct {
	cc grpc.ClientConnInterface
}

var _ sessions.Client = (*Client)(nil)

// NewClient wraps cc. The channel stays owned by its manager; closing is
// not this client's job.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.cc.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
}

func (c *Client) CreateSession(ctx context.Context, database string) (sessions.SessionInfo, error) {
	var resp session
	if err := c.invoke(ctx, methodCreateSession, &createSessionRequest{Database: database}, &resp); err != nil {
		return sessions.SessionInfo{}, err
	}
	return sessions.SessionInfo{Name: resp.Name, CreateTime: resp.CreateTime}, nil
}

func (c *Client) BatchCreateSessions(ctx context.Context, database string, count int) ([]sessions.SessionInfo, error) {
	req := &batchCreateSessionsRequest{Database: database, SessionCount: count}
	var resp batchCreateSessionsResponse
	if err := c.invoke(ctx, methodBatchCreateSessions, req, &resp); err != nil {
		return nil, err
	}
	infos := make([]sessions.SessionInfo, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		infos = append(infos, sessions.SessionInfo{Name: s.Name, CreateTime: s.CreateTime})
	}
	return infos, nil
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	var resp struct{}
	return c.invoke(ctx, methodDeleteSession, &deleteSessionRequest{Name: name}, &resp)
}

func (c *Client) Ping(ctx context.Context, name string) error {
	var resp session
	return c.invoke(ctx, methodGetSession, &getSessionRequest{Name: name}, &resp)
}

// ConnSource adapts a channel manager to the pool's ClientSource
// boundary: each Client() call binds a fresh client to the manager's next
// round-robin channel.
type ConnSource struct {
	cm *grpcconn.Manager
}

var _ sessions.ClientSource = (*ConnSource)(nil)

func NewConnSource(cm *grpcconn.Manager) *ConnSource {
	return &ConnSource{cm: cm}
}

func (s *ConnSource) Client() sessions.Client { return NewClient(s.cm.Conn()) }

func (s *ConnSource) Num() int { return s.cm.Num() }
