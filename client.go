// Package sessionpool is the front door to the client stack: it wires a
// credential provider, a fixed-size set of authenticated gRPC channels,
// and a bounded session pool into one handle.
//
// Typical use:
//
//	client, err := sessionpool.New(ctx, "projects/p/instances/i/databases/d",
//		sessionpool.WithEndpoint("db.example.com:443"),
//		sessionpool.WithCredentials(provider),
//	)
//	if err != nil { ... }
//	defer client.Close()
//
//	sess, err := client.Session(ctx)
//	if err != nil { ... }
//	defer sess.Release()
package sessionpool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/sessionpool-go/creds"
	"github.com/ggoodman/sessionpool-go/grpcconn"
	"github.com/ggoodman/sessionpool-go/internal/rpc"
	"github.com/ggoodman/sessionpool-go/sessions"
)

// Client owns the connection set and session pool for one database.
type Client struct {
	cm   *grpcconn.Manager
	pool *sessions.Pool
}

// New connects and pre-warms the pool. Construction is all-or-nothing: a
// dial failure, credential failure or failed warm-up returns an error and
// leaves nothing running.
func New(ctx context.Context, database string, opts ...Option) (*Client, error) {
	cfg := applyOptions(opts)

	source := cfg.source
	var cm *grpcconn.Manager
	if source == nil {
		connCfg, err := grpcconn.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		if cfg.endpoint != "" {
			connCfg.Endpoint = cfg.endpoint
		}
		if cfg.emulatorHost != "" {
			connCfg.EmulatorHost = cfg.emulatorHost
		}
		if cfg.connPoolSize > 0 {
			connCfg.PoolSize = cfg.connPoolSize
		}
		connCfg.Logger = cfg.logger

		cm, err = grpcconn.New(ctx, connCfg, cfg.provider)
		if err != nil {
			return nil, fmt.Errorf("connect to session service: %w", err)
		}
		source = rpc.NewConnSource(cm)
	}

	sessCfg := cfg.sessions
	sessCfg.Logger = cfg.logger
	pool, err := sessions.NewPool(ctx, database, source, sessCfg)
	if err != nil {
		if cm != nil {
			_ = cm.Close()
		}
		return nil, err
	}
	return &Client{cm: cm, pool: pool}, nil
}

// Session leases one session from the pool.
func (c *Client) Session(ctx context.Context) (*sessions.ManagedSession, error) {
	return c.pool.Get(ctx)
}

// Pool exposes the underlying pool for its introspection surface.
func (c *Client) Pool() *sessions.Pool {
	return c.pool
}

// Close tears down the pool first (deleting remote sessions over still-open
// channels) and then the channels themselves.
func (c *Client) Close() error {
	c.pool.Close()
	if c.cm != nil {
		return c.cm.Close()
	}
	return nil
}

type options struct {
	endpoint     string
	emulatorHost string
	connPoolSize int
	provider     creds.Provider
	sessions     sessions.Config
	source       sessions.ClientSource
	logger       *slog.Logger
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures New.
type Option func(*options)

// WithEndpoint overrides the remote endpoint (host:port).
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithEmulatorHost targets a local plaintext emulator instead of the real
// service; no credentials are attached.
func WithEmulatorHost(host string) Option {
	return func(o *options) { o.emulatorHost = host }
}

// WithConnPoolSize sets how many transport channels to open.
func WithConnPoolSize(n int) Option {
	return func(o *options) { o.connPoolSize = n }
}

// WithCredentials sets the bearer credential provider. Required outside
// emulator mode.
func WithCredentials(p creds.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSessionConfig tunes the session pool.
func WithSessionConfig(cfg sessions.Config) Option {
	return func(o *options) { o.sessions = cfg }
}

// WithClientSource bypasses the gRPC stack entirely and builds the pool
// on the given source. Intended for tests and alternative transports.
func WithClientSource(source sessions.ClientSource) Option {
	return func(o *options) { o.source = source }
}

// WithLogger sets the logger for the whole stack. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}
