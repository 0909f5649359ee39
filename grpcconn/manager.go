// Package grpcconn multiplexes RPCs over a small, fixed-size set of
// authenticated gRPC channels. Channels are cheap to share, so round-robin
// hand-out only distributes logical call ownership; session state on top
// of a channel is the caller's concern.
package grpcconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/joeshaw/envdecode"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/ggoodman/sessionpool-go/creds"
)

const defaultPoolSize = 4

// Config controls how the channel set is established. Defaults can be
// loaded via envdecode.
type Config struct {
	// Endpoint is the host:port of the remote service. ENV: SESSIONDB_ENDPOINT
	Endpoint string `env:"SESSIONDB_ENDPOINT"`
	// PoolSize is the number of channels to open. ENV: SESSIONDB_CONN_POOL_SIZE
	PoolSize int `env:"SESSIONDB_CONN_POOL_SIZE,default=4"`
	// EmulatorHost, when set, overrides Endpoint with a local plaintext
	// target, disables credential attachment, and caps the pool at a
	// single channel. ENV: SESSIONDB_EMULATOR_HOST
	EmulatorHost string `env:"SESSIONDB_EMULATOR_HOST"`
	// UserAgent is sent on every channel when non-empty.
	UserAgent string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigFromEnv builds a Config using envdecode to populate the tagged
// fields.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode connection config: %w", err)
	}
	return cfg, nil
}

// Manager owns a fixed set of channels to one remote endpoint and hands
// them out round-robin. All methods are safe for concurrent use.
type Manager struct {
	conns []*grpc.ClientConn
	next  atomic.Uint64
	log   *slog.Logger
}

// New dials cfg.PoolSize channels and fails whole if any of them cannot be
// established: a partial pool is never returned. Emulator mode opens a
// single plaintext channel regardless of PoolSize. Outside emulator mode a
// credential provider is required; every outgoing call on every channel is
// intercepted to attach a freshly fetched bearer token from it.
func New(ctx context.Context, cfg Config, provider creds.Provider) (*Manager, error) {
	target := cfg.Endpoint
	emulator := cfg.EmulatorHost != ""
	if emulator {
		target = cfg.EmulatorHost
	}
	if target == "" {
		return nil, errors.New("endpoint is required")
	}
	if !emulator && provider == nil {
		return nil, errors.New("credential provider is required outside emulator mode")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if emulator {
		// A local emulator is one process; fanning channels out at it
		// buys nothing.
		poolSize = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{log: log}
	for i := 0; i < poolSize; i++ {
		conn, err := dial(ctx, target, cfg.UserAgent, emulator, provider)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("establish channel %d/%d to %s: %w", i+1, poolSize, target, err)
		}
		m.conns = append(m.conns, conn)
	}
	log.DebugContext(ctx, "connection pool established", slog.String("target", target), slog.Int("channels", poolSize))
	return m, nil
}

func dial(ctx context.Context, target, userAgent string, emulator bool, provider creds.Provider) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	}
	if emulator {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts,
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
			grpc.WithChainUnaryInterceptor(unaryAuth(provider)),
			grpc.WithChainStreamInterceptor(streamAuth(provider)),
		)
	}
	if userAgent != "" {
		opts = append(opts, grpc.WithUserAgent(userAgent))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}

	// Connect eagerly so construction surfaces transport failures instead
	// of deferring them to the first RPC.
	conn.Connect()
	for {
		st := conn.GetState()
		if st == connectivity.Ready {
			return conn, nil
		}
		if st == connectivity.TransientFailure || st == connectivity.Shutdown {
			_ = conn.Close()
			return nil, fmt.Errorf("channel entered state %s while connecting", st)
		}
		if !conn.WaitForStateChange(ctx, st) {
			_ = conn.Close()
			return nil, ctx.Err()
		}
	}
}

func unaryAuth(provider creds.Provider) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, err := withBearer(ctx, provider)
		if err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func streamAuth(provider creds.Provider) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, err := withBearer(ctx, provider)
		if err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func withBearer(ctx context.Context, provider creds.Provider) (context.Context, error) {
	tok, err := provider.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bearer credential: %w", err)
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok), nil
}

// Conn returns the next channel in round-robin order.
func (m *Manager) Conn() grpc.ClientConnInterface {
	n := m.next.Add(1)
	return m.conns[(n-1)%uint64(len(m.conns))]
}

// Num returns the number of channels the manager owns.
func (m *Manager) Num() int {
	return len(m.conns)
}

// Close tears down every channel, returning the first error encountered.
func (m *Manager) Close() error {
	var firstErr error
	for _, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
