package grpcconn

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/ggoodman/sessionpool-go/creds"
)

// startServer runs an empty gRPC server on a loopback port so channels can
// reach Ready state.
func startServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{}, creds.Static("t"))
	if err == nil {
		t.Fatal("New() with no endpoint should fail")
	}
}

func TestNewRequiresProviderOutsideEmulatorMode(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "db.example.com:443"}, nil)
	if err == nil {
		t.Fatal("New() without a credential provider should fail")
	}
}

func TestEmulatorModeOpensSingleChannel(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := New(ctx, Config{EmulatorHost: addr, PoolSize: 4}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	if m.Num() != 1 {
		t.Fatalf("Num() = %d, want 1", m.Num())
	}
}

func TestConnRoundRobin(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Assemble the channel set by hand: New caps emulator mode at one
	// channel, and rotation needs several to be observable.
	m := &Manager{}
	defer m.Close()
	for i := 0; i < 3; i++ {
		conn, err := dial(ctx, addr, "", true, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		m.conns = append(m.conns, conn)
	}

	first := make([]grpc.ClientConnInterface, m.Num())
	for i := range first {
		first[i] = m.Conn()
	}
	// A second full cycle must revisit the same channels in the same order.
	for i := range first {
		if got := m.Conn(); got != first[i] {
			t.Fatalf("round-robin position %d did not repeat", i)
		}
	}
	seen := map[grpc.ClientConnInterface]bool{}
	for _, c := range first {
		seen[c] = true
	}
	if len(seen) != 3 {
		t.Fatalf("one cycle visited %d distinct channels, want 3", len(seen))
	}
}

func TestNewFailsAgainstDeadEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing listens on this port; construction must fail rather than
	// hand back a manager with no usable channel.
	_, err := New(ctx, Config{EmulatorHost: "127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("New() against a dead endpoint should fail")
	}
}

type staticErrProvider struct{ err error }

func (p staticErrProvider) Token(ctx context.Context) (string, error) { return "", p.err }

func TestUnaryAuthAttachesBearer(t *testing.T) {
	var gotAuth []string
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		gotAuth = md.Get("authorization")
		return nil
	}
	ic := unaryAuth(creds.Static("tok-42"))
	if err := ic(context.Background(), "/db.v1.Sessions/Ping", nil, nil, nil, invoker); err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if len(gotAuth) != 1 || gotAuth[0] != "Bearer tok-42" {
		t.Fatalf("authorization metadata = %v, want [Bearer tok-42]", gotAuth)
	}
}

func TestUnaryAuthPropagatesCredentialFailure(t *testing.T) {
	provErr := errors.New("key revoked")
	ic := unaryAuth(staticErrProvider{err: provErr})
	invoked := false
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		invoked = true
		return nil
	}
	err := ic(context.Background(), "/db.v1.Sessions/Ping", nil, nil, nil, invoker)
	if !errors.Is(err, provErr) {
		t.Fatalf("interceptor error = %v, want wrapped %v", err, provErr)
	}
	if !strings.Contains(err.Error(), "bearer credential") {
		t.Errorf("error %q should mention the credential fetch", err)
	}
	if invoked {
		t.Error("invoker must not run when the credential fetch fails")
	}
}
