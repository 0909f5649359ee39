package sessionpool_test

import (
	"context"
	"testing"
	"time"

	sessionpool "github.com/ggoodman/sessionpool-go"
	"github.com/ggoodman/sessionpool-go/sessions"
	"github.com/ggoodman/sessionpool-go/sessions/sessiontest"
)

const testDatabase = "projects/p/instances/i/databases/d"

func TestNewLeaseReleaseClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backend := sessiontest.NewBackend()
	client, err := sessionpool.New(ctx, testDatabase,
		sessionpool.WithClientSource(sessiontest.NewSource(backend, 2)),
		sessionpool.WithSessionConfig(sessions.Config{MinOpened: 3, MaxOpened: 5}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := client.Pool().NumOpened(); got != 3 {
		t.Fatalf("NumOpened = %d, want 3", got)
	}

	sess, err := client.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Name() == "" {
		t.Fatal("leased session has no name")
	}
	sess.Release()

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := backend.LiveCount(); got != 0 {
		t.Fatalf("server still holds %d sessions after Close", got)
	}

	if _, err := client.Session(ctx); err != sessions.ErrPoolClosed {
		t.Fatalf("Session after Close: err = %v, want ErrPoolClosed", err)
	}
}

func TestNewFailsWhenWarmUpFails(t *testing.T) {
	ctx := context.Background()

	backend := sessiontest.NewBackend()
	backend.FailCreates(context.DeadlineExceeded)

	_, err := sessionpool.New(ctx, testDatabase,
		sessionpool.WithClientSource(sessiontest.NewSource(backend, 1)),
		sessionpool.WithSessionConfig(sessions.Config{MinOpened: 2, MaxOpened: 4}),
	)
	if err == nil {
		t.Fatal("New succeeded despite failing session creation")
	}
}

func TestNewRequiresEndpointWithoutSource(t *testing.T) {
	// No client source and no endpoint configured anywhere.
	t.Setenv("SESSIONDB_ENDPOINT", "")
	t.Setenv("SESSIONDB_EMULATOR_HOST", "")

	_, err := sessionpool.New(context.Background(), testDatabase)
	if err == nil {
		t.Fatal("New succeeded without an endpoint or client source")
	}
}
