package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func quickSettings(codes ...codes.Code) Settings {
	return Settings{
		Codes: codes,
		Backoff: Backoff{
			Initial: time.Microsecond,
			Max:     time.Millisecond,
			Timeout: time.Minute,
		},
	}
}

func TestRetryableCode(t *testing.T) {
	r := quickSettings(codes.Aborted, codes.Unavailable).Retryer()
	if _, ok := r.Retry(status.Error(codes.Aborted, "txn aborted")); !ok {
		t.Error("Aborted should be retryable")
	}
	if _, ok := r.Retry(status.Error(codes.Unavailable, "try again")); !ok {
		t.Error("Unavailable should be retryable")
	}
	if _, ok := r.Retry(status.Error(codes.InvalidArgument, "bad request")); ok {
		t.Error("InvalidArgument should not be retryable")
	}
}

func TestInternalRequiresTransientSignature(t *testing.T) {
	r := quickSettings(codes.Internal).Retryer()

	if _, ok := r.Retry(status.Error(codes.Internal, "nil pointer dereference in handler")); ok {
		t.Error("Internal with an unrecognized message must not be retried")
	}
	if _, ok := r.Retry(status.Error(codes.Internal, "stream terminated by RST_STREAM")); !ok {
		t.Error("RST_STREAM reset should be retried")
	}
	if _, ok := r.Retry(status.Error(codes.Internal, "Received unexpected EOS on DATA frame from server")); !ok {
		t.Error("unexpected EOS should be retried")
	}

	// Internal not in the retryable set: even transient signatures stop.
	r = quickSettings(codes.Aborted).Retryer()
	if _, ok := r.Retry(status.Error(codes.Internal, "stream terminated by RST_STREAM")); ok {
		t.Error("Internal outside the retryable set must not be retried")
	}
}

func TestSessionNotFoundOptIn(t *testing.T) {
	err := status.Error(codes.NotFound, "Session not found: projects/p/instances/i/databases/d/sessions/s")

	r := quickSettings(codes.Aborted).Retryer()
	if _, ok := r.Retry(err); ok {
		t.Error("session-not-found must not be retried without opt-in")
	}

	s := quickSettings(codes.Aborted)
	s.CheckSessionNotFound = true
	r = s.Retryer()
	if _, ok := r.Retry(err); !ok {
		t.Error("session-not-found should be retried when opted in")
	}
	if _, ok := r.Retry(status.Error(codes.NotFound, "database not found")); ok {
		t.Error("other NotFound statuses must not be retried")
	}
}

func TestNonStatusErrorStops(t *testing.T) {
	r := quickSettings(codes.Unavailable).Retryer()
	if _, ok := r.Retry(errors.New("plain error")); ok {
		t.Error("non-status errors must not be retried")
	}
	if _, ok := r.Retry(nil); ok {
		t.Error("nil error must not be retried")
	}
}

func TestIsSessionNotFound(t *testing.T) {
	if !IsSessionNotFound(status.Error(codes.NotFound, "Session not found: s1")) {
		t.Error("want true for a session-not-found status")
	}
	if IsSessionNotFound(status.Error(codes.NotFound, "table not found")) {
		t.Error("want false for other NotFound statuses")
	}
	if IsSessionNotFound(errors.New("boom")) {
		t.Error("want false for non-status errors")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quickSettings(codes.Unavailable), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoSurfacesFatalError(t *testing.T) {
	fatal := status.Error(codes.PermissionDenied, "nope")
	attempts := 0
	err := Do(context.Background(), quickSettings(codes.Unavailable), func(ctx context.Context) error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do() = %v, want %v", err, fatal)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	settings := quickSettings(codes.Unavailable)
	settings.Backoff.Initial = time.Hour
	settings.Backoff.Max = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, settings, func(ctx context.Context) error {
			return status.Error(codes.Unavailable, "always")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
