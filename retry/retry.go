// Package retry decides whether and how long to wait before retrying a
// failed RPC, based on the gRPC status of the failure plus a jittered
// exponential backoff that bounds the whole loop.
package retry

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sessionNotFoundMarker is the message fragment the remote service uses
// when an RPC references a session it no longer knows about.
const sessionNotFoundMarker = "Session not found"

// transientInternalMarkers identifies Internal statuses that are really
// transport-level hiccups. Any other Internal status is treated as fatal:
// real application bugs frequently surface with the Internal code and must
// not be silently retried.
var transientInternalMarkers = []string{
	"stream terminated by RST_STREAM",
	"HTTP/2 error code: INTERNAL_ERROR",
	"Connection closed with unknown cause",
	"Received unexpected EOS on DATA frame from server",
}

// Settings configures one retry loop.
type Settings struct {
	// Codes lists the retryable status codes. codes.Internal is special:
	// even when listed it is only retried for known transient transport
	// failures.
	Codes []codes.Code

	// Backoff seeds the delay generator. The zero value uses the package
	// defaults.
	Backoff Backoff

	// CheckSessionNotFound additionally treats a NotFound status whose
	// message reports a missing session as retryable. Call sites that can
	// transparently recreate their session opt in; everyone else surfaces
	// the error.
	CheckSessionNotFound bool
}

// Retryer holds the live backoff state for one loop. It must not be
// shared across concurrent callers.
type Retryer struct {
	settings Settings
	backoff  Backoff
}

// Retryer returns a fresh Retryer seeded from s.
func (s Settings) Retryer() *Retryer {
	return &Retryer{settings: s, backoff: s.Backoff}
}

// Retry reports whether err warrants another attempt and, if so, how long
// to wait first. It performs no I/O and never sleeps.
func (r *Retryer) Retry(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	if !r.retryable(st) {
		return 0, false
	}
	return r.backoff.Duration()
}

func (r *Retryer) retryable(st *status.Status) bool {
	code := st.Code()
	if code == codes.Internal {
		return r.hasCode(codes.Internal) && isTransientInternal(st.Message())
	}
	if code == codes.NotFound && r.settings.CheckSessionNotFound {
		return strings.Contains(st.Message(), sessionNotFoundMarker)
	}
	return r.hasCode(code)
}

func (r *Retryer) hasCode(code codes.Code) bool {
	for _, c := range r.settings.Codes {
		if c == code {
			return true
		}
	}
	return false
}

func isTransientInternal(msg string) bool {
	for _, marker := range transientInternalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsSessionNotFound reports whether err is the remote service telling us
// the referenced session no longer exists.
func IsSessionNotFound(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return st.Code() == codes.NotFound && strings.Contains(st.Message(), sessionNotFoundMarker)
}

// Do runs f, retrying per the settings until f succeeds, the retryer gives
// up, or ctx is canceled. The final attempt's error is returned unwrapped
// so callers can still classify it.
func Do(ctx context.Context, settings Settings, f func(ctx context.Context) error) error {
	retryer := settings.Retryer()
	for {
		err := f(ctx)
		if err == nil {
			return nil
		}
		delay, ok := retryer.Retry(err)
		if !ok {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
