package retry

import (
	"math/rand"
	"time"
)

const (
	defaultInitial    = 250 * time.Millisecond
	defaultMax        = 32 * time.Second
	defaultMultiplier = 1.3
	defaultTimeout    = 32 * time.Second
)

// Backoff generates jittered exponential delays for one retry loop.
//
// Each call to Duration draws a random delay between 1ns and the current
// envelope, then grows the envelope by Multiplier up to Max. The wide
// jitter range is deliberate: drawing from the full envelope rather than
// its upper half keeps many clients that failed at the same instant from
// retrying in lockstep.
//
// A Backoff is single-use state for a single retry loop and is not safe
// for concurrent use.
type Backoff struct {
	// Initial is the first envelope value. Defaults to 250ms.
	Initial time.Duration
	// Max caps the envelope. Defaults to 32s.
	Max time.Duration
	// Multiplier grows the envelope after each draw. Defaults to 1.3.
	Multiplier float64
	// Timeout bounds the whole loop: once this much wall-clock time has
	// passed since the first call to Duration, Duration reports false.
	// Defaults to 32s.
	Timeout time.Duration

	cur       time.Duration
	startedAt time.Time
}

// Duration returns the next delay to wait before retrying. The second
// return value is false once the loop's overall Timeout has elapsed,
// meaning the caller must stop retrying.
func (b *Backoff) Duration() (time.Duration, bool) {
	now := time.Now()
	if b.startedAt.IsZero() {
		b.startedAt = now
		b.cur = b.Initial
		if b.cur <= 0 {
			b.cur = defaultInitial
		}
	}
	max := b.Max
	if max <= 0 {
		max = defaultMax
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if now.Sub(b.startedAt) > timeout {
		return 0, false
	}

	d := time.Duration(1 + rand.Int63n(int64(b.cur)))

	mult := b.Multiplier
	if mult <= 0 {
		mult = defaultMultiplier
	}
	b.cur = time.Duration(float64(b.cur) * mult)
	if b.cur > max {
		b.cur = max
	}
	return d, true
}
