package cloud

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterBackOff implements backoff.BackOff with the reconnect policy: each
// attempt roughly doubles the previous interval and adds jitter drawn
// uniformly from [0, current/4], capped at max. It satisfies
// github.com/cenkalti/backoff/v4's BackOff interface so the reconnect loop
// can still be driven by backoff.Retry/backoff.WithContext, but the growth
// math itself is hand-written rather than using ExponentialBackOff's own
// randomization, which multiplies by a randomization factor rather than
// adding a bounded jitter term.
type jitterBackOff struct {
	min, max time.Duration
	current  time.Duration
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func newJitterBackOff(min, max time.Duration) *jitterBackOff {
	return &jitterBackOff{min: min, max: max}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	if b.current <= 0 {
		b.current = b.min
		return b.current
	}
	jitter := time.Duration(rand.Float64() * float64(b.current) / 4)
	next := 2*b.current + jitter
	if next > b.max {
		next = b.max
	}
	b.current = next
	return next
}

// Reset returns the backoff to its minimum interval, called after a
// connection has remained stable for stableWindow.
func (b *jitterBackOff) Reset() {
	b.current = 0
}
