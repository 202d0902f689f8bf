package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1) plus up to
// Jitter of that again, capped at Max. Jitter must be in [0, 1), which
// keeps consecutive delays non-decreasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) Backoff {
	return Backoff{Base: base, Max: max, Jitter: jitter, rand: rand.Float64}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Ldexp(float64(b.Base), attempt-1)
	r := 0.0
	if b.rand != nil {
		r = b.rand()
	}
	d := exp * (1 + b.Jitter*r)
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
