package httpds

import (
	"math/rand"
	"time"
)

// Backoff is the wait policy between attempts.
//
// Without a server hint the delay for retry n (0-based) is Base·2^n, plus a
// random jitter of up to JitterFraction of that value, capped at Max. A
// Retry-After hint replaces the computed delay but is still capped at Max.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	// rand returns a value in [0, 1). Tests replace it.
	rand func() float64
}

// DefaultBackoff is applied field by field for zero values.
var DefaultBackoff = Backoff{
	Base:           time.Second,
	Max:            60 * time.Second,
	JitterFraction: 0.2,
}

// IsZero reports whether no policy field is set.
func (b Backoff) IsZero() bool {
	return b.Base == 0 && b.Max == 0 && b.JitterFraction == 0
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.JitterFraction < 0 {
		b.JitterFraction = 0
	}
	if b.JitterFraction > 1 {
		b.JitterFraction = 1
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Delay returns the wait before retry n (0-based). retryAfter is the server's
// hint, zero when absent. The result never exceeds Max.
func (b Backoff) Delay(n int, retryAfter time.Duration) time.Duration {
	if b.rand == nil {
		b = b.withDefaults()
	}
	if retryAfter > 0 {
		return min(retryAfter, b.Max)
	}

	d := b.Base
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.JitterFraction > 0 {
		d += time.Duration(b.rand() * b.JitterFraction * float64(d))
	}
	return min(d, b.Max)
}
