package decoder

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle bounds the number of packages handed to decoders per second
type Throttle struct {
	limiter  *rate.Limiter
	rejected atomic.Uint64
}

// NewThrottle allows perSecond packages with bursts of up to burst. A
// non-positive rate disables the throttle.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow takes one token, counting rejections
func (t *Throttle) Allow() bool {
	if t.limiter.Allow() {
		return true
	}
	t.rejected.Add(1)
	return false
}

func (t *Throttle) Rejected() uint64 {
	return t.rejected.Load()
}
