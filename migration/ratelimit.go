package migration

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces the iterate phase (§4.4 step 4) so a fast-changing
// device cannot monopolize the stream. It wraps golang.org/x/time/rate's
// token bucket; Saver.IteratePass charges a fixed iterateCost tokens per
// live_iterate call, not the number of bytes the call actually writes.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter returns a limiter allowing burst bytes immediately and
// bytesPerSec refilling thereafter. bytesPerSec<=0 disables limiting (every
// call to Allow succeeds).
func NewRateLimiter(bytesPerSec, burst int) *RateLimiter {
	if bytesPerSec <= 0 {
		return &RateLimiter{}
	}

	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Allow reports whether n more bytes may be written right now without
// blocking; it never blocks itself, matching §4.4's "returns not yet"
// semantics rather than a blocking throttle.
func (rl *RateLimiter) Allow(n int) bool {
	if rl == nil || rl.lim == nil {
		return true
	}

	return rl.lim.AllowN(time.Now(), n)
}
