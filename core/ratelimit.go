package core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle computes how long a caller must sleep before moving n bytes to
// keep a sliding average at or below the configured byte rate. A limit of
// zero or below disables throttling. Safe for concurrent use.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewThrottle returns a throttle capped at bytesPerSecond with a one-second
// burst window.
func NewThrottle(bytesPerSecond int64) *Throttle {
	t := &Throttle{}
	t.SetLimit(bytesPerSecond)
	return t
}

// SetLimit replaces the byte-rate limit. Values at or below zero disable
// the throttle.
func (t *Throttle) SetLimit(bytesPerSecond int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytesPerSecond <= 0 {
		t.limiter = nil
		return
	}
	t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// Enabled reports whether a limit is in force.
func (t *Throttle) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter != nil
}

// ComputeSleep reserves n bytes against the limit and returns the delay
// required before the transfer may proceed.
func (t *Throttle) ComputeSleep(n int) time.Duration {
	t.mu.Lock()
	limiter := t.limiter
	t.mu.Unlock()
	if limiter == nil || n <= 0 {
		return 0
	}
	burst := limiter.Burst()
	var delay time.Duration
	// Reservations larger than the burst window are charged in chunks;
	// the chunks accumulate delay exactly as one oversized reservation
	// would.
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		r := limiter.ReserveN(time.Now(), chunk)
		if !r.OK() {
			return 0
		}
		if d := r.Delay(); d > delay {
			delay = d
		}
		n -= chunk
	}
	return delay
}

// Process-wide up/down throttles shared by every connection, mirroring the
// global send and receive limits of the daemon.
var (
	throttleUp   = NewThrottle(0)
	throttleDown = NewThrottle(0)
)

// ThrottleUp returns the global outbound throttle.
func ThrottleUp() *Throttle { return throttleUp }

// ThrottleDown returns the global inbound throttle.
func ThrottleDown() *Throttle { return throttleDown }
