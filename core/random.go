package core

import (
	"math"
	"math/rand/v2"
	"time"
)

// fluffStep is the quantum for fluff delays. Whole-second quanta collapse
// the variance of the Poisson distribution, so delays are drawn in
// quarter-second increments.
const fluffStep = 250 * time.Millisecond

// randomPoissonSubseconds draws a Poisson-distributed duration with the
// given mean, quantized to quarter seconds.
func randomPoissonSubseconds(mean time.Duration) time.Duration {
	lambda := float64(mean) / float64(fluffStep)
	if lambda <= 0 {
		return 0
	}
	// Knuth's method; lambda stays small (tens of quanta) so the loop is
	// short and underflow is not a concern.
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		p *= rand.Float64()
		if p <= limit {
			break
		}
		k++
	}
	return time.Duration(k) * fluffStep
}

// randomUniformDuration draws uniformly from [0, max].
func randomUniformDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
