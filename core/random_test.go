package core

import (
	"testing"
	"time"
)

func TestPoissonQuantization(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := randomPoissonSubseconds(5 * time.Second)
		if d%fluffStep != 0 {
			t.Fatalf("delay %s is not a quarter-second multiple", d)
		}
	}
}

func TestPoissonMean(t *testing.T) {
	const samples = 2000
	mean := 5 * time.Second
	var total time.Duration
	for i := 0; i < samples; i++ {
		total += randomPoissonSubseconds(mean)
	}
	avg := total / samples
	// 2000 samples of Poisson(20 quanta) concentrate tightly around the
	// mean; a 20% band is far beyond any realistic flake.
	if avg < 4*time.Second || avg > 6*time.Second {
		t.Fatalf("sample mean %s too far from %s", avg, mean)
	}
}

func TestUniformDurationBounds(t *testing.T) {
	max := 30 * time.Second
	for i := 0; i < 200; i++ {
		d := randomUniformDuration(max)
		if d < 0 || d > max {
			t.Fatalf("draw %s outside [0, %s]", d, max)
		}
	}
	if randomUniformDuration(0) != 0 {
		t.Fatal("zero range must return zero")
	}
}
