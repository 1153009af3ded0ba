package model

import (
	"math"
	"sync"
)

const (
	// maxRunningFraction caps progress until the backend has finished.
	maxRunningFraction = 0.99
	chunkSeconds       = 30.0
)

// chunkFraction is the share of 30 s audio chunks fully covered once the
// backend has emitted a segment ending at end.
func chunkFraction(end, total float64) float64 {
	if total <= 0 {
		return 0
	}
	chunks := math.Ceil(total / chunkSeconds)
	done := math.Floor(end / chunkSeconds)
	if end >= total {
		done = chunks
	}
	return done / chunks
}

// reporter forwards non-decreasing fractions to fn from any goroutine.
type reporter struct {
	mu   sync.Mutex
	last float64
	fn   func(float64)
}

func newReporter(fn func(float64)) *reporter {
	if fn == nil {
		fn = func(float64) {}
	}
	return &reporter{fn: fn}
}

func (r *reporter) running(fraction float64) {
	if math.IsNaN(fraction) || fraction <= 0 {
		return
	}
	if fraction > maxRunningFraction {
		fraction = maxRunningFraction
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fraction <= r.last {
		return
	}
	r.last = fraction
	r.fn(fraction)
}

func (r *reporter) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 1
	r.fn(1)
}
