package progress

import (
	"math"
	"sync"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

// Indeterminate is reported by a stage that cannot compute a fraction.
const Indeterminate = -1.0

// Band is the slice of the global 0-100 scale owned by one stage.
type Band struct {
	From float64
	To   float64
}

// DefaultBands splits the scale the way the pipeline runs: conversion up to
// 30, transcription up to 100. Saving is reported as 100 on completion.
func DefaultBands() map[domain.Stage]Band {
	return map[domain.Stage]Band{
		domain.StageConverting:   {From: 0, To: 30},
		domain.StageTranscribing: {From: 30, To: 100},
		domain.StageSaving:       {From: 100, To: 100},
	}
}

// Aggregator maps per-stage fractions onto one non-decreasing percentage for
// a single job. It is safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	bands map[domain.Stage]Band
	last  float64
}

func NewAggregator(bands map[domain.Stage]Band) *Aggregator {
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	return &Aggregator{bands: bands}
}

// Aggregate returns the global percentage for stage at fraction. The result
// never drops below a previously returned value; indeterminate or unknown
// input repeats the last value.
func (a *Aggregator) Aggregate(stage domain.Stage, fraction float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	band, ok := a.bands[stage]
	if !ok || fraction < 0 {
		return a.last
	}

	value := band.From + (band.To-band.From)*clamp(fraction)
	if value > a.last {
		a.last = value
	}
	return a.last
}

// Complete pins the aggregate at 100.
func (a *Aggregator) Complete() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = 100
	return a.last
}

// Last returns the most recent aggregate without changing it.
func (a *Aggregator) Last() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func clamp(fraction float64) float64 {
	switch {
	case math.IsNaN(fraction):
		return 0
	case fraction < 0:
		return 0
	case fraction > 1:
		return 1
	default:
		return fraction
	}
}
