// Package metrics holds the engine's Prometheus collectors and the small
// in-process aggregates reported through the stats API.
package metrics

import (
	"sync"
)

// ---------------------------------------------------------------------------
// RingAverage
// ---------------------------------------------------------------------------

// RingAverage is the mean of the most recent observations, up to a fixed
// capacity. Older observations are overwritten.
type RingAverage struct {
	mu    sync.Mutex
	buf   []float64
	next  int
	count int
	sum   float64
}

// NewRingAverage returns a RingAverage over the last size observations.
// A size below one is treated as one.
func NewRingAverage(size int) *RingAverage {
	if size < 1 {
		size = 1
	}
	return &RingAverage{buf: make([]float64, size)}
}

// Observe records a value, evicting the oldest one when full.
func (r *RingAverage) Observe(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.buf) {
		r.sum -= r.buf[r.next]
	} else {
		r.count++
	}
	r.buf[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % len(r.buf)
}

// Mean returns the average of the retained observations, or 0 if none.
func (r *RingAverage) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

// Count returns the number of retained observations.
func (r *RingAverage) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
