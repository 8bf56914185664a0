// Package jitter implements the RFC 1889 exponentially-weighted jitter
// estimator used to gate promotion to EtherCAT OP mode. It is grounded on
// the teacher stack's single-writer/multi-reader field discipline (see
// canopen.BusManager.canError / hbConsumerEntry), generalized here to a
// lock-free atomic publication so the realtime cyclic thread never blocks
// on a mutex to record an arrival.
package jitter

import "sync/atomic"

// Estimator tracks cyclic-arrival jitter. Update must only ever be called
// from the single realtime thread that calls receive(); Estimate and
// Samples may be called from any thread without locking.
type Estimator struct {
	hasPrevious     atomic.Bool
	previousArrival atomic.Int64
	estimate        atomic.Int64 // nanoseconds, fixed-point integer
	samples         atomic.Uint64
}

// New returns a zeroed Estimator, equivalent to "previousArrival = none".
func New() *Estimator {
	return &Estimator{}
}

// Update records an arrival at time t (nanoseconds, monotonic) against the
// nominal cycle period T (nanoseconds). The first call only seeds
// previousArrival and does not change the estimate, matching spec.md §3's
// "if previous exists" guard.
func (e *Estimator) Update(t int64, cycleNanos int64) {
	if !e.hasPrevious.Load() {
		e.previousArrival.Store(t)
		e.hasPrevious.Store(true)
		return
	}

	previous := e.previousArrival.Swap(t)
	delta := (t - previous) - cycleNanos
	if delta < 0 {
		delta = -delta
	}

	// estimate += (D - estimate) / 16, per RFC 1889 §6.4.1.
	current := e.estimate.Load()
	next := current + (delta-current)/16
	if next < 0 {
		next = 0
	}
	e.estimate.Store(next)
	e.samples.Add(1)
}

// Estimate returns the current jitter estimate in nanoseconds. Always >= 0.
func (e *Estimator) Estimate() int64 {
	return e.estimate.Load()
}

// Samples returns the number of arrivals folded into the estimate since the
// last Reset; the seeding first arrival is not counted.
func (e *Estimator) Samples() uint64 {
	return e.samples.Load()
}

// Reset clears all state, returning the Estimator to its New condition.
func (e *Estimator) Reset() {
	e.hasPrevious.Store(false)
	e.previousArrival.Store(0)
	e.estimate.Store(0)
	e.samples.Store(0)
}
