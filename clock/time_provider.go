// Package clock provides the time source and the deferred task queue used by
// the peer connection layer.
//
// Everything that reads the clock goes through a TimeProvider so that tests
// can drive connection attempts and simultaneous-open delays deterministically.
package clock

import "time"

// TimeProvider supplies the wall clock read by the attempt scheduler, the
// ticker that drives the roster and the timers behind deferred dials and
// STUN timeouts.
type TimeProvider interface {
	// Now is compared against each peer's next attempt time.
	Now() time.Time
	// NewTicker paces roster ticks.
	NewTicker(d time.Duration) *time.Ticker
	// NewTimer wakes the event loop for the earliest deferred task.
	NewTimer(d time.Duration) *time.Timer
}

// RealTimeProvider reads the system clock.
type RealTimeProvider struct{}

func (RealTimeProvider) Now() time.Time { return time.Now() }

func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

// Default returns tp if non-nil, otherwise the real clock.
func Default(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}
