// Package timing provides monotonic deadline primitives for protocol
// timing that must hold to single-digit-millisecond accuracy regardless
// of host OS timer granularity.
package timing

import (
	"runtime"
	"time"
)

// Clock abstracts the monotonic time source so tests can inject a fake
// clock instead of depending on wall time. Never call time.Now directly
// from protocol code; take a Clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// spinThreshold is the point below which SleepUntil never calls
// time.Sleep, since most host schedulers cannot wake a sleeper with
// sub-millisecond accuracy.
const spinThreshold = 15 * time.Millisecond

// Config tunes the hybrid sleep+spin policy.
type Config struct {
	// MinSpinUs is the remaining-time threshold below which the spin
	// loop stops yielding the processor and busy-waits tightly.
	MinSpinUs int
	// SleepSlackMs is how much earlier than the deadline time.Sleep is
	// asked to wake, leaving the remainder to the spin loop.
	SleepSlackMs int
}

// DefaultConfig is the tuning that suits stock OS schedulers.
func DefaultConfig() Config {
	return Config{MinSpinUs: 500, SleepSlackMs: 2}
}

// SleepUntil blocks the caller until clock crosses deadline. Deadlines
// under 15ms are pure busy-wait; longer waits sleep to
// deadline-SleepSlackMs then spin the remainder, since the default
// Windows timer (and many Linux configurations) cannot deliver sub-ms
// sleep accuracy.
func SleepUntil(clock Clock, deadline time.Time, cfg Config) {
	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return
		}
		if remaining < spinThreshold {
			spin(clock, deadline, cfg)
			return
		}
		slack := time.Duration(cfg.SleepSlackMs) * time.Millisecond
		time.Sleep(remaining - slack)
	}
}

func spin(clock Clock, deadline time.Time, cfg Config) {
	minSpin := time.Duration(cfg.MinSpinUs) * time.Microsecond
	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return
		}
		if remaining > minSpin {
			runtime.Gosched()
		}
	}
}

// Deadline computes a deadline d duration from now according to clock.
func Deadline(clock Clock, d time.Duration) time.Time {
	return clock.Now().Add(d)
}
