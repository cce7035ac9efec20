// Package timing provides the clock used for every timer, ticker and
// timestamp in corral so tests can drive time by hand.
package timing

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source used across the supervisor
type Clock = clock.Clock

// Mock is a manually advanced clock for tests
type Mock = clock.Mock

// Timer is a clock-owned timer
type Timer = clock.Timer

// Ticker is a clock-owned ticker
type Ticker = clock.Ticker

// New returns the wall clock
func New() Clock {
	return clock.New()
}

// NewMock returns a mock clock set to the Unix epoch
func NewMock() *Mock {
	return clock.NewMock()
}

// OrDefault returns c, or the wall clock when c is nil
func OrDefault(c Clock) Clock {
	if c == nil {
		return New()
	}
	return c
}

// Uptime is the time elapsed since start, or zero when start is unset
func Uptime(c Clock, start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return c.Since(start)
}
