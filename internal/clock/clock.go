package clock

import (
	"context"
	"time"
)

// Clock abstracts the time functions used by the coordination loops so they
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns clk, or Real when clk is nil.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// SleepContext waits for d on clk. It returns false when ctx ended first.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-Or(clk).After(d):
		return true
	}
}
