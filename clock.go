package mcpx

import "time"

// Clock is the time source and scheduler used for request timeouts, reconnect
// delays and the idle watchdog. Tests substitute a manual implementation.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f on its own goroutine once d has elapsed, unless the returned
	// Timer is stopped first.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the callback
	// already ran or the timer was already stopped.
	Stop() bool
}

// SystemClock is the Clock backed by the time package.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
