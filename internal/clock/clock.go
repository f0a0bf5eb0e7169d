// Package clock lets timer-driven code run against real or fake time.
//
// Production code takes a Clock and uses Real(). Tests use Fake(), which
// only moves when Advance is called; WaitForTimers blocks until a goroutine
// has registered its timer, so tests never race timer registration.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or inside Advance (fake) once d elapses.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTimer returns a Timer whose C receives once d elapses.
	NewTimer(d time.Duration) *Timer
}

// Timer is a single scheduled event. C is nil for AfterFunc timers.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false if the timer already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{C: timer.C, stopFunc: timer.Stop}
}
