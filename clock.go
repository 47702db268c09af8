package kiosk

import "time"

// Timer is a cancellable scheduled task armed through a Clock.
type Timer interface {
	// Stop cancels the timer; it reports whether the call prevented the
	// timer from firing.
	Stop() bool
}

// Clock abstracts time so the deferred-hangup timer is testable against a
// virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the wall clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}
