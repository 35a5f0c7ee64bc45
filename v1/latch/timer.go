package latch

import "time"

// Timer is a handle to a scheduled callback. Stop cancels the callback if it
// has not fired yet; stopping a fired timer is a harmless no-op.
type Timer interface {
	Stop() bool
}

// Scheduler schedules one-shot callbacks. The default implementation wraps
// time.AfterFunc; tests substitute a manual scheduler to drive hold timeouts
// deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() bool { return t.t.Stop() }
