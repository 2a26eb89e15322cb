// Package clock is the sole source of "time has passed" for the core.
// Every suspending wait (ticks, one-shot quota timers, agent-round
// deadlines) goes through a clockwork.Clock so tests can advance time
// deterministically instead of sleeping.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is re-exported so callers depend on this package, not clockwork
// directly, matching the teacher's habit of wrapping third-party seams
// behind a package boundary (see factory/git.WorktreeManager wrapping
// os/exec).
type Clock = clockwork.Clock

// New returns the real wall-clock implementation.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock pinned at the given time, for tests that
// need to assert exact scheduling behavior (interval ticks, DST
// transitions, quota back-off expiry).
func NewFake(at time.Time) clockwork.FakeClock {
	return clockwork.NewFakeClockAt(at)
}

// Timer is a one-shot alarm armed for a specific absolute time. It is the
// building block for the Wake Scheduler's quota back-off timer (§4.5) and
// the Iteration Engine's per-round deadline (§4.6).
type Timer struct {
	clock Clock
	c     clockwork.Timer
}

// NewTimer arms a one-shot timer that fires at the given absolute time.
// If the time has already passed, it fires immediately.
func NewTimer(c Clock, at time.Time) *Timer {
	d := at.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	return &Timer{clock: c, c: c.NewTimer(d)}
}

// Chan returns the channel that receives a value when the timer fires.
func (t *Timer) Chan() <-chan time.Time {
	return t.c.Chan()
}

// Stop cancels the timer. Safe to call after the timer has fired.
func (t *Timer) Stop() bool {
	return t.c.Stop()
}
