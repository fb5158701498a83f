// Package dltimer implements the per-entity one-shot replenishment timer:
// an absolute-mode timer whose callback re-enqueues a throttled
// task and clears its throttle flag. The firing mechanism is injectable
// (Scheduler) so the simulation core never depends on wall-clock time;
// production wiring uses the stdlib time.AfterFunc-backed scheduler.
package dltimer

import (
	"sync"
	"time"

	"dlsched/pkg/dlclock"
)

// Canceler stops a previously scheduled callback.
type Canceler interface {
	Stop() bool
}

// Scheduler arms a one-shot callback after a relative delay. Production code
// uses RealScheduler; tests use a simulated-clock scheduler that advances on
// demand instead of sleeping.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Canceler
}

// RealScheduler backs Timer with the stdlib monotonic timer wheel.
type RealScheduler struct{}

// AfterFunc schedules f to run after d using time.AfterFunc.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Canceler {
	return time.AfterFunc(d, f)
}

// Timer is a per-entity scoped one-shot timer. The zero value is not usable;
// use New. Its lifetime is bound to the owning entity: Cancel must be called
// synchronously on task death, with no rq lock held.
type Timer struct {
	sched Scheduler

	mu     sync.Mutex
	active Canceler
	armed  bool
}

// New constructs a Timer that arms callbacks via sched.
func New(sched Scheduler) *Timer {
	if sched == nil {
		sched = RealScheduler{}
	}
	return &Timer{sched: sched}
}

// Start arms the timer to fire at the entity's absolute deadline, expressed
// in the rq clock domain, adjusted for the skew between that clock and the
// timer subsystem's own clock (timerNow - rqNow). If the
// adjusted instant has already passed, the timer is not armed and Start
// returns false: the caller must re-enqueue immediately via the replenish
// path instead.
func (t *Timer) Start(deadline, rqNow dlclock.Time, timerNow time.Time, cb func()) bool {
	skew := timerNow.UnixNano() - int64(rqNow)
	adjusted := int64(deadline) + skew
	delay := adjusted - timerNow.UnixNano()
	if delay <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = t.sched.AfterFunc(time.Duration(delay), t.wrap(cb))
	t.armed = true
	return true
}

// Cancel stops a pending firing. It is safe to call on an unarmed timer.
// Returns true iff a pending firing was actually stopped before it ran.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || t.active == nil {
		return false
	}
	stopped := t.active.Stop()
	t.active = nil
	t.armed = false
	return stopped
}

// Armed reports whether a firing is currently pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// fired marks the timer disarmed without attempting to stop it; called by
// the callback wrapper once it has actually run.
func (t *Timer) fired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.active = nil
}

// wrap wraps cb so the timer's armed bookkeeping clears on fire, even though
// the timer never restarts itself.
func (t *Timer) wrap(cb func()) func() {
	return func() {
		t.fired()
		cb()
	}
}
