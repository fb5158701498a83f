package dltimer

import (
	"sync"
	"time"
)

// SimScheduler is a virtual-clock Scheduler for deterministic scenario replay
// and tests: armed callbacks fire when Advance crosses their target instant
// instead of when wall time passes. The zero value is ready to use at virtual
// instant 0; NewSimScheduler picks an explicit epoch.
type SimScheduler struct {
	mu      sync.Mutex
	now     int64
	pending []*simTimer
}

type simTimer struct {
	sched   *SimScheduler
	at      int64
	fn      func()
	stopped bool
	fired   bool
}

// NewSimScheduler constructs a SimScheduler whose virtual clock starts at
// epoch nanoseconds.
func NewSimScheduler(epoch int64) *SimScheduler {
	return &SimScheduler{now: epoch}
}

// Now returns the current virtual instant in nanoseconds.
func (s *SimScheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// NowTime returns the virtual instant as a time.Time, for wiring into
// components that expect a wall-clock source.
func (s *SimScheduler) NowTime() time.Time {
	return time.Unix(0, s.Now())
}

// AfterFunc arms f to fire once the virtual clock reaches now+d.
func (s *SimScheduler) AfterFunc(d time.Duration, f func()) Canceler {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &simTimer{sched: s, at: s.now + int64(d), fn: f}
	s.pending = append(s.pending, t)
	return t
}

// Stop cancels the pending firing. Reports whether the callback was stopped
// before it ran, matching time.Timer.Stop semantics.
func (t *simTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// AdvanceTo moves the virtual clock forward to target, firing every due
// callback in timestamp order. Callbacks run outside the scheduler's own
// lock (they are expected to acquire runqueue locks themselves, per the
// replenishment timer contract) and observe Now() equal to their own firing
// instant, so re-arming from inside a callback behaves as on real hardware.
func (s *SimScheduler) AdvanceTo(target int64) {
	for {
		s.mu.Lock()
		var next *simTimer
		for _, t := range s.pending {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		if next.at > s.now {
			s.now = next.at
		}
		s.mu.Unlock()

		next.fn()
	}
}

// Advance moves the virtual clock forward by d.
func (s *SimScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now() + int64(d))
}
