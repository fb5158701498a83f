// Package dlentity implements the CBS (Constant Bandwidth Server) per-task
// timing record: budget and deadline bookkeeping, the throttle flag, and the
// replenishment arithmetic.
package dlentity

import "dlsched/pkg/dlclock"

// Flags is the small enumerated bitset controlling reclaiming behavior and
// the HEAD marker.
type Flags uint8

const (
	// FlagHead gives the entity strict priority over every non-HEAD deadline
	// entity and exempts it from CBS throttling entirely.
	FlagHead Flags = 1 << iota
	// FlagBWReclDL marks the entity as never-throttle-within-class: instead
	// of throttling on overrun it is allowed to keep running (reclaiming).
	FlagBWReclDL
	// FlagBWReclRT downgrades the entity to the real-time class on throttle.
	FlagBWReclRT
	// FlagBWReclNR downgrades the entity to the fair class on throttle.
	FlagBWReclNR
)

// Head reports whether the HEAD flag is set.
func (f Flags) Head() bool { return f&FlagHead != 0 }

// ReclaimsDeadline reports whether overruns should never throttle.
func (f Flags) ReclaimsDeadline() bool { return f&FlagBWReclDL != 0 }

// EntityStats carries the per-entity observable counters. These are
// informational only: nothing in this package reads them back to make a
// scheduling decision.
type EntityStats struct {
	TotRuntime dlclock.Duration // cumulative CPU time ever consumed
	LastDmiss  dlclock.Duration // most recent deadline-miss overrun, if any
	DmissMax   dlclock.Duration
	LastRorun  dlclock.Duration // most recent replenish-overrun (periods skipped)
	RorunMax   dlclock.Duration
}

// piBoost is the priority-inheritance view: while boosted, the overflow
// test in EnqueueUpdate/Replenish uses the waiter's
// (smaller) relative deadline in place of the entity's own. The entity's own
// parameters, and the tree comparator key, are never substituted.
type piBoost struct {
	active      bool
	relDeadline dlclock.Duration
}

// Entity is the per-task deadline scheduling record.
type Entity struct {
	// Declared parameters, immutable between explicit parameter updates.
	DLRuntime  dlclock.Duration
	DLDeadline dlclock.Duration
	DLPeriod   dlclock.Duration
	DLBW       Bandwidth

	Flags Flags

	// Runtime is the remaining budget for the current instance. It may go
	// transiently negative (an overrun charged past zero).
	Runtime int64

	// DeadlineAbs is the current absolute deadline, in the monotonic-clock
	// domain, wrap-safe per pkg/dlclock.
	DeadlineAbs dlclock.Time

	// DLNew forces a deadline/budget reset on the next enqueue.
	DLNew bool

	// DLThrottled is set iff this entity is suspended awaiting replenishment.
	// While set, the entity must not be present in any ready tree (inv. 1).
	DLThrottled bool

	// NRCPUsAllowed caches the cardinality of the task's CPU affinity mask.
	NRCPUsAllowed int

	// ExecStart is the rq clock reading at which this entity was last
	// dispatched onto a CPU; update_curr charges now-ExecStart.
	ExecStart dlclock.Time

	Stats EntityStats

	boost piBoost
}

// New constructs a throttled entity from declared parameters, as on fork
// mirroring the kernel convention that a forked task owes a parameter
// installation before it may run.
func New(runtime, deadline, period dlclock.Duration, flags Flags, nrCPUsAllowed int) *Entity {
	return &Entity{
		DLRuntime:     runtime,
		DLDeadline:    deadline,
		DLPeriod:      period,
		DLBW:          NewBandwidth(runtime, deadline),
		Flags:         flags,
		DLNew:         false,
		DLThrottled:   true,
		NRCPUsAllowed: nrCPUsAllowed,
	}
}

// Boost installs a priority-inheritance view using the waiter's relative
// deadline. Pass 0 to clear it.
func (e *Entity) Boost(relDeadline dlclock.Duration) {
	if relDeadline == 0 {
		e.boost = piBoost{}
		return
	}
	e.boost = piBoost{active: true, relDeadline: relDeadline}
}

// Boosted reports whether a PI boost is currently installed.
func (e *Entity) Boosted() bool { return e.boost.active }

// overflowDeadline is the relative deadline the overflow predicate in
// EnqueueUpdate/Replenish should use: the boosted (waiter's) one if active,
// else the entity's own. The tree comparator key (DeadlineAbs) never uses
// this; only the overflow test does. The asymmetry is deliberate.
func (e *Entity) overflowDeadline() dlclock.Duration {
	if e.boost.active {
		return e.boost.relDeadline
	}
	return e.DLDeadline
}

// Start begins a brand-new instance: full budget, deadline one relative
// deadline out from now.
func (e *Entity) Start(now dlclock.Time) {
	e.DeadlineAbs = now + dlclock.Time(e.DLDeadline)
	e.Runtime = int64(e.DLRuntime)
	e.DLNew = false
}

// EnqueueUpdate is called on every (re-)entry into a ready tree that isn't
// a brand-new instance and isn't the timer's replenish path (those are
// handled by Start and Replenish respectively). If the current
// (deadline, runtime) pair is no longer valid, expired or
// bandwidth-overflowing, it is discarded for a fresh instance; otherwise it
// is preserved so that a task that blocks early keeps its earlier deadline.
func (e *Entity) EnqueueUpdate(now dlclock.Time) {
	if e.DLNew {
		e.Start(now)
		return
	}
	if e.Runtime <= 0 ||
		dlclock.Before(e.DeadlineAbs, now) ||
		dlclock.Overflows(now, e.DeadlineAbs, dlclock.Duration(e.Runtime), e.DLRuntime, e.overflowDeadline()) {
		e.Start(now)
	}
}

// Replenish is the throttled-task wakeup path. It advances the deadline by
// whole periods, adding back a full runtime budget
// each time, until the remaining budget is positive again. If the advanced
// deadline is still in the past the task has fallen behind beyond recovery
// and is given a fresh instance instead; warn reports that degradation.
func (e *Entity) Replenish(now dlclock.Time, warn func()) {
	periods := dlclock.Duration(0)
	for e.Runtime <= 0 {
		e.DeadlineAbs += dlclock.Time(e.DLPeriod)
		e.Runtime += int64(e.DLRuntime)
		periods++
	}
	if periods > e.Stats.RorunMax {
		e.Stats.RorunMax = periods
	}
	e.Stats.LastRorun = periods

	if dlclock.Before(e.DeadlineAbs, now) {
		if warn != nil {
			warn()
		}
		e.Start(now)
	}
}

// UpdateResult reports the outcome of UpdateCurr so callers (pkg/dlrq) know
// whether to dequeue the entity and arm the replenishment timer.
type UpdateResult struct {
	Charged     dlclock.Duration
	Exhausted   bool // runtime <= 0 or deadline passed: dequeue + arm timer
	MissedBy    dlclock.Duration
	ShouldThrow bool // Exhausted && not HEAD && not reclaiming
}

// UpdateCurr is the bandwidth-accounting entry point, run on every tick,
// voluntary yield, dequeue, and put-previous. It charges delta =
// now-execStart against the remaining budget. On exhaustion, overruns beyond
// the deadline are charged forward to the next instance (dmiss handling).
func (e *Entity) UpdateCurr(now dlclock.Time) UpdateResult {
	delta := dlclock.Duration(now - e.ExecStart)
	e.Stats.TotRuntime += delta
	e.Runtime -= int64(delta)

	exhausted := e.Runtime <= 0 || dlclock.Before(e.DeadlineAbs, now)
	if !exhausted {
		return UpdateResult{Charged: delta}
	}

	var missedBy dlclock.Duration
	if dlclock.Before(e.DeadlineAbs, now) {
		missedBy = dlclock.Duration(now - e.DeadlineAbs)
		if e.Runtime > 0 {
			e.Runtime = 0
		}
		e.Runtime -= int64(missedBy)
		if missedBy > e.Stats.DmissMax {
			e.Stats.DmissMax = missedBy
		}
		e.Stats.LastDmiss = missedBy
	}

	shouldThrottle := !e.Flags.Head() && !e.Flags.ReclaimsDeadline()
	return UpdateResult{
		Charged:     delta,
		Exhausted:   true,
		MissedBy:    missedBy,
		ShouldThrow: shouldThrottle,
	}
}

// Yield forces the task to sleep until the start of its
// next instance with a fresh budget. Zeroing runtime and marking dl_new
// drives the normal exhaustion path in UpdateCurr, which arms the timer;
// when the timer fires, Replenish plus dl_new on the next enqueue produces a
// full fresh instance.
func (e *Entity) Yield(now dlclock.Time) UpdateResult {
	e.DLNew = true
	e.Runtime = 0
	return e.UpdateCurr(now)
}

// WaitUntilNextInstance computes the deepest sleep
// instant compatible with waking up with a full fresh budget, given an
// optional absolute target t. Returns the absolute wake instant and sets
// dl_new so the next enqueue starts a fresh instance.
func (e *Entity) WaitUntilNextInstance(t *dlclock.Time) dlclock.Time {
	var wake dlclock.Time
	if t == nil {
		wake = e.DeadlineAbs + dlclock.Time(e.DLPeriod) - dlclock.Time(e.DLDeadline)
	} else {
		if dlclock.Before(*t, e.DeadlineAbs) &&
			!dlclock.Overflows(*t, e.DeadlineAbs, dlclock.Duration(e.Runtime), e.DLRuntime, e.overflowDeadline()) {
			// Reusing (deadline, runtime) at *t would not overflow: postpone
			// the wake to the latest instant where a fresh instance is still
			// unavoidable, rather than the caller-supplied t.
			scaled := dlclock.Duration(0)
			if e.DLRuntime != 0 {
				scaled = dlclock.Duration((uint64(e.Runtime) * uint64(e.DLPeriod)) / uint64(e.DLRuntime))
			}
			wake = e.DeadlineAbs - dlclock.Time(scaled)
		} else {
			wake = *t
		}
	}
	e.DLNew = true
	return wake
}
