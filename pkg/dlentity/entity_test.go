package dlentity

import (
	"testing"
	"time"

	"dlsched/pkg/dlclock"
)

const (
	msec = dlclock.Duration(time.Millisecond)
	base = dlclock.Time(time.Second)
)

func newTestEntity() *Entity {
	return New(4*msec, 10*msec, 10*msec, 0, 1)
}

func TestNewStartsThrottled(t *testing.T) {
	e := newTestEntity()

	if !e.DLThrottled {
		t.Fatal("freshly forked entity must be throttled")
	}

	if e.DLNew {
		t.Fatal("freshly forked entity must not carry dl_new")
	}

	if e.DLBW == 0 {
		t.Fatal("bandwidth must be derived from runtime/deadline")
	}
}

func TestStart(t *testing.T) {
	e := newTestEntity()
	e.DLNew = true

	e.Start(base)

	if e.DeadlineAbs != base+dlclock.Time(10*msec) {
		t.Fatalf("deadline = %d, want now+dl_deadline", e.DeadlineAbs)
	}

	if e.Runtime != int64(4*msec) {
		t.Fatalf("runtime = %d, want full budget", e.Runtime)
	}

	if e.DLNew {
		t.Fatal("Start must clear dl_new")
	}
}

func TestEnqueueUpdate(t *testing.T) {
	t.Run("new instance resets", func(t *testing.T) {
		e := newTestEntity()
		e.DLNew = true

		e.EnqueueUpdate(base)

		if e.DeadlineAbs != base+dlclock.Time(10*msec) || e.Runtime != int64(4*msec) {
			t.Fatalf("dl_new enqueue must behave as instance start, got (%d, %d)", e.DeadlineAbs, e.Runtime)
		}
	})

	t.Run("expired deadline resets", func(t *testing.T) {
		e := newTestEntity()
		e.DeadlineAbs = base - 1
		e.Runtime = int64(2 * msec)

		e.EnqueueUpdate(base)

		if e.DeadlineAbs != base+dlclock.Time(10*msec) || e.Runtime != int64(4*msec) {
			t.Fatal("an expired deadline must be replaced by a fresh instance")
		}
	})

	t.Run("overflowing density resets", func(t *testing.T) {
		e := newTestEntity()
		// 3ms of budget against only 2ms to the deadline: density 1.5,
		// reservation 0.4.
		e.DeadlineAbs = base + dlclock.Time(2*msec)
		e.Runtime = int64(3 * msec)

		e.EnqueueUpdate(base)

		if e.DeadlineAbs != base+dlclock.Time(10*msec) || e.Runtime != int64(4*msec) {
			t.Fatal("overflowing (deadline, runtime) must be discarded")
		}
	})

	t.Run("valid pair preserved", func(t *testing.T) {
		e := newTestEntity()
		e.DeadlineAbs = base + dlclock.Time(9*msec)
		e.Runtime = int64(2 * msec)

		e.EnqueueUpdate(base)

		if e.DeadlineAbs != base+dlclock.Time(9*msec) || e.Runtime != int64(2*msec) {
			t.Fatal("a task that blocked early must keep its advantageous deadline on wake")
		}
	})
}

func TestReplenish(t *testing.T) {
	t.Run("advances whole periods until budget positive", func(t *testing.T) {
		e := newTestEntity()
		e.DeadlineAbs = base + dlclock.Time(50*msec)
		e.Runtime = -int64(5 * msec)

		e.Replenish(base, nil)

		// -5ms + 4ms + 4ms = 3ms, two periods forward.
		if e.Runtime != int64(3*msec) {
			t.Fatalf("runtime = %d, want 3ms", e.Runtime)
		}

		if e.DeadlineAbs != base+dlclock.Time(70*msec) {
			t.Fatalf("deadline = %d, want two periods forward", e.DeadlineAbs)
		}

		if e.Stats.LastRorun != 2 {
			t.Fatalf("last_rorun = %d, want 2", e.Stats.LastRorun)
		}
	})

	t.Run("lagged beyond recovery resets and warns", func(t *testing.T) {
		e := newTestEntity()
		e.DeadlineAbs = base - dlclock.Time(100*msec)
		e.Runtime = -1

		warned := false
		e.Replenish(base, func() { warned = true })

		if !warned {
			t.Fatal("a deadline still in the past after replenishment must warn")
		}

		if e.DeadlineAbs != base+dlclock.Time(10*msec) || e.Runtime != int64(4*msec) {
			t.Fatal("recovery must hand out a fresh instance")
		}
	})
}

func TestUpdateCurr(t *testing.T) {
	t.Run("charges delta", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)
		e.ExecStart = base

		res := e.UpdateCurr(base + dlclock.Time(msec))

		if res.Exhausted {
			t.Fatal("1ms against a 4ms budget must not exhaust")
		}

		if e.Runtime != int64(3*msec) {
			t.Fatalf("runtime = %d, want 3ms", e.Runtime)
		}

		if e.Stats.TotRuntime != msec {
			t.Fatalf("tot_rtime = %d, want 1ms", e.Stats.TotRuntime)
		}
	})

	t.Run("exhaustion throttles", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)
		e.ExecStart = base

		res := e.UpdateCurr(base + dlclock.Time(4*msec))

		if !res.Exhausted || !res.ShouldThrow {
			t.Fatal("consuming the whole budget must exhaust and throttle")
		}
	})

	t.Run("deadline miss charges the overrun forward", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)
		e.ExecStart = base

		// Run 12ms straight: 2ms beyond the 10ms deadline.
		res := e.UpdateCurr(base + dlclock.Time(12*msec))

		if res.MissedBy != 2*msec {
			t.Fatalf("missed_by = %d, want 2ms", res.MissedBy)
		}

		// 4-12 = -8ms, then the 2ms overrun past the deadline on top.
		if e.Runtime != -int64(10*msec) {
			t.Fatalf("runtime = %d, want -10ms", e.Runtime)
		}

		if e.Stats.DmissMax != 2*msec {
			t.Fatalf("dmiss_max = %d, want 2ms", e.Stats.DmissMax)
		}
	})

	t.Run("head entities never throttle", func(t *testing.T) {
		e := New(4*msec, 10*msec, 10*msec, FlagHead, 1)
		e.Start(base)
		e.ExecStart = base

		res := e.UpdateCurr(base + dlclock.Time(8*msec))

		if !res.Exhausted || res.ShouldThrow {
			t.Fatal("HEAD entities bypass CBS throttling")
		}
	})
}

func TestYield(t *testing.T) {
	e := newTestEntity()
	e.Start(base)
	e.ExecStart = base

	res := e.Yield(base + dlclock.Time(msec))

	if !e.DLNew {
		t.Fatal("yield must mark the next activation as a fresh instance")
	}

	if !res.Exhausted || !res.ShouldThrow {
		t.Fatal("yield must drive the throttle path to park on the timer")
	}
}

func TestWaitUntilNextInstance(t *testing.T) {
	t.Run("no target sleeps to next instance start", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)

		wake := e.WaitUntilNextInstance(nil)

		// deadline + period - dl_deadline = base+10ms+10ms-10ms.
		if wake != base+dlclock.Time(10*msec) {
			t.Fatalf("wake = %d, want start of next instance", wake)
		}

		if !e.DLNew {
			t.Fatal("wait must mark dl_new")
		}
	})

	t.Run("early target postponed while bandwidth holds", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)
		e.Runtime = int64(msec)

		target := base + dlclock.Time(2*msec)
		wake := e.WaitUntilNextInstance(&target)

		// deadline - runtime*period/dl_runtime = base+10ms - 2.5ms.
		want := base + dlclock.Time(10*msec) - dlclock.Time(2500*dlclock.Duration(time.Microsecond))
		if wake != want {
			t.Fatalf("wake = %d, want %d", wake, want)
		}
	})

	t.Run("overflowing target honored literally", func(t *testing.T) {
		e := newTestEntity()
		e.Start(base)
		// Full budget close to the deadline: any earlier reuse overflows.
		e.DeadlineAbs = base + dlclock.Time(2*msec)

		target := base + dlclock.Time(msec)
		wake := e.WaitUntilNextInstance(&target)

		if wake != target {
			t.Fatalf("wake = %d, want the caller's target", wake)
		}
	})
}

func TestBoostAffectsOnlyOverflowCheck(t *testing.T) {
	e := newTestEntity()
	// 3ms budget with 5ms to the deadline: density 0.6 overflows the own
	// reservation 4/10 but fits a boosted (waiter's) 4ms relative deadline
	// reservation of 1.0.
	e.DeadlineAbs = base + dlclock.Time(5*msec)
	e.Runtime = int64(3 * msec)

	plain := *e
	plain.EnqueueUpdate(base)
	if plain.DeadlineAbs == base+dlclock.Time(5*msec) {
		t.Fatal("without boost the pair must be discarded as overflowing")
	}

	e.Boost(4 * msec)
	if !e.Boosted() {
		t.Fatal("boost must be observable")
	}

	e.EnqueueUpdate(base)
	if e.DeadlineAbs != base+dlclock.Time(5*msec) || e.Runtime != int64(3*msec) {
		t.Fatal("with the waiter's relative deadline the pair must be preserved")
	}

	e.Boost(0)
	if e.Boosted() {
		t.Fatal("zero relative deadline must clear the boost")
	}
}

func TestBandwidth(t *testing.T) {
	half := NewBandwidth(5, 10)
	if got := half.Float64(); got < 0.49 || got > 0.51 {
		t.Fatalf("5/10 bandwidth = %f, want 0.5", got)
	}

	if NewBandwidth(5, 0) != 0 {
		t.Fatal("zero deadline must yield zero bandwidth")
	}

	sum := half.Add(half)
	if got := sum.Float64(); got < 0.99 || got > 1.01 {
		t.Fatalf("sum = %f, want 1.0", got)
	}

	if sum.Sub(half) != half {
		t.Fatal("subtracting a component must restore the remainder")
	}

	if half.Sub(sum) != 0 {
		t.Fatal("withdrawal beyond the total must clamp at zero")
	}
}
