package sched

import (
	"time"

	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlentity"
	"dlsched/pkg/dlrq"
	"dlsched/pkg/dltimer"
)

// Workload describes what a simulated task actually does with the CPU within
// each released instance. The scheduler never sees this; it only sees the
// enqueue/dequeue/tick traffic the workload produces.
type Workload struct {
	// Demand is the CPU time the task really wants per release. Zero means
	// the task never finishes on its own (a pure CPU hog).
	Demand dlclock.Duration
	// ReleasePeriod is the interval between releases. Zero means a single
	// release.
	ReleasePeriod dlclock.Duration
	// YieldAfter, when nonzero, makes the task yield voluntarily once it has
	// executed this much inside an instance.
	YieldAfter dlclock.Duration
}

// SimTask couples a scheduled task with its workload model and the
// measurements scenario verdicts are written against.
type SimTask struct {
	Task     *dlrq.Task
	Workload Workload

	// Wakes records every instant the task entered a ready tree from sleep:
	// releases and post-yield replenishment wakeups alike.
	Wakes []dlclock.Time
	// Completions records the instant each finished instance completed.
	Completions []dlclock.Time
	// Misses counts instances that completed after their absolute deadline.
	Misses int
	// Throttles counts transitions into the CBS-throttled state.
	Throttles int
	// ReplenishDeadlines records the absolute deadline observed after each
	// throttle ended.
	ReplenishDeadlines []dlclock.Time
	// WakeRuntimes and WakeDeadlines record the entity's budget and absolute
	// deadline at each post-yield wakeup.
	WakeRuntimes  []int64
	WakeDeadlines []dlclock.Time

	execInRelease dlclock.Duration
	nextRelease   dlclock.Time
	yielded       bool
	wasThrottled  bool
	dead          bool
}

// simEpoch keeps the virtual clock away from zero, which the runqueue
// earliest-deadline bookkeeping uses as its "none" sentinel.
const simEpoch = dlclock.Time(time.Second)

// Simulator drives a Class deterministically over virtual time, standing in
// for the generic scheduler core: it delivers ticks, wakeups, schedule points
// and timer firings in a fixed order so runs are exactly reproducible.
type Simulator struct {
	Class  *Class
	Timers *dltimer.SimScheduler
	Tick   dlclock.Duration

	epoch       dlclock.Time
	now         dlclock.Time
	tasks       []*SimTask
	pullPending []bool
	nextID      int
}

// NewSimulator constructs a simulator over ncpu CPUs stepping in tick-sized
// quanta of virtual time.
func NewSimulator(ncpu int, tick dlclock.Duration) *Simulator {
	s := &Simulator{
		Tick:        tick,
		epoch:       simEpoch,
		now:         simEpoch,
		pullPending: make([]bool, ncpu),
	}
	s.Timers = dltimer.NewSimScheduler(int64(simEpoch))
	s.Class = New(ncpu,
		func() dlclock.Time { return s.now },
		s.Timers.NowTime,
		s.Timers,
		nil)
	s.Class.SetClocks(s.now)
	return s
}

// Now returns the current virtual instant.
func (s *Simulator) Now() dlclock.Time { return s.now }

// At converts a scenario-relative offset into an absolute virtual instant.
func (s *Simulator) At(offset dlclock.Duration) dlclock.Time {
	return s.epoch + dlclock.Time(offset)
}

// Since converts an absolute virtual instant back to a scenario-relative
// offset.
func (s *Simulator) Since(t dlclock.Time) dlclock.Duration {
	return dlclock.Duration(t - s.epoch)
}

// AddTask forks a deadline task, installs its parameters, and schedules its
// first release at offset start. The task sleeps until then.
func (s *Simulator) AddTask(
	runtime, deadline, period dlclock.Duration,
	flags dlentity.Flags,
	nrCPUsAllowed, cpu int,
	start dlclock.Duration,
	w Workload,
) *SimTask {
	id := s.nextID
	s.nextID++

	task := s.Class.TaskFork(id, runtime, deadline, period, flags, nrCPUsAllowed, cpu)
	// Parameter installation unthrottles the forked entity and marks the
	// first activation as a brand-new instance.
	task.Entity.DLThrottled = false
	task.Entity.DLNew = true
	task.Entity.DeadlineAbs = s.At(start) + dlclock.Time(deadline)
	task.Blocked = true

	st := &SimTask{Task: task, Workload: w, nextRelease: s.At(start)}
	s.tasks = append(s.tasks, st)
	return st
}

// Kill removes a task mid-simulation, the task-death path: dequeue if ready,
// withdraw bandwidth, cancel the replenishment timer with no rq lock held.
func (s *Simulator) Kill(st *SimTask) {
	if st.dead {
		return
	}
	if st.Task.Enqueued() {
		cpu := st.Task.CPU
		s.Class.Dequeue(st.Task)
		s.pullPending[cpu] = true
	}
	st.dead = true
	s.Class.TaskDead(st.Task)
}

// SwitchAwayFromClass models the task leaving the deadline class:
// same teardown as death from this class's point of view, performed while the
// task may still be throttled with its timer armed.
func (s *Simulator) SwitchAwayFromClass(st *SimTask) {
	cpu := st.Task.CPU
	s.Kill(st)
	s.Class.SwitchedFrom(cpu)
}

// RunFor advances the simulation by total virtual time.
func (s *Simulator) RunFor(total dlclock.Duration) {
	end := s.now + dlclock.Time(total)
	for dlclock.Before(s.now, end) {
		s.step()
	}
}

// step processes all events due at the current instant, then lets every CPU
// run its dispatched task for one tick.
func (s *Simulator) step() {
	s.Timers.AdvanceTo(int64(s.now))
	s.observe()
	s.wakeDue()
	for cpu := 0; cpu < s.Class.NCPU(); cpu++ {
		s.dispatchCPU(cpu)
	}

	s.now += dlclock.Time(s.Tick)
	s.Class.SetClocks(s.now)
	// Move the timer clock together with the rq clocks, so a replenishment
	// timer armed while charging sees no skew between the two.
	s.Timers.AdvanceTo(int64(s.now))
	for cpu := 0; cpu < s.Class.NCPU(); cpu++ {
		s.chargeCPU(cpu)
	}
	s.observe()
}

// wakeDue releases every sleeping task whose release instant has arrived,
// running the wakeup CPU-selection path before enqueueing.
func (s *Simulator) wakeDue() {
	for _, st := range s.tasks {
		if st.dead || !st.Task.Blocked || st.Task.Entity.DLThrottled {
			continue
		}
		if dlclock.After(st.nextRelease, s.now) {
			continue
		}
		st.Task.Blocked = false
		st.Task.CPU = s.Class.SelectTaskRQ(st.Task, st.Task.CPU)
		s.Class.Enqueue(st.Task, false)
		s.Class.TaskWoken(st.Task)
		st.Wakes = append(st.Wakes, s.now)
		st.execInRelease = 0
	}
}

// dispatchCPU emulates one schedule point: put the previous task back, pull
// if a deadline task just left this CPU, pick by EDF, then push.
func (s *Simulator) dispatchCPU(cpu int) {
	rq := s.Class.RQ(cpu)
	rq.Mu.Lock()
	prev := rq.Current()
	leftmost := rq.PickNext()
	rq.Mu.Unlock()

	if prev != nil && prev == leftmost && !s.pullPending[cpu] {
		return // no switch needed; keep running
	}

	prevWasDeadline := prev != nil || s.pullPending[cpu]
	s.pullPending[cpu] = false

	if prev != nil {
		s.Class.PutPrevTask(cpu, prev)
	}
	s.Class.PreSchedule(cpu, prevWasDeadline)
	s.Class.PickNext(cpu)
	s.Class.PostSchedule(cpu)
}

// chargeCPU accounts one tick of execution to the task dispatched on cpu and
// applies the workload model's reaction (yield, instance completion).
func (s *Simulator) chargeCPU(cpu int) {
	rq := s.Class.RQ(cpu)
	rq.Mu.Lock()
	curr := rq.Current()
	rq.Mu.Unlock()
	if curr == nil {
		return
	}

	st := s.byTask(curr)
	if st == nil {
		return
	}
	st.execInRelease += s.Tick
	s.Class.TaskTick(cpu, curr)

	if curr.Entity.DLThrottled {
		s.pullPending[cpu] = true
		return
	}

	switch {
	case st.Workload.YieldAfter > 0 && !st.yielded && st.execInRelease >= st.Workload.YieldAfter:
		st.yielded = true
		s.Class.Yield(curr)
		s.pullPending[cpu] = true
	case st.Workload.Demand > 0 && st.execInRelease >= st.Workload.Demand:
		if dlclock.Before(curr.Entity.DeadlineAbs, s.now) {
			st.Misses++
		}
		st.Completions = append(st.Completions, s.now)
		s.Class.Dequeue(curr)
		curr.Blocked = true
		st.execInRelease = 0
		if st.Workload.ReleasePeriod > 0 {
			st.nextRelease += dlclock.Time(st.Workload.ReleasePeriod)
		} else {
			st.nextRelease = ^dlclock.Time(0) >> 1 // never again
		}
		s.pullPending[cpu] = true
	}
}

// observe records throttle transitions and post-yield wakeups, which happen
// inside the class rather than through the workload model.
func (s *Simulator) observe() {
	for _, st := range s.tasks {
		if st.dead {
			continue
		}
		throttled := st.Task.Entity.DLThrottled
		if throttled && !st.wasThrottled {
			st.Throttles++
			st.wasThrottled = true
		}
		if !throttled && st.wasThrottled {
			st.wasThrottled = false
			st.ReplenishDeadlines = append(st.ReplenishDeadlines, st.Task.Entity.DeadlineAbs)
		}
		if st.yielded && !throttled && st.Task.Enqueued() {
			st.yielded = false
			st.Wakes = append(st.Wakes, s.now)
			st.WakeRuntimes = append(st.WakeRuntimes, st.Task.Entity.Runtime)
			st.WakeDeadlines = append(st.WakeDeadlines, st.Task.Entity.DeadlineAbs)
			st.execInRelease = 0
		}
	}
}

func (s *Simulator) byTask(task *dlrq.Task) *SimTask {
	for _, st := range s.tasks {
		if st.Task == task {
			return st
		}
	}
	return nil
}
