// Package sched assembles pkg/dlrq, pkg/domain, pkg/balance, pkg/dlentity
// and pkg/dltimer into Class, the deadline scheduling class's hook table as
// consumed by a generic scheduler core. Callers drive scheduling through its
// exported methods; RQ exposes a CPU's runqueue for inspection under that
// runqueue's Mu.
package sched

import (
	"sync"
	"time"

	"dlsched/pkg/balance"
	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlentity"
	"dlsched/pkg/dlrq"
	"dlsched/pkg/dltimer"
	"dlsched/pkg/dltree"
	"dlsched/pkg/domain"
)

// Clock supplies the rq-clock domain's current instant. Production wiring
// reads a monotonic wall clock; scenario replay (cmd/dlsim -scenario) and
// tests inject a virtual clock so runs are deterministic.
type Clock func() dlclock.Time

// WarnFunc is called when a replenishment has fallen behind beyond recovery
// and the task was reset with a fresh instance, silently degrading its
// real-time guarantee. The scheduling core stays logger-free; New installs
// a no-op when warn is nil, which is what NewSimulator passes.
type WarnFunc func(taskID int)

// Class is the deadline scheduling class: the assembled hook table covering
// every CPU in one root domain.
type Class struct {
	mu sync.Mutex // protects the task registry only; rq state uses dlrq.RunQueue.Mu

	sys      *balance.System
	now      Clock
	timerNow func() time.Time
	timerSch dltimer.Scheduler
	warn     WarnFunc

	tasks map[int]*dlrq.Task
}

// New constructs a Class spanning ncpu CPUs. now supplies the rq-clock
// domain; timerNow supplies the (possibly different) timer subsystem clock
// used to compute the arming skew; timerSch arms replenishment
// callbacks; warn is invoked on silent replenish degradation.
func New(ncpu int, now Clock, timerNow func() time.Time, timerSch dltimer.Scheduler, warn WarnFunc) *Class {
	if warn == nil {
		warn = func(int) {}
	}
	return &Class{
		sys:      balance.New(domain.New(ncpu)),
		now:      now,
		timerNow: timerNow,
		timerSch: timerSch,
		warn:     warn,
		tasks:    make(map[int]*dlrq.Task),
	}
}

// Domain exposes the shared root domain (admission/overload state).
func (c *Class) Domain() *domain.Domain { return c.sys.Domain }

// NCPU returns the number of CPUs this class covers.
func (c *Class) NCPU() int { return len(c.sys.RQs) }

// RQ returns the runqueue owning cpu. Callers reading mutable rq state must
// take its Mu themselves.
func (c *Class) RQ(cpu int) *dlrq.RunQueue { return c.sys.RQs[cpu] }

// NRTasks returns the number of registered (alive) deadline tasks.
func (c *Class) NRTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// SetClocks advances every CPU's rq clock to now. The host calls this before
// driving any hook, the way the kernel's scheduler core updates rq->clock on
// entry.
func (c *Class) SetClocks(now dlclock.Time) {
	for _, rq := range c.sys.RQs {
		rq.Mu.Lock()
		rq.SetClock(now)
		rq.Mu.Unlock()
	}
}

func (c *Class) rqFor(task *dlrq.Task) *dlrq.RunQueue { return c.sys.RQs[task.CPU] }

// Now reads the class's clock source.
func (c *Class) Now() dlclock.Time { return c.now() }

// Task returns the registered task by ID, or nil.
func (c *Class) Task(id int) *dlrq.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[id]
}

// TaskFork is the fork hook: a new entity is created
// throttled, with dl_new cleared, its bandwidth added to the domain total,
// and assigned (but not yet enqueued) to cpu.
func (c *Class) TaskFork(id int, runtime, deadline, period dlclock.Duration, flags dlentity.Flags, nrCPUsAllowed, cpu int) *dlrq.Task {
	entity := dlentity.New(runtime, deadline, period, flags, nrCPUsAllowed)
	task := &dlrq.Task{
		ID:            id,
		Entity:        entity,
		Timer:         dltimer.New(c.timerSch),
		CPU:           cpu,
		NRCPUsAllowed: nrCPUsAllowed,
	}
	c.sys.Domain.AddBandwidth(entity.DLBW)

	c.mu.Lock()
	c.tasks[id] = task
	c.mu.Unlock()
	return task
}

// TaskDead is the task-death hook: withdraw the task's bandwidth from the
// domain total and synchronously cancel its replenishment timer. The timer
// callback takes the rq lock itself, so this must run after every rq lock
// has been released; callers must not hold rqFor(task).Mu.
func (c *Class) TaskDead(task *dlrq.Task) {
	c.sys.Domain.RemoveBandwidth(task.Entity.DLBW)
	task.Timer.Cancel()

	c.mu.Lock()
	delete(c.tasks, task.ID)
	c.mu.Unlock()
}

// replenishCallback returns the function the replenishment timer invokes.
// It runs outside any rq lock and acquires the task's own rq lock; clears
// dl_throttled; if the task is still runnable it re-enqueues via the
// replenish path, which also re-runs the preemption check.
func (c *Class) replenishCallback(task *dlrq.Task) func() {
	return func() {
		rq := c.rqFor(task)
		rq.Mu.Lock()
		defer rq.Mu.Unlock()

		if !task.Entity.DLThrottled {
			return // left this scheduling class or already replenished
		}
		task.Entity.DLThrottled = false

		if !task.Blocked {
			c.enqueueLocked(rq, task, true)
		}
	}
}

// Enqueue admits task to the ready tree unless it is throttled (a no-op in
// that case, unless replenish forces the replenishment path as the timer
// callback does). Returns whether a reschedule should be requested.
func (c *Class) Enqueue(task *dlrq.Task, replenish bool) bool {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()
	return c.enqueueLocked(rq, task, replenish)
}

func (c *Class) enqueueLocked(rq *dlrq.RunQueue, task *dlrq.Task, replenish bool) bool {
	if task.Entity.DLThrottled && !replenish {
		return false
	}
	now := rq.Clock()
	switch {
	case task.Entity.DLNew:
		// dl_new wins over the replenish flag: a timer firing for a task that
		// yielded must hand out a whole fresh instance, not extend
		// the one it gave up.
		task.Entity.Start(now)
	case replenish:
		taskID := task.ID
		task.Entity.Replenish(now, func() { c.warn(taskID) })
	default:
		task.Entity.EnqueueUpdate(now)
	}
	task.Entity.DLThrottled = false
	rq.Enqueue(task)
	return c.checkPreemptLocked(rq, task)
}

// checkPreemptLocked decides whether p's arrival should reschedule this
// CPU: yes iff there is no current task, or p preempts it under the
// comparator. On an exact deadline tie it defers to migratability: if curr
// can be migrated away by the push engine there is no need to preempt
// locally.
func (c *Class) checkPreemptLocked(rq *dlrq.RunQueue, p *dlrq.Task) bool {
	curr := rq.Current()
	if curr == nil || curr == p {
		return curr == nil
	}
	if dlentityPreempts(p, curr) {
		return true
	}
	if !dlentityPreempts(curr, p) {
		// Exact tie: only force a local reschedule if curr cannot be helped
		// along by push/pull (i.e. curr is pinned) but p could still move.
		return curr.NRCPUsAllowed == 1 && p.Migratable()
	}
	return false
}

// Dequeue charges the task's current runtime if it is the one executing,
// then removes it from the ready and pushable trees.
func (c *Class) Dequeue(task *dlrq.Task) bool {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	resched := false
	if rq.Current() == task {
		resched = c.updateCurrLocked(rq, task)
	}
	rq.Dequeue(task)
	return resched
}

// Yield forces the task to sleep until its next instance with a fresh
// budget.
func (c *Class) Yield(task *dlrq.Task) bool {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	now := rq.Clock()
	res := task.Entity.Yield(now)
	return c.handleUpdateResultLocked(rq, task, res)
}

// updateCurrLocked runs the bandwidth accounting against the rq clock and
// handles any resulting exhaustion.
func (c *Class) updateCurrLocked(rq *dlrq.RunQueue, task *dlrq.Task) bool {
	res := task.Entity.UpdateCurr(rq.Clock())
	rq.Stats.ExecClock += res.Charged
	task.Entity.ExecStart = rq.Clock()
	return c.handleUpdateResultLocked(rq, task, res)
}

// handleUpdateResultLocked finishes a charge: on exhaustion (and unless the
// task is HEAD or reclaiming), dequeue it, attempt to arm the replenishment
// timer, and request a reschedule. If the timer's adjusted target has
// already passed, replenish immediately and re-enqueue instead of
// throttling.
func (c *Class) handleUpdateResultLocked(rq *dlrq.RunQueue, task *dlrq.Task, res dlentity.UpdateResult) bool {
	if !res.Exhausted || !res.ShouldThrow {
		return res.Exhausted
	}
	if task.Entity.DLThrottled {
		return true // already dequeued and armed by an earlier charge
	}

	rq.Dequeue(task)

	now := rq.Clock()
	armed := task.Timer.Start(task.Entity.DeadlineAbs, now, c.timerNow(), c.replenishCallback(task))
	if armed {
		task.Entity.DLThrottled = true
	} else {
		taskID := task.ID
		task.Entity.Replenish(now, func() { c.warn(taskID) })
		task.Entity.DLThrottled = false
		rq.Enqueue(task)
	}
	return true
}

// PickNext returns the earliest-deadline ready task on cpu, setting
// exec_start to the rq clock, or nil if the tree is empty.
func (c *Class) PickNext(cpu int) *dlrq.Task {
	rq := c.sys.RQs[cpu]
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	task := rq.PickNext()
	if task == nil {
		return nil
	}
	task.Entity.ExecStart = rq.Clock()
	rq.SetCurrent(task)
	return task
}

// PutPrevTask charges runtime to the departing task and re-inserts it into
// pushable if it remains eligible.
func (c *Class) PutPrevTask(cpu int, task *dlrq.Task) bool {
	rq := c.sys.RQs[cpu]
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	resched := c.updateCurrLocked(rq, task)
	rq.PutPrev(task)
	return resched
}

// SetCurrTask resets exec_start and removes the current task from the
// pushable tree.
func (c *Class) SetCurrTask(cpu int) {
	rq := c.sys.RQs[cpu]
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	task := rq.Current()
	if task == nil {
		return
	}
	task.Entity.ExecStart = rq.Clock()
	rq.SetCurrent(task)
}

// WaitUntilNextInstance computes the instant task should sleep to so that it
// wakes with a whole fresh budget, optionally honoring a caller-supplied
// absolute target, and marks the next activation as a new instance.
func (c *Class) WaitUntilNextInstance(task *dlrq.Task, target *dlclock.Time) dlclock.Time {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()
	return task.Entity.WaitUntilNextInstance(target)
}

// TaskBudget reads a task's remaining budget and throttle state under its
// rq lock, for live workload executors pacing real CPU consumption.
func (c *Class) TaskBudget(task *dlrq.Task) (remaining time.Duration, throttled bool) {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	if task.Entity.Runtime > 0 {
		remaining = time.Duration(task.Entity.Runtime)
	}
	return remaining, task.Entity.DLThrottled
}

// hrTickFloor is the threshold below which arming an hr-tick is not
// worthwhile (10 microseconds).
const hrTickFloor = dlclock.Duration(10 * time.Microsecond)

// TaskTick runs the periodic charge; if the task survives, it reports an
// hr-tick arming duration of dl_runtime-runtime when that exceeds the 10us
// floor.
func (c *Class) TaskTick(cpu int, task *dlrq.Task) (resched bool, hrTick dlclock.Duration) {
	rq := c.sys.RQs[cpu]
	rq.Mu.Lock()
	defer rq.Mu.Unlock()

	resched = c.updateCurrLocked(rq, task)
	if resched {
		return resched, 0
	}

	consumed := int64(task.Entity.DLRuntime) - task.Entity.Runtime
	if consumed > 0 && dlclock.Duration(consumed) > hrTickFloor {
		hrTick = dlclock.Duration(consumed)
	}
	return resched, hrTick
}

// SelectTaskRQ picks the CPU a waking task should be enqueued on.
func (c *Class) SelectTaskRQ(task *dlrq.Task, wakeCPU int) int {
	rq := c.sys.RQs[wakeCPU]
	target := c.sys.SelectTaskRQ(rq, task, true)
	if target == nil {
		return wakeCPU
	}
	return target.CPU()
}

// SetCPUsAllowed updates a task's affinity cardinality and the dependent
// migratory/pushable/overload state.
func (c *Class) SetCPUsAllowed(task *dlrq.Task, nrCPUsAllowed int) {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()
	rq.SetCPUsAllowed(task, nrCPUsAllowed)
}

// RQOnline brings a CPU back into the domain; the next enqueue/dequeue on
// it recomputes overload state, so there is nothing to force here.
func (c *Class) RQOnline(cpu int) {}

// RQOffline clears the CPU's overload bit so it is never considered a
// push/pull target while offline.
func (c *Class) RQOffline(cpu int) {
	c.sys.Domain.SetOverload(cpu, false)
}

// PreSchedule runs before a new task is picked: if the previous task was a
// deadline task, attempt to pull an earlier-deadline task onto this CPU.
func (c *Class) PreSchedule(cpu int, prevWasDeadline bool) {
	if !prevWasDeadline {
		return
	}
	c.sys.PullDLTasks(c.sys.RQs[cpu])
}

// PostSchedule runs the push loop after a context switch.
func (c *Class) PostSchedule(cpu int) {
	c.sys.PushDLTasks(c.sys.RQs[cpu])
}

// TaskWoken runs after a wakeup lands: if the task isn't running, a push
// may be able to place it better.
func (c *Class) TaskWoken(task *dlrq.Task) {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	isCurr := rq.Current() == task
	rq.Mu.Unlock()
	if !isCurr {
		c.sys.PushDLTasks(rq)
	}
}

// SwitchedFrom runs when a task leaves this class; its rq's overload
// accounting is already correct from the Dequeue that must have preceded
// this call.
func (c *Class) SwitchedFrom(cpu int) {
	c.sys.PullDLTasks(c.sys.RQs[cpu])
}

// SwitchedTo runs when a task joins this class; give push/pull a chance to
// place it correctly.
func (c *Class) SwitchedTo(task *dlrq.Task) {
	c.TaskWoken(task)
}

// PrioChanged handles a priority-affecting parameter change (only relevant
// via PI boosting): the tree key may have shifted, so re-key and re-run the
// preemption check.
func (c *Class) PrioChanged(task *dlrq.Task) bool {
	rq := c.rqFor(task)
	rq.Mu.Lock()
	defer rq.Mu.Unlock()
	rq.UpdateDeadline(task)
	return c.checkPreemptLocked(rq, task)
}

// dlentityPreempts reports whether a preempts b under the queue comparator
// (HEAD first, then earlier deadline).
func dlentityPreempts(a, b *dlrq.Task) bool {
	return dltree.Less(a.Entity.Flags.Head(), a.Entity.DeadlineAbs, b.Entity.Flags.Head(), b.Entity.DeadlineAbs)
}
