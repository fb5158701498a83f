// Package dlrq implements the per-CPU deadline runqueue: the ready tree,
// the pushable tree, migratory/overload bookkeeping, and the observable
// per-CPU statistics surface. Mutation happens under the caller-held rq
// lock, exposed directly as RunQueue.Mu.
package dlrq

import (
	"sync"
	"time"

	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlentity"
	"dlsched/pkg/dltimer"
	"dlsched/pkg/dltree"
	"dlsched/pkg/domain"
)

// NowCycles approximates a cycle counter with the monotonic wall clock, in
// nanoseconds. It feeds the *Cycles statistics only; nothing reads it back
// into a scheduling decision.
func NowCycles() uint64 {
	return uint64(time.Now().UnixNano())
}

// Task is one schedulable deadline task as seen by a runqueue: the CBS
// entity plus the bookkeeping a runqueue needs to place it in the ready and
// pushable trees.
type Task struct {
	ID     int
	Entity *dlentity.Entity
	Timer  *dltimer.Timer

	CPU           int
	NRCPUsAllowed int // cached affinity cardinality; >1 means migratable

	// Blocked is set by the host while the task is voluntarily sleeping
	// (not runnable). The replenishment timer callback consults it to
	// decide whether to re-enqueue on fire.
	Blocked bool

	node     *dltree.Node
	pushNode *dltree.Node
}

// Migratable reports whether the task may run on more than one CPU.
func (t *Task) Migratable() bool { return t.NRCPUsAllowed > 1 }

// Enqueued reports whether the task currently sits in a ready tree.
func (t *Task) Enqueued() bool { return t.node != nil }

// Stats is the per-CPU observable statistics surface. Purely
// informational: nothing in this package consults it to make a decision.
type Stats struct {
	NREnqueue, NRDequeue     uint64
	NRPush, NRRetryPush      uint64
	NRPushedAway             uint64
	NRPull, NRPulledHere     uint64
	EnqueueCycles            uint64
	DequeueCycles            uint64
	PushCycles, PullCycles   uint64
	ExecClock                dlclock.Duration
}

// RunQueue is one CPU's deadline ready queue.
type RunQueue struct {
	Mu sync.Mutex

	cpu    int
	domain *domain.Domain

	tree     *dltree.Tree
	pushable *dltree.Tree

	nrRunning   int
	nrMigratory int

	curr  *Task
	clock dlclock.Time

	Stats Stats
}

// New constructs an empty runqueue for the given CPU index within dom.
func New(cpu int, dom *domain.Domain) *RunQueue {
	return &RunQueue{
		cpu:      cpu,
		domain:   dom,
		tree:     dltree.New(),
		pushable: dltree.New(),
	}
}

// CPU returns the owning CPU index.
func (rq *RunQueue) CPU() int { return rq.cpu }

// Clock returns the rq's own notion of "now", set by SetClock. Callers
// (pkg/sched) advance it before invoking any hook.
func (rq *RunQueue) Clock() dlclock.Time { return rq.clock }

// SetClock updates the rq clock; must be called with Mu held.
func (rq *RunQueue) SetClock(now dlclock.Time) { rq.clock = now }

// NRRunning returns the ready-tree cardinality.
func (rq *RunQueue) NRRunning() int { return rq.nrRunning }

// NRMigratory returns the count of ready, migratable entities.
func (rq *RunQueue) NRMigratory() int { return rq.nrMigratory }

// Overloaded reports whether this queue carries a migratable surplus:
// nr_migratory>=1 && nr_running>=2.
func (rq *RunQueue) Overloaded() bool {
	return rq.nrMigratory >= 1 && rq.nrRunning >= 2
}

// Current returns the task currently dispatched on this CPU, or nil.
func (rq *RunQueue) Current() *Task { return rq.curr }

// EarliestCurr is the leftmost deadline, or the 0 sentinel when empty.
func (rq *RunQueue) EarliestCurr() dlclock.Time {
	if n := rq.tree.Leftmost(); n != nil {
		return n.Deadline
	}
	return 0
}

// EarliestNext is the second-leftmost deadline, or the 0 sentinel.
func (rq *RunQueue) EarliestNext() dlclock.Time {
	if n := rq.tree.SecondEarliest(); n != nil {
		return n.Deadline
	}
	return 0
}

// PushableLeftmost returns the earliest pushable task, or nil.
func (rq *RunQueue) PushableLeftmost() *Task {
	n := rq.pushable.Leftmost()
	if n == nil {
		return nil
	}
	return n.Task.(*Task)
}

// refreshOverload recomputes the overload transition and mirrors it into
// the shared domain (barrier ordering handled by
// domain.SetOverload itself).
func (rq *RunQueue) refreshOverload() {
	rq.domain.SetOverload(rq.cpu, rq.Overloaded())
}

// Enqueue admits task to the ready tree; callers only enqueue unthrottled
// tasks. It updates nr_migratory/overload and, unless task is the current
// task or pinned, also inserts it into the pushable tree.
func (rq *RunQueue) Enqueue(task *Task) {
	if task.node != nil {
		assertf(false, "enqueue of an already-queued task %d", task.ID)
		return
	}
	begin := NowCycles()
	defer func() { rq.Stats.EnqueueCycles += NowCycles() - begin }()
	task.node = &dltree.Node{
		Deadline:   task.Entity.DeadlineAbs,
		Head:       task.Entity.Flags.Head(),
		Migratable: task.Migratable(),
		Task:       task,
	}
	rq.tree.Insert(task.node)
	rq.nrRunning++
	if task.Migratable() {
		rq.nrMigratory++
	}
	rq.refreshOverload()
	rq.maybeMakePushable(task)
	rq.Stats.NREnqueue++
}

// maybeMakePushable inserts task into the pushable tree iff it is neither
// the running task nor pinned to a single CPU.
func (rq *RunQueue) maybeMakePushable(task *Task) {
	if task == rq.curr || !task.Migratable() || task.pushNode != nil {
		return
	}
	task.pushNode = &dltree.Node{
		Deadline: task.Entity.DeadlineAbs,
		Task:     task,
	}
	rq.pushable.Insert(task.pushNode)
}

func (rq *RunQueue) removeFromPushable(task *Task) {
	if task.pushNode == nil {
		return
	}
	rq.pushable.Remove(task.pushNode)
	task.pushNode = nil
}

// RemoveFromPushable drops task from the pushable tree without dequeuing it
// from the ready tree: a task the push engine could not relocate after its
// retry budget is popped from pushable and left to a future pull.
func (rq *RunQueue) RemoveFromPushable(task *Task) {
	rq.removeFromPushable(task)
}

// PushableContains reports whether task is currently in the pushable tree.
func (rq *RunQueue) PushableContains(task *Task) bool {
	return task.pushNode != nil && rq.pushable.Contains(task.pushNode)
}

// SecondEarliestMigratable returns the earliest ready task, other than the
// leftmost, that is migratable and allowed to run on forCPU. forCPU is
// accepted for symmetry with the kernel's affinity-mask filter; this
// simulation does not model per-task allowed-CPU sets beyond nr_cpus_allowed,
// so any migratable task qualifies.
func (rq *RunQueue) SecondEarliestMigratable(forCPU int) *Task {
	_ = forCPU
	n := rq.tree.SecondEarliestFiltered(func(n *dltree.Node) bool {
		return n.Migratable
	})
	if n == nil {
		return nil
	}
	return n.Task.(*Task)
}

// Dequeue removes task from the ready and pushable trees.
func (rq *RunQueue) Dequeue(task *Task) {
	if task.node == nil {
		return
	}
	begin := NowCycles()
	defer func() { rq.Stats.DequeueCycles += NowCycles() - begin }()
	rq.tree.Remove(task.node)
	task.node = nil
	rq.nrRunning--
	if task.Migratable() {
		rq.nrMigratory--
	}
	rq.removeFromPushable(task)
	if rq.curr == task {
		rq.curr = nil
	}
	rq.refreshOverload()
	rq.Stats.NRDequeue++
}

// SetCurrent marks task as the one dispatched on this CPU and removes it
// from the pushable tree: a running task is never a push candidate.
func (rq *RunQueue) SetCurrent(task *Task) {
	rq.curr = task
	if task != nil {
		rq.removeFromPushable(task)
	}
}

// PutPrev re-inserts prev into the pushable tree if it is still enqueued and
// eligible, and clears it as current.
func (rq *RunQueue) PutPrev(prev *Task) {
	if rq.curr == prev {
		rq.curr = nil
	}
	if prev != nil && prev.node != nil {
		rq.maybeMakePushable(prev)
	}
}

// PickNext returns the leftmost ready task, or nil if the tree is empty
// under the comparator. It does not remove the task from the tree or
// set it current; callers do that via SetCurrent once dispatch is final.
func (rq *RunQueue) PickNext() *Task {
	n := rq.tree.Leftmost()
	if n == nil {
		return nil
	}
	return n.Task.(*Task)
}

// UpdateDeadline re-homes task's tree position after its entity's deadline
// has changed (replenish, PI boost) while it remains enqueued.
func (rq *RunQueue) UpdateDeadline(task *Task) {
	if task.node != nil {
		task.node.Deadline = task.Entity.DeadlineAbs
		task.node.Head = task.Entity.Flags.Head()
		rq.tree.Update(task.node)
	}
	if task.pushNode != nil {
		task.pushNode.Deadline = task.Entity.DeadlineAbs
		rq.pushable.Update(task.pushNode)
	}
}

// SetCPUsAllowed updates a task's cached affinity cardinality and adjusts
// nr_migratory/pushable membership/overload accordingly.
func (rq *RunQueue) SetCPUsAllowed(task *Task, nrCPUsAllowed int) {
	wasMigratable := task.Migratable()
	task.NRCPUsAllowed = nrCPUsAllowed
	nowMigratable := task.Migratable()

	if task.node != nil {
		if wasMigratable && !nowMigratable {
			rq.nrMigratory--
			rq.removeFromPushable(task)
		} else if !wasMigratable && nowMigratable {
			rq.nrMigratory++
			rq.maybeMakePushable(task)
		}
		rq.refreshOverload()
	}
}
