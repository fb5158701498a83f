// Package balance implements cross-CPU load balancing for deadline tasks:
// the push engine, the pull engine, and the wakeup CPU-selection
// heuristics. Cross-CPU operations acquire
// both runqueues' locks in canonical CPU-index order via lockPair, taken
// with neither lock held; callers re-verify their preconditions once both
// locks are acquired.
package balance

import (
	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlrq"
	"dlsched/pkg/dltree"
	"dlsched/pkg/domain"
)

// DLMaxTries bounds findLockLaterRQ's retry loop.
const DLMaxTries = 3

// System is the full set of per-CPU runqueues sharing one root domain. It
// owns no lock of its own; every mutation happens under the relevant
// RunQueue's Mu, acquired in canonical (ascending CPU index) order.
type System struct {
	Domain *domain.Domain
	RQs    []*dlrq.RunQueue
}

// New constructs a System with one empty runqueue per CPU in dom.
func New(dom *domain.Domain) *System {
	rqs := make([]*dlrq.RunQueue, dom.NCPU())
	for cpu := range rqs {
		rqs[cpu] = dlrq.New(cpu, dom)
	}
	return &System{Domain: dom, RQs: rqs}
}

// lockPair locks a and b in ascending CPU-index order, avoiding the
// classic AB-BA deadlock of acquiring two rq locks in arbitrary order, and
// returns an unlock function.
func lockPair(a, b *dlrq.RunQueue) func() {
	if a.CPU() == b.CPU() {
		a.Mu.Lock()
		return a.Mu.Unlock
	}
	first, second := a, b
	if second.CPU() < first.CPU() {
		first, second = second, first
	}
	first.Mu.Lock()
	second.Mu.Lock()
	return func() {
		second.Mu.Unlock()
		first.Mu.Unlock()
	}
}

// preempts reports whether a task with the given (head, deadline) would
// preempt a runqueue's current occupant under the queue comparator.
func preempts(head bool, deadline dlclock.Time, curHead bool, curDeadline dlclock.Time) bool {
	return dltree.Less(head, deadline, curHead, curDeadline)
}

// FindLaterRQ scans the domain for a CPU with more headroom: among CPUs
// where task would not have to fight a running deadline task for the CPU
// (task's deadline is earlier than the candidate's earliest.curr, or the
// candidate has none), prefer an empty CPU, else the one with the latest
// earliest.curr (most headroom). allowed filters by affinity; nil means all
// CPUs in the domain are eligible.
func (s *System) FindLaterRQ(from *dlrq.RunQueue, task *dlrq.Task, allowed func(cpu int) bool) *dlrq.RunQueue {
	var best, lastRan *dlrq.RunQueue
	var bestEmpty bool
	var bestEarliest dlclock.Time

	for _, rq := range s.RQs {
		if rq.CPU() == from.CPU() {
			continue
		}
		if allowed != nil && !allowed(rq.CPU()) {
			continue
		}

		rq.Mu.Lock()
		hasCurr := rq.Current() != nil
		earliest := rq.EarliestCurr()
		running := rq.NRRunning()
		rq.Mu.Unlock()

		if hasCurr && !dlclock.Before(task.Entity.DeadlineAbs, earliest) {
			continue
		}

		if rq.CPU() == task.CPU {
			lastRan = rq
		}

		empty := running == 0
		switch {
		case best == nil:
			best, bestEmpty, bestEarliest = rq, empty, earliest
		case empty && !bestEmpty:
			best, bestEmpty, bestEarliest = rq, empty, earliest
		case empty == bestEmpty && dlclock.Before(bestEarliest, earliest):
			best, bestEmpty, bestEarliest = rq, empty, earliest
		}
	}

	// Cache refinement: the CPU the task last ran on wins over an otherwise
	// comparable candidate, but never over an empty CPU when it has load.
	if lastRan != nil && (lastRan == best || !bestEmpty) {
		return lastRan
	}
	return best
}

// SelectTaskRQ is the wakeup placement decision: stay on the waking CPU
// unless its current occupant is a pinned-or-preempting
// deadline task and p itself is not pinned, in which case consult
// FindLaterRQ for a CPU with strictly more headroom.
func (s *System) SelectTaskRQ(wakeCPU *dlrq.RunQueue, p *dlrq.Task, pIsDeadline bool) *dlrq.RunQueue {
	wakeCPU.Mu.Lock()
	curr := wakeCPU.Current()
	wakeCPU.Mu.Unlock()

	if curr == nil || !pIsDeadline {
		return wakeCPU
	}
	pinned := curr.NRCPUsAllowed == 1
	curPreempts := preempts(curr.Entity.Flags.Head(), curr.Entity.DeadlineAbs, p.Entity.Flags.Head(), p.Entity.DeadlineAbs)
	if (pinned || curPreempts) && p.Migratable() {
		if later := s.FindLaterRQ(wakeCPU, p, nil); later != nil {
			return later
		}
	}
	return wakeCPU
}

// PushDLTasks relocates the earliest pushable task away from an overloaded
// rq to a CPU whose current running deadline task (if
// any) has a later deadline. Loops until no longer able to push.
func (s *System) PushDLTasks(from *dlrq.RunQueue) {
	begin := dlrq.NowCycles()
	defer func() {
		from.Mu.Lock()
		from.Stats.PushCycles += dlrq.NowCycles() - begin
		from.Mu.Unlock()
	}()

	for {
		from.Mu.Lock()
		if !from.Overloaded() {
			from.Mu.Unlock()
			return
		}
		next := from.PushableLeftmost()
		if next == nil {
			from.Mu.Unlock()
			return
		}
		curr := from.Current()
		if next == curr {
			from.Mu.Unlock()
			return
		}
		if curr != nil && curr.Migratable() &&
			preempts(next.Entity.Flags.Head(), next.Entity.DeadlineAbs,
				curr.Entity.Flags.Head(), curr.Entity.DeadlineAbs) {
			// Cheaper to reschedule curr on this CPU than to migrate.
			from.Mu.Unlock()
			return
		}
		from.Mu.Unlock()

		target, unlock := s.findLockLaterRQ(from, next)
		if target == nil {
			from.Mu.Lock()
			if from.PushableContains(next) {
				from.RemoveFromPushable(next)
			}
			from.Mu.Unlock()
			return
		}

		// Both locks are held and preconditions verified: migrate.
		from.Dequeue(next)
		next.CPU = target.CPU()
		target.Enqueue(next)
		from.Stats.NRPush++
		from.Stats.NRPushedAway++
		unlock()
	}
}

// findLockLaterRQ retries up to DLMaxTries times to find a later rq for next
// and lock both runqueues, re-verifying preconditions after each relock. On
// success the pair lock is still held; the caller migrates and then calls
// unlock.
func (s *System) findLockLaterRQ(from *dlrq.RunQueue, next *dlrq.Task) (*dlrq.RunQueue, func()) {
	for try := 0; try < DLMaxTries; try++ {
		target := s.FindLaterRQ(from, next, nil)
		if target == nil {
			return nil, nil
		}

		unlock := lockPair(from, target)
		stillValid := from.Overloaded() &&
			from.PushableContains(next) &&
			next.Migratable() &&
			from.Current() != next &&
			laterThan(target, next.Entity.DeadlineAbs)
		if stillValid {
			return target, unlock
		}
		from.Stats.NRRetryPush++
		unlock()
	}
	return nil, nil
}

// laterThan reports whether rq would let a task with the given deadline run:
// it is empty, or its earliest queued deadline is later. Callers hold rq's
// lock.
func laterThan(rq *dlrq.RunQueue, deadline dlclock.Time) bool {
	return rq.NRRunning() == 0 || dlclock.Before(deadline, rq.EarliestCurr())
}

// PullDLTasks runs before picking a new task, when the previous task was a
// deadline task. It scans overloaded remote CPUs for a task with an earlier
// deadline than this CPU currently offers.
func (s *System) PullDLTasks(into *dlrq.RunQueue) {
	if s.Domain.OverloadCount() == 0 {
		return
	}

	begin := dlrq.NowCycles()
	defer func() {
		into.Mu.Lock()
		into.Stats.PullCycles += dlrq.NowCycles() - begin
		into.Mu.Unlock()
	}()

	into.Mu.Lock()
	dmin := into.EarliestCurr()
	empty := into.NRRunning() == 0
	into.Mu.Unlock()

	for _, cpu := range s.Domain.OverloadedCPUs() {
		if cpu == into.CPU() {
			continue
		}
		remote := s.RQs[cpu]

		remote.Mu.Lock()
		remoteNext := remote.EarliestNext()
		if !empty && remoteNext != 0 && dlclock.BeforeOrEqual(dmin, remoteNext) {
			remote.Mu.Unlock()
			continue
		}
		if remote.NRRunning() < 2 {
			remote.Mu.Unlock()
			continue
		}
		candidate := remote.SecondEarliestMigratable(into.CPU())
		remote.Mu.Unlock()
		if candidate == nil {
			continue
		}

		if !(empty || dlclock.Before(candidate.Entity.DeadlineAbs, dmin)) {
			continue
		}

		unlock := lockPair(into, remote)
		stillValid := remote.PushableContains(candidate) &&
			remote.Current() != candidate &&
			(remote.Current() == nil || dlclock.Before(candidate.Entity.DeadlineAbs, remote.Current().Entity.DeadlineAbs))
		if !stillValid {
			unlock()
			continue
		}

		remote.Dequeue(candidate)
		candidate.CPU = into.CPU()
		into.Enqueue(candidate)
		into.Stats.NRPull++
		into.Stats.NRPulledHere++
		unlock()

		dmin = candidate.Entity.DeadlineAbs
		empty = false
	}
}
