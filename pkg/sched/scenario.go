package sched

import (
	"fmt"
	"time"

	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlentity"
)

// ScenarioResult is the verdict of one end-to-end replay, suitable for both
// test assertions and the CLI's -scenario mode.
type ScenarioResult struct {
	Name    string
	Pass    bool
	Details []string
}

func (r *ScenarioResult) checkf(ok bool, format string, args ...any) {
	status := "ok"
	if !ok {
		status = "FAIL"
		r.Pass = false
	}
	r.Details = append(r.Details, fmt.Sprintf("%s: %s", status, fmt.Sprintf(format, args...)))
}

// ScenarioNames lists the replayable end-to-end scenarios in order.
var ScenarioNames = []string{"S1", "S2", "S3", "S4", "S5", "S6"}

// RunScenario replays the named scenario against a fresh simulated system and
// returns its verdict. Unknown names return an error.
func RunScenario(name string) (ScenarioResult, error) {
	switch name {
	case "S1":
		return runS1(), nil
	case "S2":
		return runS2(), nil
	case "S3":
		return runS3(), nil
	case "S4":
		return runS4(), nil
	case "S5":
		return runS5(), nil
	case "S6":
		return runS6(), nil
	default:
		return ScenarioResult{}, fmt.Errorf("unknown scenario %q", name)
	}
}

const scenarioTick = dlclock.Duration(100 * time.Microsecond)

func msec(n int64) dlclock.Duration {
	return dlclock.Duration(time.Duration(n) * time.Millisecond)
}

func usec(n int64) dlclock.Duration {
	return dlclock.Duration(time.Duration(n) * time.Microsecond)
}

// within reports whether t falls into [lo, hi], all scenario-relative offsets.
func within(s *Simulator, t dlclock.Time, lo, hi dlclock.Duration) bool {
	off := s.Since(t)
	return off >= lo && off <= hi
}

// runS1, isolation under overrun: a hog declared (4,10,10) shares one CPU
// with a conforming (3,15,15) task for 200ms. The hog must be confined to its
// bandwidth by CBS throttling; the conforming task must miss nothing.
func runS1() ScenarioResult {
	res := ScenarioResult{Name: "S1", Pass: true}
	sim := NewSimulator(1, scenarioTick)

	hogA := sim.AddTask(msec(4), msec(10), msec(10), 0, 1, 0, 0, Workload{})
	taskB := sim.AddTask(msec(3), msec(15), msec(15), 0, 1, 0, 0,
		Workload{Demand: usec(2800), ReleasePeriod: msec(15)})

	sim.RunFor(msec(200))

	res.checkf(taskB.Misses == 0, "B misses none of its deadlines (missed %d)", taskB.Misses)
	res.checkf(len(taskB.Completions) >= 13,
		"B completes at least 13 instances (completed %d)", len(taskB.Completions))
	res.checkf(hogA.Throttles >= 10,
		"A is throttled between instances (throttled %d times)", hogA.Throttles)

	aligned := len(hogA.ReplenishDeadlines) > 0
	for _, d := range hogA.ReplenishDeadlines {
		if dlclock.Duration(d-sim.At(msec(10)))%msec(10) != 0 {
			aligned = false
			break
		}
	}
	res.checkf(aligned,
		"A's deadlines advance by whole 10ms periods across %d replenishments",
		len(hogA.ReplenishDeadlines))
	return res
}

// runS2, EDF preemption: a long-deadline reclaiming task is preempted the
// instant a short-deadline task is released, and resumes after it finishes.
func runS2() ScenarioResult {
	res := ScenarioResult{Name: "S2", Pass: true}
	sim := NewSimulator(1, scenarioTick)

	taskC := sim.AddTask(msec(5), msec(50), msec(50), dlentity.FlagBWReclDL, 1, 0, 0,
		Workload{Demand: msec(12)})
	taskD := sim.AddTask(msec(2), msec(5), msec(5), 0, 1, 0, msec(10),
		Workload{Demand: usec(1800)})

	sim.RunFor(msec(20))

	res.checkf(len(taskD.Completions) == 1, "D runs once (ran %d times)", len(taskD.Completions))
	if len(taskD.Completions) == 1 {
		res.checkf(within(sim, taskD.Completions[0], usec(11500), usec(12500)),
			"D completes near t=12ms (at %v)", time.Duration(sim.Since(taskD.Completions[0])))
	}
	res.checkf(len(taskC.Completions) == 1, "C finishes after resuming (ran %d times)", len(taskC.Completions))
	if len(taskC.Completions) == 1 && len(taskD.Completions) == 1 {
		res.checkf(dlclock.Before(taskD.Completions[0], taskC.Completions[0]),
			"C resumes only after D is done")
		res.checkf(within(sim, taskC.Completions[0], usec(13500), usec(14500)),
			"C completes near t=14ms (at %v)", time.Duration(sim.Since(taskC.Completions[0])))
	}
	res.checkf(taskD.Misses == 0, "D meets its deadline")
	return res
}

// runS3, yield freshness: a (3,10,10) task that yields after 1ms sleeps
// until its next instance and wakes with a whole fresh budget.
func runS3() ScenarioResult {
	res := ScenarioResult{Name: "S3", Pass: true}
	sim := NewSimulator(1, scenarioTick)

	taskE := sim.AddTask(msec(3), msec(10), msec(10), 0, 1, 0, 0,
		Workload{YieldAfter: msec(1)})

	sim.RunFor(msec(12))

	res.checkf(len(taskE.Wakes) >= 2, "E wakes again after yielding (woke %d times)", len(taskE.Wakes))
	if len(taskE.Wakes) >= 2 {
		res.checkf(taskE.Wakes[1] == sim.At(msec(10)),
			"E sleeps until t=10ms (woke at %v)", time.Duration(sim.Since(taskE.Wakes[1])))
	}
	res.checkf(taskE.Throttles >= 1, "E is parked on its replenishment timer while sleeping")
	if len(taskE.WakeRuntimes) >= 1 {
		res.checkf(taskE.WakeRuntimes[0] == int64(msec(3)),
			"E wakes with runtime=3ms (got %v)", time.Duration(taskE.WakeRuntimes[0]))
		res.checkf(taskE.WakeDeadlines[0] == sim.At(msec(20)),
			"E wakes with deadline=20ms (got %v)", time.Duration(sim.Since(taskE.WakeDeadlines[0])))
	} else {
		res.checkf(false, "E recorded no post-yield wakeups")
	}
	return res
}

// runS4, placement on wake: with a pinned earlier-deadline task occupying
// CPU0, a migratable short-deadline wakee is steered to CPU1, whether CPU1
// is idle or running a far-later-deadline task.
func runS4() ScenarioResult {
	res := ScenarioResult{Name: "S4", Pass: true}

	for _, withH := range []bool{false, true} {
		sim := NewSimulator(2, scenarioTick)

		taskF := sim.AddTask(msec(5), msec(20), msec(20), 0, 1, 0, 0, Workload{})
		if withH {
			sim.AddTask(msec(10), msec(100), msec(100), 0, 2, 1, 0, Workload{})
		}
		taskG := sim.AddTask(msec(2), msec(5), msec(5), 0, 2, 0, msec(2),
			Workload{Demand: usec(1800), ReleasePeriod: msec(5)})

		sim.RunFor(msec(5))

		label := "idle CPU1"
		if withH {
			label = "CPU1 running deadline-100ms task"
		}
		res.checkf(taskG.Task.CPU == 1, "G placed on CPU1 (%s); got CPU%d", label, taskG.Task.CPU)
		res.checkf(taskF.Task.CPU == 0, "pinned F undisturbed on CPU0 (%s)", label)
		res.checkf(len(taskG.Completions) >= 1 && taskG.Misses == 0,
			"G runs immediately and meets its deadline (%s)", label)
	}
	return res
}

// runS5, pull gating: pull fires only when the departing task was in this
// class. After a pinned deadline task exits CPU0, an idle CPU1 whose
// previous occupant was a fair task never pulls.
func runS5() ScenarioResult {
	res := ScenarioResult{Name: "S5", Pass: true}
	sim := NewSimulator(2, scenarioTick)

	taskI := sim.AddTask(msec(5), msec(20), msec(20), 0, 1, 0, 0, Workload{})
	taskJ := sim.AddTask(msec(5), msec(30), msec(30), 0, 1, 0, 0, Workload{})

	sim.RunFor(msec(4))
	res.checkf(sim.Class.RQ(0).Current() == taskI.Task, "I (earlier deadline) runs first on CPU0")

	sim.Kill(taskI)
	sim.RunFor(msec(1))
	res.checkf(sim.Class.RQ(0).Current() == taskJ.Task, "CPU0 picks J after I exits")
	sim.RunFor(msec(9))

	res.checkf(taskJ.Task.CPU == 0, "J stays on CPU0 (got CPU%d)", taskJ.Task.CPU)
	res.checkf(sim.Class.RQ(1).Stats.NRPull == 0, "CPU1 (no deadline prev) never pulls")
	res.checkf(sim.Class.RQ(1).Stats.NREnqueue == 0, "CPU1's deadline queue stays empty")
	return res
}

// runS6, class change: leaving the class cancels the replenishment timer
// synchronously and withdraws the task's bandwidth; the task never
// resurfaces in a ready tree.
func runS6() ScenarioResult {
	res := ScenarioResult{Name: "S6", Pass: true}
	sim := NewSimulator(1, scenarioTick)

	taskK := sim.AddTask(msec(2), msec(10), msec(10), 0, 1, 0, 0, Workload{})

	sim.RunFor(msec(3))
	res.checkf(taskK.Throttles >= 1, "K exhausts its budget and throttles")
	res.checkf(taskK.Task.Timer.Armed(), "K's replenishment timer is armed while throttled")

	sim.SwitchAwayFromClass(taskK)

	res.checkf(!taskK.Task.Timer.Armed(), "timer cancelled synchronously on class change")
	res.checkf(sim.Class.Domain().TotalBW() == 0, "total_bw withdrawn (got %.6f)",
		sim.Class.Domain().TotalBW().Float64())

	wakes := len(taskK.Wakes)
	sim.RunFor(msec(30))
	res.checkf(!taskK.Task.Enqueued(), "K never reappears in a ready tree")
	res.checkf(len(taskK.Wakes) == wakes, "K receives no further wakeups")
	res.checkf(sim.Class.RQ(0).NRRunning() == 0, "CPU0's deadline queue stays empty")
	return res
}
