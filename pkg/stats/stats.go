// Package stats collects the observable per-CPU and domain-wide scheduling
// statistics into immutable snapshots for the HTTP status and metrics
// surfaces. Everything here is informational: nothing feeds back into a
// scheduling decision.
package stats

import (
	"dlsched/pkg/dlclock"
	"dlsched/pkg/dlrq"
	"dlsched/pkg/domain"
)

// Source is the read surface a scheduler class exposes for collection.
type Source interface {
	NCPU() int
	RQ(cpu int) *dlrq.RunQueue
	Domain() *domain.Domain
	NRTasks() int
}

// CPUSnapshot is one CPU's runqueue state plus its counters.
type CPUSnapshot struct {
	CPU          int
	NRRunning    int
	NRMigratory  int
	Overloaded   bool
	EarliestCurr dlclock.Time
	EarliestNext dlclock.Time
	Counters     dlrq.Stats
}

// Snapshot is a point-in-time copy of the whole class's observable state.
type Snapshot struct {
	PerCPU        []CPUSnapshot
	OverloadCount int
	TotalBW       float64
	NRTasks       int
}

// Collect walks every runqueue under its own lock and returns a snapshot.
func Collect(src Source) Snapshot {
	ncpu := src.NCPU()
	snap := Snapshot{
		PerCPU:        make([]CPUSnapshot, 0, ncpu),
		OverloadCount: src.Domain().OverloadCount(),
		TotalBW:       src.Domain().TotalBW().Float64(),
		NRTasks:       src.NRTasks(),
	}

	for cpu := 0; cpu < ncpu; cpu++ {
		rq := src.RQ(cpu)
		rq.Mu.Lock()
		snap.PerCPU = append(snap.PerCPU, CPUSnapshot{
			CPU:          cpu,
			NRRunning:    rq.NRRunning(),
			NRMigratory:  rq.NRMigratory(),
			Overloaded:   rq.Overloaded(),
			EarliestCurr: rq.EarliestCurr(),
			EarliestNext: rq.EarliestNext(),
			Counters:     rq.Stats,
		})
		rq.Mu.Unlock()
	}

	return snap
}
