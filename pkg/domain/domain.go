// Package domain implements the root domain: the set of CPUs
// sharing load-balancing scope, its overload bitmap/count, and the admitted
// total bandwidth counter.
package domain

import (
	"sync"
	"sync/atomic"

	"dlsched/pkg/dlentity"
)

// Domain is a root domain shared by a fixed set of CPUs (indices 0..NCPU-1).
// dlo_mask/dlo_count are atomic with explicit write ordering:
// the bit is set before the count is incremented, and the count is
// decremented before the bit is cleared, so the count never exceeds the
// number of set bits: an observer scanning dlo_mask finds every CPU the
// count says is present.
type Domain struct {
	ncpu int

	dloMask  atomic.Uint64
	dloCount atomic.Int64

	bwMu    sync.Mutex // protects total_bw
	totalBW dlentity.Bandwidth
}

// New constructs a domain covering CPUs [0, ncpu).
func New(ncpu int) *Domain {
	return &Domain{ncpu: ncpu}
}

// NCPU returns the number of CPUs in this domain.
func (d *Domain) NCPU() int { return d.ncpu }

// AddBandwidth adds bw to total_bw on task activation.
func (d *Domain) AddBandwidth(bw dlentity.Bandwidth) {
	d.bwMu.Lock()
	defer d.bwMu.Unlock()
	d.totalBW = d.totalBW.Add(bw)
}

// RemoveBandwidth withdraws bw from total_bw on task death.
func (d *Domain) RemoveBandwidth(bw dlentity.Bandwidth) {
	d.bwMu.Lock()
	defer d.bwMu.Unlock()
	d.totalBW = d.totalBW.Sub(bw)
}

// TotalBW returns the current admitted bandwidth sum.
func (d *Domain) TotalBW() dlentity.Bandwidth {
	d.bwMu.Lock()
	defer d.bwMu.Unlock()
	return d.totalBW
}

// SetOverload records cpu's overload transition in dlo_mask/dlo_count,
// maintaining the mask/count write ordering. It is a no-op if the CPU
// is already in the requested state.
func (d *Domain) SetOverload(cpu int, overloaded bool) {
	bit := uint64(1) << uint(cpu)
	was := d.dloMask.Load()&bit != 0
	if was == overloaded {
		return
	}
	if overloaded {
		d.dloMask.Or(bit)
		d.dloCount.Add(1)
	} else {
		d.dloCount.Add(-1)
		d.dloMask.And(^bit)
	}
}

// Overloaded reports whether cpu's bit is currently set.
func (d *Domain) Overloaded(cpu int) bool {
	return d.dloMask.Load()&(uint64(1)<<uint(cpu)) != 0
}

// OverloadCount returns dlo_count.
func (d *Domain) OverloadCount() int {
	return int(d.dloCount.Load())
}

// OverloadedCPUs returns the indices currently set in dlo_mask, in ascending
// order. Used by the pull engine to scan remote CPUs.
func (d *Domain) OverloadedCPUs() []int {
	mask := d.dloMask.Load()
	cpus := make([]int, 0, d.ncpu)
	for cpu := 0; cpu < d.ncpu; cpu++ {
		if mask&(uint64(1)<<uint(cpu)) != 0 {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}
