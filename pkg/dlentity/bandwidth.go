package dlentity

import "dlsched/pkg/dlclock"

// bwScale is the Q32.32 fixed-point scale used to represent reserved
// bandwidth (runtime/deadline, a value in (0,1]) without floating point.
const bwScale = uint64(1) << 32

// Bandwidth is a fixed-point fraction in [0, bwScale], representing a
// reservation of runtime/deadline of one CPU. total_bw (see pkg/domain)
// is the sum of these across every admitted task.
type Bandwidth uint64

// NewBandwidth computes runtime/deadline as a Q32.32 fixed-point value.
func NewBandwidth(runtime, deadline dlclock.Duration) Bandwidth {
	if deadline == 0 {
		return 0
	}
	return Bandwidth((uint64(runtime) * bwScale) / uint64(deadline))
}

// Float64 renders the bandwidth as a plain fraction, for logging/metrics only.
func (b Bandwidth) Float64() float64 {
	return float64(b) / float64(bwScale)
}

// Add returns the sum of two bandwidths, saturating is not attempted: the
// domain total is expected to stay well under the CPU count in practice.
func (b Bandwidth) Add(o Bandwidth) Bandwidth {
	return b + o
}

// Sub returns b-o, clamped at zero (a task's own withdrawal can never make
// the running total negative; clamping guards against accounting drift).
func (b Bandwidth) Sub(o Bandwidth) Bandwidth {
	if o > b {
		return 0
	}
	return b - o
}
