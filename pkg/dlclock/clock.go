// Package dlclock implements wrap-safe comparisons and the CBS overflow
// predicate over 64-bit monotonic nanosecond clocks.
package dlclock

// Time is an absolute monotonic-clock nanosecond timestamp. It is treated
// modulo 2^64: comparisons use signed wraparound, never raw ordering.
type Time = uint64

// Duration is a relative nanosecond quantity.
type Duration = uint64

// Before reports whether a is strictly earlier than b, tolerating clock
// wraparound: the comparison is (int64)(a-b) < 0.
func Before(a, b Time) bool {
	return int64(a-b) < 0 //nolint:gosec // wrap-safe signed difference is the point
}

// BeforeOrEqual reports whether a is earlier than or equal to b, wrap-safe.
func BeforeOrEqual(a, b Time) bool {
	return a == b || Before(a, b)
}

// After reports whether a is strictly later than b, wrap-safe.
func After(a, b Time) bool {
	return Before(b, a)
}

// Overflows tests the CBS inequality runtime/(deadline-t) >= dlRuntime/dlDeadline
// by cross-multiplying to avoid floating point: (deadline-t)*dlRuntime <=
// dlDeadline*runtime. All operands are unsigned 64-bit nanosecond quantities;
// overflow is negligible at practical runtime/deadline magnitudes.
func Overflows(now, deadline Time, runtime, dlRuntime, dlDeadline Duration) bool {
	if !Before(now, deadline) {
		// deadline already passed; treat as overflowing so callers reset.
		return true
	}

	remaining := deadline - now

	return remaining*dlRuntime <= dlDeadline*runtime
}
