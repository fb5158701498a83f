//go:build !(linux && rootful)

package workload

// trySchedIdle is a no-op where SCHED_IDLE is unavailable or the build is
// not privileged.
func trySchedIdle() error { return nil }
