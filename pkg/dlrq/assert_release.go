//go:build !debug

package dlrq

// assertf is a no-op outside debug builds.
func assertf(bool, string, ...any) {}
