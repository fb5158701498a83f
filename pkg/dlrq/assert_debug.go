//go:build debug

package dlrq

import "fmt"

// assertf panics on invariant breaches in debug builds.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
