// Package buildinfo carries the version stamp linked into the dlsim binary.
package buildinfo

import "fmt"

// Overridden via -ldflags "-X dlsched/internal/buildinfo.version=..." at
// release time; the zero build identifies itself as a development tree.
var (
	version   = "devel"
	gitCommit = ""
	buildDate = ""
)

// Info is one build's identity, as logged at startup.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
}

// Current resolves the linked stamp, substituting placeholders for fields a
// development build leaves empty.
func Current() Info {
	info := Info{Version: version, GitCommit: gitCommit, BuildDate: buildDate}

	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}

	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}

	return info
}

// String renders the stamp as a single log-friendly line.
func (i Info) String() string {
	return fmt.Sprintf("dlsim %s (commit %s, built %s)", i.Version, i.GitCommit, i.BuildDate)
}
