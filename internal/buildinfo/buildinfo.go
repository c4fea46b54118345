// Package buildinfo carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/terrpan/pulsebuild/internal/buildinfo.Version=v0.3.0"
package buildinfo

import "fmt"

var (
	// Version is the release tag, or "dev".
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// String renders the metadata on one line, as printed by the version
// command.
func String() string {
	return fmt.Sprintf("pulsebuild %s (commit %s, built %s)", Version, Commit, BuildTime)
}
