// Package version carries build metadata injected via -ldflags.
package version

import "fmt"

var (
	Build  = "dev"
	Commit = "none"
	Date   = "unknown"
)

// String renders the build for logs and the version command.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Build, Commit, Date)
}
