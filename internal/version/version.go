// Package version carries build metadata injected with -ldflags, e.g.
//
//	-X github.com/zianncupcake/myfoods-backend/internal/version.Version=v1.2.0
package version

import "runtime"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String renders the version on one line for logs.
func String() string {
	return Version + " (" + GitCommit + ", " + BuildTime + ")"
}
