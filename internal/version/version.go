// Package version holds build metadata.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// Commit is set at build time via -ldflags.
var Commit = ""

// String returns a one-line description of the build.
func String() string {
	s := "courier " + Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	return fmt.Sprintf("%s %s/%s %s", s, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
