// Package version provides version information for cmdgate.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set at build time via:
// -ldflags "-X github.com/xdg/cmdgate/internal/version.Version=v1.0.0"
var Version = "dev"

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Revision returns the VCS revision stamped by the Go toolchain, shortened
// to 12 characters, with a "+dirty" suffix for modified trees. It returns
// "" when the binary carries no VCS information.
func Revision() string {
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "+dirty"
	}
	return rev
}

// String returns the full version line printed by "cmdgate --version".
func String() string {
	v := Version
	if rev := Revision(); rev != "" {
		v += " (" + rev + ")"
	}
	return fmt.Sprintf("%s %s/%s %s", v, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
