// Package version provides build-time version information.
package version

import "runtime/debug"

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the current version. Untagged builds report the VCS
// revision recorded by the toolchain, suffixed with "-dirty" when the
// working tree had local changes.
func String() string {
	if version != "dev" {
		return version
	}
	info, ok := readBuildInfo()
	if !ok {
		return version
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
	if rev == "" {
		return version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return version + "+" + rev
}
