package version

import (
	"runtime/debug"
	"testing"
)

func TestVersionIsSet(t *testing.T) {
	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}

func withBuildInfo(t *testing.T, info *debug.BuildInfo, ok bool) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, ok }
	t.Cleanup(func() { readBuildInfo = orig })
}

func TestStringAppendsRevision(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.modified", Value: "true"},
	}}, true)

	if got, want := String(), "dev+0123456789ab-dirty"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestStringWithoutBuildInfo(t *testing.T) {
	withBuildInfo(t, nil, false)
	if got := String(); got != "dev" {
		t.Errorf("String() = %q, want dev", got)
	}
}

func TestStringPrefersLinkerVersion(t *testing.T) {
	orig := version
	version = "v1.2.0"
	t.Cleanup(func() { version = orig })
	withBuildInfo(t, &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}}, true)

	if got := String(); got != "v1.2.0" {
		t.Errorf("String() = %q, want v1.2.0", got)
	}
}
