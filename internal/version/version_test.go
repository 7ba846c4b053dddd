package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSemver(t *testing.T) {
	cases := []struct {
		in                  string
		major, minor, patch int
	}{
		{"1.2.3", 1, 2, 3},
		{"v1.2.3-rc1", 1, 2, 3},
		{"0.4.0+build.7", 0, 4, 0},
		{"dev", 0, 0, 0},
		{"1.2", 0, 0, 0},
		{"1.x.3", 0, 0, 0},
	}
	for _, tc := range cases {
		major, minor, patch := semver(tc.in)
		assert.Equal(t, [3]int{tc.major, tc.minor, tc.patch}, [3]int{major, minor, patch}, tc.in)
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "v1.2.3-rc1", GitCommit: "abc123", Built: "2026-01-11T12:34:56Z"}
	assert.Equal(t, "fleet v1.2.3-rc1 (abc123) built 2026-01-11T12:34:56Z", info.String())

	info.Modified = true
	info.Built = ""
	assert.Equal(t, "fleet v1.2.3-rc1 (abc123+dirty)", info.String())
	assert.Equal(t, "fleet dev", Info{Version: "dev"}.String())
}

func TestBuildSettingsFillGaps(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-02-01T00:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	var fromVCS Info
	fromVCS.fromBuild(settings)
	assert.Equal(t, "0123456789ab", fromVCS.GitCommit)
	assert.Equal(t, "2026-02-01T00:00:00Z", fromVCS.Built)
	assert.True(t, fromVCS.Modified)

	stamped := Info{GitCommit: "release", Built: "yesterday"}
	stamped.fromBuild(settings)
	assert.Equal(t, "release", stamped.GitCommit)
	assert.Equal(t, "yesterday", stamped.Built)
}

func TestGetUsesLinkerValues(t *testing.T) {
	previous := Version
	Version = "v2.0.1"
	t.Cleanup(func() { Version = previous })

	info := Get()
	assert.Equal(t, "v2.0.1", info.Version)
	assert.Equal(t, 2, info.Major)
	assert.Equal(t, 1, info.Patch)
	assert.NotEmpty(t, info.GoVersion)
}
