// Package version reports build metadata for `fleet version`.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// Set with -ldflags "-X fleet/internal/version.Version=...". An empty
// GitCommit falls back to the VCS revision recorded by the Go toolchain.
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	info := Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
	info.Major, info.Minor, info.Patch = semver(Version)
	if build, ok := debug.ReadBuildInfo(); ok {
		info.fromBuild(build.Settings)
	}
	return info
}

func (i *Info) fromBuild(settings []debug.BuildSetting) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			if i.GitCommit == "" {
				i.GitCommit = shortRevision(setting.Value)
			}
		case "vcs.time":
			if i.Built == "" {
				i.Built = setting.Value
			}
		case "vcs.modified":
			i.Modified = setting.Value == "true"
		}
	}
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString("fleet ")
	b.WriteString(i.Version)
	if i.GitCommit != "" {
		commit := i.GitCommit
		if i.Modified {
			commit += "+dirty"
		}
		fmt.Fprintf(&b, " (%s)", commit)
	}
	if i.Built != "" {
		b.WriteString(" built ")
		b.WriteString(i.Built)
	}
	return b.String()
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// semver reads "1.2.3", "v1.2.3" or "1.2.3-rc1". Anything else is 0.0.0.
func semver(value string) (major, minor, patch int) {
	core, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(value), "v"), "-")
	core, _, _ = strings.Cut(core, "+")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return 0, 0, 0
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, 0, 0
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2]
}
