package version

import (
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X".
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func (i Info) String() string {
	if i.Commit == "" || i.Commit == "unknown" {
		return "v" + i.Version
	}
	return fmt.Sprintf("v%s (%s, built %s)", i.Version, i.Commit, i.Date)
}

// Current reports the running build. Commit and date fall back to the VCS
// stamp the go tool embeds when ldflags did not set them.
func Current() Info {
	info := Info{Version: Resolve(), Commit: Commit, Date: Date}
	if info.Commit != "unknown" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = withBuildSettings(info, bi.Settings)
	}
	return info
}

func withBuildSettings(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 12 {
				info.Commit = s.Value[:12]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if s.Value != "" {
				info.Date = s.Value
			}
		}
	}
	return info
}

// Resolve returns the version, suffixed with git describe output when run
// from a checkout whose HEAD is not a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

type gitFunc func(args ...string) (string, error)

func resolveVersion(base string, git gitFunc) string {
	base = strings.TrimPrefix(strings.TrimSpace(base), "v")
	if base == "" {
		base = "0.0.0"
	}
	if suffix := describeSuffix(base, git); suffix != "" {
		return base + "-" + suffix
	}
	return base
}

func describeSuffix(base string, git gitFunc) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}
	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil || desc == "" {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
