// Package version reports the build version shown by the CLI, the console banner and the status API.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "dev"
	// CommitHash is overridden by ldflags at build time.
	CommitHash = ""
	// BuildTime is overridden by ldflags at build time.
	BuildTime = ""

	vcsOnce sync.Once
)

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

func readVCS() {
	vcsOnce.Do(func() {
		if CommitHash != "" {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				CommitHash = setting.Value
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	})
}

// Get returns the build information, filling the commit from VCS stamps when ldflags left it empty.
func Get() Info {
	readVCS()
	return Info{Version: Version, Commit: CommitHash, BuildTime: BuildTime}
}

// GetInfo returns "version (shorthash)" or just the version.
func GetInfo() string {
	info := Get()
	if info.Commit == "" {
		return info.Version
	}
	short := info.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s (%s)", info.Version, short)
}
