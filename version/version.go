// Package version carries the build stamp set through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/teranos/ingestd/version.Version=v0.3.0 -X ..."
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

const name = "ingestd"

// Info is the build stamp of the running binary
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	Modified   bool   `json:"modified,omitempty"`
}

// Get returns the stamp. Unstamped builds fall back to the VCS settings
// the Go toolchain embeds, so `go install` binaries still report a commit.
func Get() Info {
	info := Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.CommitHash == "dev" {
		info.fromBuildInfo()
	}
	return info
}

func (i *Info) fromBuildInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.CommitHash = s.Value
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

func (i Info) String() string {
	commit := i.CommitHash
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s %s (commit %s, built %s)", name, i.Version, commit, i.BuildTime)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies ingestd to the scheduler and to upstream APIs,
// e.g. "ingestd/v0.3.0 (linux/amd64; 1a2b3c4)".
func UserAgent() string {
	i := Get()
	return fmt.Sprintf("%s/%s (%s; %s)", name, i.Version, i.Platform, i.Short())
}
