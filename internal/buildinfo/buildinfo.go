// Package buildinfo carries version metadata stamped with -ldflags, for
// example:
//
//	go build -ldflags "-X github.com/nugget/apiloop/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata for the version endpoint and
// the version command.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, in whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound request, both to the resource API
// and to model providers.
func UserAgent() string {
	return fmt.Sprintf("Apiloop/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is a one-line summary for startup logs.
func String() string {
	return fmt.Sprintf("Apiloop %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
