// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build metadata as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	}
}

// RuntimeInfo returns [Info] plus platform and uptime, for the
// version endpoint.
func RuntimeInfo() map[string]string {
	info := Info()
	info["os"] = runtime.GOOS
	info["arch"] = runtime.GOARCH
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return "toolloop/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("toolloop %s (%s) built %s", Version, GitCommit, BuildTime)
}
