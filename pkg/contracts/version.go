// Package contracts holds the types and constants shared between the
// entitlement core and its consumers: the domain model under
// contracts/domain, plus the version identity below.
package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the entitlement core library version.
	Version = "1.0.0"

	// PayloadVersion identifies the canonical license serialization. A
	// signature over one payload version never verifies under another.
	PayloadVersion = "entcore.v1"

	// AuthorityAPIVersion is the activation authority wire protocol version.
	AuthorityAPIVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags.
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags.
	GitCommit = "unknown"
)

// VersionInfo contains detailed version information for diagnostics.
type VersionInfo struct {
	Version      string `json:"version"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Payload      string `json:"payload_version"`
	AuthorityAPI string `json:"authority_api_version"`
}

// GetVersionInfo returns detailed version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Payload:      PayloadVersion,
		AuthorityAPI: AuthorityAPIVersion,
	}
}

// GetVersionString returns a formatted version string.
func GetVersionString() string {
	return fmt.Sprintf("entcore v%s", Version)
}
