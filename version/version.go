package version

import (
	"fmt"
	"runtime"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version peers check against their
	// sync.min_peer_version constraint
	Version = "0.1.0-dev"
)

// ProtocolVersion changes whenever the sync wire format does
const ProtocolVersion = 1

// Info contains version and build information
type Info struct {
	CommitHash      string `json:"commit_hash"`
	BuildTime       string `json:"build_time"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	GoVersion       string `json:"go_version"`
	Platform        string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash:      CommitHash,
		BuildTime:       BuildTime,
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		GoVersion:       runtime.Version(),
		Platform:        fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("hub %s (protocol %d, commit %s, built %s)", i.Version, i.ProtocolVersion, i.CommitHash, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
