// Package buildinfo holds the version/commit/date values LDFLAGS stamp
// into the binary at link time, matching the version/commit/date vars in
// client/doublezerod/cmd/doublezerod/main.go.
package buildinfo

// Set via: -ldflags "-X github.com/sentrynode/sentryd/internal/buildinfo.Version=... -X .../Commit=... -X .../Date=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
