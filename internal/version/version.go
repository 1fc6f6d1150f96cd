// Package version holds build information stamped in with ldflags:
//
//	go build -ldflags "-X github.com/klustron/klagent/internal/version.Version=1.2.0 \
//	                   -X github.com/klustron/klagent/internal/version.Commit=abc123 \
//	                   -X github.com/klustron/klagent/internal/version.BuildTime=2026-01-29T12:00:00Z"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info returns the version line for binary name.
func Info(name string) string {
	return name + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
