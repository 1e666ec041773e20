// Package buildinfo holds version metadata injected at link time.
package buildinfo

var (
	// Version is the release version, set with -ldflags "-X".
	Version = "dev"
	// Commit is the source revision.
	Commit = "none"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String formats the metadata for version output.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildDate + ")"
}
