// Package version holds the release version stamped into the binary.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/seamux/seamux/pkg/version.Version=...".
var Version = "dev-undefined"
