// Package build holds version metadata stamped in at link time via
// -ldflags, surfaced by the `-V/--version` flag.
package build

// Version is overwritten at build time, e.g.
// -ldflags "-X github.com/jakeflow/jake/internal/build.Version=1.4.0".
var Version = "dev"

// AppName is the program name shown in --version and usage output.
const AppName = "jake"
