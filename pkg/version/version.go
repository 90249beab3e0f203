// Package version exposes build identity for logging, user-agent strings,
// and protocol handshakes.
package version

import "runtime/debug"

// AppName is the application name used in version strings and handshakes.
const AppName = "tutord"

// release is set via -ldflags for tagged container builds. When empty the
// version falls back to VCS build info, then to "dev".
var release string

// String returns the best available version identifier.
func String() string {
	if release != "" {
		return release
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 8 {
				return s.Value[:8]
			}
		}
	}
	return "dev"
}

// UserAgent returns "tutord/<version>".
func UserAgent() string {
	return AppName + "/" + String()
}
