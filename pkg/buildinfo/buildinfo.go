package buildinfo

import "runtime/debug"

// Version is filled in at build time, with -ldflags "-X github.com/cyclopcam/snapdetect/pkg/buildinfo.Version=1.2.3".
// If it's empty, we fall back to the VCS revision that the Go toolchain embeds.
var Version = ""

// Return our version, or "dev" if we have no idea
func GetVersion() string {
	if Version != "" {
		return Version
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
