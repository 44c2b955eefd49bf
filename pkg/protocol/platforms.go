package protocol

import "strings"

// PlatformClass groups operating systems by how their hosts are updated.
type PlatformClass string

const (
	PlatformDesktop PlatformClass = "desktop"
	PlatformMobile  PlatformClass = "mobile"
	PlatformUnknown PlatformClass = "unknown"
)

// Platform describes an operating system a host may report.
type Platform struct {
	Class PlatformClass
	// Segment is the path segment used in release download URLs.
	Segment string
}

// KnownPlatforms maps a normalized OS name to its platform.
var KnownPlatforms = map[string]Platform{
	OSWindows: {Class: PlatformDesktop, Segment: "win-x64"},
	OSMacOS:   {Class: PlatformDesktop, Segment: "osx"},
	OSDarwin:  {Class: PlatformDesktop, Segment: "osx"},
	OSLinux:   {Class: PlatformDesktop, Segment: "linux-x64"},
	OSAndroid: {Class: PlatformMobile},
	OSIOS:     {Class: PlatformMobile},
}

// OS name constants.
const (
	OSWindows = "windows"
	OSMacOS   = "macos"
	OSDarwin  = "darwin"
	OSLinux   = "linux"
	OSAndroid = "android"
	OSIOS     = "ios"
)

// LookupPlatform returns the platform for an OS name as reported by a host.
// Matching is case-insensitive and tolerates version suffixes such as
// "Windows 11" or "linux-6.8".
func LookupPlatform(osName string) Platform {
	name := strings.ToLower(strings.TrimSpace(osName))
	if p, ok := KnownPlatforms[name]; ok {
		return p
	}
	for known, p := range KnownPlatforms {
		if strings.HasPrefix(name, known) {
			return p
		}
	}
	return Platform{Class: PlatformUnknown}
}
