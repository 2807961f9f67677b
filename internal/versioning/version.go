package versioning

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// APIVersion represents a semantic version for the operator API
type APIVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// String returns the version as a string (e.g., "1.2.3" or "1.2.3-beta")
func (v APIVersion) String() string {
	version := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		version += "-" + v.Prerelease
	}
	return version
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other. A release
// sorts after any prerelease of the same version.
func (v APIVersion) Compare(other APIVersion) int {
	for _, d := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	}
	return 1
}

var (
	V1_0_0 = APIVersion{Major: 1, Minor: 0, Patch: 0}
	V1_1_0 = APIVersion{Major: 1, Minor: 1, Patch: 0}
)

// CurrentVersion is served by this build. 1.1 added batch webhook parsing
// and notification preferences.
var CurrentVersion = V1_1_0

// MinimumSupportedVersion is the oldest version clients may request.
var MinimumSupportedVersion = V1_0_0

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9\-\.]+))?$`)

// ParseVersion parses "1.2.3" or "1.2.3-rc.1". "1" and "1.2" are expanded.
func ParseVersion(versionStr string) (APIVersion, error) {
	core, pre, hasPre := strings.Cut(versionStr, "-")
	switch strings.Count(core, ".") {
	case 0:
		core += ".0.0"
	case 1:
		core += ".0"
	}
	if hasPre {
		core += "-" + pre
	}

	matches := versionPattern.FindStringSubmatch(core)
	if len(matches) < 4 {
		return APIVersion{}, fmt.Errorf("invalid version format: %s", versionStr)
	}

	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return APIVersion{}, fmt.Errorf("invalid version component %q: %w", matches[i+1], err)
		}
		parts[i] = n
	}
	return APIVersion{Major: parts[0], Minor: parts[1], Patch: parts[2], Prerelease: matches[4]}, nil
}

// IsVersionSupported reports whether clients may request version.
func IsVersionSupported(version APIVersion) bool {
	return version.Compare(MinimumSupportedVersion) >= 0 &&
		version.Major <= CurrentVersion.Major
}

// GetVersionRange returns the supported version range as a string
func GetVersionRange() string {
	return fmt.Sprintf("%s - %s", MinimumSupportedVersion.String(), CurrentVersion.String())
}

// BuildInfo describes the running binary. The build fields are set from
// linker flags in cmd/omnidesk.
type BuildInfo struct {
	API       string `json:"apiVersion"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	GoVersion string `json:"goVersion"`
}

// NewBuildInfo fills the API and Go versions.
func NewBuildInfo(version, commit, buildTime string) BuildInfo {
	return BuildInfo{
		API:       CurrentVersion.String(),
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	}
}
