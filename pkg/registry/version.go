package registry

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SplitCanonical splits "url|version" into its parts.
func SplitCanonical(canonical string) (url, version string) {
	if i := strings.IndexByte(canonical, '|'); i >= 0 {
		return canonical[:i], canonical[i+1:]
	}
	return canonical, ""
}

// CompareVersions orders two business versions. Versions with the same
// delimiter shape are compared part by part (numerically where both parts
// are numbers); anything else falls back to a plain string comparison, so
// "1.0.0-ballot" sorts after "1.0.0".
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	pa, da := splitVersion(a)
	pb, db := splitVersion(b)
	if len(pa) < 2 || da != db {
		return strings.Compare(a, b)
	}
	for i := range pa {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	return 0
}

// splitVersion splits on '.' and '-' and returns the parts with the sequence
// of delimiters seen.
func splitVersion(v string) ([]string, string) {
	var parts []string
	var delims strings.Builder
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] == '.' || v[i] == '-' {
			parts = append(parts, v[start:i])
			delims.WriteByte(v[i])
			start = i + 1
		}
	}
	parts = append(parts, v[start:])
	return parts, delims.String()
}

// MajorMinor returns the first two dotted components of v ("4.0.1" -> "4.0").
func MajorMinor(v string) string {
	if sv, err := semver.NewVersion(v); err == nil {
		return strconv.FormatUint(sv.Major(), 10) + "." + strconv.FormatUint(sv.Minor(), 10)
	}
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
