package version

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Normalize removes common prefixes and suffixes from version strings
// Handles: v1.2.3 -> 1.2.3, release-1.2.3 -> 1.2.3, go1.22.3 -> 1.22.3, jq-1.7 -> 1.7
func Normalize(version string) string {
	if version == "" {
		return version
	}

	version = strings.TrimSpace(version)

	version = strings.TrimPrefix(version, "version-")
	version = strings.TrimPrefix(version, "Version-")
	version = strings.TrimPrefix(version, "release-")
	version = strings.TrimPrefix(version, "Release-")
	if strings.HasPrefix(version, "go") && len(version) > 2 && isDigit(version[2]) {
		version = version[2:]
	}
	version = strings.TrimPrefix(version, "v")
	version = strings.TrimPrefix(version, "V")

	version = strings.TrimSuffix(version, "-release")
	version = strings.TrimSuffix(version, "-Release")

	if _, err := semver.NewVersion(version); err == nil {
		return version
	}

	// Strip package name prefix if present (e.g., "jq-1.7" -> "1.7")
	if idx := strings.IndexAny(version, "-_"); idx > 0 && !isDigit(version[0]) {
		possibleVersion := version[idx+1:]
		if looksLikeVersion(possibleVersion) {
			version = strings.TrimPrefix(strings.TrimPrefix(possibleVersion, "v"), "V")
		}
	}

	return version
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// looksLikeVersion requires at least MAJOR.MINOR so dates are not mistaken for versions
func looksLikeVersion(s string) bool {
	check := s
	if len(check) > 1 && (check[0] == 'v' || check[0] == 'V') {
		check = check[1:]
	}
	if len(check) == 0 || !isDigit(check[0]) {
		return false
	}
	dotIdx := strings.Index(check, ".")
	if dotIdx < 1 || dotIdx+1 >= len(check) || !isDigit(check[dotIdx+1]) {
		return false
	}
	if dashIdx := strings.Index(check, "-"); dashIdx > 0 && dashIdx < dotIdx {
		return false
	}
	return true
}

// Compare orders two versions numerically, component by component, so that
// 1.9.0 < 1.10.0. Returns -1, 0 or 1.
func Compare(v1, v2 string) int {
	norm1 := Normalize(v1)
	norm2 := Normalize(v2)
	if norm1 == norm2 {
		return 0
	}

	sv1, err1 := semver.NewVersion(norm1)
	sv2, err2 := semver.NewVersion(norm2)
	if err1 == nil && err2 == nil {
		return sv1.Compare(sv2)
	}

	return compareSegments(norm1, norm2)
}

// compareSegments splits versions into runs of digits and non-digits,
// comparing digit runs as integers. A release sorts after any pre-release
// suffix of the same numeric prefix (1.22 > 1.22rc1).
func compareSegments(a, b string) int {
	sa, sb := segments(a), segments(b)
	for i := 0; i < len(sa) && i < len(sb); i++ {
		na, errA := strconv.ParseUint(sa[i], 10, 64)
		nb, errB := strconv.ParseUint(sb[i], 10, 64)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				return cmpInt(na, nb)
			}
		case errA == nil:
			return 1
		case errB == nil:
			return -1
		default:
			if c := strings.Compare(sa[i], sb[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(sa) == len(sb):
		return 0
	case len(sa) > len(sb):
		// extra numeric components are a later version, extra text a pre-release
		if _, err := strconv.ParseUint(sa[len(sb)], 10, 64); err == nil {
			return 1
		}
		return -1
	default:
		return -compareSegments(b, a)
	}
}

func cmpInt(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

func segments(v string) []string {
	var out []string
	var cur strings.Builder
	digit := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '.' || c == '-' || c == '_' || c == '+' {
			flush()
			continue
		}
		if isDigit(c) != digit {
			flush()
			digit = isDigit(c)
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

// AtLeast reports whether v >= min.
func AtLeast(v, min string) bool {
	return Compare(v, min) >= 0
}

// Equal reports whether two versions are the same once normalized.
func Equal(v1, v2 string) bool {
	return Compare(v1, v2) == 0
}

var prereleaseMarkers = regexp.MustCompile(`(?i)(rc|alpha|beta|pre|dev|nightly|snapshot|preview)[.\-_]?\d*`)

// IsStable reports whether a tag is a final release.
func IsStable(tag string) bool {
	norm := Normalize(tag)
	if sv, err := semver.NewVersion(norm); err == nil && sv.Prerelease() != "" {
		return false
	}
	return !prereleaseMarkers.MatchString(norm)
}

// SortDescending sorts tags newest first.
func SortDescending(tags []string) {
	sort.SliceStable(tags, func(i, j int) bool {
		return Compare(tags[i], tags[j]) > 0
	})
}

// LatestStable returns the highest stable tag.
func LatestStable(tags []string) (string, bool) {
	var best string
	for _, t := range tags {
		if !IsStable(t) {
			continue
		}
		if best == "" || Compare(t, best) > 0 {
			best = t
		}
	}
	return best, best != ""
}

var defaultVersionPattern = `v?(\d+(?:\.\d+)+(?:[-+][a-zA-Z0-9\-_.+]+)?)`

// ExtractFromOutput extracts a version from command output. An empty pattern
// uses a default that matches dotted numeric versions.
func ExtractFromOutput(output, pattern string) (string, error) {
	if pattern == "" {
		pattern = defaultVersionPattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid version pattern: %w", err)
	}

	matches := re.FindStringSubmatch(output)
	if len(matches) < 2 {
		return "", fmt.Errorf("version not found in output")
	}

	return Normalize(matches[1]), nil
}

// Tag renders a version as a git tag using the v prefix convention.
func Tag(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
