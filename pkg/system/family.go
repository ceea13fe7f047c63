package system

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/shirou/gopsutil/v4/host"
)

// Family is a group of distributions sharing a package manager.
type Family string

const (
	FamilyDebian  Family = "debian"
	FamilyRHEL    Family = "rhel"
	FamilyFedora  Family = "fedora"
	FamilyAlpine  Family = "alpine"
	FamilyArch    Family = "arch"
	FamilyDarwin  Family = "darwin"
	FamilyUnknown Family = "unknown"
)

// Detection sources, in priority order
const (
	SourceOSRelease = "os-release"
	SourceMarker    = "marker-file"
	SourceHost      = "host-info"
	SourceCommand   = "command"
)

var familyMap = map[string]Family{
	"debian":    FamilyDebian,
	"ubuntu":    FamilyDebian,
	"raspbian":  FamilyDebian,
	"linuxmint": FamilyDebian,
	"pop":       FamilyDebian,
	"rhel":      FamilyRHEL,
	"centos":    FamilyRHEL,
	"rocky":     FamilyRHEL,
	"almalinux": FamilyRHEL,
	"amzn":      FamilyRHEL,
	"ol":        FamilyRHEL,
	"fedora":    FamilyFedora,
	"alpine":    FamilyAlpine,
	"arch":      FamilyArch,
	"archarm":   FamilyArch,
	"manjaro":   FamilyArch,
}

// markerFiles are checked in order when os-release is missing or unknown.
var markerFiles = []struct {
	path   string
	family Family
}{
	{"etc/debian_version", FamilyDebian},
	{"etc/alpine-release", FamilyAlpine},
	{"etc/arch-release", FamilyArch},
	{"etc/fedora-release", FamilyFedora},
	{"etc/redhat-release", FamilyRHEL},
	{"etc/centos-release", FamilyRHEL},
}

// MapFamily maps a distribution id to its family.
func MapFamily(id string) Family {
	if f, ok := familyMap[strings.ToLower(strings.Trim(strings.TrimSpace(id), `"'`))]; ok {
		return f
	}
	return FamilyUnknown
}

// FamilyDetector identifies the distribution family of the host.
type FamilyDetector struct {
	// Root is prepended to every probed file, "/" on a real host
	Root   string
	GOOS   string
	Runner command.Runner
	// hostInfo returns gopsutil's platform, family and version
	hostInfo func(ctx context.Context) (string, string, string, error)
}

func NewFamilyDetector(runner command.Runner) *FamilyDetector {
	return &FamilyDetector{
		Root:     "/",
		GOOS:     runtime.GOOS,
		Runner:   runner,
		hostInfo: host.PlatformInformationWithContext,
	}
}

// Detect returns the family and the signal it was derived from: os-release
// first, then marker files, then gopsutil host info, then the package
// manager binaries on PATH.
func (d *FamilyDetector) Detect(ctx context.Context) (Family, string) {
	if d.GOOS == "darwin" {
		return FamilyDarwin, "goos"
	}

	for _, name := range []string{"etc/os-release", "usr/lib/os-release"} {
		fields, err := ParseOSRelease(d.path(name))
		if err != nil {
			continue
		}
		if f := MapFamily(fields["ID"]); f != FamilyUnknown {
			return f, SourceOSRelease
		}
		for _, like := range strings.Fields(strings.Trim(fields["ID_LIKE"], `"'`)) {
			if f := MapFamily(like); f != FamilyUnknown {
				return f, SourceOSRelease
			}
		}
		logger.V(3).Infof("os-release id %q is not a known family", fields["ID"])
		break
	}

	for _, m := range markerFiles {
		if _, err := os.Stat(d.path(m.path)); err == nil {
			return m.family, SourceMarker
		}
	}

	if d.hostInfo != nil {
		if platform, family, _, err := d.hostInfo(ctx); err == nil {
			if f := MapFamily(family); f != FamilyUnknown {
				return f, SourceHost
			}
			if f := MapFamily(platform); f != FamilyUnknown {
				return f, SourceHost
			}
		}
	}

	if d.Runner != nil {
		for _, name := range []string{"apt-get", "dnf", "yum", "apk", "pacman", "brew"} {
			if _, err := d.Runner.LookPath(name); err == nil {
				return Managers[managerForBinary(name)].Family, SourceCommand
			}
		}
	}
	return FamilyUnknown, ""
}

func (d *FamilyDetector) path(rel string) string {
	root := d.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, rel)
}

// ParseOSRelease reads KEY=value pairs from an os-release file.
func ParseOSRelease(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"'`)
	}
	return fields, scanner.Err()
}
