package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/types"
)

// Signal sources, in priority order
const (
	SourceOverride  = "override"
	SourceMachine   = "machine"
	SourceRuntime   = "runtime"
	SourceHeuristic = "vendor-heuristic"
)

// Detection is a platform key together with the signal it was derived from.
type Detection struct {
	types.PlatformKey
	Source string
	// Raw is the unnormalized architecture string
	Raw string
}

// Probe detects the platform key of the current host.
type Probe struct {
	Runner command.Runner
	// OS and Arch force a result when set
	OS   string
	Arch string

	goos     string
	goarch   string
	getenv   func(string) string
	readFile func(string) ([]byte, error)
}

func NewProbe(runner command.Runner) *Probe {
	return &Probe{
		Runner:   runner,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		getenv:   os.Getenv,
		readFile: os.ReadFile,
	}
}

// WithHost replaces the compiled-in runtime values, used to simulate other hosts.
func (p *Probe) WithHost(goos, goarch string, getenv func(string) string, readFile func(string) ([]byte, error)) *Probe {
	p.goos = goos
	p.goarch = goarch
	if getenv != nil {
		p.getenv = getenv
	}
	if readFile != nil {
		p.readFile = readFile
	}
	return p
}

// Detect returns the canonical platform key or a PlatformUnsupported error.
func (p *Probe) Detect(ctx context.Context) (types.PlatformKey, error) {
	d, err := p.Describe(ctx)
	if err != nil {
		return types.PlatformKey{}, err
	}
	return d.PlatformKey, nil
}

// Describe detects the platform and reports which signal decided the arch.
func (p *Probe) Describe(ctx context.Context) (Detection, error) {
	rawOS := p.OS
	if rawOS == "" {
		rawOS = p.goos
	}
	osName, ok := NormalizeOS(rawOS)
	if !ok {
		return Detection{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unrecognized operating system %q", rawOS)
	}

	if p.Arch != "" {
		arch, ok := NormalizeArch(p.Arch)
		if !ok {
			return Detection{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unrecognized architecture %q", p.Arch)
		}
		return Detection{PlatformKey: types.PlatformKey{OS: osName, Arch: arch}, Source: SourceOverride, Raw: p.Arch}, nil
	}

	if raw := p.machineArch(ctx, osName); raw != "" {
		arch, ok := NormalizeArch(raw)
		if !ok {
			return Detection{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unrecognized machine architecture %q", raw)
		}
		return Detection{PlatformKey: types.PlatformKey{OS: osName, Arch: arch}, Source: SourceMachine, Raw: raw}, nil
	}

	if arch, ok := NormalizeArch(p.goarch); ok {
		return Detection{PlatformKey: types.PlatformKey{OS: osName, Arch: arch}, Source: SourceRuntime, Raw: p.goarch}, nil
	}

	if raw := p.vendorHeuristic(ctx); raw != "" {
		logger.Warnf("Architecture derived from processor vendor heuristics (%s), direct machine signal unavailable", raw)
		if arch, ok := NormalizeArch(raw); ok {
			return Detection{PlatformKey: types.PlatformKey{OS: osName, Arch: arch}, Source: SourceHeuristic, Raw: raw}, nil
		}
	}

	return Detection{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unable to determine architecture on %s (runtime reports %q)", osName, p.goarch)
}

// machineArch returns the uname -m equivalent for the host, or "".
func (p *Probe) machineArch(ctx context.Context, osName string) string {
	if osName == types.OSWindows {
		// WOW64 processes see the emulated arch in PROCESSOR_ARCHITECTURE
		if v := p.getenv("PROCESSOR_ARCHITEW6432"); v != "" {
			return v
		}
		return p.getenv("PROCESSOR_ARCHITECTURE")
	}
	if p.Runner == nil {
		return ""
	}

	if osName == types.OSDarwin {
		// Rosetta translated shells report x86_64 from uname
		res := p.Runner.Run(ctx, command.Cmd{Name: "sysctl", Args: []string{"-n", "hw.optional.arm64"}})
		if res.Success() && strings.TrimSpace(res.Stdout) == "1" {
			return "arm64"
		}
	}

	res := p.Runner.Run(ctx, command.Cmd{Name: "uname", Args: []string{"-m"}})
	if !res.Success() {
		logger.V(3).Infof("uname -m failed: %v", res.Err)
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// vendorHeuristic guesses the architecture from processor and vendor names.
// It is only consulted when neither the machine string nor the runtime is usable.
func (p *Probe) vendorHeuristic(ctx context.Context) string {
	var hints []string
	if p.Runner != nil {
		if res := p.Runner.Run(ctx, command.Cmd{Name: "uname", Args: []string{"-p"}}); res.Success() {
			hints = append(hints, res.Stdout)
		}
	}
	if data, err := p.readFile("/proc/cpuinfo"); err == nil {
		hints = append(hints, string(data))
	}
	return archFromVendor(strings.Join(hints, "\n"))
}

func archFromVendor(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "aarch64"), strings.Contains(lower, "apple m"), strings.Contains(lower, "neoverse"):
		return "arm64"
	case strings.Contains(lower, "armv7"), strings.Contains(lower, "armv6"):
		return "arm"
	case strings.Contains(lower, "x86_64"), strings.Contains(lower, "genuineintel"), strings.Contains(lower, "authenticamd"),
		strings.Contains(lower, "intel"), strings.Contains(lower, "amd"):
		return "x86_64"
	}
	return ""
}

// NormalizeOS maps OS aliases to the canonical set.
func NormalizeOS(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linux":
		return types.OSLinux, true
	case "darwin", "macos", "osx", "mac":
		return types.OSDarwin, true
	case "windows", "win", "win32", "win64":
		return types.OSWindows, true
	case "freebsd":
		return types.OSFreeBSD, true
	case "openbsd":
		return types.OSOpenBSD, true
	}
	return "", false
}

// NormalizeArch maps machine strings to the canonical set. Unknown strings
// are rejected rather than guessed.
func NormalizeArch(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "x86_64", "amd64", "x64", "em64t":
		return types.ArchX86_64, true
	case "i386", "i486", "i586", "i686", "x86", "386":
		return types.ArchX86, true
	case "aarch64", "arm64", "aarch64_be", "armv8", "armv8l", "arm64e":
		return types.ArchARM64, true
	case "arm", "armv6", "armv6l", "armv7", "armv7l", "armhf", "armel":
		return types.ArchARM, true
	}
	return "", false
}

// Parse parses "os/arch" or "os-arch" into a canonical key.
func Parse(s string) (types.PlatformKey, error) {
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return types.PlatformKey{}, fmt.Errorf("invalid platform %q (expected os/arch)", s)
	}
	osName, ok := NormalizeOS(parts[0])
	if !ok {
		return types.PlatformKey{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unrecognized operating system %q", parts[0])
	}
	arch, ok := NormalizeArch(parts[1])
	if !ok {
		return types.PlatformKey{}, types.Errorf(types.KindPlatformUnsupported, "platform", "unrecognized architecture %q", parts[1])
	}
	return types.PlatformKey{OS: osName, Arch: arch}, nil
}

// Supported returns every key the probe can produce.
func Supported() []types.PlatformKey {
	var keys []types.PlatformKey
	for _, o := range []string{types.OSLinux, types.OSDarwin, types.OSWindows, types.OSFreeBSD, types.OSOpenBSD} {
		for _, a := range []string{types.ArchX86_64, types.ArchX86, types.ArchARM64, types.ArchARM} {
			keys = append(keys, types.PlatformKey{OS: o, Arch: a})
		}
	}
	return keys
}
