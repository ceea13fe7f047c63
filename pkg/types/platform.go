package types

import (
	"fmt"
	"strings"
)

// Canonical operating systems
const (
	OSLinux   = "linux"
	OSDarwin  = "darwin"
	OSWindows = "windows"
	OSFreeBSD = "freebsd"
	OSOpenBSD = "openbsd"
)

// Canonical CPU architectures
const (
	ArchX86_64 = "x86_64"
	ArchX86    = "x86"
	ArchARM64  = "arm64"
	ArchARM    = "arm"
)

// PlatformKey identifies the (os, arch) pair a release asset is built for.
type PlatformKey struct {
	OS   string `json:"os" yaml:"os"`
	Arch string `json:"arch" yaml:"arch"`
}

// String renders the key as os/arch, the form used in asset tables.
func (k PlatformKey) String() string {
	return fmt.Sprintf("%s/%s", k.OS, k.Arch)
}

// GoArch returns the architecture in Go naming (amd64, 386, arm64, arm),
// which is what most release artifacts use in their file names.
func (k PlatformKey) GoArch() string {
	switch k.Arch {
	case ArchX86_64:
		return "amd64"
	case ArchX86:
		return "386"
	default:
		return k.Arch
	}
}

func (k PlatformKey) IsZero() bool {
	return k.OS == "" && k.Arch == ""
}

// IsWindows returns true if the platform is Windows
func (k PlatformKey) IsWindows() bool {
	return k.OS == OSWindows
}

// BinaryExtension returns the binary extension for the platform
func (k PlatformKey) BinaryExtension() string {
	if k.IsWindows() {
		return ".exe"
	}
	return ""
}

// AddExtension adds the appropriate binary extension to a filename
func (k PlatformKey) AddExtension(filename string) string {
	ext := k.BinaryExtension()
	if ext == "" || strings.HasSuffix(filename, ext) {
		return filename
	}
	return filename + ext
}

// TemplateData exposes the key to URL and pattern templates.
func (k PlatformKey) TemplateData() map[string]any {
	return map[string]any{
		"os":       k.OS,
		"arch":     k.Arch,
		"goarch":   k.GoArch(),
		"goos":     k.OS,
		"ext":      k.BinaryExtension(),
		"platform": k.String(),
	}
}
