package types

import "time"

// Catalog sources
const (
	SourceGitHub = "github"
	SourceIndex  = "index"
	SourceStatic = "static"
)

// BinaryDefinition is everything needed to provision one daemon binary.
type BinaryDefinition struct {
	Name        string   `json:"name" yaml:"name"`
	Aliases     []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	// BinaryName defaults to Name
	BinaryName string `json:"binary_name,omitempty" yaml:"binary_name,omitempty"`
	// VersionFlag is passed to the binary to check it runs, defaults to --version
	VersionFlag string `json:"version_flag,omitempty" yaml:"version_flag,omitempty"`
	// NameFragment must appear in the version output, defaults to BinaryName
	NameFragment string `json:"name_fragment,omitempty" yaml:"name_fragment,omitempty"`
	// VersionPattern extracts the version from the version output
	VersionPattern string `json:"version_pattern,omitempty" yaml:"version_pattern,omitempty"`
	// Version is the default version; "latest" resolves to the latest stable release
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// ExtraBinaries ship in the same archive and are installed alongside
	ExtraBinaries []string       `json:"extra_binaries,omitempty" yaml:"extra_binaries,omitempty"`
	Catalog       CatalogSpec    `json:"catalog" yaml:"catalog"`
	Dependencies  DependencySpec `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Build         *BuildSpec     `json:"build,omitempty" yaml:"build,omitempty"`
	Hooks         []HookSpec     `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

func (d BinaryDefinition) GetBinaryName() string {
	if d.BinaryName != "" {
		return d.BinaryName
	}
	return d.Name
}

func (d BinaryDefinition) GetVersionFlag() string {
	if d.VersionFlag != "" {
		return d.VersionFlag
	}
	return "--version"
}

func (d BinaryDefinition) GetNameFragment() string {
	if d.NameFragment != "" {
		return d.NameFragment
	}
	return d.GetBinaryName()
}

// CatalogSpec configures where releases of a binary are listed.
type CatalogSpec struct {
	// Source is one of github, index or static
	Source string `json:"source" yaml:"source"`
	// Repo is owner/name for github sources
	Repo string `json:"repo,omitempty" yaml:"repo,omitempty"`
	// VersionsURL lists one tag per line for index sources
	VersionsURL string `json:"versions_url,omitempty" yaml:"versions_url,omitempty"`
	// URLTemplate builds the asset URL for index and static sources
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty"`
	// ChecksumTemplate builds a sidecar checksum URL for index and static sources
	ChecksumTemplate string `json:"checksum_template,omitempty" yaml:"checksum_template,omitempty"`
	// AssetPatterns maps os/arch to an anchored regular expression on asset names
	AssetPatterns map[string]string `json:"asset_patterns,omitempty" yaml:"asset_patterns,omitempty"`
	// Platforms lists the os/arch keys index and static sources publish
	Platforms []string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	// Checksums pins content hashes per os/arch for static sources
	Checksums map[string]string `json:"checksums,omitempty" yaml:"checksums,omitempty"`
	// TagFilter is a CEL expression over `tag` selecting usable releases
	TagFilter string `json:"tag_filter,omitempty" yaml:"tag_filter,omitempty"`
	// BinaryPath is a glob locating the binary inside the archive
	BinaryPath string `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
}

// BuildSpec describes how to compile a binary from its source repository.
type BuildSpec struct {
	Repo string `json:"repo" yaml:"repo"`
	// TagTemplate turns a version into a git tag, defaults to v{{.version}}
	TagTemplate string            `json:"tag_template,omitempty" yaml:"tag_template,omitempty"`
	Command     []string          `json:"command" yaml:"command"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Binaries are paths relative to the source tree
	Binaries   []string       `json:"binaries" yaml:"binaries"`
	Submodules bool           `json:"submodules,omitempty" yaml:"submodules,omitempty"`
	Toolchain  *ToolchainSpec `json:"toolchain,omitempty" yaml:"toolchain,omitempty"`
	Tools      []ToolSpec     `json:"tools,omitempty" yaml:"tools,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ToolchainSpec is a compiler that can be installed privately when the host
// lacks it or has one that is too old.
type ToolchainSpec struct {
	Name       string `json:"name" yaml:"name"`
	MinVersion string `json:"min_version" yaml:"min_version"`
	// Version is the pinned version installed when the host toolchain is unusable
	Version     string `json:"version" yaml:"version"`
	URLTemplate string `json:"url_template" yaml:"url_template"`
}

// ToolSpec is an auxiliary build tool such as git, make or jq.
type ToolSpec struct {
	Name     string              `json:"name" yaml:"name"`
	Packages map[string][]string `json:"packages,omitempty" yaml:"packages,omitempty"`
	// URLTemplate downloads a portable single-file build when packages cannot be installed
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty"`
}

// LibrarySource is a non-privileged download location for a native library.
type LibrarySource struct {
	// URL is a template for a direct archive download
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// IndexURL is a template for an HTML directory listing
	IndexURL string `json:"index_url,omitempty" yaml:"index_url,omitempty"`
	// Pattern selects archives from the listing, the first group is the version
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Files are globs within the archive copied into the private lib dir
	Files []string `json:"files" yaml:"files"`
	// Platforms maps os/arch to the label exposed to templates as {{.label}}
	Platforms map[string]string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

// Hook kinds
const (
	HookParams = "params"
	HookExec   = "exec"
)

// HookSpec is a post-install action run against the installed binary.
type HookSpec struct {
	Name string `json:"name" yaml:"name"`
	// Kind is params (skipped by --skip-params) or exec
	Kind    string        `json:"kind" yaml:"kind"`
	Args    []string      `json:"args" yaml:"args"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}
