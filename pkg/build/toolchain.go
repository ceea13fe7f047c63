package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/extract"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/flanksource/provision/pkg/version"
)

// DefaultGoURL is the official Go distribution archive.
const DefaultGoURL = "https://go.dev/dl/go{{.version}}.{{.os}}-{{.goarch}}.tar.gz"

// goVersion matches "go version go1.22.5 linux/amd64" and "go1.23rc1".
var goVersion = regexp.MustCompile(`go(\d+\.\d+(?:\.\d+)?)`)

// Toolchain is a resolved compiler and the environment to build with it.
type Toolchain struct {
	Name    string
	Version string
	// Dir is set for privately installed toolchains
	Dir string
	Env map[string]string
}

// ToolchainDir is where a pinned toolchain version is installed.
func (b *Builder) ToolchainDir(spec types.ToolchainSpec) string {
	return filepath.Join(b.Root, "toolchain", spec.Name+spec.Version)
}

// EnsureToolchain returns a toolchain of at least spec.MinVersion, installing
// spec.Version under the install root when the host has none or an older one.
func (b *Builder) EnsureToolchain(ctx context.Context, spec types.ToolchainSpec, key types.PlatformKey) (*Toolchain, error) {
	if v, ok := b.hostToolchain(ctx, spec); ok {
		return &Toolchain{Name: spec.Name, Version: v}, nil
	}

	dir := b.ToolchainDir(spec)
	if v, ok := b.toolchainAt(ctx, spec, dir); ok {
		logger.V(2).Infof("using private %s %s from %s", spec.Name, v, utils.LogPath(dir))
		return b.private(spec, v, dir), nil
	}

	if err := b.installToolchain(ctx, spec, key, dir); err != nil {
		return nil, types.Wrap(types.KindToolchainUnavailable, "build", err, "%s %s", spec.Name, spec.Version)
	}
	v, ok := b.toolchainAt(ctx, spec, dir)
	if !ok {
		return nil, types.Errorf(types.KindToolchainUnavailable, "build", "%s %s installed into %s does not run", spec.Name, spec.Version, dir)
	}
	return b.private(spec, v, dir), nil
}

func (b *Builder) private(spec types.ToolchainSpec, v, dir string) *Toolchain {
	env := map[string]string{"PATH": command.PrependPath(os.Getenv("PATH"), filepath.Join(dir, "bin"))}
	if spec.Name == "go" {
		env["GOROOT"] = dir
		env["GOTOOLCHAIN"] = "local"
	}
	return &Toolchain{Name: spec.Name, Version: v, Dir: dir, Env: env}
}

// hostToolchain checks the toolchain on PATH against the minimum version.
// Versions are compared numerically, so 1.9 < 1.10.
func (b *Builder) hostToolchain(ctx context.Context, spec types.ToolchainSpec) (string, bool) {
	path, err := b.Runner.LookPath(spec.Name)
	if err != nil {
		logger.V(2).Infof("%s not found on PATH", spec.Name)
		return "", false
	}
	v, ok := b.toolchainVersion(ctx, spec, path)
	if !ok {
		return "", false
	}
	if spec.MinVersion != "" && !version.AtLeast(v, spec.MinVersion) {
		logger.Infof("host %s %s is older than %s", spec.Name, v, spec.MinVersion)
		return "", false
	}
	return v, true
}

func (b *Builder) toolchainAt(ctx context.Context, spec types.ToolchainSpec, dir string) (string, bool) {
	bin := filepath.Join(dir, "bin", spec.Name)
	if !utils.Exists(bin) && !utils.Exists(bin+".exe") {
		return "", false
	}
	return b.toolchainVersion(ctx, spec, bin)
}

func (b *Builder) toolchainVersion(ctx context.Context, spec types.ToolchainSpec, path string) (string, bool) {
	res := b.Runner.Run(ctx, command.Cmd{Name: path, Args: []string{"version"}, Timeout: b.verifyTimeout()})
	if !res.Success() {
		logger.V(2).Infof("%s version failed: %s", path, res.Tail(256))
		return "", false
	}
	if m := goVersion.FindStringSubmatch(res.Output()); spec.Name == "go" && m != nil {
		return m[1], true
	}
	v, err := version.ExtractFromOutput(res.Output(), "")
	return v, err == nil
}

// installToolchain downloads the pinned archive into a temp dir and renames
// its top-level directory to dir.
func (b *Builder) installToolchain(ctx context.Context, spec types.ToolchainSpec, key types.PlatformKey, dir string) error {
	if spec.Version == "" {
		return fmt.Errorf("no pinned %s version to install", spec.Name)
	}
	tmpl := spec.URLTemplate
	if tmpl == "" && spec.Name == "go" {
		tmpl = DefaultGoURL
	}
	if tmpl == "" {
		return fmt.Errorf("no download url for %s", spec.Name)
	}
	data := key.TemplateData()
	data["version"] = spec.Version
	if spec.Name == "go" && data["goarch"] == "arm" {
		// go.dev only publishes armv6l archives for 32-bit arm
		data["goarch"] = "armv6l"
	}
	url, err := template.Render(tmpl, data)
	if err != nil {
		return err
	}

	work, err := b.tempDir("toolchain-" + spec.Name)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(work) }()

	b.infof("Installing %s %s", spec.Name, spec.Version)
	archive := filepath.Join(work, filepath.Base(url))
	if _, err := b.Fetcher.Fetch(ctx, url, archive, download.WithTask(b.Task)); err != nil {
		return err
	}
	unpacked := filepath.Join(work, "x")
	if _, err := extract.Unarchive(archive, unpacked); err != nil {
		return err
	}

	top := unpacked
	if entries, err := os.ReadDir(unpacked); err == nil && len(entries) == 1 && entries[0].IsDir() {
		top = filepath.Join(unpacked, entries[0].Name())
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return err
	}
	_ = os.RemoveAll(dir)
	if err := os.Rename(top, dir); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", spec.Name, err)
	}
	logger.Infof("installed %s %s into %s", spec.Name, spec.Version, utils.LogPath(dir))
	return nil
}
