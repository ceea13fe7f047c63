package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/flanksource/provision/pkg/version"
	"github.com/samber/lo"
)

const (
	DefaultBuildTimeout = 45 * time.Minute
	DefaultCloneTimeout = 10 * time.Minute
	// outputTail bounds the build output kept in BuildError
	outputTail = 4096
)

// Fetcher is satisfied by *download.Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, opts ...download.Option) (int64, error)
}

// PackageInstaller is satisfied by *system.Resolver.
type PackageInstaller interface {
	InstallPackages(ctx context.Context, packages, alternatives map[string][]string) (*system.Report, error)
}

// Builder compiles a binary from its source repository.
type Builder struct {
	Def      types.BinaryDefinition
	Runner   command.Runner
	Fetcher  Fetcher
	Packages PackageInstaller
	// Root holds toolchain/ and tools/bin/
	Root   string
	BinDir string
	// TmpDir holds clones and downloads, defaults to os.TempDir
	TmpDir        string
	Timeout       time.Duration
	CloneTimeout  time.Duration
	VerifyTimeout time.Duration
	Task          *task.Task
}

// BuildFromSource clones tag, builds it and installs every produced binary
// into BinDir. The temp directory is removed on every path.
func (b *Builder) BuildFromSource(ctx context.Context, tag string, key types.PlatformKey) (*types.InstalledBinary, error) {
	spec := b.Def.Build
	if spec == nil {
		return nil, types.Errorf(types.KindBuildFailed, "build", "%s has no source build configured", b.Def.Name)
	}

	env := lo.Assign(map[string]string{}, spec.Env)
	if spec.Toolchain != nil {
		tc, err := b.EnsureToolchain(ctx, *spec.Toolchain, key)
		if err != nil {
			return nil, err
		}
		b.infof("Using %s %s", tc.Name, tc.Version)
		env = lo.Assign(env, tc.Env)
	}

	if err := b.EnsureTools(ctx, spec.Tools, key); err != nil {
		return nil, err
	}
	if utils.Exists(b.ToolsDir()) {
		current := env["PATH"]
		if current == "" {
			current = os.Getenv("PATH")
		}
		env["PATH"] = command.PrependPath(current, b.ToolsDir())
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.KindCancelled, "build", err, "%s", b.Def.Name)
	}

	work, err := b.tempDir("build-" + b.Def.Name)
	if err != nil {
		return nil, types.Wrap(types.KindBuildFailed, "build", err, "creating build dir")
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			logger.Warnf("failed to remove %s: %v", work, err)
		}
	}()

	ref, err := b.gitRef(tag)
	if err != nil {
		return nil, types.Wrap(types.KindCloneFailed, "build", err, "rendering tag")
	}
	src := filepath.Join(work, "src")
	if err := b.clone(ctx, spec, ref, src, env); err != nil {
		return nil, err
	}

	if err := b.run(ctx, spec, src, env); err != nil {
		return nil, err
	}

	return b.collect(spec, src, key, tag)
}

func (b *Builder) gitRef(tag string) (string, error) {
	if b.Def.Build.TagTemplate == "" {
		return tag, nil
	}
	return template.Render(b.Def.Build.TagTemplate, map[string]any{
		"tag":     tag,
		"version": version.Normalize(tag),
		"name":    b.Def.Name,
	})
}

func (b *Builder) clone(ctx context.Context, spec *types.BuildSpec, ref, dest string, env map[string]string) error {
	args := []string{"clone", "--depth", "1", "--branch", ref}
	if spec.Submodules {
		args = append(args, "--recurse-submodules", "--shallow-submodules")
	}
	args = append(args, spec.Repo, dest)

	timeout := b.CloneTimeout
	if timeout <= 0 {
		timeout = DefaultCloneTimeout
	}
	b.infof("Cloning %s@%s", utils.ShortenURL(spec.Repo), ref)
	res := b.Runner.Run(ctx, command.Cmd{Name: "git", Args: args, Env: env, Timeout: timeout})
	if !res.Success() {
		if err := ctx.Err(); err != nil {
			return types.Wrap(types.KindCancelled, "build", err, "cloning %s", spec.Repo)
		}
		return types.Wrap(types.KindCloneFailed, "build", res.Err, "git clone %s@%s: %s", spec.Repo, ref, res.Tail(1024))
	}
	return nil
}

func (b *Builder) run(ctx context.Context, spec *types.BuildSpec, dir string, env map[string]string) error {
	if len(spec.Command) == 0 {
		return types.Errorf(types.KindBuildFailed, "build", "%s has no build command", b.Def.Name)
	}
	timeout := spec.Timeout
	if b.Timeout > 0 {
		timeout = b.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}

	b.infof("Building %s (timeout %s)", b.Def.Name, timeout)
	res := b.Runner.Run(ctx, command.Cmd{
		Name:    spec.Command[0],
		Args:    spec.Command[1:],
		Dir:     dir,
		Env:     env,
		Timeout: timeout,
	})
	if res.Success() {
		logger.V(2).Infof("built %s in %s", b.Def.Name, res.Duration.Round(time.Second))
		return nil
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindCancelled, "build", err, "building %s", b.Def.Name)
	}

	buildErr := &types.BuildError{ExitCode: res.ExitCode, Output: res.Tail(outputTail), TimedOut: res.TimedOut}
	if res.TimedOut {
		buildErr.ExitCode = -1
	}
	return types.Wrap(types.KindBuildFailed, "build", buildErr, "%s", b.Def.Name)
}

// collect installs the listed binaries atomically. The first one, or the one
// named after the definition, is returned.
func (b *Builder) collect(spec *types.BuildSpec, src string, key types.PlatformKey, tag string) (*types.InstalledBinary, error) {
	var primary *types.InstalledBinary
	var installed []string
	for _, rel := range spec.Binaries {
		path := filepath.Join(src, filepath.FromSlash(key.AddExtension(rel)))
		if !utils.Exists(path) {
			logger.V(2).Infof("%s was not produced", rel)
			continue
		}
		name := filepath.Base(path)
		dest := filepath.Join(b.BinDir, name)
		if err := utils.AtomicInstall(path, dest, 0755); err != nil {
			return nil, fmt.Errorf("failed to install %s: %w", name, err)
		}
		installed = append(installed, name)

		bin := &types.InstalledBinary{Name: name, Path: dest, Version: version.Normalize(tag)}
		if primary == nil || name == key.AddExtension(b.Def.GetBinaryName()) {
			primary = bin
		}
	}
	if primary == nil {
		return nil, types.Errorf(types.KindNoBinariesProduced, "build", "none of %v exist after building %s", spec.Binaries, b.Def.Name)
	}
	b.infof("Installed %v from source", installed)
	return primary, nil
}

func (b *Builder) tempDir(prefix string) (string, error) {
	base := b.TmpDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, prefix+"-")
}

func (b *Builder) verifyTimeout() time.Duration {
	if b.VerifyTimeout <= 0 {
		return 30 * time.Second
	}
	return b.VerifyTimeout
}

func (b *Builder) infof(format string, args ...any) {
	if b.Task != nil {
		b.Task.Infof(format, args...)
		return
	}
	logger.Infof(format, args...)
}
