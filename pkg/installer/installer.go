package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flanksource/clicky/task"
	flanksourceContext "github.com/flanksource/commons/context"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/catalog"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/existing"
	"github.com/flanksource/provision/pkg/extract"
	"github.com/flanksource/provision/pkg/libdirect"
	"github.com/flanksource/provision/pkg/lock"
	"github.com/flanksource/provision/pkg/platform"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/flanksource/provision/pkg/verify"
	"github.com/flanksource/provision/pkg/version"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// summaryLimit bounds command output quoted in the diagnostic chain
const summaryLimit = 400

// ToolSpec represents a binary with optional version
type ToolSpec struct {
	Name    string
	Version string
}

func (t ToolSpec) String() string {
	if t.Version == "" {
		return t.Name
	}
	return t.Name + "@" + t.Version
}

// ParseTools parses name[@version] arguments
func ParseTools(args []string) []ToolSpec {
	var tools []ToolSpec
	for _, arg := range args {
		name, v, _ := strings.Cut(arg, "@")
		tools = append(tools, ToolSpec{Name: name, Version: v})
	}
	return tools
}

// Installer sequences the provisioning components for one binary at a time:
// existing install, prebuilt release, native dependencies, source build.
type Installer struct {
	Config     *config.Config
	Runner     command.Runner
	Platform   PlatformDetector
	Catalogs   CatalogFactory
	Downloader Downloader
	Existing   *existing.Detector
	Resolver   DependencyResolver
	Libraries  LibraryInstaller
	Builders   BuilderFactory
	Locks      *lock.Locker
	// Applier is optional and runs after every successful install
	Applier ConfigApplier
	// MinSize is the smallest download accepted when no hash is published
	MinSize int64
	Getenv  func(string) string

	defaults sync.Once
}

// Failure is returned when an install ends in DONE(failed). Its message is
// the full diagnostic chain.
type Failure struct {
	Decision *types.InstallDecision
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("failed to install %s:\n%s", f.Decision.Binary, f.Decision.Chain())
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// attempt is the mutable state of one Install call.
type attempt struct {
	def      types.BinaryDefinition
	opts     InstallOptions
	key      types.PlatformKey
	pin      string
	binDir   string
	dest     string
	decision *types.InstallDecision
	cleanup  *CleanupManager
	verifier *verify.Verifier
	catalog  catalog.Catalog

	asset  *types.ReleaseAsset
	tag    string
	staged string
	// extras maps installed names to staged paths
	extras     map[string]string
	env        map[string]string
	depsTried  bool
	directLibs []string
	mismatch   string
	installed  *types.InstalledBinary
	err        error
}

// Install provisions the binary called name (or one of its aliases). The
// decision is returned on success and failure; a failed install also
// returns a *Failure.
func (i *Installer) Install(ctx context.Context, name string, opts ...InstallOption) (*types.InstallDecision, error) {
	def, err := i.Config.Binary(name)
	if err != nil {
		return nil, err
	}
	options := buildOptions(opts)
	i.defaults.Do(i.applyDefaults)

	a := &attempt{
		def:    def,
		opts:   options,
		pin:    lo.CoalesceOrEmpty(options.Version, def.Version),
		binDir: i.Config.Settings.GetBinDir(),
		extras: map[string]string{},
		decision: &types.InstallDecision{
			Binary:  def.Name,
			Started: time.Now(),
		},
	}
	a.decision.Version = a.pin

	err = i.run(ctx, a)
	a.decision.Finished = time.Now()
	a.decision.Installed = a.installed
	logDecision(a.decision)
	if err != nil {
		return a.decision, &Failure{Decision: a.decision, Err: err}
	}
	return a.decision, nil
}

func (i *Installer) run(ctx context.Context, a *attempt) error {
	key, err := i.platform(ctx, a.opts)
	if err != nil {
		a.fail(types.StateStart, err, "platform detection failed: %v", err)
		return err
	}
	a.key = key
	a.decision.Platform = key
	a.dest = filepath.Join(a.binDir, key.AddExtension(a.def.GetBinaryName()))

	release, err := i.Locks.Acquire(ctx, a.def.Name)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = types.Wrap(types.KindCancelled, "install", err, "waiting for install lock")
		}
		a.fail(types.StateStart, err, "%v", err)
		return err
	}
	defer release()

	staging := i.Config.Settings.StagingDir()
	SweepStaging(staging, a.binDir, append([]string{a.def.Name}, a.def.ExtraBinaries...)...)
	a.cleanup = NewCleanupManager(a.opts.Debug, a.opts.Task)
	defer a.cleanup.Cleanup()

	a.verifier = verify.New(i.Runner, key, i.Config.Settings.VerifyTimeout)
	a.env = libdirect.LaunchEnvFor(a.binDir, key.OS, i.getenv)

	state := types.StateStart
	for state != types.StateDone {
		if err := ctx.Err(); err != nil {
			a.fail(state, types.Wrap(types.KindCancelled, "install", err, "%s", a.def.Name), "cancelled: %v", err)
			break
		}
		state = i.step(ctx, a, state)
	}

	if !a.decision.Succeeded() {
		if a.err == nil {
			a.err = fmt.Errorf("%s was not installed", a.def.Name)
		}
		return a.err
	}
	i.runHooks(ctx, a)
	return nil
}

func (i *Installer) step(ctx context.Context, a *attempt, state types.State) types.State {
	switch state {
	case types.StateStart:
		if a.opts.Force {
			return a.next(state, types.StateResolveAsset, "platform %s, --force skips the existing install check", a.key)
		}
		return a.next(state, types.StateCheckExisting, "platform %s", a.key)
	case types.StateCheckExisting:
		return i.checkExisting(ctx, a)
	case types.StateResolveAsset:
		return i.resolveAsset(ctx, a)
	case types.StateDownload:
		return i.download(ctx, a)
	case types.StateVerify:
		return i.verify(ctx, a)
	case types.StateResolveDependencies:
		return i.resolveDependencies(ctx, a)
	case types.StateBuildFromSource:
		return i.buildFromSource(ctx, a)
	}
	return a.fail(state, fmt.Errorf("unknown state %s", state), "unknown state %s", state)
}

func (i *Installer) checkExisting(ctx context.Context, a *attempt) types.State {
	from := types.StateCheckExisting
	detector := i.Existing.ForDefinition(a.def)
	detector.Env = a.env

	installed, err := detector.Check(ctx, a.dest, a.def.GetNameFragment())
	switch {
	case err != nil:
		return a.next(from, types.StateResolveAsset, "cannot inspect %s: %v", utils.LogPath(a.dest), err)
	case installed == nil:
		return a.next(from, types.StateResolveAsset, "%s is not installed", utils.LogPath(a.dest))
	case !installed.Verified:
		return a.next(from, types.StateResolveAsset, "%s is installed but unhealthy: %s", utils.LogPath(a.dest), summarize(installed.Output))
	case !existing.Satisfies(installed, a.pin):
		return a.next(from, types.StateResolveAsset, "installed version %s does not match %s", lo.CoalesceOrEmpty(installed.Version, "unknown"), a.pin)
	}

	installed.Name = a.def.Name
	a.installed = installed
	a.decision.Version = installed.Version
	return a.succeed(from, types.StrategyExisting, "%s %s is already installed", a.def.Name, installed.Version)
}

func (i *Installer) resolveAsset(ctx context.Context, a *attempt) types.State {
	from := types.StateResolveAsset
	cat, err := i.Catalogs(a.def)
	if err != nil {
		return a.fallback(from, types.StateBuildFromSource, err, "release catalog unavailable: %v", err)
	}
	a.catalog = cat

	asset, err := cat.Resolve(ctx, a.key, a.pin)
	if err != nil {
		if types.IsKind(err, types.KindPlatformUnsupported) {
			return a.fail(from, err, "%v", err)
		}
		return a.fallback(from, types.StateBuildFromSource, err, "no prebuilt release: %v", err)
	}

	a.asset = asset
	a.tag = lo.CoalesceOrEmpty(asset.Tag, asset.Version)
	a.decision.Version = asset.Version
	return a.next(from, types.StateDownload, "%s %s from %s", asset.Name, a.tag, utils.ShortenURL(asset.DownloadURL))
}

func (i *Installer) download(ctx context.Context, a *attempt) types.State {
	from := types.StateDownload
	dir, err := i.stage(a)
	if err != nil {
		return a.fail(from, err, "cannot create staging directory: %v", err)
	}

	name := lo.CoalesceOrEmpty(a.asset.Name, path.Base(a.asset.DownloadURL))
	archive := filepath.Join(dir, name)
	n, err := i.Downloader.Fetch(ctx, a.asset.DownloadURL, archive, download.WithTask(a.opts.Task), download.WithChecksum(a.asset.Checksum))
	if err != nil {
		return a.fallback(from, types.StateBuildFromSource, err, "download failed: %v", err)
	}

	if a.asset.Checksum != "" {
		ok, err := a.verifier.VerifyHash(archive, a.asset.Checksum)
		if err == nil && !ok {
			err = types.Errorf(types.KindIntegrityCheckFailed, "verify", "%s does not match %s", name, a.asset.Checksum)
		}
		if err != nil {
			return a.fallback(from, types.StateBuildFromSource, err, "integrity check failed: %v", err)
		}
	} else if !a.verifier.VerifySize(archive, i.minSize()) {
		err := types.Errorf(types.KindIntegrityCheckFailed, "verify", "%s is only %s", name, utils.FormatBytes(n))
		return a.fallback(from, types.StateBuildFromSource, err, "integrity check failed: %v", err)
	}

	staged, err := i.unpack(a, archive, dir)
	if err != nil {
		return a.fallback(from, types.StateBuildFromSource, err, "cannot unpack %s: %v", name, err)
	}
	a.staged = staged

	hash := "no published hash, size checked"
	if a.asset.Checksum != "" {
		hash = "hash verified"
	}
	return a.next(from, types.StateVerify, "downloaded %s (%s, %s)", name, utils.FormatBytes(n), hash)
}

// unpack returns the staged primary binary and records extra binaries found
// alongside it.
func (i *Installer) unpack(a *attempt, archive, dir string) (string, error) {
	binaryName := a.key.AddExtension(a.def.GetBinaryName())
	if !extract.IsArchive(archive) {
		bin := filepath.Join(dir, "bin", binaryName)
		if err := os.MkdirAll(filepath.Dir(bin), 0755); err != nil {
			return "", err
		}
		return bin, os.Rename(archive, bin)
	}

	binaryPath, err := template.Render(a.def.Catalog.BinaryPath, template.ReleaseData(a.key, a.tag))
	if err != nil {
		return "", fmt.Errorf("invalid binary_path: %w", err)
	}
	if binaryPath == "" {
		binaryPath = binaryName
	}

	extractDir := filepath.Join(dir, "extract")
	found, err := extract.Extract(archive, extractDir, a.opts.Task, extract.WithBinaryPath(binaryPath))
	if err != nil {
		return "", err
	}

	for _, extra := range a.def.ExtraBinaries {
		extra = a.key.AddExtension(extra)
		sibling := filepath.Join(filepath.Dir(found), extra)
		if utils.Exists(sibling) {
			a.extras[extra] = sibling
			continue
		}
		if p, err := extract.FindBinaryInDir(extractDir, extra, nil); err == nil {
			a.extras[extra] = p
		} else {
			logger.V(2).Infof("%s is not part of %s", extra, filepath.Base(archive))
		}
	}
	return found, nil
}

func (i *Installer) verify(ctx context.Context, a *attempt) types.State {
	from := types.StateVerify
	ok, output := a.verifier.VerifyExecutable(ctx, a.staged, a.def.GetVersionFlag(), a.env)
	if ok && !strings.Contains(strings.ToLower(output), strings.ToLower(a.def.GetNameFragment())) {
		ok = false
		output = fmt.Sprintf("output does not mention %q: %s", a.def.GetNameFragment(), output)
	}

	if ok {
		if err := i.promote(a, output); err != nil {
			return a.fail(from, err, "cannot install verified binary: %v", err)
		}
		strategy := types.StrategyPrebuilt
		if len(a.directLibs) > 0 {
			strategy = types.StrategyDirectLibPrebuilt
		}
		return a.succeed(from, strategy, "%s runs: %s", filepath.Base(a.dest), summarize(output))
	}

	a.err = types.Errorf(types.KindIntegrityCheckFailed, "verify", "%s failed to execute: %s", filepath.Base(a.dest), summarize(output))
	a.mismatch = a.verifier.DiagnosePlatform(a.staged)
	if a.depsTried {
		a.discardStaged()
		return a.next(from, types.StateBuildFromSource, "still fails after resolving dependencies: %s", summarize(output))
	}
	return a.next(from, types.StateResolveDependencies, "binary failed to execute: %s", summarize(output))
}

func (i *Installer) resolveDependencies(ctx context.Context, a *attempt) types.State {
	from := types.StateResolveDependencies
	a.depsTried = true

	if a.mismatch != "" {
		a.discardStaged()
		return a.next(from, types.StateBuildFromSource, "%s, native dependencies cannot fix it", a.mismatch)
	}
	spec := a.def.Dependencies
	if spec.IsEmpty() || i.Resolver == nil {
		a.discardStaged()
		return a.next(from, types.StateBuildFromSource, "no native dependencies declared")
	}

	report, err := i.Resolver.Ensure(ctx, spec)
	if err == nil {
		a.env = libdirect.LaunchEnvFor(a.binDir, a.key.OS, i.getenv)
		return a.next(from, types.StateVerify, "dependencies satisfied%s", managerNote(report))
	}
	if types.IsKind(err, types.KindCancelled) {
		return a.fail(from, err, "cancelled: %v", err)
	}
	a.err = err

	missing := spec.Libraries
	if report != nil && len(report.Missing()) > 0 && len(spec.Libraries) > 0 {
		missing = report.Missing()
	}
	installed, failures := i.installDirect(ctx, a, missing)
	if len(installed) > 0 && len(failures) == 0 {
		a.directLibs = installed
		a.env = libdirect.LaunchEnvFor(a.binDir, a.key.OS, i.getenv)
		return a.next(from, types.StateVerify, "%s; installed %s into %s", summarize(err.Error()),
			strings.Join(installed, ", "), utils.LogPath(libdirect.LibDir(a.binDir)))
	}

	a.discardStaged()
	msg := summarize(err.Error())
	if len(failures) > 0 {
		msg += "; direct download: " + strings.Join(failures, "; ")
	}
	return a.next(from, types.StateBuildFromSource, "dependencies unsatisfied: %s", msg)
}

func (i *Installer) installDirect(ctx context.Context, a *attempt, libraries []string) ([]string, []string) {
	var installed, failures []string
	for _, lib := range libraries {
		if i.Libraries == nil || !i.Libraries.HasSource(lib) {
			failures = append(failures, fmt.Sprintf("no direct source for %s", lib))
			continue
		}
		if ok, err := i.Libraries.InstallLibraryDirect(ctx, lib, a.key, a.binDir); !ok {
			failures = append(failures, fmt.Sprintf("%s: %v", lib, err))
			continue
		}
		installed = append(installed, lib)
	}
	return installed, failures
}

func (i *Installer) buildFromSource(ctx context.Context, a *attempt) types.State {
	from := types.StateBuildFromSource
	if a.def.Build == nil {
		return a.fail(from, a.errOr(types.Errorf(types.KindBuildFailed, "build", "%s has no source build", a.def.Name)),
			"no source build configured for %s", a.def.Name)
	}

	tag, err := i.buildTag(ctx, a)
	if err != nil {
		return a.fail(from, err, "cannot determine a version to build: %v", err)
	}

	dir, err := i.stage(a)
	if err != nil {
		return a.fail(from, err, "cannot create staging directory: %v", err)
	}
	outDir := filepath.Join(dir, "out")
	built, err := i.Builders(a.def, outDir, a.opts.Task).BuildFromSource(ctx, tag, a.key)
	if err != nil {
		return a.fail(from, err, "build of %s failed: %s", tag, summarize(err.Error()))
	}

	a.tag = tag
	a.staged = built.Path
	a.extras = map[string]string{}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		logger.V(2).Infof("cannot list build output %s: %v", utils.LogPath(outDir), err)
	}
	for _, e := range entries {
		if p := filepath.Join(outDir, e.Name()); p != built.Path && !e.IsDir() {
			a.extras[e.Name()] = p
		}
	}

	ok, output := a.verifier.VerifyExecutable(ctx, built.Path, a.def.GetVersionFlag(), a.env)
	if !ok {
		err := types.Errorf(types.KindIntegrityCheckFailed, "verify", "built %s failed to execute: %s", built.Name, summarize(output))
		return a.fail(from, err, "%v", err)
	}
	if err := i.promote(a, output); err != nil {
		return a.fail(from, err, "cannot install built binary: %v", err)
	}
	a.decision.Version = lo.CoalesceOrEmpty(a.installed.Version, version.Normalize(tag))
	return a.succeed(from, types.StrategySourceBuild, "built %s %s from source", a.def.Name, tag)
}

// buildTag is the resolved release tag, else the pinned version, else the
// latest stable tag of the catalog.
func (i *Installer) buildTag(ctx context.Context, a *attempt) (string, error) {
	if a.tag != "" {
		return a.tag, nil
	}
	if a.pin != "" && a.pin != "latest" {
		if a.def.Build.TagTemplate != "" {
			return a.pin, nil
		}
		return version.Tag(a.pin), nil
	}
	if a.catalog == nil {
		cat, err := i.Catalogs(a.def)
		if err != nil {
			return "", err
		}
		a.catalog = cat
	}
	return a.catalog.LatestStable(ctx)
}

// promote moves verified binaries from staging into the bin dir. The
// primary binary is renamed last.
func (i *Installer) promote(a *attempt, output string) error {
	for name, p := range a.extras {
		if err := utils.AtomicInstall(p, filepath.Join(a.binDir, name), 0755); err != nil {
			return err
		}
	}
	if err := utils.AtomicInstall(a.staged, a.dest, 0755); err != nil {
		return err
	}

	installed := &types.InstalledBinary{
		Name:     a.def.Name,
		Path:     a.dest,
		Verified: true,
		Output:   output,
	}
	if v, err := version.ExtractFromOutput(output, a.def.VersionPattern); err == nil {
		installed.Version = v
	} else if a.asset != nil {
		installed.Version = a.asset.Version
	}
	a.installed = installed
	a.staged = ""
	return nil
}

func (i *Installer) runHooks(ctx context.Context, a *attempt) {
	if a.installed == nil {
		return
	}
	for _, hook := range a.def.Hooks {
		if hook.Kind == types.HookParams && a.opts.SkipParams {
			logger.V(2).Infof("%s: skipping %s", a.def.Name, hook.Name)
			continue
		}
		// params were fetched when the binary was installed, --force refetches them
		if hook.Kind == types.HookParams && a.decision.Strategy == types.StrategyExisting {
			logger.V(2).Infof("%s is already installed, skipping %s", a.def.Name, hook.Name)
			continue
		}
		timeout := lo.CoalesceOrEmpty(hook.Timeout, i.Config.Settings.HookTimeout)
		if a.opts.Task != nil {
			a.opts.Task.Infof("Running %s %s", hook.Name, strings.Join(hook.Args, " "))
		}
		res := i.Runner.Run(ctx, command.Cmd{Name: a.installed.Path, Args: hook.Args, Env: a.env, Timeout: timeout})
		if !res.Success() {
			a.decision.Record(types.StateDone, types.StateDone, "hook %s failed (exit %d): %s", hook.Name, res.ExitCode, summarize(res.Tail(summaryLimit)))
		}
	}
	if i.Applier != nil {
		if err := i.Applier.Apply(ctx, a.installed); err != nil {
			a.decision.Record(types.StateDone, types.StateDone, "config hook failed: %v", err)
		}
	}
}

func (i *Installer) applyDefaults() {
	s := i.Config.Settings
	if i.Runner == nil {
		i.Runner = command.NewExecRunner()
	}
	if i.Platform == nil {
		i.Platform = platform.NewProbe(i.Runner)
	}
	if i.Existing == nil {
		i.Existing = existing.New(i.Runner, s.VerifyTimeout)
	}
	if i.Locks == nil {
		i.Locks = lock.New(s.LockDir(), s.LockTimeout)
	}
}

func (i *Installer) platform(ctx context.Context, opts InstallOptions) (types.PlatformKey, error) {
	if !opts.Platform.IsZero() {
		return opts.Platform, nil
	}
	if override := i.Config.Settings.Platform; override != "" {
		return platform.Parse(override)
	}
	return i.Platform.Detect(ctx)
}

func (i *Installer) stage(a *attempt) (string, error) {
	staging := i.Config.Settings.StagingDir()
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(staging, a.def.Name+"-")
	if err != nil {
		return "", err
	}
	a.cleanup.AddDirectory(dir)
	return dir, nil
}

func (i *Installer) minSize() int64 {
	if i.MinSize > 0 {
		return i.MinSize
	}
	return verify.MinBinarySize
}

func (i *Installer) getenv(key string) string {
	if i.Getenv != nil {
		return i.Getenv(key)
	}
	return os.Getenv(key)
}

// Results collects the decisions of concurrent installs.
type Results struct {
	mu        sync.Mutex
	decisions map[string]*types.InstallDecision
	errors    map[string]error
}

// Decisions returns the recorded decisions keyed by requested name.
func (r *Results) Decisions() map[string]*types.InstallDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Assign(r.decisions)
}

// Errors returns the failures keyed by requested name.
func (r *Results) Errors() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Assign(r.errors)
}

func (r *Results) add(name string, d *types.InstallDecision, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d != nil {
		r.decisions[name] = d
	}
	if err != nil {
		r.errors[name] = err
	}
}

// InstallMultiple starts one task per binary. Independent binaries install
// concurrently; the same name is serialised by the install lock. The
// results are complete once clicky.WaitForGlobalCompletion returns.
func (i *Installer) InstallMultiple(tools []ToolSpec, opts ...InstallOption) *Results {
	results := &Results{decisions: map[string]*types.InstallDecision{}, errors: map[string]error{}}
	for _, tool := range tools {
		t := tool
		task.StartTask(t.String(), func(ctx flanksourceContext.Context, tk *task.Task) (interface{}, error) {
			options := append(append([]InstallOption{}, opts...), WithTask(tk))
			if t.Version != "" {
				options = append(options, WithVersion(t.Version))
			}
			decision, err := i.Install(ctx.Context, t.Name, options...)
			results.add(t.Name, decision, err)
			if err != nil {
				return decision, err
			}
			tk.Infof("%s installed (%s)", t.Name, decision.Strategy)
			return decision, nil
		})
	}
	return results
}

func (a *attempt) next(from, to types.State, format string, args ...any) types.State {
	a.decision.Record(from, to, format, args...)
	msg := a.decision.Diagnostics[len(a.decision.Diagnostics)-1].String()
	logger.V(2).Infof("%s: %s", a.def.Name, msg)
	if a.opts.Task != nil {
		a.opts.Task.Debugf("%s", msg)
	}
	return to
}

func (a *attempt) succeed(from types.State, strategy types.Strategy, format string, args ...any) types.State {
	a.decision.Strategy = strategy
	a.decision.Outcome = types.OutcomeSuccess
	return a.next(from, types.StateDone, format, args...)
}

func (a *attempt) fail(from types.State, err error, format string, args ...any) types.State {
	a.err = err
	a.decision.Outcome = types.OutcomeFailed
	return a.next(from, types.StateDone, format, args...)
}

func (a *attempt) fallback(from, to types.State, err error, format string, args ...any) types.State {
	if err != nil {
		a.err = err
	}
	return a.next(from, to, format, args...)
}

func (a *attempt) errOr(err error) error {
	if a.err != nil {
		return a.err
	}
	return err
}

// discardStaged removes a binary that failed verification.
func (a *attempt) discardStaged() {
	if a.staged == "" {
		return
	}
	if err := os.Remove(a.staged); err != nil && !os.IsNotExist(err) {
		logger.V(3).Infof("failed to remove %s: %v", utils.LogPath(a.staged), err)
	}
	a.staged = ""
	a.extras = map[string]string{}
}

func managerNote(report *system.Report) string {
	if report == nil || report.Manager == "" {
		return ""
	}
	return " via " + report.Manager
}

// summarize flattens command output into one bounded line.
func summarize(output string) string {
	lines := lo.Compact(lo.Map(strings.Split(strings.TrimSpace(output), "\n"), func(l string, _ int) string {
		return strings.TrimSpace(l)
	}))
	s := strings.Join(lines, "; ")
	if len(s) > summaryLimit {
		s = s[:summaryLimit] + "..."
	}
	return s
}

func logDecision(d *types.InstallDecision) {
	entry := log.WithFields(log.Fields{
		"binary":   d.Binary,
		"version":  d.Version,
		"platform": d.Platform.String(),
		"strategy": string(d.Strategy),
		"outcome":  string(d.Outcome),
		"duration": d.Finished.Sub(d.Started).Round(time.Millisecond).String(),
	})
	if d.Succeeded() {
		entry.Info("install decision")
		return
	}
	entry.WithField("chain", d.Chain()).Warn("install decision")
}
