package installer

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/provision/pkg/build"
	"github.com/flanksource/provision/pkg/cache"
	"github.com/flanksource/provision/pkg/catalog"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/existing"
	phttp "github.com/flanksource/provision/pkg/http"
	"github.com/flanksource/provision/pkg/libdirect"
	"github.com/flanksource/provision/pkg/lock"
	"github.com/flanksource/provision/pkg/platform"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/types"
	"github.com/google/go-github/v57/github"
)

// PlatformDetector is satisfied by *platform.Probe.
type PlatformDetector interface {
	Detect(ctx context.Context) (types.PlatformKey, error)
}

// Downloader is satisfied by *download.Downloader.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string, opts ...download.Option) (int64, error)
	FetchString(ctx context.Context, url string) (string, error)
}

// DependencyResolver is satisfied by *system.Resolver.
type DependencyResolver interface {
	Ensure(ctx context.Context, spec types.DependencySpec) (*system.Report, error)
}

// LibraryInstaller is satisfied by *libdirect.Installer.
type LibraryInstaller interface {
	HasSource(library string) bool
	InstallLibraryDirect(ctx context.Context, library string, key types.PlatformKey, binDir string) (bool, error)
}

// SourceBuilder is satisfied by *build.Builder.
type SourceBuilder interface {
	BuildFromSource(ctx context.Context, tag string, key types.PlatformKey) (*types.InstalledBinary, error)
}

// ConfigApplier writes daemon configuration once a binary is installed.
type ConfigApplier interface {
	Apply(ctx context.Context, installed *types.InstalledBinary) error
}

// CatalogFactory returns the release catalog of a definition.
type CatalogFactory func(def types.BinaryDefinition) (catalog.Catalog, error)

// BuilderFactory returns a builder that places its binaries in outDir.
type BuilderFactory func(def types.BinaryDefinition, outDir string, t *task.Task) SourceBuilder

// CatalogRegistry shares one catalog per binary so release lists are
// fetched once per process.
type CatalogRegistry struct {
	fetcher catalog.Fetcher
	github  *github.Client

	mu       sync.Mutex
	catalogs map[string]catalog.Catalog
}

func NewCatalogRegistry(fetcher catalog.Fetcher, gh *github.Client) *CatalogRegistry {
	return &CatalogRegistry{fetcher: fetcher, github: gh, catalogs: map[string]catalog.Catalog{}}
}

// For returns the catalog of def, creating it on first use.
func (r *CatalogRegistry) For(def types.BinaryDefinition) (catalog.Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.catalogs[def.Name]; ok {
		return c, nil
	}
	c, err := catalog.New(def, r.fetcher, r.github)
	if err != nil {
		return nil, err
	}
	r.catalogs[def.Name] = c
	return c, nil
}

// New wires the host implementations of every component from cfg.
func New(cfg *config.Config) *Installer {
	s := cfg.Settings
	runner := command.NewExecRunner()
	binDir := s.GetBinDir()

	downloader := download.New(cache.New(s.GetCacheDir()), s.DownloadTimeout)
	gh, _ := catalog.NewGitHubClient(phttp.GetHttpClient())

	probe := system.NewLibraryProbe(runner, system.DefaultLibraryDirs(runtime.GOOS, libdirect.LibDir(binDir), os.Getenv))
	resolver := system.NewResolver(runner, probe, s.AutoSystemDeps || system.AutoInstallFromEnv())
	if s.SystemLockTimeout > 0 {
		resolver.LockTimeout = s.SystemLockTimeout
	}
	if s.InstallTimeout > 0 {
		resolver.InstallTimeout = s.InstallTimeout
	}

	return &Installer{
		Config:     cfg,
		Runner:     runner,
		Platform:   platform.NewProbe(runner),
		Catalogs:   NewCatalogRegistry(downloader, gh).For,
		Downloader: downloader,
		Existing:   existing.New(runner, s.VerifyTimeout),
		Resolver:   resolver,
		Libraries:  libdirect.New(downloader, cfg.Libraries, s.StagingDir()),
		Builders: func(def types.BinaryDefinition, outDir string, t *task.Task) SourceBuilder {
			return &build.Builder{
				Def:           def,
				Runner:        runner,
				Fetcher:       downloader,
				Packages:      resolver,
				Root:          s.GetRoot(),
				BinDir:        outDir,
				TmpDir:        s.StagingDir(),
				Timeout:       s.BuildTimeout,
				VerifyTimeout: s.VerifyTimeout,
				Task:          t,
			}
		},
		Locks:  lock.New(s.LockDir(), s.LockTimeout),
		Getenv: os.Getenv,
	}
}
