package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/types"
)

// Catalog provides a predictable catalog.Catalog for testing
type Catalog struct {
	mu         sync.Mutex
	name       string
	latest     string
	assets     map[string]*types.ReleaseAsset
	resolveErr error
	resolved   int
}

// NewCatalog creates a catalog whose latest stable tag is latest
func NewCatalog(name, latest string) *Catalog {
	return &Catalog{name: name, latest: latest, assets: map[string]*types.ReleaseAsset{}}
}

// WithAsset publishes url for key at the latest tag
func (c *Catalog) WithAsset(key types.PlatformKey, url, checksum string) *Catalog {
	c.assets[key.String()] = &types.ReleaseAsset{
		Platform:    key,
		Name:        filepath.Base(url),
		DownloadURL: url,
		Checksum:    checksum,
		Version:     strings.TrimPrefix(c.latest, "v"),
		Tag:         c.latest,
	}
	return c
}

// WithResolveError sets an error that will be returned by Resolve
func (c *Catalog) WithResolveError(err error) *Catalog {
	c.resolveErr = err
	return c
}

// Resolved returns how often Resolve was called
func (c *Catalog) Resolved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

func (c *Catalog) Resolve(_ context.Context, key types.PlatformKey, hint string) (*types.ReleaseAsset, error) {
	c.mu.Lock()
	c.resolved++
	c.mu.Unlock()

	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	if hint != "" && hint != "latest" && hint != c.latest && "v"+hint != c.latest {
		return nil, types.Errorf(types.KindNoSuchVersion, "catalog", "%s has no release %s", c.name, hint)
	}
	asset, ok := c.assets[key.String()]
	if !ok {
		return nil, types.Errorf(types.KindNoAssetForPlatform, "catalog", "%s %s has no asset for %s", c.name, c.latest, key)
	}
	copied := *asset
	return &copied, nil
}

func (c *Catalog) LatestStable(context.Context) (string, error) {
	return c.latest, nil
}

func (c *Catalog) Versions(context.Context) ([]string, error) {
	return []string{c.latest}, nil
}

// Resolver is a scripted dependency resolver
type Resolver struct {
	mu     sync.Mutex
	Report *system.Report
	Err    error
	// OnEnsure runs before Ensure returns, e.g. to make a binary healthy
	OnEnsure func()
	calls    int
}

func (r *Resolver) Ensure(_ context.Context, spec types.DependencySpec) (*system.Report, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.OnEnsure != nil {
		r.OnEnsure()
	}
	report := r.Report
	if report == nil {
		report = &system.Report{}
		for _, lib := range spec.Libraries {
			state := system.DepPresent
			if r.Err != nil {
				state = system.DepFailed
			}
			report.Dependencies = append(report.Dependencies, system.DependencyReport{Name: lib, State: state})
		}
	}
	return report, r.Err
}

// Calls returns how often Ensure was called
func (r *Resolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Libraries is a scripted direct library installer. Installed libraries are
// written as empty files into <binDir>/lib.
type Libraries struct {
	mu        sync.Mutex
	Sources   []string
	Err       error
	installed []string
}

func (l *Libraries) HasSource(library string) bool {
	for _, s := range l.Sources {
		if s == library {
			return true
		}
	}
	return false
}

func (l *Libraries) InstallLibraryDirect(_ context.Context, library string, _ types.PlatformKey, binDir string) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	dir := filepath.Join(binDir, "lib")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "lib"+library+".so"), nil, 0644); err != nil {
		return false, err
	}
	l.mu.Lock()
	l.installed = append(l.installed, library)
	l.mu.Unlock()
	return true, nil
}

// Installed returns the libraries installed so far
func (l *Libraries) Installed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.installed...)
}

// Builder writes Files into its output directory instead of compiling
type Builder struct {
	mu sync.Mutex
	// Files maps produced binary names to their content
	Files map[string]string
	// Primary is returned as the installed binary
	Primary string
	Err     error
	tags    []string
}

// ForDir returns a builder bound to outDir, sharing the call record.
func (b *Builder) ForDir(outDir string) *BoundBuilder {
	return &BoundBuilder{parent: b, outDir: outDir}
}

// Tags returns the tags that were built
func (b *Builder) Tags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tags...)
}

// BoundBuilder is a Builder with an output directory
type BoundBuilder struct {
	parent *Builder
	outDir string
}

func (bb *BoundBuilder) BuildFromSource(_ context.Context, tag string, key types.PlatformKey) (*types.InstalledBinary, error) {
	b := bb.parent
	b.mu.Lock()
	b.tags = append(b.tags, tag)
	b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	if err := os.MkdirAll(bb.outDir, 0755); err != nil {
		return nil, err
	}
	var primary *types.InstalledBinary
	for name, content := range b.Files {
		path := filepath.Join(bb.outDir, key.AddExtension(name))
		if err := os.WriteFile(path, []byte(content), 0755); err != nil {
			return nil, err
		}
		if name == b.Primary {
			primary = &types.InstalledBinary{Name: name, Path: path, Version: tag}
		}
	}
	if primary == nil {
		return nil, types.Errorf(types.KindNoBinariesProduced, "build", "%s was not produced", b.Primary)
	}
	return primary, nil
}

// Applier records applied binaries
type Applier struct {
	mu      sync.Mutex
	Err     error
	applied []string
}

func (a *Applier) Apply(_ context.Context, installed *types.InstalledBinary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, installed.Name)
	if a.Err != nil {
		return fmt.Errorf("apply %s: %w", installed.Name, a.Err)
	}
	return nil
}

// Applied returns the names passed to Apply
func (a *Applier) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}
