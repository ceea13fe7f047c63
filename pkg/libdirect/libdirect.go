package libdirect

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flanksource/clicky/task"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/extract"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
)

// Fetcher is satisfied by *download.Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, opts ...download.Option) (int64, error)
	FetchString(ctx context.Context, url string) (string, error)
}

// Installer downloads relocatable builds of shared libraries into the
// private library directory of an install root. It never needs root.
type Installer struct {
	Fetcher Fetcher
	Sources map[string]types.LibrarySource
	// TmpDir holds downloads and extracted archives, defaults to os.TempDir
	TmpDir string
	Task   *task.Task
}

func New(fetcher Fetcher, sources map[string]types.LibrarySource, tmpDir string) *Installer {
	return &Installer{Fetcher: fetcher, Sources: sources, TmpDir: tmpDir}
}

// HasSource reports whether library can be fetched directly.
func (i *Installer) HasSource(library string) bool {
	_, ok := i.Sources[library]
	return ok
}

// InstallLibraryDirect fetches library for key into LibDir(binDir) and
// rewrites the launch environment script. It returns false with an error
// explaining why when nothing was installed.
func (i *Installer) InstallLibraryDirect(ctx context.Context, library string, key types.PlatformKey, binDir string) (bool, error) {
	src, ok := i.Sources[library]
	if !ok {
		return false, fmt.Errorf("no direct download source for %s", library)
	}

	data := key.TemplateData()
	data["name"] = library
	if len(src.Platforms) > 0 {
		label, ok := src.Platforms[key.String()]
		if !ok {
			return false, fmt.Errorf("no direct build of %s for %s", library, key)
		}
		data["label"] = label
	}

	archiveURL, err := i.resolveURL(ctx, src, data)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(i.tmpDir(), 0755); err != nil {
		return false, err
	}
	work, err := os.MkdirTemp(i.tmpDir(), "lib-"+library+"-")
	if err != nil {
		return false, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	name := "download"
	if u, err := url.Parse(archiveURL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	archive := filepath.Join(work, name)
	if _, err := i.Fetcher.Fetch(ctx, archiveURL, archive, download.WithTask(i.Task)); err != nil {
		return false, err
	}

	root := work
	if extract.IsArchive(archive) {
		root = filepath.Join(work, "x")
		if _, err := extract.Unarchive(archive, root); err != nil {
			return false, err
		}
	}

	patterns := src.Files
	if len(patterns) == 0 {
		for _, p := range system.Patterns(library, key.OS) {
			patterns = append(patterns, "**/"+p)
		}
	}

	copied, err := copyMatches(root, LibDir(binDir), patterns)
	if err != nil {
		return false, err
	}
	if copied == 0 {
		return false, fmt.Errorf("%s contains no files matching %v", name, patterns)
	}

	script, err := WriteEnvScript(binDir, key.OS)
	if err != nil {
		return false, err
	}
	logger.Infof("installed %d %s files into %s, launch env in %s", copied, library, utils.LogPath(LibDir(binDir)), utils.LogPath(script))
	return true, nil
}

func (i *Installer) tmpDir() string {
	if i.TmpDir == "" {
		return os.TempDir()
	}
	return i.TmpDir
}

func (i *Installer) resolveURL(ctx context.Context, src types.LibrarySource, data map[string]any) (string, error) {
	if src.IndexURL == "" {
		if src.URL == "" {
			return "", fmt.Errorf("library source for %s has neither url nor index_url", data["name"])
		}
		return template.Render(src.URL, data)
	}

	listing, err := template.Render(src.IndexURL, data)
	if err != nil {
		return "", err
	}
	pattern, err := template.Render(src.Pattern, data)
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	body, err := i.Fetcher.FetchString(ctx, listing)
	if err != nil {
		return "", err
	}
	entries, err := ParseIndex(body, re)
	if err != nil {
		return "", err
	}
	newest, ok := Newest(entries)
	if !ok {
		return "", fmt.Errorf("no file in %s matches %s", utils.ShortenURL(listing), re)
	}
	logger.V(2).Infof("%s: newest direct build is %s", data["name"], newest.Name)

	if src.URL != "" {
		data["version"] = newest.Version
		data["file"] = newest.Name
		return template.Render(src.URL, data)
	}
	return resolveHref(listing, newest.Href)
}

// copyMatches copies the files under root matching any pattern flat into
// dest. Symlinks are recreated so libfoo.so -> libfoo.so.1 chains survive.
func copyMatches(root, dest string, patterns []string) (int, error) {
	fsys := os.DirFS(root)
	seen := map[string]bool{}
	count := 0
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return count, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			src := filepath.Join(root, filepath.FromSlash(match))
			base := filepath.Base(src)
			if seen[base] {
				continue
			}
			info, err := os.Lstat(src)
			if err != nil || info.IsDir() {
				continue
			}
			seen[base] = true
			target := filepath.Join(dest, base)

			if info.Mode()&os.ModeSymlink != 0 {
				link, err := os.Readlink(src)
				if err != nil {
					return count, err
				}
				if err := os.MkdirAll(dest, 0755); err != nil {
					return count, err
				}
				_ = os.Remove(target)
				if err := os.Symlink(filepath.Base(link), target); err != nil {
					return count, err
				}
			} else if err := utils.AtomicInstall(src, target, 0755); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
