package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/version"
	"github.com/samber/lo"
)

// IndexCatalog reads a plain text version index with one tag per line, as
// published by dist.ipfs.tech, and builds asset URLs from a template.
type IndexCatalog struct {
	def     types.BinaryDefinition
	fetcher Fetcher
	filter  *version.TagFilter

	mu   sync.Mutex
	tags []string
}

func NewIndexCatalog(def types.BinaryDefinition, fetcher Fetcher) (*IndexCatalog, error) {
	filter, err := version.NewTagFilter(def.Catalog.TagFilter)
	if err != nil {
		return nil, err
	}
	return &IndexCatalog{def: def, fetcher: fetcher, filter: filter}, nil
}

// Refresh drops the cached index.
func (c *IndexCatalog) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = nil
}

func (c *IndexCatalog) Versions(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tags != nil {
		return c.tags, nil
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("%s: no fetcher configured", c.def.Name)
	}

	body, err := c.fetcher.FetchString(ctx, c.def.Catalog.VersionsURL)
	if err != nil {
		return nil, err
	}
	tags := ParseIndex(body)
	if tags, err = c.filter.Apply(tags); err != nil {
		return nil, err
	}
	version.SortDescending(tags)
	c.tags = tags
	return tags, nil
}

// ParseIndex returns the non-empty, non-comment lines of a version index.
func ParseIndex(body string) []string {
	lines := lo.Map(strings.Split(body, "\n"), func(l string, _ int) string { return strings.TrimSpace(l) })
	return lo.Uniq(lo.Filter(lines, func(l string, _ int) bool {
		return l != "" && !strings.HasPrefix(l, "#")
	}))
}

func (c *IndexCatalog) LatestStable(ctx context.Context) (string, error) {
	tags, err := c.Versions(ctx)
	if err != nil {
		return "", err
	}
	latest, err := latestOf(tags, nil)
	if err != nil {
		return "", types.Wrap(types.KindNoSuchVersion, "catalog", err, "%s", c.def.Catalog.VersionsURL)
	}
	return latest, nil
}

func (c *IndexCatalog) Resolve(ctx context.Context, key types.PlatformKey, versionHint string) (*types.ReleaseAsset, error) {
	tags, err := c.Versions(ctx)
	if err != nil {
		return nil, err
	}

	var tag string
	if isLatest(versionHint) {
		if tag, err = c.LatestStable(ctx); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if tag, ok = findTag(tags, versionHint); !ok {
			return nil, noSuchVersion(c.def.Name, versionHint, tags)
		}
	}

	if !publishes(c.def.Catalog.Platforms, key) {
		return nil, noAsset(c.def.Name, tag, key, c.def.Catalog.Platforms)
	}
	return renderAsset(ctx, c.def, c.fetcher, key, tag)
}

func publishes(platforms []string, key types.PlatformKey) bool {
	return len(platforms) == 0 || lo.Contains(platforms, key.String())
}

// renderAsset builds an asset from the url and checksum templates.
func renderAsset(ctx context.Context, def types.BinaryDefinition, fetcher Fetcher, key types.PlatformKey, tag string) (*types.ReleaseAsset, error) {
	data := templateData(def, key, tag)
	url, err := template.Render(def.Catalog.URLTemplate, data)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, noAsset(def.Name, tag, key, nil)
	}

	asset := &types.ReleaseAsset{
		Platform:    key,
		Name:        url[strings.LastIndex(url, "/")+1:],
		DownloadURL: url,
		Version:     version.Normalize(tag),
		Tag:         tag,
	}

	if def.Catalog.ChecksumTemplate != "" {
		data["asset"] = asset.Name
		data["url"] = url
		if sumURL, err := template.Evaluate(def.Catalog.ChecksumTemplate, data); err == nil && sumURL != "" {
			asset.Checksum, asset.ChecksumURL = fetchChecksum(ctx, fetcher, asset.Name, []string{sumURL})
		}
	}
	return asset, nil
}
