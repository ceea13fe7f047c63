package catalog

import (
	"context"

	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/version"
)

// StaticCatalog serves a single configured version from a URL template, with
// content hashes pinned per platform in configuration.
type StaticCatalog struct {
	def     types.BinaryDefinition
	fetcher Fetcher
}

func NewStaticCatalog(def types.BinaryDefinition, fetcher Fetcher) *StaticCatalog {
	return &StaticCatalog{def: def, fetcher: fetcher}
}

func (c *StaticCatalog) Versions(context.Context) ([]string, error) {
	if c.def.Version == "" || c.def.Version == "latest" {
		return nil, nil
	}
	return []string{c.def.Version}, nil
}

func (c *StaticCatalog) LatestStable(ctx context.Context) (string, error) {
	tags, _ := c.Versions(ctx)
	if len(tags) == 0 {
		return "", types.Errorf(types.KindNoSuchVersion, "catalog", "%s has no pinned version", c.def.Name)
	}
	return tags[0], nil
}

func (c *StaticCatalog) Resolve(ctx context.Context, key types.PlatformKey, versionHint string) (*types.ReleaseAsset, error) {
	tag, err := c.LatestStable(ctx)
	if err != nil {
		return nil, err
	}
	if !isLatest(versionHint) && !version.Equal(versionHint, tag) {
		return nil, noSuchVersion(c.def.Name, versionHint, []string{tag})
	}
	if !publishes(c.def.Catalog.Platforms, key) {
		return nil, noAsset(c.def.Name, tag, key, c.def.Catalog.Platforms)
	}

	asset, err := renderAsset(ctx, c.def, c.fetcher, key, tag)
	if err != nil {
		return nil, err
	}
	if pinned, ok := c.def.Catalog.Checksums[key.String()]; ok {
		asset.Checksum = pinned
		asset.ChecksumURL = ""
	}
	return asset, nil
}
