package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/checksum"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/version"
	"github.com/google/go-github/v57/github"
	"github.com/samber/lo"
)

// Catalog lists the published releases of one binary.
type Catalog interface {
	// Resolve returns the asset of versionHint for key. An empty hint or
	// "latest" selects the latest stable release.
	Resolve(ctx context.Context, key types.PlatformKey, versionHint string) (*types.ReleaseAsset, error)
	// LatestStable returns the newest tag that is not a pre-release.
	LatestStable(ctx context.Context) (string, error)
	// Versions returns the known tags, newest first.
	Versions(ctx context.Context) ([]string, error)
}

// Fetcher retrieves small text documents such as version indexes and
// checksum files.
type Fetcher interface {
	FetchString(ctx context.Context, url string) (string, error)
}

// New builds the catalog configured for def.
func New(def types.BinaryDefinition, fetcher Fetcher, gh *github.Client) (Catalog, error) {
	filter, err := version.NewTagFilter(def.Catalog.TagFilter)
	if err != nil {
		return nil, err
	}

	switch def.Catalog.Source {
	case types.SourceGitHub:
		return NewGitHubCatalog(def, gh, fetcher, filter)
	case types.SourceIndex:
		return &IndexCatalog{def: def, fetcher: fetcher, filter: filter}, nil
	case types.SourceStatic, "":
		return &StaticCatalog{def: def, fetcher: fetcher}, nil
	}
	return nil, fmt.Errorf("%s: unknown catalog source %q", def.Name, def.Catalog.Source)
}

func isLatest(hint string) bool {
	return hint == "" || strings.EqualFold(hint, "latest") || strings.EqualFold(hint, "stable")
}

// findTag returns the tag in tags naming the same version as hint.
func findTag(tags []string, hint string) (string, bool) {
	for _, t := range tags {
		if t == hint {
			return t, true
		}
	}
	want := version.Normalize(hint)
	for _, t := range tags {
		if version.Normalize(t) == want {
			return t, true
		}
	}
	return "", false
}

// suggest returns the tag closest to requested by edit distance, preferring
// the newer tag on ties.
func suggest(requested string, tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	want := version.Normalize(requested)
	sorted := append([]string(nil), tags...)
	version.SortDescending(sorted)

	best, bestDist := "", -1
	for _, t := range sorted {
		d := levenshtein.ComputeDistance(want, version.Normalize(t))
		if bestDist < 0 || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

func noSuchVersion(binary, requested string, tags []string) error {
	return types.Wrap(types.KindNoSuchVersion, "resolve", types.ErrVersionNotFound{
		Binary:     binary,
		Version:    requested,
		Suggestion: suggest(requested, tags),
	}, "%s", requested)
}

func noAsset(binary, tag string, key types.PlatformKey, available []string) error {
	return types.Wrap(types.KindNoAssetForPlatform, "resolve", types.ErrAssetNotFound{
		Binary:    binary,
		Version:   tag,
		Platform:  key,
		Available: available,
	}, "%s", key)
}

// templateData is the variable set for asset, URL and checksum templates.
func templateData(def types.BinaryDefinition, key types.PlatformKey, tag string) map[string]any {
	data := template.ReleaseData(key, tag)
	data["name"] = def.Name
	return data
}

// assetPattern compiles the pattern configured for key. Patterns are
// anchored at both ends so that an arm entry never matches an arm64 asset.
func assetPattern(def types.BinaryDefinition, key types.PlatformKey, tag string) (*regexp.Regexp, bool, error) {
	raw, ok := def.Catalog.AssetPatterns[key.String()]
	if !ok {
		return nil, false, nil
	}
	rendered, err := template.Render(raw, templateData(def, key, tag))
	if err != nil {
		return nil, true, err
	}
	if !strings.HasPrefix(rendered, "^") {
		rendered = "^" + rendered
	}
	if !strings.HasSuffix(rendered, "$") {
		rendered += "$"
	}
	re, err := regexp.Compile(rendered)
	if err != nil {
		return nil, true, fmt.Errorf("invalid asset pattern for %s: %w", key, err)
	}
	return re, true, nil
}

func isChecksumFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range checksum.SidecarSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for _, agg := range checksum.AggregateNames {
		if strings.HasSuffix(lower, strings.ToLower(agg)) {
			return true
		}
	}
	return strings.HasSuffix(lower, ".sig") || strings.HasSuffix(lower, ".asc") || strings.HasSuffix(lower, ".cid")
}

// checksumCandidates orders the checksum files that may cover assetName:
// sidecars first, then release-wide aggregate files.
func checksumCandidates(assetName string, published []string) []string {
	var out []string
	for _, suffix := range checksum.SidecarSuffixes {
		if lo.Contains(published, assetName+suffix) {
			out = append(out, assetName+suffix)
		}
	}
	aggregates := lo.Filter(published, func(name string, _ int) bool {
		lower := strings.ToLower(name)
		for _, agg := range checksum.AggregateNames {
			if strings.HasSuffix(lower, strings.ToLower(agg)) {
				return true
			}
		}
		return false
	})
	sort.Strings(aggregates)
	return append(out, aggregates...)
}

// fetchChecksum downloads the first candidate listing assetName. A missing
// checksum is not an error: the verifier then falls back to a size check.
func fetchChecksum(ctx context.Context, fetcher Fetcher, assetName string, urls []string) (value, source string) {
	if fetcher == nil {
		return "", ""
	}
	for _, url := range urls {
		content, err := fetcher.FetchString(ctx, url)
		if err != nil {
			logger.V(3).Infof("checksum %s: %v", url, err)
			continue
		}
		sum, err := checksum.ParseChecksumFile(content, assetName)
		if err != nil {
			logger.V(3).Infof("checksum %s: %v", url, err)
			continue
		}
		return sum, url
	}
	return "", ""
}

// latestOf applies the tag filter and returns the newest stable tag.
func latestOf(tags []string, filter *version.TagFilter) (string, error) {
	usable, err := filter.Apply(tags)
	if err != nil {
		return "", err
	}
	latest, ok := version.LatestStable(usable)
	if !ok {
		return "", fmt.Errorf("no stable release among %d tags", len(tags))
	}
	return latest, nil
}
