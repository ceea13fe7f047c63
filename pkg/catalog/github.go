package catalog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/version"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// maxReleasePages bounds how far back the release list is paged.
const maxReleasePages = 5

// TokenSources are the environment variables searched for a GitHub token.
var TokenSources = []string{"GITHUB_TOKEN", "GH_TOKEN", "GITHUB_ACCESS_TOKEN"}

// NewGitHubClient returns a REST client authenticated with the first token
// found in TokenSources, or an anonymous client. base is used as the
// transport of the anonymous client and under the oauth2 transport.
func NewGitHubClient(base *http.Client) (*github.Client, string) {
	for _, name := range TokenSources {
		if token := os.Getenv(name); token != "" {
			ctx := context.Background()
			if base != nil {
				ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
			}
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return github.NewClient(oauth2.NewClient(ctx, ts)), name
		}
	}
	return github.NewClient(base), ""
}

// GitHubCatalog resolves assets from the releases of a GitHub repository.
// The release list is fetched once per catalog instance.
type GitHubCatalog struct {
	def     types.BinaryDefinition
	client  *github.Client
	fetcher Fetcher
	filter  *version.TagFilter
	owner   string
	repo    string

	mu       sync.Mutex
	releases []*github.RepositoryRelease
}

func NewGitHubCatalog(def types.BinaryDefinition, client *github.Client, fetcher Fetcher, filter *version.TagFilter) (*GitHubCatalog, error) {
	parts := strings.Split(def.Catalog.Repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%s: invalid repo %q (expected owner/repo)", def.Name, def.Catalog.Repo)
	}
	if client == nil {
		client, _ = NewGitHubClient(nil)
	}
	return &GitHubCatalog{
		def:     def,
		client:  client,
		fetcher: fetcher,
		filter:  filter,
		owner:   parts[0],
		repo:    parts[1],
	}, nil
}

// Refresh drops the cached release list.
func (c *GitHubCatalog) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = nil
}

func (c *GitHubCatalog) list(ctx context.Context) ([]*github.RepositoryRelease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releases != nil {
		return c.releases, nil
	}

	var all []*github.RepositoryRelease
	opts := &github.ListOptions{PerPage: 100}
	for page := 0; page < maxReleasePages; page++ {
		releases, resp, err := c.client.Repositories.ListReleases(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, types.Wrap(types.KindDownloadFailed, "catalog", err, "listing releases of %s", c.def.Catalog.Repo)
		}
		for _, r := range releases {
			if r.GetDraft() || r.GetTagName() == "" {
				continue
			}
			if ok, err := c.filter.Match(r.GetTagName()); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
			all = append(all, r)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	logger.V(3).Infof("%s: %d releases in %s", c.def.Name, len(all), c.def.Catalog.Repo)
	c.releases = all
	return all, nil
}

func (c *GitHubCatalog) Versions(ctx context.Context) ([]string, error) {
	releases, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(releases))
	for _, r := range releases {
		tags = append(tags, r.GetTagName())
	}
	version.SortDescending(tags)
	return tags, nil
}

// LatestStable ignores releases flagged as pre-release as well as tags that
// look like one.
func (c *GitHubCatalog) LatestStable(ctx context.Context) (string, error) {
	releases, err := c.list(ctx)
	if err != nil {
		return "", err
	}
	var tags []string
	for _, r := range releases {
		if !r.GetPrerelease() {
			tags = append(tags, r.GetTagName())
		}
	}
	latest, err := latestOf(tags, nil)
	if err != nil {
		return "", types.Wrap(types.KindNoSuchVersion, "catalog", err, "%s", c.def.Catalog.Repo)
	}
	return latest, nil
}

func (c *GitHubCatalog) Resolve(ctx context.Context, key types.PlatformKey, versionHint string) (*types.ReleaseAsset, error) {
	releases, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	var release *github.RepositoryRelease
	if isLatest(versionHint) {
		tag, err := c.LatestStable(ctx)
		if err != nil {
			return nil, err
		}
		release = c.byTag(releases, tag)
	} else {
		tags, _ := c.Versions(ctx)
		tag, ok := findTag(tags, versionHint)
		if !ok {
			return nil, noSuchVersion(c.def.Name, versionHint, tags)
		}
		release = c.byTag(releases, tag)
	}
	tag := release.GetTagName()

	names := make([]string, 0, len(release.Assets))
	urls := map[string]string{}
	for _, a := range release.Assets {
		names = append(names, a.GetName())
		urls[a.GetName()] = a.GetBrowserDownloadURL()
	}

	re, configured, err := assetPattern(c.def, key, tag)
	if err != nil {
		return nil, err
	}
	if !configured {
		return nil, noAsset(c.def.Name, tag, key, nil)
	}

	var match *github.ReleaseAsset
	for _, a := range release.Assets {
		if isChecksumFile(a.GetName()) {
			continue
		}
		if re.MatchString(a.GetName()) {
			match = a
			break
		}
	}
	if match == nil {
		logger.V(2).Infof("%s %s: no asset matches %s for %s", c.def.Name, tag, re, key)
		return nil, noAsset(c.def.Name, tag, key, names)
	}

	asset := &types.ReleaseAsset{
		Platform:    key,
		Name:        match.GetName(),
		DownloadURL: match.GetBrowserDownloadURL(),
		Version:     version.Normalize(tag),
		Tag:         tag,
		Size:        int64(match.GetSize()),
	}

	var candidates []string
	if c.def.Catalog.ChecksumTemplate != "" {
		if name, err := template.Evaluate(c.def.Catalog.ChecksumTemplate, templateData(c.def, key, tag)); err == nil && name != "" {
			if u, ok := urls[name]; ok {
				candidates = append(candidates, u)
			} else if strings.HasPrefix(name, "http") {
				candidates = append(candidates, name)
			}
		}
	}
	for _, name := range checksumCandidates(asset.Name, names) {
		candidates = append(candidates, urls[name])
	}
	asset.Checksum, asset.ChecksumURL = fetchChecksum(ctx, c.fetcher, asset.Name, candidates)

	return asset, nil
}

func (c *GitHubCatalog) byTag(releases []*github.RepositoryRelease, tag string) *github.RepositoryRelease {
	for _, r := range releases {
		if r.GetTagName() == tag {
			return r
		}
	}
	return &github.RepositoryRelease{TagName: github.String(tag)}
}
