package libdirect

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/version"
	"github.com/samber/lo"
	"golang.org/x/net/html"
)

// IndexEntry is one archive found in a directory listing.
type IndexEntry struct {
	Name    string
	Href    string
	Version string
}

// ParseIndex returns the links of an HTML directory listing whose file name
// matches pattern. The first capture group of pattern is the version.
func ParseIndex(body string, pattern *regexp.Regexp) ([]IndexEntry, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory listing: %w", err)
	}

	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var entries []IndexEntry
	for _, href := range lo.Uniq(hrefs) {
		if strings.Contains(href, "?") || href == "../" {
			continue
		}
		name := path.Base(strings.TrimSuffix(href, "/"))
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		entry := IndexEntry{Name: name, Href: href}
		if len(m) > 1 {
			entry.Version = m[1]
		}
		entries = append(entries, entry)
	}
	logger.V(4).Infof("directory listing: %d of %d links match %s", len(entries), len(hrefs), pattern)
	return entries, nil
}

// Newest returns the entry with the highest version.
func Newest(entries []IndexEntry) (IndexEntry, bool) {
	if len(entries) == 0 {
		return IndexEntry{}, false
	}
	return lo.MaxBy(entries, func(a, b IndexEntry) bool {
		return version.Compare(a.Version, b.Version) > 0
	}), true
}

// resolveHref makes href absolute against the listing URL.
func resolveHref(listing, href string) (string, error) {
	base, err := url.Parse(listing)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
