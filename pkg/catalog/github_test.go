package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/types"
	"github.com/google/go-github/v57/github"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeRelease struct {
	Tag        string
	Prerelease bool
	Draft      bool
	Assets     []string
}

func releaseServer(releases []fakeRelease, files map[string]string, listCalls *int32) *httptest.Server {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/filecoin-project/lotus/releases", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(listCalls, 1)
		var out []map[string]any
		for _, rel := range releases {
			var assets []map[string]any
			for i, name := range rel.Assets {
				assets = append(assets, map[string]any{
					"id":                   i + 1,
					"name":                 name,
					"size":                 4096,
					"browser_download_url": fmt.Sprintf("%s/download/%s/%s", srv.URL, rel.Tag, name),
				})
			}
			out = append(out, map[string]any{
				"tag_name":   rel.Tag,
				"prerelease": rel.Prerelease,
				"draft":      rel.Draft,
				"assets":     assets,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	srv = httptest.NewServer(mux)
	return srv
}

func githubClient(srv *httptest.Server) *github.Client {
	client := github.NewClient(srv.Client())
	client.BaseURL, _ = url.Parse(srv.URL + "/")
	return client
}

var lotusDefinition = types.BinaryDefinition{
	Name: "lotus",
	Catalog: types.CatalogSpec{
		Source: types.SourceGitHub,
		Repo:   "filecoin-project/lotus",
		AssetPatterns: map[string]string{
			"linux/x86_64": `lotus_{{.tag}}_linux_amd64(_v\d+)?\.tar\.gz`,
			"darwin/arm64": `lotus_{{.tag}}_darwin_all\.tar\.gz`,
			"linux/arm":    `lotus_{{.tag}}_linux_arm\.tar\.gz`,
		},
		TagFilter: `!tag.startsWith("miner/")`,
	},
}

var _ = Describe("GitHubCatalog", func() {
	var (
		srv       *httptest.Server
		cat       Catalog
		listCalls int32
		ctx       context.Context
		linuxAmd  = types.PlatformKey{OS: "linux", Arch: "x86_64"}
	)

	BeforeEach(func() {
		ctx = context.Background()
		listCalls = 0
		releases := []fakeRelease{
			{Tag: "v1.27.0-rc1", Prerelease: true, Assets: []string{"lotus_v1.27.0-rc1_linux_amd64_v1.tar.gz"}},
			{Tag: "v1.26.3", Assets: []string{
				"lotus_v1.26.3_linux_amd64_v1.tar.gz",
				"lotus_v1.26.3_linux_amd64_v1.tar.gz.sha512",
				"lotus_v1.26.3_linux_arm64.tar.gz",
				"lotus_v1.26.3_darwin_all.tar.gz",
				"checksums.txt",
			}},
			{Tag: "v1.26.2", Assets: []string{"lotus_v1.26.2_linux_amd64_v1.tar.gz"}},
			{Tag: "v1.9.0", Assets: []string{"lotus_v1.9.0_linux_amd64.tar.gz"}},
			{Tag: "miner/v1.28.0", Assets: []string{"lotus-miner_v1.28.0_linux_amd64.tar.gz"}},
			{Tag: "v2.0.0", Draft: true},
		}
		sha512 := "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"
		files := map[string]string{
			"/download/v1.26.3/lotus_v1.26.3_linux_amd64_v1.tar.gz.sha512": sha512 + "  lotus_v1.26.3_linux_amd64_v1.tar.gz\n",
			"/download/v1.26.3/checksums.txt": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  lotus_v1.26.3_darwin_all.tar.gz\n",
		}
		srv = releaseServer(releases, files, &listCalls)

		var err error
		cat, err = New(lotusDefinition, download.New(nil, time.Minute), githubClient(srv))
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		srv.Close()
	})

	It("excludes pre-releases, drafts and filtered tags from latest", func() {
		latest, err := cat.LatestStable(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(Equal("v1.26.3"))
	})

	It("orders versions numerically", func() {
		tags, err := cat.Versions(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(tags).To(Equal([]string{"v1.27.0-rc1", "v1.26.3", "v1.26.2", "v1.9.0"}))
	})

	It("resolves the latest asset with its sidecar checksum", func() {
		asset, err := cat.Resolve(ctx, linuxAmd, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(asset.Name).To(Equal("lotus_v1.26.3_linux_amd64_v1.tar.gz"))
		Expect(asset.Version).To(Equal("1.26.3"))
		Expect(asset.Tag).To(Equal("v1.26.3"))
		Expect(asset.DownloadURL).To(HaveSuffix("/download/v1.26.3/lotus_v1.26.3_linux_amd64_v1.tar.gz"))
		Expect(asset.Checksum).To(HavePrefix("sha512:cf83e1357eef"))
		Expect(asset.ChecksumURL).To(HaveSuffix(".sha512"))
	})

	It("falls back to the aggregate checksum file", func() {
		asset, err := cat.Resolve(ctx, types.PlatformKey{OS: "darwin", Arch: "arm64"}, "1.26.3")
		Expect(err).ToNot(HaveOccurred())
		Expect(asset.Name).To(Equal("lotus_v1.26.3_darwin_all.tar.gz"))
		Expect(asset.Checksum).To(Equal("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"))
	})

	It("resolves an explicitly requested pre-release", func() {
		asset, err := cat.Resolve(ctx, linuxAmd, "v1.27.0-rc1")
		Expect(err).ToNot(HaveOccurred())
		Expect(asset.Tag).To(Equal("v1.27.0-rc1"))
		Expect(asset.Checksum).To(BeEmpty())
	})

	It("never matches arm64 assets for arm", func() {
		_, err := cat.Resolve(ctx, types.PlatformKey{OS: "linux", Arch: "arm"}, "v1.26.3")
		Expect(types.IsKind(err, types.KindNoAssetForPlatform)).To(BeTrue())
		var notFound types.ErrAssetNotFound
		Expect(errorsAs(err, &notFound)).To(BeTrue())
		Expect(notFound.Available).To(ContainElement("lotus_v1.26.3_linux_arm64.tar.gz"))
	})

	It("reports platforms without a pattern as NoAssetForPlatform", func() {
		_, err := cat.Resolve(ctx, types.PlatformKey{OS: "linux", Arch: "arm64"}, "")
		Expect(types.IsKind(err, types.KindNoAssetForPlatform)).To(BeTrue())
	})

	It("suggests the closest tag for unknown versions", func() {
		_, err := cat.Resolve(ctx, linuxAmd, "v1.26.4")
		Expect(types.IsKind(err, types.KindNoSuchVersion)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("did you mean v1.26.3"))
	})

	It("lists releases once per catalog until refreshed", func() {
		_, _ = cat.Resolve(ctx, linuxAmd, "")
		_, _ = cat.Resolve(ctx, linuxAmd, "v1.26.2")
		Expect(atomic.LoadInt32(&listCalls)).To(Equal(int32(1)))

		cat.(*GitHubCatalog).Refresh()
		_, _ = cat.LatestStable(ctx)
		Expect(atomic.LoadInt32(&listCalls)).To(Equal(int32(2)))
	})
})
