package helpers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/installer"
	"github.com/flanksource/provision/pkg/types"
	"github.com/google/go-github/v57/github"
	. "github.com/onsi/gomega"
)

// Release is one GitHub release served by a ReleaseServer
type Release struct {
	Tag    string
	Assets map[string][]byte
}

// ReleaseServer fakes the GitHub releases API of one repository and serves
// the asset downloads.
type ReleaseServer struct {
	*httptest.Server
	Repo     string
	Releases []Release
}

func NewReleaseServer(repo string, releases ...Release) *ReleaseServer {
	rs := &ReleaseServer{Repo: repo, Releases: releases}
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/repos/%s/releases", repo), func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]any
		id := 0
		for _, rel := range rs.Releases {
			var assets []map[string]any
			for name, body := range rel.Assets {
				id++
				assets = append(assets, map[string]any{
					"id":                   id,
					"name":                 name,
					"size":                 len(body),
					"browser_download_url": fmt.Sprintf("%s/download/%s/%s", rs.URL, rel.Tag, name),
				})
			}
			out = append(out, map[string]any{"tag_name": rel.Tag, "assets": assets})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		for _, rel := range rs.Releases {
			for name, body := range rel.Assets {
				if r.URL.Path == fmt.Sprintf("/download/%s/%s", rel.Tag, name) {
					_, _ = w.Write(body)
					return
				}
			}
		}
		http.NotFound(w, r)
	})
	rs.Server = httptest.NewServer(mux)
	return rs
}

// Client returns a go-github client pointed at the fake API
func (rs *ReleaseServer) Client() *github.Client {
	client := github.NewClient(rs.Server.Client())
	client.BaseURL, _ = url.Parse(rs.URL + "/")
	return client
}

// TarGz packs files into a gzipped tarball
func TarGz(files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		Expect(tw.WriteHeader(&tar.Header{Name: name, Mode: 0755, Size: int64(len(body)), Typeflag: tar.TypeReg})).To(Succeed())
		_, err := tw.Write([]byte(body))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(tw.Close()).To(Succeed())
	Expect(gz.Close()).To(Succeed())
	return buf.Bytes()
}

// Lotus is a lotus definition published on GitHub with linux/x86_64 and
// darwin/arm64 assets only.
func Lotus() types.BinaryDefinition {
	return types.BinaryDefinition{
		Name:           "lotus",
		VersionPattern: `lotus version v?(\d+\.\d+\.\d+)`,
		Catalog: types.CatalogSpec{
			Source: types.SourceGitHub,
			Repo:   "filecoin-project/lotus",
			AssetPatterns: map[string]string{
				"linux/x86_64": `lotus_{{.tag}}_linux_amd64(_v\d+)?\.tar\.gz`,
				"darwin/arm64": `lotus_{{.tag}}_darwin_all\.tar\.gz`,
			},
			BinaryPath: "**/lotus",
		},
		Dependencies: types.DependencySpec{
			Libraries: []string{"hwloc"},
			Packages:  map[string][]string{"apt": {"hwloc"}, "brew": {"hwloc"}},
		},
		Build: &types.BuildSpec{
			Repo:     "https://github.com/filecoin-project/lotus.git",
			Command:  []string{"make", "lotus"},
			Binaries: []string{"lotus"},
		},
	}
}

// Doubles are the scripted components handed to NewInstaller
type Doubles struct {
	Runner   *mock.Runner
	Resolver *mock.Resolver
	Builder  *mock.Builder
}

// NewInstaller wires a real GitHub catalog and downloader against rs with
// scripted execution, dependency resolution and builds.
func NewInstaller(root string, rs *ReleaseServer, def types.BinaryDefinition, d Doubles) *installer.Installer {
	downloader := download.New(nil, 30*time.Second)
	cfg := &config.Config{
		Settings: config.Settings{
			Root:          root,
			VerifyTimeout: 5 * time.Second,
			LockTimeout:   5 * time.Second,
		},
		Binaries: map[string]types.BinaryDefinition{def.Name: def},
	}
	return &installer.Installer{
		Config:     cfg,
		Runner:     d.Runner,
		Catalogs:   installer.NewCatalogRegistry(downloader, rs.Client()).For,
		Downloader: downloader,
		Resolver:   d.Resolver,
		Builders: func(_ types.BinaryDefinition, outDir string, _ *task.Task) installer.SourceBuilder {
			return d.Builder.ForDir(outDir)
		},
		MinSize: 1,
		Getenv:  func(string) string { return "" },
	}
}
