package installer_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/cache"
	"github.com/flanksource/provision/pkg/catalog"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/installer"
	"github.com/flanksource/provision/pkg/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
)

var linux = types.PlatformKey{OS: types.OSLinux, Arch: types.ArchX86_64}

const (
	prebuiltScript = "#!/bin/sh\n# prebuilt\necho lotus version 1.34.1\n"
	sourceScript   = "#!/bin/sh\n# source-build\necho lotus version 1.34.1\n"
)

func lotusDefinition() types.BinaryDefinition {
	return types.BinaryDefinition{
		Name:           "lotus",
		VersionPattern: `lotus version v?(\d+\.\d+\.\d+)`,
		ExtraBinaries:  []string{"lotus-miner"},
		Catalog: types.CatalogSpec{
			Source:     types.SourceGitHub,
			Repo:       "filecoin-project/lotus",
			BinaryPath: "**/lotus",
		},
		Dependencies: types.DependencySpec{
			Libraries: []string{"hwloc"},
			Packages:  map[string][]string{"apt": {"hwloc"}},
		},
		Build: &types.BuildSpec{
			Repo:     "https://github.com/filecoin-project/lotus.git",
			Command:  []string{"make", "lotus"},
			Binaries: []string{"lotus"},
		},
		Hooks: []types.HookSpec{
			{Name: "fetch-params", Kind: types.HookParams, Args: []string{"fetch-params", "2048"}},
		},
	}
}

func tarGz(files map[string]string) []byte {
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

func sha256sum(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

type buildFunc func(ctx context.Context, tag string, key types.PlatformKey) (*types.InstalledBinary, error)

func (f buildFunc) BuildFromSource(ctx context.Context, tag string, key types.PlatformKey) (*types.InstalledBinary, error) {
	return f(ctx, tag, key)
}

// host simulates how binaries behave on the machine under test
type host struct {
	mu sync.Mutex
	// healthy makes the prebuilt binary run
	healthy bool
	// needsLib makes the prebuilt binary run only with libDir on LD_LIBRARY_PATH
	needsLib bool
	libDir   string
	hookExit int
}

func (h *host) set(fn func(h *host)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *host) run(_ context.Context, cmd command.Cmd) command.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(cmd.Args) > 0 && cmd.Args[0] == "fetch-params" {
		if h.hookExit != 0 {
			return command.Result{ExitCode: h.hookExit, Combined: "failed to fetch params", Err: errors.New("exit")}
		}
		return command.Result{Combined: "params fetched"}
	}

	content, err := os.ReadFile(cmd.Name)
	if err != nil {
		return command.Result{ExitCode: 127, Err: err}
	}
	if !strings.HasPrefix(string(content), "#!/bin/sh") {
		return command.Result{ExitCode: 126, Combined: "exec format error", Err: errors.New("exit status 126")}
	}
	ok := command.Result{Stdout: "lotus version 1.34.1+mainnet", Combined: "lotus version 1.34.1+mainnet"}
	if strings.Contains(string(content), "source-build") {
		return ok
	}
	broken := command.Result{
		ExitCode: 127,
		Combined: "lotus: error while loading shared libraries: libhwloc.so.15: cannot open shared object file",
		Err:      errors.New("exit status 127"),
	}
	if h.needsLib {
		if strings.Contains(cmd.Env["LD_LIBRARY_PATH"], h.libDir) {
			return ok
		}
		return broken
	}
	if !h.healthy {
		return broken
	}
	return ok
}

var _ = Describe("Installer", func() {
	var (
		root     string
		binDir   string
		server   *httptest.Server
		files    map[string][]byte
		archive  []byte
		h        *host
		runner   *mock.Runner
		cat      *mock.Catalog
		resolver *mock.Resolver
		libs     *mock.Libraries
		builder  *mock.Builder
		applier  *mock.Applier
		inst     *installer.Installer
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		binDir = filepath.Join(root, "bin")

		files = map[string][]byte{}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, ok := files[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(body)
		}))
		DeferCleanup(server.Close)

		archive = tarGz(map[string]string{
			"lotus_v1.34.1_linux_amd64_v1/lotus":       prebuiltScript,
			"lotus_v1.34.1_linux_amd64_v1/lotus-miner": prebuiltScript,
			"lotus_v1.34.1_linux_amd64_v1/README.md":   "docs",
		})
		files["/lotus_v1.34.1_linux_amd64_v1.tar.gz"] = archive

		h = &host{healthy: true, libDir: filepath.Join(binDir, "lib")}
		runner = mock.NewRunner()
		runner.OnFunc("", h.run)

		cat = mock.NewCatalog("lotus", "v1.34.1").
			WithAsset(linux, server.URL+"/lotus_v1.34.1_linux_amd64_v1.tar.gz", sha256sum(archive))
		resolver = &mock.Resolver{}
		libs = &mock.Libraries{Sources: []string{"hwloc"}}
		builder = &mock.Builder{Files: map[string]string{"lotus": sourceScript}, Primary: "lotus"}
		applier = &mock.Applier{}

		cfg := &config.Config{
			Settings: config.Settings{
				Root:          root,
				Platform:      "linux/x86_64",
				VerifyTimeout: 5 * time.Second,
				LockTimeout:   5 * time.Second,
				HookTimeout:   time.Minute,
			},
			Binaries: map[string]types.BinaryDefinition{"lotus": lotusDefinition()},
		}
		inst = &installer.Installer{
			Config:     cfg,
			Runner:     runner,
			Catalogs:   func(types.BinaryDefinition) (catalog.Catalog, error) { return cat, nil },
			Downloader: download.New(nil, 10*time.Second),
			Resolver:   resolver,
			Libraries:  libs,
			Builders: func(_ types.BinaryDefinition, outDir string, _ *task.Task) installer.SourceBuilder {
				return builder.ForDir(outDir)
			},
			Applier: applier,
			Getenv:  func(string) string { return "" },
		}
	})

	stagingEmpty := func() {
		entries, _ := os.ReadDir(filepath.Join(binDir, ".provision-tmp"))
		Expect(entries).To(BeEmpty())
	}

	Context("prebuilt release", func() {
		It("installs the binary and its extras", func() {
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())

			Expect(decision.Path()).To(Equal([]types.State{
				types.StateStart, types.StateCheckExisting, types.StateResolveAsset,
				types.StateDownload, types.StateVerify, types.StateDone,
			}))
			Expect(decision.Strategy).To(Equal(types.StrategyPrebuilt))
			Expect(decision.Outcome).To(Equal(types.OutcomeSuccess))
			Expect(decision.Platform).To(Equal(linux))
			Expect(decision.Installed.Path).To(Equal(filepath.Join(binDir, "lotus")))
			Expect(decision.Installed.Version).To(Equal("1.34.1"))
			Expect(decision.Chain()).To(ContainSubstring("hash verified"))

			Expect(filepath.Join(binDir, "lotus")).To(BeARegularFile())
			Expect(filepath.Join(binDir, "lotus-miner")).To(BeARegularFile())
			Expect(filepath.Join(binDir, "README.md")).NotTo(BeAnExistingFile())
			stagingEmpty()
		})

		It("runs the params hook and the config applier", func() {
			_, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(runner.Ran(filepath.Join(binDir, "lotus") + " fetch-params 2048")).To(BeTrue())
			Expect(applier.Applied()).To(Equal([]string{"lotus"}))
		})

		It("skips the params hook with --skip-params", func() {
			_, err := inst.Install(ctx, "lotus", installer.WithSkipParams(true))
			Expect(err).NotTo(HaveOccurred())
			Expect(runner.Ran(filepath.Join(binDir, "lotus") + " fetch-params")).To(BeFalse())
		})

		It("keeps the outcome when a hook fails", func() {
			h.set(func(h *host) { h.hookExit = 1 })
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Succeeded()).To(BeTrue())
			Expect(decision.Chain()).To(ContainSubstring("hook fetch-params failed (exit 1)"))
		})

		It("is idempotent", func() {
			_, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			before := cat.Resolved()

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Strategy).To(Equal(types.StrategyExisting))
			Expect(decision.Path()).To(Equal([]types.State{types.StateStart, types.StateCheckExisting, types.StateDone}))
			Expect(cat.Resolved()).To(Equal(before))
		})

		It("does not fetch params again for an existing install", func() {
			_, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			_, err = inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())

			fetches := func() int {
				return lo.CountBy(runner.Calls(), func(call string) bool { return strings.Contains(call, "fetch-params") })
			}
			Expect(fetches()).To(Equal(1))

			_, err = inst.Install(ctx, "lotus", installer.WithForce(true))
			Expect(err).NotTo(HaveOccurred())
			Expect(fetches()).To(Equal(2))
		})

		It("evicts a cached archive that does not match the published hash", func() {
			url := server.URL + "/lotus_v1.34.1_linux_amd64_v1.tar.gz"
			c := cache.New(filepath.Join(root, "cache"))
			cached := c.Path(url, "lotus_v1.34.1_linux_amd64_v1.tar.gz")
			Expect(os.MkdirAll(filepath.Dir(cached), 0755)).To(Succeed())
			Expect(os.WriteFile(cached, []byte("truncated"), 0644)).To(Succeed())
			inst.Downloader = download.New(c, 10*time.Second)

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Strategy).To(Equal(types.StrategyPrebuilt))
			Expect(decision.Chain()).To(ContainSubstring("hash verified"))
			Expect(os.ReadFile(cached)).To(Equal(archive))
		})

		It("reinstalls with --force", func() {
			_, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())

			decision, err := inst.Install(ctx, "lotus", installer.WithForce(true))
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Path()).NotTo(ContainElement(types.StateCheckExisting))
			Expect(decision.Strategy).To(Equal(types.StrategyPrebuilt))
		})

		It("replaces an unhealthy install", func() {
			Expect(os.MkdirAll(binDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(binDir, "lotus"), []byte("garbage"), 0755)).To(Succeed())

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Chain()).To(ContainSubstring("installed but unhealthy"))
			Expect(decision.Strategy).To(Equal(types.StrategyPrebuilt))
			content, _ := os.ReadFile(filepath.Join(binDir, "lotus"))
			Expect(string(content)).To(Equal(prebuiltScript))
		})

		It("resolves aliases", func() {
			def := lotusDefinition()
			def.Aliases = []string{"filecoin"}
			inst.Config.Binaries["lotus"] = def
			decision, err := inst.Install(ctx, "filecoin")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Binary).To(Equal("lotus"))
		})

		It("sweeps leftovers of interrupted runs", func() {
			leftover := filepath.Join(binDir, ".provision-tmp", "lotus-123456")
			Expect(os.MkdirAll(leftover, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(binDir, "lotus.tmp"), []byte("partial"), 0755)).To(Succeed())

			_, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(leftover).NotTo(BeADirectory())
			Expect(filepath.Join(binDir, "lotus.tmp")).NotTo(BeAnExistingFile())
		})
	})

	Context("falling back to a source build", func() {
		It("builds when no asset exists for the platform", func() {
			cat = mock.NewCatalog("lotus", "v1.34.1")
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Path()).To(Equal([]types.State{
				types.StateStart, types.StateCheckExisting, types.StateResolveAsset,
				types.StateBuildFromSource, types.StateDone,
			}))
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
			Expect(builder.Tags()).To(Equal([]string{"v1.34.1"}))
			content, _ := os.ReadFile(filepath.Join(binDir, "lotus"))
			Expect(string(content)).To(Equal(sourceScript))
			stagingEmpty()
		})

		It("installs a built binary whose output directory cannot be listed", func() {
			cat = mock.NewCatalog("lotus", "v1.34.1")
			elsewhere := filepath.Join(root, "elsewhere", "lotus")
			inst.Builders = func(types.BinaryDefinition, string, *task.Task) installer.SourceBuilder {
				return buildFunc(func(_ context.Context, tag string, _ types.PlatformKey) (*types.InstalledBinary, error) {
					Expect(os.MkdirAll(filepath.Dir(elsewhere), 0755)).To(Succeed())
					Expect(os.WriteFile(elsewhere, []byte(sourceScript), 0755)).To(Succeed())
					return &types.InstalledBinary{Name: "lotus", Path: elsewhere, Version: tag}, nil
				})
			}

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
			Expect(filepath.Join(binDir, "lotus")).To(BeARegularFile())
			Expect(filepath.Join(binDir, "lotus-miner")).NotTo(BeAnExistingFile())
		})

		It("builds when the download fails", func() {
			delete(files, "/lotus_v1.34.1_linux_amd64_v1.tar.gz")
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Chain()).To(ContainSubstring("DOWNLOAD -> BUILD_FROM_SOURCE: download failed"))
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
		})

		It("builds when the hash does not match", func() {
			cat = mock.NewCatalog("lotus", "v1.34.1").
				WithAsset(linux, server.URL+"/lotus_v1.34.1_linux_amd64_v1.tar.gz", sha256sum([]byte("other")))
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Chain()).To(ContainSubstring("DOWNLOAD -> BUILD_FROM_SOURCE: integrity check failed"))
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
		})

		It("builds the pinned version when it is not published", func() {
			decision, err := inst.Install(ctx, "lotus", installer.WithVersion("1.33.0"))
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Chain()).To(ContainSubstring("NoSuchVersion"))
			Expect(builder.Tags()).To(Equal([]string{"v1.33.0"}))
		})

		It("stops at an unsupported platform", func() {
			cat.WithResolveError(types.Errorf(types.KindPlatformUnsupported, "catalog", "no builds for linux/x86"))
			decision, err := inst.Install(ctx, "lotus")
			Expect(err).To(HaveOccurred())
			Expect(types.IsKind(err, types.KindPlatformUnsupported)).To(BeTrue())
			Expect(decision.Path()).To(Equal([]types.State{
				types.StateStart, types.StateCheckExisting, types.StateResolveAsset, types.StateDone,
			}))
			Expect(builder.Tags()).To(BeEmpty())
		})
	})

	Context("native dependencies", func() {
		It("retries verification after the resolver succeeds", func() {
			h.set(func(h *host) { h.healthy = false })
			resolver.OnEnsure = func() { h.set(func(h *host) { h.healthy = true }) }

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Path()).To(Equal([]types.State{
				types.StateStart, types.StateCheckExisting, types.StateResolveAsset, types.StateDownload,
				types.StateVerify, types.StateResolveDependencies, types.StateVerify, types.StateDone,
			}))
			Expect(decision.Strategy).To(Equal(types.StrategyPrebuilt))
			Expect(decision.Chain()).To(ContainSubstring("libhwloc.so.15"))
			Expect(resolver.Calls()).To(Equal(1))
		})

		It("falls back to a direct library download", func() {
			h.set(func(h *host) { h.needsLib = true })
			resolver.Err = types.Errorf(types.KindDependencyResolutionFailed, "system",
				"automatic system package installation is disabled, run: sudo apt-get install -y hwloc")

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Strategy).To(Equal(types.StrategyDirectLibPrebuilt))
			Expect(libs.Installed()).To(Equal([]string{"hwloc"}))
			Expect(decision.Chain()).To(ContainSubstring("automatic system package installation is disabled"))
			Expect(decision.Chain()).To(ContainSubstring("installed hwloc into"))
			Expect(filepath.Join(binDir, "lotus")).To(BeARegularFile())
		})

		It("retries at most once and then builds", func() {
			h.set(func(h *host) { h.healthy = false })

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Path()).To(Equal([]types.State{
				types.StateStart, types.StateCheckExisting, types.StateResolveAsset, types.StateDownload,
				types.StateVerify, types.StateResolveDependencies, types.StateVerify,
				types.StateBuildFromSource, types.StateDone,
			}))
			Expect(resolver.Calls()).To(Equal(1))
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
		})

		It("builds when neither the resolver nor a direct download helps", func() {
			h.set(func(h *host) { h.healthy = false })
			resolver.Err = errors.New("no-manager: no supported package manager found")
			libs.Sources = nil

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Chain()).To(ContainSubstring("RESOLVE_DEPENDENCIES -> BUILD_FROM_SOURCE: dependencies unsatisfied"))
			Expect(decision.Chain()).To(ContainSubstring("no direct source for hwloc"))
			Expect(decision.Strategy).To(Equal(types.StrategySourceBuild))
		})
	})

	Context("failures", func() {
		It("reports the whole chain and leaves nothing behind", func() {
			h.set(func(h *host) { h.healthy = false })
			builder.Err = types.Wrap(types.KindBuildFailed, "build", errors.New("make: *** [lotus] Error 2"), "make lotus")

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).To(HaveOccurred())
			Expect(decision.Outcome).To(Equal(types.OutcomeFailed))
			Expect(types.IsKind(err, types.KindBuildFailed)).To(BeTrue())

			var failure *installer.Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("CHECK_EXISTING -> RESOLVE_ASSET"))
			Expect(err.Error()).To(ContainSubstring("VERIFY -> RESOLVE_DEPENDENCIES: binary failed to execute"))
			Expect(err.Error()).To(ContainSubstring("BUILD_FROM_SOURCE -> DONE: build of v1.34.1 failed"))

			Expect(filepath.Join(binDir, "lotus")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(binDir, "lotus-miner")).NotTo(BeAnExistingFile())
			Expect(applier.Applied()).To(BeEmpty())
			stagingEmpty()
		})

		It("fails without a source build", func() {
			def := lotusDefinition()
			def.Build = nil
			inst.Config.Binaries["lotus"] = def
			cat = mock.NewCatalog("lotus", "v1.34.1")

			decision, err := inst.Install(ctx, "lotus")
			Expect(err).To(HaveOccurred())
			Expect(types.IsKind(err, types.KindNoAssetForPlatform)).To(BeTrue())
			Expect(decision.Chain()).To(ContainSubstring("no source build configured for lotus"))
		})

		It("rejects unknown binaries", func() {
			_, err := inst.Install(ctx, "lotsu")
			Expect(err).To(MatchError(ContainSubstring(`did you mean "lotus"?`)))
		})
	})

	Context("cancellation", func() {
		It("stops before doing any work", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			decision, err := inst.Install(cancelled, "lotus")
			Expect(err).To(HaveOccurred())
			Expect(types.IsKind(err, types.KindCancelled)).To(BeTrue())
			Expect(decision.Outcome).To(Equal(types.OutcomeFailed))
			Expect(cat.Resolved()).To(BeZero())
		})

		It("is checked between transitions", func() {
			cancellable, cancel := context.WithCancel(ctx)
			defer cancel()
			h.set(func(h *host) { h.healthy = false })
			resolver.OnEnsure = cancel

			decision, err := inst.Install(cancellable, "lotus")
			Expect(types.IsKind(err, types.KindCancelled)).To(BeTrue())
			Expect(decision.Chain()).To(ContainSubstring("VERIFY -> DONE: cancelled"))
			Expect(builder.Tags()).To(BeEmpty())
			Expect(filepath.Join(binDir, "lotus")).NotTo(BeAnExistingFile())
		})
	})

	Context("concurrency", func() {
		It("serialises installs of the same binary", func() {
			var wg sync.WaitGroup
			strategies := make(chan types.Strategy, 4)
			for n := 0; n < 4; n++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					decision, err := inst.Install(ctx, "lotus", installer.WithSkipParams(true))
					Expect(err).NotTo(HaveOccurred())
					strategies <- decision.Strategy
				}()
			}
			wg.Wait()
			close(strategies)

			var counts = map[types.Strategy]int{}
			for s := range strategies {
				counts[s]++
			}
			Expect(counts[types.StrategyPrebuilt]).To(Equal(1))
			Expect(counts[types.StrategyExisting]).To(Equal(3))
		})
	})
})
