package build_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/build"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeFetcher struct {
	files   map[string][]byte
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dest string, _ ...download.Option) (int64, error) {
	f.fetched = append(f.fetched, url)
	body, ok := f.files[url]
	if !ok {
		return 0, types.Errorf(types.KindDownloadFailed, "download", "GET %s returned 404 Not Found", url)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	return int64(len(body)), os.WriteFile(dest, body, 0644)
}

type fakePackages struct {
	calls int
	err   error
}

func (f *fakePackages) InstallPackages(context.Context, map[string][]string, map[string][]string) (*system.Report, error) {
	f.calls++
	return &system.Report{}, f.err
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

var linuxAmd64 = types.PlatformKey{OS: types.OSLinux, Arch: types.ArchX86_64}

var _ = Describe("Builder", func() {
	var (
		root    string
		tmp     string
		runner  *mock.Runner
		fetcher *fakeFetcher
		builder *build.Builder
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		tmp = filepath.Join(root, ".tmp")
		runner = mock.NewRunner().
			WithPath("go", "/usr/bin/go").
			WithPath("git", "/usr/bin/git").
			WithPath("make", "/usr/bin/make").
			OnOutput("/usr/bin/go version", "go version go1.24.9 linux/amd64")
		fetcher = &fakeFetcher{files: map[string][]byte{}}
		builder = &build.Builder{
			Def: types.BinaryDefinition{
				Name:          "lotus",
				ExtraBinaries: []string{"lotus-miner"},
				Build: &types.BuildSpec{
					Repo:      "https://github.com/filecoin-project/lotus.git",
					Command:   []string{"make", "lotus", "lotus-miner"},
					Binaries:  []string{"lotus", "lotus-miner", "lotus-worker"},
					Toolchain: &types.ToolchainSpec{Name: "go", MinVersion: "1.24.7", Version: "1.24.9"},
				},
			},
			Runner:  runner,
			Fetcher: fetcher,
			Root:    root,
			BinDir:  filepath.Join(root, "bin"),
			TmpDir:  tmp,
		}

		runner.OnFunc("git clone", func(_ context.Context, cmd command.Cmd) command.Result {
			Expect(os.MkdirAll(cmd.Args[len(cmd.Args)-1], 0755)).To(Succeed())
			return command.Result{}
		})
	})

	produces := func(names ...string) mock.Handler {
		return func(_ context.Context, cmd command.Cmd) command.Result {
			for _, name := range names {
				Expect(os.WriteFile(filepath.Join(cmd.Dir, name), []byte("#!/bin/sh\necho "+name), 0644)).To(Succeed())
			}
			return command.Result{Stdout: "ok", Combined: "ok"}
		}
	}

	expectTmpEmpty := func() {
		entries, err := os.ReadDir(tmp)
		if err == nil {
			Expect(entries).To(BeEmpty())
		}
	}

	It("clones the exact tag shallowly, builds and installs every produced binary", func() {
		runner.OnFunc("make", produces("lotus", "lotus-miner"))

		bin, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(err).NotTo(HaveOccurred())
		Expect(bin.Name).To(Equal("lotus"))
		Expect(bin.Path).To(Equal(filepath.Join(root, "bin", "lotus")))
		Expect(bin.Version).To(Equal("1.26.3"))

		info, err := os.Stat(filepath.Join(root, "bin", "lotus-miner"))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0755)))
		Expect(runner.Ran("git clone --depth 1 --branch v1.26.3 https://github.com/filecoin-project/lotus.git")).To(BeTrue())
		Expect(fetcher.fetched).To(BeEmpty())
		expectTmpEmpty()
	})

	It("reports the exit code and output of a failed build", func() {
		runner.OnExit("make", 2, "ffi/filcrypto.h: No such file or directory\nmake: *** [Makefile:40] Error 2")

		_, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(types.IsKind(err, types.KindBuildFailed)).To(BeTrue())
		var buildErr *types.BuildError
		Expect(err).To(BeAssignableToTypeOf(&types.Error{}))
		Expect(errorsAs(err, &buildErr)).To(BeTrue())
		Expect(buildErr.ExitCode).To(Equal(2))
		Expect(buildErr.Output).To(ContainSubstring("filcrypto.h"))
		expectTmpEmpty()
	})

	It("aborts a hung build at the build timeout", func() {
		builder.Def.Build.Timeout = 100 * time.Millisecond
		runner.OnBlock("make")

		start := time.Now()
		_, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		var buildErr *types.BuildError
		Expect(errorsAs(err, &buildErr)).To(BeTrue())
		Expect(buildErr.TimedOut).To(BeTrue())
		Expect(buildErr.ExitCode).To(Equal(-1))
		expectTmpEmpty()
	})

	It("kills processes spawned by a hung build", func() {
		if runtime.GOOS == "windows" {
			Skip("uses /bin/sh")
		}
		pidFile := filepath.Join(GinkgoT().TempDir(), "child.pid")
		builder.Def.Build.Command = []string{"/bin/sh", "-c", "sleep 30 & echo $! > " + pidFile + "; wait"}
		builder.Def.Build.Timeout = 300 * time.Millisecond
		exec := command.NewExecRunner()
		runner.OnFunc("/bin/sh", exec.Run)

		start := time.Now()
		_, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(time.Since(start)).To(BeNumerically("<", 4*time.Second))
		var buildErr *types.BuildError
		Expect(errorsAs(err, &buildErr)).To(BeTrue())
		Expect(buildErr.TimedOut).To(BeTrue())

		data, err := os.ReadFile(pidFile)
		Expect(err).NotTo(HaveOccurred())
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool { return exited(int32(pid)) }).WithTimeout(2 * time.Second).Should(BeTrue())
		expectTmpEmpty()
	})

	It("fails with CloneFailed for an unknown tag", func() {
		runner.OnExit("git clone", 128, "fatal: Remote branch v9.9.9 not found in upstream origin")
		_, err := builder.BuildFromSource(context.Background(), "v9.9.9", linuxAmd64)
		Expect(types.IsKind(err, types.KindCloneFailed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Remote branch v9.9.9 not found"))
		Expect(runner.Ran("make")).To(BeFalse())
		expectTmpEmpty()
	})

	It("fails with NoBinariesProduced when nothing was built", func() {
		runner.On("make", command.Result{})
		_, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(types.IsKind(err, types.KindNoBinariesProduced)).To(BeTrue())
		expectTmpEmpty()
	})

	It("renders the tag template", func() {
		builder.Def.Build.TagTemplate = "release-{{.version}}"
		runner.OnFunc("make", produces("lotus"))
		_, err := builder.BuildFromSource(context.Background(), "v1.26.3", linuxAmd64)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.Ran("git clone --depth 1 --branch release-1.26.3")).To(BeTrue())
	})

	Context("toolchain", func() {
		var pinned string

		BeforeEach(func() {
			pinned = filepath.Join(root, "toolchain", "go1.24.9")
			fetcher.files["https://go.dev/dl/go1.24.9.linux-amd64.tar.gz"] = tarGz(map[string]string{
				"go/bin/go":      "#!/bin/sh\necho go version go1.24.9 linux/amd64",
				"go/VERSION":     "go1.24.9",
				"go/src/go.mod":  "module std",
				"go/pkg/tool/x":  "",
				"go/lib/time/tz": "",
			})
			runner.OnOutput(filepath.Join(pinned, "bin", "go")+" version", "go version go1.24.9 linux/amd64")
		})

		It("uses the host toolchain when new enough", func() {
			tc, err := builder.EnsureToolchain(context.Background(), *builder.Def.Build.Toolchain, linuxAmd64)
			Expect(err).NotTo(HaveOccurred())
			Expect(tc.Version).To(Equal("1.24.9"))
			Expect(tc.Dir).To(BeEmpty())
		})

		It("compares versions numerically and installs the pinned one", func() {
			runner.OnOutput("/usr/bin/go version", "go version go1.9.7 linux/amd64")
			spec := types.ToolchainSpec{Name: "go", MinVersion: "1.10", Version: "1.24.9"}

			tc, err := builder.EnsureToolchain(context.Background(), spec, linuxAmd64)
			Expect(err).NotTo(HaveOccurred())
			Expect(tc.Dir).To(Equal(pinned))
			Expect(tc.Env).To(HaveKeyWithValue("GOROOT", pinned))
			Expect(tc.Env["PATH"]).To(HavePrefix(filepath.Join(pinned, "bin")))
			Expect(filepath.Join(pinned, "VERSION")).To(BeAnExistingFile())
			expectTmpEmpty()

			// second run reuses the private toolchain
			_, err = builder.EnsureToolchain(context.Background(), spec, linuxAmd64)
			Expect(err).NotTo(HaveOccurred())
			Expect(fetcher.fetched).To(HaveLen(1))
		})

		It("installs when go is absent", func() {
			runner = mock.NewRunner().OnOutput(filepath.Join(pinned, "bin", "go")+" version", "go version go1.24.9 linux/amd64")
			builder.Runner = runner
			tc, err := builder.EnsureToolchain(context.Background(), *builder.Def.Build.Toolchain, linuxAmd64)
			Expect(err).NotTo(HaveOccurred())
			Expect(tc.Dir).To(Equal(pinned))
		})

		It("downloads the armv6l archive for linux/arm", func() {
			linuxArm := types.PlatformKey{OS: types.OSLinux, Arch: types.ArchARM}
			fetcher.files["https://go.dev/dl/go1.24.9.linux-armv6l.tar.gz"] = fetcher.files["https://go.dev/dl/go1.24.9.linux-amd64.tar.gz"]
			runner = mock.NewRunner().OnOutput(filepath.Join(pinned, "bin", "go")+" version", "go version go1.24.9 linux/arm")
			builder.Runner = runner

			tc, err := builder.EnsureToolchain(context.Background(), *builder.Def.Build.Toolchain, linuxArm)
			Expect(err).NotTo(HaveOccurred())
			Expect(tc.Dir).To(Equal(pinned))
			Expect(fetcher.fetched).To(Equal([]string{"https://go.dev/dl/go1.24.9.linux-armv6l.tar.gz"}))
		})

		It("fails with ToolchainUnavailable when the download fails", func() {
			runner.OnOutput("/usr/bin/go version", "go version go1.20 linux/amd64")
			spec := types.ToolchainSpec{Name: "go", MinVersion: "1.24.7", Version: "1.99.0"}
			_, err := builder.EnsureToolchain(context.Background(), spec, linuxAmd64)
			Expect(types.IsKind(err, types.KindToolchainUnavailable)).To(BeTrue())
		})
	})

	Context("tools", func() {
		var packages *fakePackages

		BeforeEach(func() {
			packages = &fakePackages{err: fmt.Errorf("disabled")}
			builder.Packages = packages
			fetcher.files["https://github.com/jqlang/jq/releases/download/jq-1.7.1/jq-linux-amd64"] = []byte("#!/bin/sh\necho jq-1.7.1")
		})

		It("accepts tools already on PATH", func() {
			Expect(builder.EnsureTools(context.Background(), []types.ToolSpec{{Name: "git"}, {Name: "make"}}, linuxAmd64)).To(Succeed())
			Expect(packages.calls).To(Equal(0))
		})

		It("downloads a portable build when the package manager cannot help", func() {
			tools := []types.ToolSpec{{
				Name:        "jq",
				Packages:    map[string][]string{"apt": {"jq"}},
				URLTemplate: "https://github.com/jqlang/jq/releases/download/jq-1.7.1/jq-{{.os}}-{{.goarch}}",
			}}
			Expect(builder.EnsureTools(context.Background(), tools, linuxAmd64)).To(Succeed())
			Expect(packages.calls).To(Equal(1))
			Expect(filepath.Join(builder.ToolsDir(), "jq")).To(BeAnExistingFile())
		})

		It("fails when a tool cannot be provided", func() {
			err := builder.EnsureTools(context.Background(), []types.ToolSpec{{Name: "pkg-config"}}, linuxAmd64)
			Expect(types.IsKind(err, types.KindToolchainUnavailable)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("pkg-config"))
		})
	})
})
