package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flanksource/provision/pkg/types"
)

var _ = Describe("Config", func() {
	Describe("embedded defaults", func() {
		var defaults *Config

		BeforeEach(func() {
			var err error
			defaults, err = LoadDefaults()
			Expect(err).ToNot(HaveOccurred())
		})

		It("validates", func() {
			Expect(defaults.Validate()).To(Succeed())
		})

		It("defines the supported daemons", func() {
			Expect(defaults.Names()).To(ContainElements("lotus", "kubo", "ipfs-cluster-follow"))
		})

		It("defaults names and sources from the map key", func() {
			lotus := defaults.Binaries["lotus"]
			Expect(lotus.Name).To(Equal("lotus"))
			Expect(lotus.Catalog.Source).To(Equal(types.SourceGitHub))
			Expect(lotus.Dependencies.Libraries).To(ConsistOf("hwloc", "OpenCL"))
			Expect(lotus.Build).ToNot(BeNil())
			Expect(lotus.Build.Timeout).To(Equal(45 * time.Minute))
		})

		It("carries a single ipfs-cluster-follow entry", func() {
			def, err := defaults.Binary("ipfs-cluster-follow")
			Expect(err).ToNot(HaveOccurred())
			Expect(def.Catalog.Source).To(Equal(types.SourceIndex))
			Expect(def.Build.Binaries).To(ConsistOf("ipfs-cluster-follow"))
		})

		It("parses durations", func() {
			Expect(defaults.Settings.LockTimeout).To(Equal(10 * time.Minute))
			Expect(defaults.Settings.HookTimeout).To(Equal(2 * time.Hour))
		})

		It("has direct library sources for the lotus dependencies", func() {
			Expect(defaults.Libraries).To(HaveKey("hwloc"))
			Expect(defaults.Libraries).To(HaveKey("OpenCL"))
			Expect(defaults.Libraries["hwloc"].Platforms).To(HaveKeyWithValue("linux/x86_64", "linux-64"))
		})
	})

	Describe("Binary lookup", func() {
		var cfg *Config

		BeforeEach(func() {
			var err error
			cfg, err = LoadDefaults()
			Expect(err).ToNot(HaveOccurred())
		})

		It("resolves aliases", func() {
			def, err := cfg.Binary("ipfs")
			Expect(err).ToNot(HaveOccurred())
			Expect(def.Name).To(Equal("kubo"))

			def, err = cfg.Binary("GO-IPFS")
			Expect(err).ToNot(HaveOccurred())
			Expect(def.Name).To(Equal("kubo"))
		})

		It("suggests a close name", func() {
			_, err := cfg.Binary("lotsu")
			Expect(err).To(MatchError(ContainSubstring(`did you mean "lotus"?`)))
		})

		It("lists names when nothing is close", func() {
			_, err := cfg.Binary("postgres-server")
			Expect(err).To(MatchError(ContainSubstring("available: ")))
			Expect(err.Error()).To(ContainSubstring("kubo"))
		})
	})

	Describe("LoadMerged", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			GinkgoT().Setenv(ConfigEnv, "")
			GinkgoT().Setenv(RootEnv, "")
			GinkgoT().Setenv(BinDirEnv, "")
			GinkgoT().Setenv(AutoDepsEnv, "")
		})

		write := func(content string) string {
			path := filepath.Join(dir, ConfigFile)
			Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
			return path
		}

		It("overlays user fields on the default definition", func() {
			path := write(`
settings:
  root: ` + dir + `
  lock_timeout: 1m
binaries:
  lotus:
    version: v1.34.1
    catalog:
      tag_filter: 'tag.startsWith("v1.34")'
`)
			cfg, err := LoadMerged(path)
			Expect(err).ToNot(HaveOccurred())

			lotus := cfg.Binaries["lotus"]
			Expect(lotus.Version).To(Equal("v1.34.1"))
			Expect(lotus.Catalog.TagFilter).To(Equal(`tag.startsWith("v1.34")`))
			Expect(lotus.Catalog.Repo).To(Equal("filecoin-project/lotus"))
			Expect(lotus.Build).ToNot(BeNil())
			Expect(cfg.Settings.LockTimeout).To(Equal(time.Minute))
			Expect(cfg.Settings.BuildTimeout).To(Equal(45 * time.Minute))
			Expect(cfg.Settings.GetBinDir()).To(Equal(filepath.Join(dir, "bin")))
		})

		It("adds new binaries", func() {
			path := write(`
binaries:
  boost:
    catalog:
      repo: filecoin-project/boost
      asset_patterns:
        linux/amd64: 'boost_.*_linux_amd64\.tar\.gz'
`)
			cfg, err := LoadMerged(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Binaries["boost"].Catalog.Source).To(Equal(types.SourceGitHub))
			Expect(cfg.Names()).To(ContainElements("boost", "lotus"))
		})

		It("rejects invalid definitions", func() {
			path := write(`
binaries:
  broken:
    catalog:
      source: index
      platforms: [plan9/mips]
    hooks:
      - name: x
        kind: shell
`)
			_, err := LoadMerged(path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("binaries.broken"))
			Expect(err.Error()).To(ContainSubstring("versions_url"))
			Expect(err.Error()).To(ContainSubstring(`unrecognized operating system "plan9"`))
			Expect(err.Error()).To(ContainSubstring(`unknown kind "shell"`))
		})

		It("fails on a missing explicit file", func() {
			_, err := LoadMerged(filepath.Join(dir, "nope.yaml"))
			Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
		})

		It("applies environment overrides", func() {
			GinkgoT().Setenv(BinDirEnv, filepath.Join(dir, "custom"))
			GinkgoT().Setenv(AutoDepsEnv, "true")
			cfg, err := LoadMerged(write("settings: {}\n"))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Settings.GetBinDir()).To(Equal(filepath.Join(dir, "custom")))
			Expect(cfg.Settings.StagingDir()).To(Equal(filepath.Join(dir, "custom", ".provision-tmp")))
			Expect(cfg.Settings.AutoSystemDeps).To(BeTrue())
		})
	})
})
