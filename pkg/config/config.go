package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flanksource/provision/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFile = "provision.yaml"
	// ConfigEnv points at a configuration file
	ConfigEnv     = "PROVISION_CONFIG"
	BinDirEnv     = "PROVISION_BIN_DIR"
	RootEnv       = "PROVISION_ROOT"
	AutoDepsEnv   = "PROVISION_AUTO_SYSTEM_DEPS"
	DefaultRoot   = "~/.provision"
	stagingSubdir = ".provision-tmp"
)

// Config is the merged provisioning configuration.
type Config struct {
	Settings Settings                          `json:"settings" yaml:"settings"`
	Binaries map[string]types.BinaryDefinition `json:"binaries" yaml:"binaries"`
	// Libraries are direct download sources keyed by library name
	Libraries map[string]types.LibrarySource `json:"libraries,omitempty" yaml:"libraries,omitempty"`
}

// Settings are the install root layout, policy and timeouts.
type Settings struct {
	Root     string `json:"root,omitempty" yaml:"root,omitempty"`
	BinDir   string `json:"bin_dir,omitempty" yaml:"bin_dir,omitempty"`
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	// Platform overrides detection, as os/arch
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
	// AutoSystemDeps allows privileged package manager installs
	AutoSystemDeps    bool          `json:"auto_system_deps,omitempty" yaml:"auto_system_deps,omitempty"`
	DownloadTimeout   time.Duration `json:"download_timeout,omitempty" yaml:"download_timeout,omitempty"`
	VerifyTimeout     time.Duration `json:"verify_timeout,omitempty" yaml:"verify_timeout,omitempty"`
	LockTimeout       time.Duration `json:"lock_timeout,omitempty" yaml:"lock_timeout,omitempty"`
	SystemLockTimeout time.Duration `json:"system_lock_timeout,omitempty" yaml:"system_lock_timeout,omitempty"`
	InstallTimeout    time.Duration `json:"install_timeout,omitempty" yaml:"install_timeout,omitempty"`
	BuildTimeout      time.Duration `json:"build_timeout,omitempty" yaml:"build_timeout,omitempty"`
	HookTimeout       time.Duration `json:"hook_timeout,omitempty" yaml:"hook_timeout,omitempty"`
}

// GetRoot returns the absolute install root.
func (s Settings) GetRoot() string {
	root := s.Root
	if root == "" {
		root = DefaultRoot
	}
	return expandPath(root)
}

// GetBinDir returns the directory binaries are installed into.
func (s Settings) GetBinDir() string {
	if s.BinDir != "" {
		return expandPath(s.BinDir)
	}
	return filepath.Join(s.GetRoot(), "bin")
}

// StagingDir holds downloads and unverified binaries. It lives under the
// bin dir so the final rename never crosses filesystems.
func (s Settings) StagingDir() string {
	return filepath.Join(s.GetBinDir(), stagingSubdir)
}

func (s Settings) LockDir() string {
	return filepath.Join(s.GetRoot(), "locks")
}

// GetCacheDir returns the download cache, or "" when caching is off.
func (s Settings) GetCacheDir() string {
	if s.CacheDir == "" {
		return ""
	}
	return expandPath(s.CacheDir)
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Load reads a configuration file without merging defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes YAML configuration. name is used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", name, err)
	}
	if config.Binaries == nil {
		config.Binaries = map[string]types.BinaryDefinition{}
	}
	if config.Libraries == nil {
		config.Libraries = map[string]types.LibrarySource{}
	}
	for name, def := range config.Binaries {
		if def.Name == "" {
			def.Name = name
		}
		if def.Catalog.Source == "" {
			switch {
			case def.Catalog.Repo != "":
				def.Catalog.Source = types.SourceGitHub
			case def.Catalog.VersionsURL != "":
				def.Catalog.Source = types.SourceIndex
			case def.Catalog.URLTemplate != "":
				def.Catalog.Source = types.SourceStatic
			}
		}
		config.Binaries[name] = def
	}
	return &config, nil
}

// FindConfigFile returns $PROVISION_CONFIG, or provision.yaml in the working
// directory or one of its parents, or "".
func FindConfigFile() string {
	if path := os.Getenv(ConfigEnv); path != "" {
		return path
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(RootEnv); v != "" {
		c.Settings.Root = v
	}
	if v := getenv(BinDirEnv); v != "" {
		c.Settings.BinDir = v
	}
	if v := getenv(AutoDepsEnv); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Settings.AutoSystemDeps = b
		} else {
			c.Settings.AutoSystemDeps = strings.EqualFold(v, "yes")
		}
	}
}
