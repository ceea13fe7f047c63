package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/flanksource/provision/pkg/types"
	"github.com/samber/lo"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// LoadDefaults parses the embedded default configuration.
func LoadDefaults() (*Config, error) {
	config, err := Parse(defaultsYAML, "defaults.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}
	return config, nil
}

// mergeBinary overlays the non-empty fields of user on a default definition.
func mergeBinary(def, user types.BinaryDefinition) types.BinaryDefinition {
	merged := def
	if user.Name != "" {
		merged.Name = user.Name
	}
	if len(user.Aliases) > 0 {
		merged.Aliases = user.Aliases
	}
	if user.Description != "" {
		merged.Description = user.Description
	}
	if user.BinaryName != "" {
		merged.BinaryName = user.BinaryName
	}
	if user.VersionFlag != "" {
		merged.VersionFlag = user.VersionFlag
	}
	if user.NameFragment != "" {
		merged.NameFragment = user.NameFragment
	}
	if user.VersionPattern != "" {
		merged.VersionPattern = user.VersionPattern
	}
	if user.Version != "" {
		merged.Version = user.Version
	}
	if len(user.ExtraBinaries) > 0 {
		merged.ExtraBinaries = user.ExtraBinaries
	}
	merged.Catalog = mergeCatalog(def.Catalog, user.Catalog)
	if len(user.Dependencies.Libraries) > 0 {
		merged.Dependencies.Libraries = user.Dependencies.Libraries
	}
	if len(user.Dependencies.Packages) > 0 {
		merged.Dependencies.Packages = lo.Assign(def.Dependencies.Packages, user.Dependencies.Packages)
	}
	if len(user.Dependencies.AlternativeFlags) > 0 {
		merged.Dependencies.AlternativeFlags = lo.Assign(def.Dependencies.AlternativeFlags, user.Dependencies.AlternativeFlags)
	}
	if user.Build != nil {
		merged.Build = user.Build
	}
	if user.Hooks != nil {
		merged.Hooks = user.Hooks
	}
	return merged
}

func mergeCatalog(def, user types.CatalogSpec) types.CatalogSpec {
	merged := def
	if user.Source != "" && user.Source != def.Source {
		// a different source replaces the whole catalog
		return user
	}
	if user.Repo != "" {
		merged.Repo = user.Repo
	}
	if user.VersionsURL != "" {
		merged.VersionsURL = user.VersionsURL
	}
	if user.URLTemplate != "" {
		merged.URLTemplate = user.URLTemplate
	}
	if user.ChecksumTemplate != "" {
		merged.ChecksumTemplate = user.ChecksumTemplate
	}
	if user.TagFilter != "" {
		merged.TagFilter = user.TagFilter
	}
	if user.BinaryPath != "" {
		merged.BinaryPath = user.BinaryPath
	}
	if len(user.AssetPatterns) > 0 {
		merged.AssetPatterns = lo.Assign(def.AssetPatterns, user.AssetPatterns)
	}
	if len(user.Platforms) > 0 {
		merged.Platforms = user.Platforms
	}
	if len(user.Checksums) > 0 {
		merged.Checksums = lo.Assign(def.Checksums, user.Checksums)
	}
	return merged
}

func mergeSettings(def, user Settings) Settings {
	merged := def
	if user.Root != "" {
		merged.Root = user.Root
	}
	if user.BinDir != "" {
		merged.BinDir = user.BinDir
	}
	if user.CacheDir != "" {
		merged.CacheDir = user.CacheDir
	}
	if user.Platform != "" {
		merged.Platform = user.Platform
	}
	merged.AutoSystemDeps = def.AutoSystemDeps || user.AutoSystemDeps
	for _, d := range []struct{ dst, src *time.Duration }{
		{&merged.DownloadTimeout, &user.DownloadTimeout},
		{&merged.VerifyTimeout, &user.VerifyTimeout},
		{&merged.LockTimeout, &user.LockTimeout},
		{&merged.SystemLockTimeout, &user.SystemLockTimeout},
		{&merged.InstallTimeout, &user.InstallTimeout},
		{&merged.BuildTimeout, &user.BuildTimeout},
		{&merged.HookTimeout, &user.HookTimeout},
	} {
		if *d.src > 0 {
			*d.dst = *d.src
		}
	}
	return merged
}

// Merge overlays user configuration on defaults. User binaries are merged
// field by field with the default of the same name.
func Merge(defaults, user *Config) *Config {
	merged := &Config{
		Settings:  defaults.Settings,
		Binaries:  lo.Assign(defaults.Binaries),
		Libraries: lo.Assign(defaults.Libraries),
	}
	if user == nil {
		return merged
	}
	merged.Settings = mergeSettings(defaults.Settings, user.Settings)
	for name, def := range user.Binaries {
		if base, ok := merged.Binaries[name]; ok {
			merged.Binaries[name] = mergeBinary(base, def)
		} else {
			merged.Binaries[name] = def
		}
	}
	for name, src := range user.Libraries {
		merged.Libraries[name] = src
	}
	return merged
}

// LoadMerged loads the defaults, merges the user file at path (or the one
// FindConfigFile returns) and applies environment overrides. An explicit
// path that does not exist is an error.
func LoadMerged(path string) (*Config, error) {
	defaults, err := LoadDefaults()
	if err != nil {
		return nil, err
	}

	var user *Config
	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		if user, err = Load(path); err != nil {
			return nil, err
		}
	}

	merged := Merge(defaults, user)
	merged.ApplyEnv(os.Getenv)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}
