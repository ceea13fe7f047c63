package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/flanksource/provision/pkg/platform"
	"github.com/flanksource/provision/pkg/types"
	"github.com/samber/lo"
)

// maxSuggestDistance bounds how different a name may be to be suggested
const maxSuggestDistance = 3

// Names returns the configured binary names, sorted.
func (c *Config) Names() []string {
	names := lo.Keys(c.Binaries)
	sort.Strings(names)
	return names
}

// Binary looks a definition up by name or alias, case-insensitively.
func (c *Config) Binary(name string) (types.BinaryDefinition, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if def, ok := c.Binaries[want]; ok {
		return def, nil
	}
	for key, def := range c.Binaries {
		if strings.EqualFold(key, want) || lo.ContainsBy(def.Aliases, func(a string) bool { return strings.EqualFold(a, want) }) {
			return def, nil
		}
	}

	msg := fmt.Sprintf("unknown binary %q", name)
	if suggestion := c.suggest(want); suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q?", suggestion)
	} else {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(c.Names(), ", "))
	}
	return types.BinaryDefinition{}, errors.New(msg)
}

func (c *Config) suggest(name string) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, key := range c.Names() {
		for _, candidate := range append([]string{key}, c.Binaries[key].Aliases...) {
			if d := levenshtein.ComputeDistance(name, strings.ToLower(candidate)); d < bestDistance {
				best, bestDistance = candidate, d
			}
		}
	}
	return best
}

// Validate checks every definition for the fields its sources require.
func (c *Config) Validate() error {
	var errs []error
	if c.Settings.Platform != "" {
		if _, err := platform.Parse(c.Settings.Platform); err != nil {
			errs = append(errs, fmt.Errorf("settings.platform: %w", err))
		}
	}
	for _, name := range c.Names() {
		if err := ValidateBinary(c.Binaries[name]); err != nil {
			errs = append(errs, fmt.Errorf("binaries.%s: %w", name, err))
		}
	}
	for name, src := range c.Libraries {
		if err := validateLibrary(src); err != nil {
			errs = append(errs, fmt.Errorf("libraries.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateBinary checks a single definition.
func ValidateBinary(def types.BinaryDefinition) error {
	var errs []error
	cat := def.Catalog
	switch cat.Source {
	case types.SourceGitHub:
		if cat.Repo == "" {
			errs = append(errs, errors.New("github catalog requires repo"))
		}
		if len(cat.AssetPatterns) == 0 {
			errs = append(errs, errors.New("github catalog requires asset_patterns"))
		}
	case types.SourceIndex:
		if cat.VersionsURL == "" || cat.URLTemplate == "" {
			errs = append(errs, errors.New("index catalog requires versions_url and url_template"))
		}
	case types.SourceStatic:
		if cat.URLTemplate == "" || def.Version == "" || def.Version == "latest" {
			errs = append(errs, errors.New("static catalog requires url_template and a pinned version"))
		}
	case "":
		errs = append(errs, errors.New("catalog source is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown catalog source %q", cat.Source))
	}

	for _, key := range append(append(lo.Keys(cat.AssetPatterns), cat.Platforms...), lo.Keys(cat.Checksums)...) {
		if _, err := platform.Parse(key); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	if def.VersionPattern != "" {
		if _, err := regexp.Compile(def.VersionPattern); err != nil {
			errs = append(errs, fmt.Errorf("version_pattern: %w", err))
		}
	}

	if b := def.Build; b != nil {
		if b.Repo == "" || len(b.Command) == 0 || len(b.Binaries) == 0 {
			errs = append(errs, errors.New("build requires repo, command and binaries"))
		}
		if tc := b.Toolchain; tc != nil && tc.Name != "go" && tc.URLTemplate == "" {
			errs = append(errs, fmt.Errorf("toolchain %s requires url_template", tc.Name))
		}
	}

	for _, hook := range def.Hooks {
		if hook.Kind != types.HookParams && hook.Kind != types.HookExec {
			errs = append(errs, fmt.Errorf("hook %s: unknown kind %q", hook.Name, hook.Kind))
		}
		if len(hook.Args) == 0 {
			errs = append(errs, fmt.Errorf("hook %s: args are required", hook.Name))
		}
	}
	return errors.Join(errs...)
}

func validateLibrary(src types.LibrarySource) error {
	var errs []error
	if src.URL == "" && src.IndexURL == "" {
		errs = append(errs, errors.New("url or index_url is required"))
	}
	if src.IndexURL != "" {
		if src.Pattern == "" {
			errs = append(errs, errors.New("index_url requires pattern"))
		} else if _, err := regexp.Compile(src.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("pattern: %w", err))
		}
	}
	for key := range src.Platforms {
		if _, err := platform.Parse(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
