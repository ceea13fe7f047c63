package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flanksource/clicky"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/installer"
	"github.com/flanksource/provision/pkg/types"
)

// Re-export commonly used types for public API
type (
	Config        = config.Config
	Decision      = types.InstallDecision
	Diagnostic    = types.Diagnostic
	Strategy      = types.Strategy
	PlatformKey   = types.PlatformKey
	Failure       = installer.Failure
	InstallOption = installer.InstallOption
)

// Re-export strategies
const (
	StrategyExisting          = types.StrategyExisting
	StrategyPrebuilt          = types.StrategyPrebuilt
	StrategyDirectLibPrebuilt = types.StrategyDirectLibPrebuilt
	StrategySourceBuild       = types.StrategySourceBuild
)

// Re-export installer options
var (
	WithVersion    = installer.WithVersion
	WithForce      = installer.WithForce
	WithSkipParams = installer.WithSkipParams
	WithPlatform   = installer.WithPlatform
	WithDebug      = installer.WithDebug
)

// LoadConfig returns the embedded defaults merged with path, or with the
// provision.yaml found from the working directory when path is empty.
func LoadConfig(path string) (*Config, error) {
	return config.LoadMerged(path)
}

// Install provisions the named binary using the default configuration and
// returns the decision describing how it got there.
//
// Example:
//
//	decision, err := provision.Install(ctx, "lotus", provision.WithSkipParams(true))
//	if err != nil {
//	    log.Fatal(err) // the error message carries the diagnostic chain
//	}
//	fmt.Println(decision.Installed.Path, decision.Strategy)
func Install(ctx context.Context, name string, opts ...InstallOption) (*Decision, error) {
	cfg, err := config.LoadMerged("")
	if err != nil {
		return nil, err
	}
	return InstallWithConfig(ctx, cfg, name, opts...)
}

// InstallWithConfig is Install against an explicit configuration.
func InstallWithConfig(ctx context.Context, cfg *Config, name string, opts ...InstallOption) (*Decision, error) {
	return installer.New(cfg).Install(ctx, name, opts...)
}

// InstallAll installs name[@version] specs concurrently, one task each, and
// waits for all of them. The returned error joins every failure.
func InstallAll(cfg *Config, specs []string, opts ...InstallOption) (map[string]*Decision, error) {
	results := installer.New(cfg).InstallMultiple(installer.ParseTools(specs), opts...)
	clicky.WaitForGlobalCompletion()

	failures := results.Errors()
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, failures[name]))
	}
	return results.Decisions(), errors.Join(errs...)
}
