package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/flanksource/clicky"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/libdirect"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/spf13/cobra"
)

var depsInstall bool

// DependencyRow is one native dependency of one binary
type DependencyRow struct {
	Binary  string `json:"binary" pretty:"label=Binary"`
	Library string `json:"library" pretty:"label=Library"`
	State   string `json:"state" pretty:"label=State"`
	Path    string `json:"path,omitempty" pretty:"label=Path"`
	Message string `json:"message,omitempty" pretty:"label=Message"`
}

type DependencyTable struct {
	Family       string          `json:"family" pretty:"label=Distribution Family"`
	Manager      string          `json:"manager,omitempty" pretty:"label=Package Manager"`
	Dependencies []DependencyRow `json:"dependencies" pretty:"table"`
}

var depsCmd = &cobra.Command{
	Use:   "deps [name...]",
	Short: "Show or install the native libraries binaries need",
	Long: `Probe the native libraries (hwloc, OpenCL, ...) required by the prebuilt binaries.

With --install, missing libraries are installed with the system package
manager. Privileged installs also require --install-system-deps or
PROVISION_AUTO_SYSTEM_DEPS=true, otherwise the command to run is printed.`,
	RunE: runDeps,
}

func init() {
	rootCmd.AddCommand(depsCmd)
	depsCmd.Flags().BoolVar(&depsInstall, "install", false, "Install missing libraries")
	depsCmd.Flags().BoolVar(&installSystemDeps, "install-system-deps", false, "Allow installing with the system package manager")
}

func newResolver() *system.Resolver {
	runner := command.NewExecRunner()
	dirs := system.DefaultLibraryDirs(runtime.GOOS, libdirect.LibDir(cfg.Settings.GetBinDir()), os.Getenv)
	resolver := system.NewResolver(runner, system.NewLibraryProbe(runner, dirs),
		installSystemDeps || cfg.Settings.AutoSystemDeps || system.AutoInstallFromEnv())
	if cfg.Settings.SystemLockTimeout > 0 {
		resolver.LockTimeout = cfg.Settings.SystemLockTimeout
	}
	if cfg.Settings.InstallTimeout > 0 {
		resolver.InstallTimeout = cfg.Settings.InstallTimeout
	}
	return resolver
}

func runDeps(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	names := args
	if len(names) == 0 {
		names = cfg.Names()
	}

	resolver := newResolver()
	family, source := resolver.Families.Detect(ctx)
	table := DependencyTable{Family: string(family)}
	if source != "" {
		table.Family += " (" + source + ")"
	}

	var failed []string
	for _, name := range names {
		def, err := cfg.Binary(name)
		if err != nil {
			return err
		}
		if def.Dependencies.IsEmpty() {
			continue
		}

		var report *system.Report
		if depsInstall {
			report, err = resolver.Ensure(ctx, def.Dependencies)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", def.Name, err))
			}
		} else {
			report = resolver.Probe(ctx, def.Dependencies)
		}
		if report == nil {
			continue
		}
		if report.Manager != "" {
			table.Manager = report.Manager
		}
		for _, dep := range report.Dependencies {
			table.Dependencies = append(table.Dependencies, DependencyRow{
				Binary:  def.Name,
				Library: dep.Name,
				State:   string(dep.State),
				Path:    utils.LogPath(dep.Path),
				Message: dep.Message,
			})
		}
	}

	result, err := clicky.Format(table)
	if err != nil {
		return err
	}
	cmd.Println(result)
	for _, f := range failed {
		fmt.Fprintln(os.Stderr, f)
	}
	if len(failed) > 0 {
		return fmt.Errorf("native dependencies of %d binaries could not be installed", len(failed))
	}
	return nil
}
