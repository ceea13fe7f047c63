package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/flanksource/clicky"
	"github.com/flanksource/provision/pkg/installer"
	"github.com/flanksource/provision/pkg/types"
	"github.com/spf13/cobra"
)

var (
	installVersion    string
	installForce      bool
	installSkipParams bool
	installSystemDeps bool
)

var installCmd = &cobra.Command{
	Use:   "install [name[@version]...]",
	Short: "Install one or more daemon binaries",
	Long: `Install one or more daemon binaries with an optional version pin.

If no arguments are provided, every configured binary is installed.

Examples:
  provision install lotus                   # Latest stable lotus
  provision install lotus@v1.34.1           # A pinned release
  provision install kubo --version 0.38.1   # Same as kubo@0.38.1
  provision install lotus --skip-params     # Do not fetch proof parameters
  provision install lotus --install-system-deps`,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installVersion, "version", "", "Version to install, only valid with a single binary")
	installCmd.Flags().BoolVar(&installForce, "force", false, "Reinstall even if a healthy binary exists")
	installCmd.Flags().BoolVar(&installSkipParams, "skip-params", false, "Skip post-install parameter fetch hooks")
	installCmd.Flags().BoolVar(&installSystemDeps, "install-system-deps", false, "Allow installing native dependencies with the system package manager")
}

func runInstall(cmd *cobra.Command, args []string) error {
	if installSystemDeps {
		cfg.Settings.AutoSystemDeps = true
	}
	tools := installer.ParseTools(args)
	if len(tools) == 0 {
		for _, name := range cfg.Names() {
			tools = append(tools, installer.ToolSpec{Name: name})
		}
	}
	if installVersion != "" {
		if len(tools) != 1 {
			return fmt.Errorf("--version requires exactly one binary, got %d", len(tools))
		}
		tools[0].Version = installVersion
	}

	inst := installer.New(cfg)
	results := inst.InstallMultiple(tools,
		installer.WithForce(installForce),
		installer.WithSkipParams(installSkipParams),
		installer.WithDebug(debug),
	)
	clicky.WaitForGlobalCompletion()

	failures := results.Errors()
	if len(failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(os.Stderr, describeFailure(name, failures[name]))
	}
	return fmt.Errorf("%d of %d installs failed", len(failures), len(tools))
}

// describeFailure renders the diagnostic chain when one was recorded.
func describeFailure(name string, err error) string {
	var failure *installer.Failure
	if errors.As(err, &failure) {
		return failure.Error()
	}
	if kind := types.KindOf(err); kind != "" {
		return fmt.Sprintf("failed to install %s (%s): %v", name, kind, err)
	}
	return fmt.Sprintf("failed to install %s: %v", name, err)
}
