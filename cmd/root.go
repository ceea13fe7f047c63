package cmd

import (
	"context"
	"fmt"

	"github.com/flanksource/clicky"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/config"
	"github.com/flanksource/provision/pkg/platform"
	"github.com/spf13/cobra"
)

var (
	binDir       string
	rootDir      string
	osOverride   string
	archOverride string
	configFile   string
	debug        bool
	cfg          *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision Filecoin and IPFS daemon binaries",
	Long: `provision makes sure daemon binaries such as lotus and kubo are present and
runnable on the current machine. It reuses a healthy install, downloads a
matching prebuilt release, resolves missing native libraries and, as a last
resort, builds from source.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		clicky.Flags.UseFlags()

		var err error
		cfg, err = config.LoadMerged(configFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if binDir != "" {
			cfg.Settings.BinDir = binDir
		}
		if rootDir != "" {
			cfg.Settings.Root = rootDir
		}
		if osOverride != "" || archOverride != "" {
			key, err := overridePlatform(cmd.Context())
			if err != nil {
				return err
			}
			cfg.Settings.Platform = key
		}
		logger.V(2).Infof("Installing to %s", cfg.Settings.GetBinDir())
		return nil
	},
}

// overridePlatform normalizes --os/--arch, filling the missing half from the host.
func overridePlatform(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	probe := platform.NewProbe(command.NewExecRunner())
	probe.OS = osOverride
	probe.Arch = archOverride
	key, err := probe.Detect(ctx)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

func Execute() error {
	return rootCmd.Execute()
}

// GetConfig returns the configuration loaded for the running command
func GetConfig() *config.Config {
	return cfg
}

func init() {
	clicky.BindAllFlags(rootCmd.PersistentFlags(), "tasks", "!format")

	rootCmd.PersistentFlags().StringVar(&binDir, "bin-dir", "", "Directory to install binaries (default <root>/bin, or $PROVISION_BIN_DIR)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Install root for binaries, toolchains and locks (default ~/.provision)")
	rootCmd.PersistentFlags().StringVar(&osOverride, "os", "", "Target OS (linux, darwin, windows, freebsd, openbsd)")
	rootCmd.PersistentFlags().StringVar(&archOverride, "arch", "", "Target architecture (x86_64, arm64, x86, arm and their aliases)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to provision.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Keep staging directories for inspection")
}
