package cmd

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/flanksource/provision/pkg/libdirect"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/spf13/cobra"
)

var envWrite bool

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the environment needed to launch installed binaries",
	Long: `Print shell exports for the bin directory and the private library directory
populated by direct library downloads.

  eval "$(provision env)"
  provision env --write     # (re)generate provision-env.sh in the bin directory`,
	RunE: runEnv,
}

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.Flags().BoolVar(&envWrite, "write", false, "Write the launch script into the bin directory")
}

func runEnv(cmd *cobra.Command, args []string) error {
	binDir := cfg.Settings.GetBinDir()
	if envWrite {
		script, err := libdirect.WriteEnvScript(binDir, runtime.GOOS)
		if err != nil {
			return err
		}
		cmd.PrintErrf("Wrote %s\n", utils.LogPath(script))
	}

	env := libdirect.LaunchEnv(binDir)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if runtime.GOOS == "windows" {
		fmt.Fprintf(cmd.OutOrStdout(), "$env:PATH = \"%s;\" + $env:PATH\n", binDir)
		for _, k := range keys {
			if k != "PATH" {
				fmt.Fprintf(cmd.OutOrStdout(), "$env:%s = \"%s\"\n", k, env[k])
			}
		}
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "export PATH=%q\n", binDir+":$PATH")
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "export %s=%q\n", k, env[k])
	}
	return nil
}
