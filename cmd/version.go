package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
	buildDirty   = "false"
)

// SetVersion records the build metadata injected by the linker
func SetVersion(version, commit, date, dirty string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	buildDirty = dirty
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the provision version",
	// the config is not needed to print the version
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		v := buildVersion
		if buildDirty == "true" {
			v += "-dirty"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "provision %s (commit %s, built %s, %s/%s)\n", v, buildCommit, buildDate, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
