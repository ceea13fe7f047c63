package cmd

import (
	"context"

	"github.com/flanksource/clicky"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/platform"
	"github.com/flanksource/provision/pkg/system"
	"github.com/spf13/cobra"
)

// PlatformInfo is what the probes found out about the host
type PlatformInfo struct {
	Key          string   `json:"key" pretty:"label=Platform"`
	Source       string   `json:"source" pretty:"label=Arch Signal"`
	Raw          string   `json:"raw,omitempty" pretty:"label=Raw Arch"`
	Family       string   `json:"family" pretty:"label=Distribution Family"`
	FamilySource string   `json:"family_source,omitempty" pretty:"label=Family Signal"`
	Managers     []string `json:"managers,omitempty" pretty:"label=Package Managers"`
}

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Show the detected platform key and package manager",
	RunE:  runPlatform,
}

func init() {
	rootCmd.AddCommand(platformCmd)
}

func runPlatform(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runner := command.NewExecRunner()
	probe := platform.NewProbe(runner)
	probe.OS = osOverride
	probe.Arch = archOverride

	detection, err := probe.Describe(ctx)
	if err != nil {
		return err
	}
	info := PlatformInfo{
		Key:    detection.String(),
		Source: detection.Source,
		Raw:    detection.Raw,
	}

	family, source := system.NewFamilyDetector(runner).Detect(ctx)
	info.Family = string(family)
	info.FamilySource = source
	for _, name := range system.ManagersFor(family) {
		if _, err := runner.LookPath(system.Managers[name].Binary); err == nil {
			info.Managers = append(info.Managers, name)
		}
	}

	result, err := clicky.Format(info)
	if err != nil {
		return err
	}
	cmd.Println(result)
	return nil
}
