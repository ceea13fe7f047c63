package cmd

import (
	"sort"
	"strings"

	"github.com/flanksource/clicky"
	"github.com/flanksource/provision/pkg/types"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// BinaryInfo represents one configured binary for table display
type BinaryInfo struct {
	Name      string `json:"name" pretty:"label=Binary"`
	Aliases   string `json:"aliases,omitempty" pretty:"label=Aliases"`
	Version   string `json:"version" pretty:"label=Version"`
	Source    string `json:"source" pretty:"label=Source"`
	Platforms string `json:"platforms" pretty:"label=Platforms"`
	Libraries string `json:"libraries,omitempty" pretty:"label=Libraries"`
	Build     string `json:"build" pretty:"label=Source Build"`
}

// BinaryList represents the configured binaries for table display
type BinaryList struct {
	Binaries []BinaryInfo `json:"binaries" pretty:"table"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configured binaries",
	Long:  `List every binary that can be provisioned, from the embedded defaults and provision.yaml.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

// platformsOf lists the os/arch keys a catalog publishes
func platformsOf(spec types.CatalogSpec) string {
	keys := append(lo.Keys(spec.AssetPatterns), spec.Platforms...)
	keys = lo.Uniq(keys)
	if len(keys) == 0 {
		return "unknown"
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func catalogSource(spec types.CatalogSpec) string {
	switch spec.Source {
	case types.SourceGitHub:
		return "github:" + spec.Repo
	case types.SourceIndex:
		return "index"
	default:
		return spec.Source
	}
}

func runList(cmd *cobra.Command, args []string) error {
	var binaries []BinaryInfo
	for _, name := range cfg.Names() {
		def := cfg.Binaries[name]
		build := "No"
		if def.Build != nil {
			build = "Yes"
		}
		binaries = append(binaries, BinaryInfo{
			Name:      name,
			Aliases:   strings.Join(def.Aliases, ", "),
			Version:   lo.CoalesceOrEmpty(def.Version, "latest"),
			Source:    catalogSource(def.Catalog),
			Platforms: platformsOf(def.Catalog),
			Libraries: strings.Join(def.Dependencies.Libraries, ", "),
			Build:     build,
		})
	}

	result, err := clicky.Format(BinaryList{Binaries: binaries})
	if err != nil {
		return err
	}
	cmd.Println(result)
	return nil
}
