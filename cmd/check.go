package cmd

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/flanksource/clicky"
	"github.com/flanksource/clicky/task"
	flanksourceContext "github.com/flanksource/commons/context"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/existing"
	"github.com/flanksource/provision/pkg/libdirect"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/samber/lo"
)

// Check statuses
const (
	CheckOK        = "ok"
	CheckMissing   = "missing"
	CheckUnhealthy = "unhealthy"
	CheckMismatch  = "version-mismatch"
)

type CheckOptions struct {
	Binaries []string `json:"binaries,omitempty" arg:"positional"`
}

type CheckResult struct {
	Name    string `json:"name" pretty:"label=Binary"`
	Status  string `json:"status" pretty:"label=Status"`
	Version string `json:"version,omitempty" pretty:"label=Version"`
	Wanted  string `json:"wanted,omitempty" pretty:"label=Wanted"`
	Path    string `json:"path" pretty:"label=Path"`
	Detail  string `json:"detail,omitempty" pretty:"label=Detail"`
}

type CheckReport struct {
	Results []CheckResult `json:"results" pretty:"table"`
}

func init() {
	clicky.AddCommand(rootCmd, CheckOptions{}, func(opts CheckOptions) (any, error) {
		return RunCheck(opts)
	})
}

// RunCheck inspects the installed binaries without changing anything.
func RunCheck(opts CheckOptions) (*CheckReport, error) {
	names := opts.Binaries
	if len(names) == 0 {
		names = cfg.Names()
	}

	report := &CheckReport{}
	var checkErr error
	task.StartTask("check", func(ctx flanksourceContext.Context, t *task.Task) (interface{}, error) {
		runner := command.NewExecRunner()
		detector := existing.New(runner, cfg.Settings.VerifyTimeout)
		binDir := cfg.Settings.GetBinDir()
		env := libdirect.LaunchEnv(binDir)

		for _, name := range names {
			def, err := cfg.Binary(name)
			if err != nil {
				checkErr = err
				return nil, err
			}
			d := detector.ForDefinition(def)
			d.Env = env
			path := filepath.Join(binDir, types.PlatformKey{OS: runtime.GOOS}.AddExtension(def.GetBinaryName()))
			t.V(3).Infof("Checking %s", utils.LogPath(path))

			installed, err := d.Check(ctx.Context, path, def.GetNameFragment())
			report.Results = append(report.Results, checkResult(def, path, installed, err))
		}
		return report, nil
	})
	clicky.WaitForGlobalCompletion()
	return report, checkErr
}

func checkResult(def types.BinaryDefinition, path string, installed *types.InstalledBinary, err error) CheckResult {
	result := CheckResult{Name: def.Name, Path: utils.LogPath(path), Wanted: lo.CoalesceOrEmpty(def.Version, "latest")}
	switch {
	case err != nil:
		result.Status = CheckUnhealthy
		result.Detail = err.Error()
	case installed == nil:
		result.Status = CheckMissing
	case !installed.Verified:
		result.Status = CheckUnhealthy
		result.Detail = summarizeLine(installed.Output)
	case !existing.Satisfies(installed, def.Version):
		result.Status = CheckMismatch
		result.Version = installed.Version
	default:
		result.Status = CheckOK
		result.Version = installed.Version
	}
	return result
}

func summarizeLine(s string) string {
	if len(s) > 120 {
		return fmt.Sprintf("%s...", s[:120])
	}
	return s
}
