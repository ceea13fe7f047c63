package existing

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
	"github.com/flanksource/provision/pkg/version"
)

// Detector inspects the canonical install path of a binary. It never writes.
type Detector struct {
	Runner  command.Runner
	Timeout time.Duration
	// VersionFlag is passed to the binary, defaults to --version
	VersionFlag string
	// VersionPattern extracts the version from the output
	VersionPattern string
	// Env is added to the process environment, e.g. a private library path
	Env map[string]string
}

func New(runner command.Runner, timeout time.Duration) *Detector {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Detector{Runner: runner, Timeout: timeout}
}

// ForDefinition returns a copy configured with the version flag and pattern of def.
func (d *Detector) ForDefinition(def types.BinaryDefinition) *Detector {
	c := *d
	c.VersionFlag = def.GetVersionFlag()
	c.VersionPattern = def.VersionPattern
	return &c
}

// Check returns nil when nothing exists at path. A binary that exists but
// fails to run, or whose output lacks fragment, is returned with
// Verified=false so the caller can reinstall it.
func (d *Detector) Check(ctx context.Context, path, fragment string) (*types.InstalledBinary, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	installed := &types.InstalledBinary{
		Name: strings.TrimSuffix(info.Name(), ".exe"),
		Path: path,
	}
	if !info.Mode().IsRegular() {
		installed.Output = "not a regular file"
		return installed, nil
	}

	flag := d.VersionFlag
	if flag == "" {
		flag = "--version"
	}

	res := d.Runner.Run(ctx, command.Cmd{
		Name:    path,
		Args:    strings.Fields(flag),
		Env:     d.Env,
		Timeout: d.Timeout,
	})
	installed.Output = strings.TrimSpace(res.Output())

	if !res.Success() {
		logger.V(2).Infof("%s %s failed (exit %d)", utils.LogPath(path), flag, res.ExitCode)
		return installed, nil
	}

	if fragment != "" && !strings.Contains(strings.ToLower(installed.Output), strings.ToLower(fragment)) {
		logger.V(2).Infof("%s output does not mention %q", utils.LogPath(path), fragment)
		return installed, nil
	}

	if v, err := version.ExtractFromOutput(installed.Output, d.VersionPattern); err == nil {
		installed.Version = v
	}
	installed.Verified = true
	return installed, nil
}

// Satisfies reports whether installed is healthy and, when pin is set and not
// "latest", runs the pinned version.
func Satisfies(installed *types.InstalledBinary, pin string) bool {
	if installed == nil || !installed.Verified {
		return false
	}
	if pin == "" || pin == "latest" {
		return true
	}
	if installed.Version == "" {
		return false
	}
	return version.Equal(stripBuild(installed.Version), stripBuild(pin))
}

// stripBuild drops build metadata such as "+mainnet+git.1a2b3c"
func stripBuild(v string) string {
	if i := strings.Index(v, "+"); i > 0 {
		return v[:i]
	}
	return v
}
