package verify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/checksum"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
)

// DefaultTimeout bounds a single executable check
const DefaultTimeout = 30 * time.Second

// MinBinarySize is the size below which a download is assumed to be an error page
const MinBinarySize = 1024

// Verifier checks that a staged binary is intact and runs on this host.
type Verifier struct {
	Runner  command.Runner
	Timeout time.Duration
	// Platform is the host key used to explain execution failures
	Platform types.PlatformKey
}

func New(runner command.Runner, key types.PlatformKey, timeout time.Duration) *Verifier {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{Runner: runner, Timeout: timeout, Platform: key}
}

// VerifySize reports whether path is a regular file of at least min bytes.
func (v *Verifier) VerifySize(path string, min int64) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() >= min
}

// VerifyHash compares the content hash of path with expected, given as
// "sha256:<hex>" or bare hex.
func (v *Verifier) VerifyHash(path, expected string) (bool, error) {
	ok, actual, err := checksum.Verify(path, expected)
	if err != nil {
		return false, types.Wrap(types.KindIntegrityCheckFailed, "verify", err, "hashing %s", utils.LogPath(path))
	}
	if !ok {
		logger.V(2).Infof("checksum mismatch for %s: expected %s, got %s", utils.LogPath(path), expected, actual)
	}
	return ok, nil
}

// VerifyExecutable runs path with flag and returns whether it exited cleanly
// together with its combined output. env is added to the process environment
// so that private library directories can be tried.
func (v *Verifier) VerifyExecutable(ctx context.Context, path, flag string, env map[string]string) (bool, string) {
	if !v.VerifySize(path, 1) {
		return false, fmt.Sprintf("%s is missing or empty", path)
	}

	if err := os.Chmod(path, 0755); err != nil {
		logger.V(3).Infof("chmod %s: %v", path, err)
	}

	args := []string{}
	if flag != "" {
		args = strings.Fields(flag)
	}

	res := v.Runner.Run(ctx, command.Cmd{
		Name:    path,
		Args:    args,
		Env:     env,
		Timeout: v.timeout(),
	})

	output := strings.TrimSpace(res.Output())
	if res.Success() {
		return true, output
	}

	switch {
	case res.TimedOut:
		output = fmt.Sprintf("timed out after %s running %s %s\n%s", v.timeout(), path, flag, output)
	case res.Err != nil && output == "":
		output = res.Err.Error()
	}
	if diagnosis := v.DiagnosePlatform(path); diagnosis != "" {
		output = strings.TrimSpace(output + "\n" + diagnosis)
	}
	return false, output
}

// DiagnosePlatform explains a failed execution by reading the binary header.
// It returns an empty string when the header matches the host or is unreadable.
func (v *Verifier) DiagnosePlatform(path string) string {
	if v.Platform.IsZero() {
		return ""
	}
	info, err := DetectBinaryPlatform(path)
	if err != nil || info.Type == "unknown" {
		return ""
	}
	if err := VerifyBinaryPlatform(path, v.Platform); err != nil {
		return fmt.Sprintf("%s is a %s binary, host is %s", utils.LogPath(path), info, v.Platform)
	}
	return ""
}

func (v *Verifier) timeout() time.Duration {
	if v.Timeout <= 0 {
		return DefaultTimeout
	}
	return v.Timeout
}
