package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
)

// DefaultTimeout bounds any command that does not set its own timeout.
const DefaultTimeout = 2 * time.Minute

// Cmd is a subprocess invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env is added on top of the current environment
	Env     map[string]string
	Timeout time.Duration
	Stdin   io.Reader
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of running a Cmd.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Combined string
	TimedOut bool
	// Err is set when the process could not be started, timed out or exited non-zero
	Err      error
	Duration time.Duration
}

// Success reports a zero exit code
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Output returns the combined stdout and stderr, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(r.Combined)
}

// Tail returns at most n trailing bytes of the combined output.
func (r Result) Tail(n int) string {
	out := r.Output()
	if len(out) <= n {
		return out
	}
	return "..." + out[len(out)-n:]
}

// Runner executes commands. Every component takes a Runner so tests can
// substitute scripted results.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) Result
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *ExecRunner) Run(ctx context.Context, c Cmd) Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := c.Name
	if path, ok := c.Env["PATH"]; ok && !strings.ContainsRune(name, filepath.Separator) {
		if resolved := LookPathIn(name, path); resolved != "" {
			name = resolved
		}
	}

	cmd := exec.CommandContext(ctx, name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)
	if len(c.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), c.Env)
	}

	var stdout, stderr, combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = io.MultiWriter(&stderr, &combined)

	logger.V(3).Infof("exec: %s", c.String())
	start := time.Now()
	err := cmd.Run()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		result.Err = fmt.Errorf("%s timed out after %s", c.Name, timeout)
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Err = fmt.Errorf("%s exited with code %d", c.Name, result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Err = err
		}
	}

	if logger.IsTraceEnabled() {
		logger.Tracef("exec: %s (exit=%d, %s)\n%s", c.String(), result.ExitCode, result.Duration, result.Output())
	}
	return result
}

// MergeEnv overlays extra variables on top of a KEY=VALUE environment list.
func MergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if idx := strings.Index(kv, "="); idx >= 0 {
			key = kv[:idx]
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// PrependPath returns a PATH value with dirs placed before the current PATH.
func PrependPath(current string, dirs ...string) string {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if current != "" {
		parts = append(parts, current)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// LookPathIn searches a PATH-style list for an executable.
func LookPathIn(name, path string) string {
	candidates := []string{name}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		candidates = append(candidates, name+".exe")
	}
	for _, dir := range filepath.SplitList(path) {
		for _, candidate := range candidates {
			full := filepath.Join(dir, candidate)
			info, err := os.Stat(full)
			if err != nil || info.IsDir() {
				continue
			}
			if runtime.GOOS == "windows" || info.Mode()&0111 != 0 {
				return full
			}
		}
	}
	return ""
}
