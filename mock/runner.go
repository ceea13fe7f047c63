package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flanksource/provision/pkg/command"
)

// Handler produces the result for a matched command.
type Handler func(ctx context.Context, cmd command.Cmd) command.Result

type rule struct {
	prefix  string
	handler Handler
}

// Runner is a scripted command.Runner. Commands are matched by the longest
// registered prefix of "name arg1 arg2 ...".
type Runner struct {
	mu      sync.Mutex
	rules   []rule
	paths   map[string]string
	calls   []command.Cmd
	Default command.Result
}

// NewRunner returns a runner where unmatched commands fail with exit code 127.
func NewRunner() *Runner {
	return &Runner{
		paths: map[string]string{},
		Default: command.Result{
			ExitCode: 127,
			Err:      fmt.Errorf("command not found"),
		},
	}
}

// On registers a static result for commands starting with prefix.
func (r *Runner) On(prefix string, result command.Result) *Runner {
	return r.OnFunc(prefix, func(context.Context, command.Cmd) command.Result { return result })
}

// OnOutput registers a successful command printing stdout.
func (r *Runner) OnOutput(prefix, stdout string) *Runner {
	return r.On(prefix, command.Result{Stdout: stdout, Combined: stdout})
}

// OnExit registers a command failing with the given exit code and output.
func (r *Runner) OnExit(prefix string, code int, output string) *Runner {
	return r.On(prefix, command.Result{
		ExitCode: code,
		Combined: output,
		Stderr:   output,
		Err:      fmt.Errorf("exited with code %d", code),
	})
}

// OnFunc registers a dynamic handler for commands starting with prefix.
func (r *Runner) OnFunc(prefix string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: h})
	return r
}

// OnBlock registers a command that blocks until its timeout or context ends.
func (r *Runner) OnBlock(prefix string) *Runner {
	return r.OnFunc(prefix, func(ctx context.Context, cmd command.Cmd) command.Result {
		timeout := cmd.Timeout
		if timeout <= 0 {
			timeout = command.DefaultTimeout
		}
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return command.Result{ExitCode: -1, TimedOut: true, Err: fmt.Errorf("%s timed out", cmd.Name)}
	})
}

// WithPath makes LookPath resolve name to path.
func (r *Runner) WithPath(name, path string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[name] = path
	return r
}

func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paths[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
}

func (r *Runner) Run(ctx context.Context, cmd command.Cmd) command.Result {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	line := cmd.String()
	var best *rule
	for i := range r.rules {
		if strings.HasPrefix(line, r.rules[i].prefix) && (best == nil || len(r.rules[i].prefix) > len(best.prefix)) {
			best = &r.rules[i]
		}
	}
	r.mu.Unlock()

	if best == nil {
		return r.Default
	}
	return best.handler(ctx, cmd)
}

// Calls returns every command run so far, rendered as strings.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns every command run so far.
func (r *Runner) Commands() []command.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Cmd(nil), r.calls...)
}

// Ran reports whether a command starting with prefix was run.
func (r *Runner) Ran(prefix string) bool {
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
