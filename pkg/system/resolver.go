package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/types"
	"github.com/samber/lo"
)

// AutoInstallEnv enables privileged package installation when set to true.
const AutoInstallEnv = "PROVISION_AUTO_SYSTEM_DEPS"

const (
	DefaultLockTimeout    = 5 * time.Minute
	DefaultInstallTimeout = 15 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

// DepState tracks one dependency through resolution.
type DepState string

const (
	DepUnknown          DepState = "unknown"
	DepPresent          DepState = "present"
	DepAbsent           DepState = "absent"
	DepManagerAvailable DepState = "manager-available"
	DepManagerLocked    DepState = "manager-locked"
	DepManagerMissing   DepState = "manager-missing"
	DepInstalling       DepState = "installing"
	DepInstalled        DepState = "installed"
	DepFailed           DepState = "failed"
)

// Resolution failure reasons
const (
	ReasonDisabled      = "disabled"
	ReasonLocked        = "locked"
	ReasonNoManager     = "no-manager"
	ReasonNoPackages    = "no-packages"
	ReasonInstallFailed = "install-failed"
	ReasonStillMissing  = "still-missing"
)

// DependencyReport is the final state of one library or package.
type DependencyReport struct {
	Name    string   `json:"name" yaml:"name"`
	State   DepState `json:"state" yaml:"state"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Report is the outcome of one resolution.
type Report struct {
	Family       Family             `json:"family" yaml:"family"`
	FamilySource string             `json:"family_source,omitempty" yaml:"family_source,omitempty"`
	Manager      string             `json:"manager,omitempty" yaml:"manager,omitempty"`
	Dependencies []DependencyReport `json:"dependencies" yaml:"dependencies"`
	// Command is the install command for the missing packages
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// Satisfied reports whether every dependency ended up present.
func (r *Report) Satisfied() bool {
	return lo.EveryBy(r.Dependencies, func(d DependencyReport) bool {
		return d.State == DepPresent || d.State == DepInstalled
	})
}

// Missing returns the names of dependencies that are not present.
func (r *Report) Missing() []string {
	return lo.FilterMap(r.Dependencies, func(d DependencyReport, _ int) (string, bool) {
		return d.Name, d.State != DepPresent && d.State != DepInstalled
	})
}

func (r *Report) mark(state DepState, message string) {
	for i := range r.Dependencies {
		if r.Dependencies[i].State == DepPresent || r.Dependencies[i].State == DepInstalled {
			continue
		}
		r.Dependencies[i].State = state
		if message != "" {
			r.Dependencies[i].Message = message
		}
	}
}

// ResolutionError explains why dependencies could not be installed.
type ResolutionError struct {
	Reason  string
	Command string
	Output  string
	Message string
}

func (e *ResolutionError) Error() string {
	msg := e.Reason
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Command != "" && e.Reason != ReasonDisabled {
		msg += fmt.Sprintf(" (command: %s)", e.Command)
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

// ReasonOf returns the ResolutionError reason in err, or "".
func ReasonOf(err error) string {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func fail(reason, cmd, output, format string, args ...any) error {
	return types.Wrap(types.KindDependencyResolutionFailed, "system", &ResolutionError{
		Reason:  reason,
		Command: cmd,
		Output:  output,
		Message: fmt.Sprintf(format, args...),
	}, "")
}

// Resolver installs native dependencies with the host package manager.
type Resolver struct {
	Runner    command.Runner
	Families  *FamilyDetector
	Libraries *LibraryProbe
	Locks     LockInspector
	// Root prefixes package manager lock files, "/" on a real host
	Root string
	// AutoInstall permits running privileged package manager commands
	AutoInstall    bool
	LockTimeout    time.Duration
	InstallTimeout time.Duration
	PollInterval   time.Duration
	IsRoot         func() bool
}

func NewResolver(runner command.Runner, libraries *LibraryProbe, autoInstall bool) *Resolver {
	return &Resolver{
		Runner:         runner,
		Families:       NewFamilyDetector(runner),
		Libraries:      libraries,
		Locks:          NewHostLockInspector(),
		Root:           "/",
		AutoInstall:    autoInstall,
		LockTimeout:    DefaultLockTimeout,
		InstallTimeout: DefaultInstallTimeout,
		PollInterval:   DefaultPollInterval,
		IsRoot:         func() bool { return os.Geteuid() == 0 },
	}
}

// AutoInstallFromEnv reads AutoInstallEnv.
func AutoInstallFromEnv() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(AutoInstallEnv)))
	return v == "1" || v == "true" || v == "yes"
}

// Probe reports which libraries of spec are present without installing anything.
func (r *Resolver) Probe(ctx context.Context, spec types.DependencySpec) *Report {
	report := &Report{}
	for _, lib := range spec.Libraries {
		dep := DependencyReport{Name: lib, State: DepAbsent}
		if r.Libraries != nil {
			if path, ok := r.Libraries.Find(ctx, lib); ok {
				dep.State = DepPresent
				dep.Path = path
			}
		}
		report.Dependencies = append(report.Dependencies, dep)
	}
	return report
}

// Ensure makes every library of spec present, installing the packages that
// provide them when allowed. Libraries are probed on disk before and after
// installing; package manager queries are informational only.
func (r *Resolver) Ensure(ctx context.Context, spec types.DependencySpec) (*Report, error) {
	if len(spec.Libraries) == 0 {
		return r.InstallPackages(ctx, spec.Packages, spec.AlternativeFlags)
	}

	report := r.Probe(ctx, spec)
	if report.Satisfied() {
		logger.V(2).Infof("native libraries present: %s", strings.Join(spec.Libraries, ", "))
		return report, nil
	}
	logger.Infof("missing native libraries: %s", strings.Join(report.Missing(), ", "))

	if err := r.install(ctx, report, spec.Packages, spec.AlternativeFlags); err != nil {
		return report, err
	}

	for i, dep := range report.Dependencies {
		if dep.State != DepInstalling {
			continue
		}
		if r.Libraries == nil {
			report.Dependencies[i].State = DepInstalled
		} else if path, ok := r.Libraries.Find(ctx, dep.Name); ok {
			report.Dependencies[i].State = DepInstalled
			report.Dependencies[i].Path = path
		} else {
			report.Dependencies[i].State = DepFailed
			report.Dependencies[i].Message = "not found after installing packages"
		}
	}
	if !report.Satisfied() {
		return report, fail(ReasonStillMissing, report.Command, "", "%s still missing after install", strings.Join(report.Missing(), ", "))
	}
	return report, nil
}

// InstallPackages installs packages for the host manager, keyed by manager
// name, without probing libraries. Used for build tools.
func (r *Resolver) InstallPackages(ctx context.Context, packages map[string][]string, alternatives map[string][]string) (*Report, error) {
	report := &Report{}
	for _, pkgs := range packages {
		for _, p := range pkgs {
			if !lo.ContainsBy(report.Dependencies, func(d DependencyReport) bool { return d.Name == p }) {
				report.Dependencies = append(report.Dependencies, DependencyReport{Name: p, State: DepUnknown})
			}
		}
	}
	if len(report.Dependencies) == 0 {
		return report, nil
	}
	if err := r.install(ctx, report, packages, alternatives); err != nil {
		return report, err
	}

	m := Managers[report.Manager]
	for i := range report.Dependencies {
		report.Dependencies[i].State = DepInstalled
		if len(m.Query) == 0 {
			continue
		}
		// informational, some managers report virtual packages as missing
		if res := r.Runner.Run(ctx, m.QueryCommand(report.Dependencies[i].Name)); !res.Success() {
			report.Dependencies[i].Message = "not reported by " + m.Query[0]
		}
	}
	return report, nil
}

func (r *Resolver) install(ctx context.Context, report *Report, packages, alternatives map[string][]string) error {
	if r.Families != nil {
		report.Family, report.FamilySource = r.Families.Detect(ctx)
	} else {
		report.Family = FamilyUnknown
	}

	name, m, ok := r.pickManager(report.Family, packages)
	if !ok {
		report.mark(DepManagerMissing, "")
		if len(packages) == 0 {
			return fail(ReasonNoPackages, "", "", "no packages are configured for %s", strings.Join(report.Missing(), ", "))
		}
		return fail(ReasonNoManager, "", "", "none of %s is available on this %s host",
			strings.Join(lo.Keys(packages), ", "), report.Family)
	}
	report.Manager = name
	pkgs := packages[name]
	sudo := m.Privileged && !r.isRoot()
	report.Command = m.Manual(pkgs, sudo)

	if !r.AutoInstall {
		report.mark(DepManagerAvailable, "")
		return fail(ReasonDisabled, report.Command, "",
			"automatic system package installation is disabled, run `%s` or set %s=true", report.Command, AutoInstallEnv)
	}

	if held, err := r.waitForLocks(ctx, m); err != nil {
		report.mark(DepManagerLocked, fmt.Sprintf("%s held by %s", held.Path, holder(held)))
		return err
	}

	report.mark(DepInstalling, "")
	timeout := r.InstallTimeout
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}

	if len(m.Update) > 0 {
		cmd := m.Command(m.Update, nil, sudo)
		cmd.Timeout = timeout
		if res := r.Runner.Run(ctx, cmd); !res.Success() {
			logger.Warnf("%s failed (continuing): %s", cmd, res.Tail(512))
		}
	}

	cmd := m.Command(m.Install, pkgs, sudo)
	cmd.Timeout = timeout
	logger.Infof("installing %s with %s", strings.Join(pkgs, " "), name)
	res := r.Runner.Run(ctx, cmd)
	if res.Success() {
		return nil
	}
	logger.Warnf("%s failed: %s", cmd, res.Tail(512))

	if err := ctx.Err(); err != nil {
		report.mark(DepFailed, "cancelled")
		return types.Wrap(types.KindCancelled, "system", err, "installing %s", strings.Join(pkgs, " "))
	}

	alt := m.Alternative
	if flags, ok := alternatives[name]; ok {
		alt = flags
	}
	if len(alt) > 0 {
		altCmd := m.Command(alt, pkgs, sudo)
		altCmd.Timeout = timeout
		logger.Infof("retrying with %s", strings.Join(alt, " "))
		altRes := r.Runner.Run(ctx, altCmd)
		if altRes.Success() {
			return nil
		}
		res = altRes
	}

	report.mark(DepFailed, fmt.Sprintf("%s exited with %d", m.Binary, res.ExitCode))
	return fail(ReasonInstallFailed, report.Command, res.Tail(4096), "%s could not install %s", name, strings.Join(pkgs, " "))
}

// pickManager returns the first manager for family that has packages
// configured and whose binary is on PATH.
func (r *Resolver) pickManager(family Family, packages map[string][]string) (string, Manager, bool) {
	for _, name := range ManagersFor(family) {
		if len(packages[name]) == 0 {
			continue
		}
		m := Managers[name]
		if _, err := r.Runner.LookPath(m.Binary); err != nil {
			logger.V(3).Infof("%s not on PATH", m.Binary)
			continue
		}
		return name, m, true
	}
	return "", Manager{}, false
}

func (r *Resolver) isRoot() bool {
	return r.IsRoot != nil && r.IsRoot()
}

// waitForLocks polls the lock files of m until none is held by a live
// process or LockTimeout elapses. Stale locks are left for the manager
// itself to recover.
func (r *Resolver) waitForLocks(ctx context.Context, m Manager) (LockInfo, error) {
	if r.Locks == nil || len(m.LockFiles) == 0 {
		return LockInfo{}, nil
	}
	timeout := r.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	logged := false
	for {
		held, ok := r.heldLock(ctx, m)
		if !ok {
			return LockInfo{}, nil
		}
		if !logged {
			logger.Infof("%s is locked by %s, waiting up to %s", held.Path, holder(held), timeout)
			logged = true
		}
		select {
		case <-ctx.Done():
			return held, types.Wrap(types.KindCancelled, "system", ctx.Err(), "waiting for %s", held.Path)
		case <-deadline.C:
			return held, fail(ReasonLocked, "", "", "%s still held by %s after %s", held.Path, holder(held), timeout)
		case <-time.After(interval):
		}
	}
}

func (r *Resolver) heldLock(ctx context.Context, m Manager) (LockInfo, bool) {
	root := r.Root
	if root == "" {
		root = "/"
	}
	for _, rel := range m.LockFiles {
		info := r.Locks.Inspect(ctx, filepath.Join(root, rel), m)
		switch info.State {
		case LockHeld:
			return info, true
		case LockStale:
			logger.V(2).Infof("ignoring stale lock %s", info.Path)
		}
	}
	return LockInfo{}, false
}

func holder(info LockInfo) string {
	if info.PID > 0 {
		return fmt.Sprintf("pid %d", info.PID)
	}
	if info.Holder != "" {
		return info.Holder
	}
	return "unknown process"
}
