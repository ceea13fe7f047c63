package types

import (
	"fmt"
	"strings"
	"time"
)

// ReleaseAsset is one downloadable artifact of a release for one platform.
type ReleaseAsset struct {
	Platform    PlatformKey `json:"platform" yaml:"platform"`
	Name        string      `json:"name" yaml:"name"`
	DownloadURL string      `json:"url" yaml:"url"`
	// Checksum is optional, in "type:hex" or bare hex form
	Checksum    string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	ChecksumURL string `json:"checksum_url,omitempty" yaml:"checksum_url,omitempty"`
	Version     string `json:"version" yaml:"version"`
	Tag         string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Size        int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// InstalledBinary describes a binary at its canonical path.
type InstalledBinary struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Verified bool   `json:"verified" yaml:"verified"`
	// Output is the captured output of the last verification run
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// DependencySpec lists the native libraries a prebuilt binary links against
// and the packages that provide them per package manager.
type DependencySpec struct {
	// Libraries are probed by file name, e.g. "hwloc" matches libhwloc.so*
	Libraries []string `json:"libraries,omitempty" yaml:"libraries,omitempty"`
	// Packages maps a package manager (apt, dnf, yum, apk, pacman, brew) to package names
	Packages map[string][]string `json:"packages,omitempty" yaml:"packages,omitempty"`
	// AlternativeFlags overrides the flags used for the second install attempt
	AlternativeFlags map[string][]string `json:"alternative_flags,omitempty" yaml:"alternative_flags,omitempty"`
}

func (d DependencySpec) IsEmpty() bool {
	return len(d.Libraries) == 0 && len(d.Packages) == 0
}

// Strategy is how a binary ended up installed.
type Strategy string

const (
	StrategyExisting          Strategy = "existing"
	StrategyPrebuilt          Strategy = "prebuilt"
	StrategyDirectLibPrebuilt Strategy = "direct_lib+prebuilt"
	StrategySourceBuild       Strategy = "source_build"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// State is a step of the install state machine.
type State string

const (
	StateStart               State = "START"
	StateCheckExisting       State = "CHECK_EXISTING"
	StateResolveAsset        State = "RESOLVE_ASSET"
	StateDownload            State = "DOWNLOAD"
	StateVerify              State = "VERIFY"
	StateResolveDependencies State = "RESOLVE_DEPENDENCIES"
	StateBuildFromSource     State = "BUILD_FROM_SOURCE"
	StateDone                State = "DONE"
)

// Diagnostic records why one state led to the next.
type Diagnostic struct {
	From    State     `json:"from" yaml:"from"`
	To      State     `json:"to" yaml:"to"`
	Message string    `json:"message" yaml:"message"`
	Time    time.Time `json:"time" yaml:"time"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s -> %s: %s", d.From, d.To, d.Message)
}

// InstallDecision is the auditable record of one install run.
type InstallDecision struct {
	Binary      string           `json:"binary" yaml:"binary"`
	Version     string           `json:"version,omitempty" yaml:"version,omitempty"`
	Platform    PlatformKey      `json:"platform" yaml:"platform"`
	Strategy    Strategy         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Outcome     Outcome          `json:"outcome" yaml:"outcome"`
	Diagnostics []Diagnostic     `json:"diagnostics" yaml:"diagnostics"`
	Installed   *InstalledBinary `json:"installed,omitempty" yaml:"installed,omitempty"`
	Started     time.Time        `json:"started" yaml:"started"`
	Finished    time.Time        `json:"finished" yaml:"finished"`
}

// Record appends a transition to the diagnostic chain.
func (d *InstallDecision) Record(from, to State, format string, args ...any) {
	d.Diagnostics = append(d.Diagnostics, Diagnostic{
		From:    from,
		To:      to,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
	})
}

// Chain renders the diagnostic chain one transition per line.
func (d *InstallDecision) Chain() string {
	lines := make([]string, 0, len(d.Diagnostics))
	for _, diag := range d.Diagnostics {
		lines = append(lines, diag.String())
	}
	return strings.Join(lines, "\n")
}

// Path returns the visited states in order, starting with the first From.
func (d *InstallDecision) Path() []State {
	if len(d.Diagnostics) == 0 {
		return nil
	}
	states := []State{d.Diagnostics[0].From}
	for _, diag := range d.Diagnostics {
		states = append(states, diag.To)
	}
	return states
}

func (d *InstallDecision) Succeeded() bool {
	return d.Outcome == OutcomeSuccess
}
