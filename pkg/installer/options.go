package installer

import (
	"github.com/flanksource/clicky/task"
	"github.com/flanksource/provision/pkg/types"
)

// InstallOptions configures one install run
type InstallOptions struct {
	// Version overrides the default version of the definition
	Version string
	// Force skips the existing install check
	Force bool
	// SkipParams skips hooks of kind params
	SkipParams bool
	// Platform overrides detection when set
	Platform types.PlatformKey
	// Debug keeps staging directories
	Debug bool
	Task  *task.Task
}

// InstallOption is a functional option for configuring installation
type InstallOption func(*InstallOptions)

// WithVersion pins the version to install
func WithVersion(version string) InstallOption {
	return func(opts *InstallOptions) {
		opts.Version = version
	}
}

// WithForce enables or disables forced reinstallation
func WithForce(force bool) InstallOption {
	return func(opts *InstallOptions) {
		opts.Force = force
	}
}

// WithSkipParams disables the proof parameter fetch hook
func WithSkipParams(skip bool) InstallOption {
	return func(opts *InstallOptions) {
		opts.SkipParams = skip
	}
}

// WithPlatform installs for key instead of the detected platform
func WithPlatform(key types.PlatformKey) InstallOption {
	return func(opts *InstallOptions) {
		opts.Platform = key
	}
}

// WithDebug keeps downloaded and extracted files
func WithDebug(debug bool) InstallOption {
	return func(opts *InstallOptions) {
		opts.Debug = debug
	}
}

// WithTask reports progress to t
func WithTask(t *task.Task) InstallOption {
	return func(opts *InstallOptions) {
		opts.Task = t
	}
}

func buildOptions(opts []InstallOption) InstallOptions {
	var options InstallOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
