package types

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the orchestrator can decide between the next
// fallback and a terminal outcome.
type Kind string

const (
	KindPlatformUnsupported        Kind = "PlatformUnsupported"
	KindNoAssetForPlatform         Kind = "NoAssetForPlatform"
	KindNoSuchVersion              Kind = "NoSuchVersion"
	KindDownloadFailed             Kind = "DownloadFailed"
	KindUnsupportedArchive         Kind = "UnsupportedArchive"
	KindIntegrityCheckFailed       Kind = "IntegrityCheckFailed"
	KindDependencyResolutionFailed Kind = "DependencyResolutionFailed"
	KindToolchainUnavailable       Kind = "ToolchainUnavailable"
	KindCloneFailed                Kind = "CloneFailed"
	KindBuildFailed                Kind = "BuildFailed"
	KindNoBinariesProduced         Kind = "NoBinariesProduced"
	KindCancelled                  Kind = "Cancelled"
)

// Terminal reports whether no further fallback should be attempted after an
// error of this kind.
func (k Kind) Terminal() bool {
	return k == KindPlatformUnsupported || k == KindCancelled
}

// Error is the error type returned by every provisioning component.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// BuildError carries the captured result of a failed source build.
type BuildError struct {
	ExitCode int
	Output   string
	TimedOut bool
}

func (e *BuildError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("build timed out (exit %d)", e.ExitCode)
	}
	return fmt.Sprintf("build exited with code %d", e.ExitCode)
}

// ErrVersionNotFound is wrapped by NoSuchVersion errors.
type ErrVersionNotFound struct {
	Binary     string
	Version    string
	Suggestion string
}

func (e ErrVersionNotFound) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("version %s of %s not found, did you mean %s?", e.Version, e.Binary, e.Suggestion)
	}
	return fmt.Sprintf("version %s of %s not found", e.Version, e.Binary)
}

// ErrAssetNotFound is wrapped by NoAssetForPlatform errors.
type ErrAssetNotFound struct {
	Binary    string
	Version   string
	Platform  PlatformKey
	Available []string
}

func (e ErrAssetNotFound) Error() string {
	msg := fmt.Sprintf("no %s %s release asset for %s", e.Binary, e.Version, e.Platform)
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available: %v)", e.Available)
	}
	return msg
}
