package lifecycle

import (
	"fmt"

	"modelhostd/pkg/types"
)

// validationError signals a bad config (missing file, port in use). Surfaced
// immediately, before any side effect.
type validationError struct{ reason string }

func (e validationError) Error() string { return "invalid config: " + e.reason }

// ErrValidation constructs a validationError.
func ErrValidation(reason string) error { return validationError{reason: reason} }

// IsValidation reports whether err is a config validation failure.
func IsValidation(err error) bool {
	_, ok := err.(validationError)
	return ok
}

// invalidStateError signals an operation attempted from a state that does
// not permit it. No lock is taken and no process is touched.
type invalidStateError struct {
	op    string
	state types.LifecycleState
}

func (e invalidStateError) Error() string {
	return fmt.Sprintf("%s not permitted in state %q", e.op, e.state)
}

// IsInvalidState reports whether err is a state-machine legality failure.
func IsInvalidState(err error) bool {
	_, ok := err.(invalidStateError)
	return ok
}

// lockDeniedError signals that another instance already holds the slot.
type lockDeniedError struct{ holder string }

func (e lockDeniedError) Error() string {
	return "model slot denied: held by " + e.holder
}

// IsLockDenied reports whether err indicates the exclusive slot was busy.
func IsLockDenied(err error) bool {
	_, ok := err.(lockDeniedError)
	return ok
}

// LaunchFailure wraps a spawn or readiness error together with the
// selector's fallback backends, so the caller can retry with an alternative.
type LaunchFailure struct {
	Cause     error
	Fallbacks []types.BackendKind
}

func (e *LaunchFailure) Error() string { return "launch failed: " + e.Cause.Error() }

func (e *LaunchFailure) Unwrap() error { return e.Cause }

// IsLaunchFailure reports whether err is a failed spawn/readiness wait, and
// returns it for fallback inspection.
func IsLaunchFailure(err error) (*LaunchFailure, bool) {
	lf, ok := err.(*LaunchFailure)
	return lf, ok
}
