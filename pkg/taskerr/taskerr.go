// Package taskerr defines the error taxonomy shared by the store, planner,
// plugin executor, checkpoint manager, and scheduler. Components classify
// failures into kinds; the scheduler uses the kind to decide retryability and
// the API layer maps kinds to HTTP statuses.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable strings: they are
// persisted on failed steps and surfaced in API error bodies and events.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindInvalidInput      Kind = "invalid_input"
	KindStaleVersion      Kind = "stale_version"
	KindPolicyViolation   Kind = "policy_violation"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
	KindPluginFailure     Kind = "plugin_failure"
	KindPlannerError      Kind = "planner_validation"
	KindCheckpointExpired Kind = "checkpoint_expired"
	KindCancelled         Kind = "cancelled"
	KindStorage           Kind = "storage"
	KindInternal          Kind = "internal"
)

// Error carries a kind plus human-readable message and optional structured
// details. It wraps an underlying cause when one exists.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Retryable reports whether a step failure with this kind should consume a
// retry attempt rather than terminally fail the step. Validation, policy,
// and checkpoint failures are final: retrying them cannot succeed.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetwork, KindPluginFailure:
		return true
	default:
		return false
	}
}
