// Package jobserr defines the small error taxonomy the job engine surfaces
// to its collaborators (§7 of the design). Pipeline code never panics;
// every failure is represented as one of these kinds and propagated as a
// normal Go error.
package jobserr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories collaborators can branch on.
type Kind string

const (
	NotFound                 Kind = "not_found"
	AccessDenied             Kind = "access_denied"
	InvalidInput             Kind = "invalid_input"
	WorkspaceCreateFailed    Kind = "workspace_create_failed"
	StagingMaterializeFailed Kind = "staging_materialize_failed"
	GitFailed                Kind = "git_failed"
	CidxFailed               Kind = "cidx_failed"
	ExecutionFailed          Kind = "execution_failed"
	Timeout                  Kind = "timeout"
	Cancelled                Kind = "cancelled"
	Internal                 Kind = "internal"
)

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one (e.g. an unexpected stdlib error reached the boundary).
func KindOf(err error) Kind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
