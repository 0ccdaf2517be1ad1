// Package errors provides error wrapping utilities and the failure taxonomy
// used across the imaging pipeline: transient conditions retried in-component,
// snapshot expiry detected mid-read, external tool failures carrying raw
// output, and lifecycle state-contract violations.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// ErrNoneAvailable is returned when no resource of the requested kind is free.
var ErrNoneAvailable = errors.New("no resource of requested kind available")

// ErrKindHeld is returned when a resource kind is already held by the current
// pipeline run. A second acquisition of the same kind must fail fast.
var ErrKindHeld = errors.New("resource kind already held by an unfinished run")

// ErrSecretRejected is returned when the repository engine refuses the
// supplied secret.
var ErrSecretRejected = errors.New("repository secret rejected")

// SnapshotExpiredError marks a mid-read failure whose signature indicates the
// snapshot's lifetime elapsed during a long operation. It is fatal for the
// attempt and must not be retried as an ordinary I/O error.
type SnapshotExpiredError struct {
	SnapshotID string
	Detail     string
}

func (e *SnapshotExpiredError) Error() string {
	return fmt.Sprintf("snapshot %s expired mid-operation: %s", e.SnapshotID, e.Detail)
}

// IsSnapshotExpired reports whether err is (or wraps) a SnapshotExpiredError.
func IsSnapshotExpired(err error) bool {
	var se *SnapshotExpiredError
	return errors.As(err, &se)
}

// ExitError carries a non-zero exit from an external tool together with its
// raw combined output, so the pipeline driver can surface tool output
// verbatim without components formatting operator-facing text.
type ExitError struct {
	Command  string
	ExitCode int
	Output   []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// RawOutput returns the tool's combined output as a single string.
func (e *ExitError) RawOutput() string {
	return strings.Join(e.Output, "\n")
}

// StateError reports a lifecycle transition attempted out of order. It is
// raised before any external tool is invoked.
type StateError struct {
	Subject string
	From    string
	To      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Subject, e.From, e.To)
}

// TransientError marks a condition expected to clear on its own (path not yet
// queryable, service not started, mapping race). Components retry these with
// a bounded policy and surface them only on exhaustion.
type TransientError struct {
	Op     string
	Detail string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s (transient)", e.Op, e.Detail)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// As and Is re-export the stdlib helpers so call sites only import this
// package for error handling.
func As(err error, target any) bool { return errors.As(err, target) }
func Is(err, target error) bool     { return errors.Is(err, target) }
func New(text string) error         { return errors.New(text) }
