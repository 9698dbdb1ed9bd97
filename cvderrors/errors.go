// Package cvderrors defines the error taxonomy shared by every cvd
// component. Deep functions return plain errors wrapped with fmt.Errorf;
// callers that need to branch on the kind of failure use errors.Is against
// the sentinels below rather than a type hierarchy.
package cvderrors

import "errors"

var (
	// ErrUser marks a bad flag, ambiguous selector, missing group, or
	// malformed JSON supplied by the caller.
	ErrUser = errors.New("user error")

	// ErrNotFound marks a required helper binary, group, or instance that
	// could not be located.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous marks a selector query that matched more than one
	// group or instance where exactly one was required.
	ErrAmbiguous = errors.New("ambiguous selection")

	// ErrDuplicate marks an instance-database invariant violation at
	// creation time (duplicate home, group name, or instance id).
	ErrDuplicate = errors.New("duplicate")

	// ErrIO marks a filesystem or socket failure.
	ErrIO = errors.New("i/o error")

	// ErrSubprocessFailed marks a non-zero or signalled helper exit.
	ErrSubprocessFailed = errors.New("subprocess failed")

	// ErrInterrupted marks signal-driven cancellation of a handler.
	ErrInterrupted = errors.New("interrupted")

	// ErrNotActive marks an operation (such as a second stop) applied to
	// a group with no active instances.
	ErrNotActive = errors.New("not active")

	// ErrBadPath marks a path that EmulateAbsolutePath cannot normalize,
	// such as a "~" appearing anywhere but the start.
	ErrBadPath = errors.New("bad path")
)
