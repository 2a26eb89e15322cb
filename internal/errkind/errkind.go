// Package errkind defines the uniform error taxonomy used across Anima's
// core subsystems so the Supervisor can decide recovery strategy without
// parsing error strings.
package errkind

import "fmt"

// Kind tags an error with how the core should react to it.
type Kind string

const (
	// TransientAgent covers a non-zero exit, a dead session, or a round
	// timeout. Recovered locally by incrementing the rejection counter.
	TransientAgent Kind = "transient_agent"

	// Quota covers rate-limit or quota-exhaustion signals. Recovered by
	// suspending the project into rate_limited with a resume timer.
	Quota Kind = "quota"

	// PersistenceStale is an optimistic-concurrency conflict on a state
	// write. Recovered by re-reading and reapplying.
	PersistenceStale Kind = "persistence_stale"

	// PersistenceIO is a disk-full, permission-denied, or lock-unavailable
	// failure. Surfaced to the Supervisor; the project is forced to paused.
	PersistenceIO Kind = "persistence_io"

	// VersionControl is a non-zero exit from a version-control command.
	// Per-round failures are reclassified as TransientAgent by the caller;
	// finalization failures (merge/tag) stay VersionControl and become
	// fatal at the milestone level.
	VersionControl Kind = "version_control"

	// CorruptState is malformed JSON on disk. The offending file is
	// quarantined and the project is forced to paused.
	CorruptState Kind = "corrupt_state"

	// FatalEngine is an unreachable invariant violation (e.g. a missing
	// baseCommit on resume). The engine rolls the milestone back and marks
	// it failed.
	FatalEngine Kind = "fatal_engine"
)

// Error is the tagged-kind error type threaded through the core.
type Error struct {
	Kind       Kind
	Message    string
	Diagnostic string // optional: raw content, stderr, etc. for operator diagnosis
	Err        error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDiagnostic attaches raw diagnostic content (e.g. corrupt JSON, stderr)
// to an error and returns it for chaining.
func (e *Error) WithDiagnostic(d string) *Error {
	e.Diagnostic = d
	return e
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
