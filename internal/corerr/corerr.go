// Package corerr is the core's uniform error taxonomy (spec.md §7):
// every subsystem above the Persistence Store tags its failures with one
// of these kinds so the Iteration Engine, Wake Scheduler, and Supervisor
// can apply the recovery policy spec.md §7 prescribes without sniffing
// error strings.
//
// Grounded on internal/store's own *Error{Kind, Path, Err} shape (this
// package generalizes that pattern one layer up, where failures carry a
// milestone/project instead of a file path).
package corerr

import "fmt"

// Kind enumerates spec.md §7's error taxonomy.
type Kind string

const (
	// KindTransientAgent: non-zero exit, dead session, or timeout for a
	// single round. Recovered locally by incrementing the rejection
	// counter and continuing.
	KindTransientAgent Kind = "transient_agent"

	// KindQuota: rate-limit or quota exhaustion. Recovered by suspending
	// into rate_limited with a timer; does not consume rejection budget.
	KindQuota Kind = "quota"

	// KindPersistenceStale: an optimistic-concurrency conflict on a
	// state write. Recovered by re-reading and reapplying.
	KindPersistenceStale Kind = "persistence_stale"

	// KindPersistenceIO: disk full, permission denied, lock unavailable.
	// Surfaced to the Supervisor; the project is forced to paused.
	KindPersistenceIO Kind = "persistence_io"

	// KindVersionControl: a command exit non-zero outside finalization.
	// Per-round failures fold into KindTransientAgent.
	KindVersionControl Kind = "version_control"

	// KindFatalMilestone: a finalization failure (merge/tag). The
	// milestone stays in_progress; the project is paused.
	KindFatalMilestone Kind = "fatal_milestone"

	// KindCorruptState: malformed on-disk JSON. The file is quarantined
	// and the project is forced to paused.
	KindCorruptState Kind = "corrupt_state"

	// KindFatalEngine: an unreachable invariant violation. The engine
	// rolls the milestone branch back, sets the milestone failed, and
	// the project sleeping.
	KindFatalEngine Kind = "fatal_engine"
)

// Error is the tagged result type spec.md §7 calls for. Message is
// human-readable for the event bus; Diagnostic carries raw command
// output or stack detail not meant for end-user display.
type Error struct {
	Kind       Kind
	Message    string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind wrapping err, with a
// human-readable message for the event bus.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDiagnostic attaches raw diagnostic text (e.g. a failed command's
// stderr) and returns the same *Error for chaining.
func (e *Error) WithDiagnostic(d string) *Error {
	e.Diagnostic = d
	return e
}

// Is reports whether err is a *Error of kind k, unwrapping as needed.
func Is(err error, k Kind) bool {
	var ce *Error
	for err != nil {
		if c, ok := err.(*Error); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ce != nil && ce.Kind == k
}
