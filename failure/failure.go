// Package failure defines the error classes shared by the pipeline, the
// rollout controller and the collaborators they drive.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline or rollout failure.
type Kind string

const (
	KindBuild               Kind = "BuildFailure"
	KindMigration           Kind = "MigrationFailure"
	KindHealthCheckTimeout  Kind = "HealthCheckTimeout"
	KindApprovalRejected    Kind = "ApprovalRejected"
	KindLockContention      Kind = "LockContention"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindCancelled           Kind = "Cancelled"
)

// Sentinels usable with errors.Is.
var (
	ErrBuild               = &Error{Kind: KindBuild}
	ErrMigration           = &Error{Kind: KindMigration}
	ErrHealthCheckTimeout  = &Error{Kind: KindHealthCheckTimeout}
	ErrApprovalRejected    = &Error{Kind: KindApprovalRejected}
	ErrLockContention      = &Error{Kind: KindLockContention}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrCancelled           = &Error{Kind: KindCancelled}
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "migrate staging"), Err carries the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a failure of the same kind. This lets
// callers match against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain,
// or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether err belongs to one of the classes that are
// retried automatically: lock contention and provider unavailability.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockContention, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// Reason returns a short human-readable reason for err, suitable for
// storing on a run or attempt record.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
