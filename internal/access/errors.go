package access

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies engine and mutation failures.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NotFound"
	KindInvalidHierarchy ErrorKind = "InvalidHierarchy"
	KindInvalidReference ErrorKind = "InvalidReference"
	KindConflict         ErrorKind = "Conflict"
	KindCancelled        ErrorKind = "Cancelled"
	KindValidation       ErrorKind = "Validation"
	KindInternal         ErrorKind = "Internal"
)

var (
	// ErrNotFound indicates an unknown user, role or override reference.
	ErrNotFound = errors.New("access: not found")
	// ErrInvalidHierarchy indicates an inheritance cycle, a dangling parent or a level violation.
	ErrInvalidHierarchy = errors.New("access: invalid role hierarchy")
	// ErrInvalidReference indicates a mutation referencing a nonexistent role or resource.
	ErrInvalidReference = errors.New("access: invalid reference")
	// ErrConflict indicates a concurrent mutation race or a replayed request.
	ErrConflict = errors.New("access: conflict")
	// ErrCancelled indicates the caller gave up while data was loading.
	ErrCancelled = errors.New("access: cancelled")
	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("access: validation failed")
)

// KindOf maps an error onto the taxonomy. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidHierarchy):
		return KindInvalidHierarchy
	case errors.Is(err, ErrInvalidReference):
		return KindInvalidReference
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

// cancelled wraps a context error so both ErrCancelled and the cause match.
func cancelled(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, err)
}

// loadError converts a data-load failure, keeping cancellation distinguishable.
func loadError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(op, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelled(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
