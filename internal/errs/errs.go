// Package errs defines the failure taxonomy shared by the coordination
// components. The HTTP layer maps these to status codes; everything else
// wraps them with fmt.Errorf("...: %w", err) and tests with errors.Is.
package errs

import "errors"

var (
	// ErrForbidden covers a false permission check and a failed check alike:
	// a privileged action is refused whenever the authority cannot confirm it.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers an unknown meeting, approval id, or binding. For
	// approval decisions it also means "already resolved by someone else".
	ErrNotFound = errors.New("not found")

	// ErrValidation covers malformed or missing required fields.
	ErrValidation = errors.New("validation failed")

	// ErrUpstream covers authority transport errors on non-gating calls.
	ErrUpstream = errors.New("authority unavailable")

	// ErrConflict covers an operation already in flight for the same target.
	ErrConflict = errors.New("conflict")
)
