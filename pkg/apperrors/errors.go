package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Reconciliation failures. All of these are fatal for the event that raised
	// them but never for the reader loop.
	ErrIncompatibleState   = errors.New("incompatible database state")
	ErrRequiredDataMissing = errors.New("required data missing")
	ErrMessageIgnored      = errors.New("message ignored")
	ErrConflictingIdentity = errors.New("conflicting identity")
	ErrIllegalMerge        = errors.New("illegal merge")

	// ErrUnparseable means the parser could not produce any events from a source record.
	ErrUnparseable = errors.New("unparseable source record")
)

// IsRecoverable reports whether err should skip the rest of the current source
// record while still advancing the checkpoint past it.
func IsRecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrIncompatibleState),
		errors.Is(err, ErrRequiredDataMissing),
		errors.Is(err, ErrMessageIgnored),
		errors.Is(err, ErrConflictingIdentity),
		errors.Is(err, ErrIllegalMerge):
		return true
	default:
		return false
	}
}
