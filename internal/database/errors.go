package database

import "errors"

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a record with the same id already exists
	ErrAlreadyExists = errors.New("record already exists")

	// Constraint violations. Each is a conflict the caller may resolve by
	// regenerating the offending value, except ErrMaxInstances which is a
	// capacity limit.
	ErrPortTaken           = errors.New("assigned port already used by an active instance")
	ErrTokenTaken          = errors.New("access token already issued")
	ErrInstanceNumberTaken = errors.New("instance number already used for this user and type")
	ErrMaxInstances        = errors.New("maximum instances per type reached")
	ErrUnknownType         = errors.New("unknown mcp type")
)

// IsConflict reports whether err is a uniqueness violation that can be
// retried with freshly generated values.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPortTaken) ||
		errors.Is(err, ErrTokenTaken) ||
		errors.Is(err, ErrInstanceNumberTaken) ||
		errors.Is(err, ErrAlreadyExists)
}
