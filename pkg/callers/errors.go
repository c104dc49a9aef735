package callers

import "errors"

var (
	// ErrCallerNotFound is returned when no caller matches the id or key.
	ErrCallerNotFound = errors.New("caller not found")

	// ErrInvalidCaller is returned when a caller record fails validation.
	ErrInvalidCaller = errors.New("invalid caller")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")
)
