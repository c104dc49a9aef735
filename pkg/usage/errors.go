package usage

import "errors"

var (
	// ErrRedis is returned when the Redis rate counter cannot be reached or answers unexpectedly.
	ErrRedis = errors.New("redis error")

	// ErrDatabaseError is returned when a ledger database operation fails.
	ErrDatabaseError = errors.New("database error")
)
