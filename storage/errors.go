package storage

import "errors"

// Storage error constants
var (
	// ErrInvalidDatabasePath is returned when a database path fails validation
	ErrInvalidDatabasePath = errors.New("invalid database path")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
