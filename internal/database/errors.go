package database

import "errors"

var (
	// ErrDatabaseNotExist is returned when the target database is not in the
	// workspace index or cannot be opened.
	ErrDatabaseNotExist = errors.New("database does not exist")
	// ErrInvalidParams wraps every parameter validation failure.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrViewLinked is returned when a view id is already linked to another
	// database.
	ErrViewLinked = errors.New("view already linked to another database")
	// ErrDecodeUpdate is returned when a snapshot cannot be decoded.
	ErrDecodeUpdate = errors.New("failed to decode snapshot")
	// ErrViewNotFound is returned when a view id is unknown to its database.
	ErrViewNotFound = errors.New("view not found")
)
