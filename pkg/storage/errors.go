package storage

import "errors"

var (
	// ErrNotFound is returned by store lookups that match no row
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate = errors.New("record already exists")
)
