package database

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique or foreign-key constraint is violated.
var ErrConflict = errors.New("conflict")

// isConstraintErr reports whether err originates from a SQLite constraint
// violation (unique, foreign key, check). The modernc driver surfaces these
// as plain errors carrying the "constraint" text.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint")
}
