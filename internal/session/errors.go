package session

import "errors"

var (
	// ErrRecordNotFound is returned when a load/unload names a record
	// the catalog does not carry.
	ErrRecordNotFound = errors.New("record not found")

	// ErrSessionNotFound is returned by the manager for unknown
	// session ids.
	ErrSessionNotFound = errors.New("session not found")
)
