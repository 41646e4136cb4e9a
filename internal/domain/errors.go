package domain

import "errors"

var (
	// ErrNotFound is returned when a flag or entity record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidSignal is returned for signals missing required fields.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrUnknownDetector is returned when a detector name is not registered.
	ErrUnknownDetector = errors.New("unknown detector")

	// ErrInvalidAction is returned when a flag action string cannot be parsed.
	ErrInvalidAction = errors.New("invalid flag action")
)
