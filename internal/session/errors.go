package session

import "errors"

var (
	// ErrNotFound indicates the session id is not in the registry.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists indicates a registration collision.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrInvalidMode indicates an unknown permission mode.
	ErrInvalidMode = errors.New("invalid permission mode")
)
