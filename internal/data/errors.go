package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrBuildNotFound is returned when a build row does not exist.
	ErrBuildNotFound = errors.New("build not found")
	// ErrBuildTerminal is returned when a status change would leave a
	// terminal state.
	ErrBuildTerminal = errors.New("build is already in a terminal state")
)
