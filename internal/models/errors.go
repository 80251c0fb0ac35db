package models

import "errors"

// Error taxonomy shared by the store, registry and coordinator. Callers
// match with errors.Is; operations wrap these with entity context.
var (
	// ErrNotFound: unknown request or worker id.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the actor may not perform this transition.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition: the current status does not permit the move.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyAssigned: lost the acceptance race, or the worker already
	// holds an active assignment.
	ErrAlreadyAssigned = errors.New("already assigned")
)
