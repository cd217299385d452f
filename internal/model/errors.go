package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrPoolExhausted is returned when no session of the requested tier can
	// be leased before the caller's deadline.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrSessionTimeout is returned when a session did not answer before the
	// step timeout.
	ErrSessionTimeout = errors.New("session timeout")
	// ErrSessionDied is returned when a session's process is gone.
	ErrSessionDied = errors.New("session died")
	// ErrDependencyUnmet is returned when a step is dispatched with unfinished
	// dependencies.
	ErrDependencyUnmet = errors.New("dependency unmet")
	// ErrTransactionConflict is returned when a state transition lost the race
	// against a concurrent writer. Callers should reload and retry.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrProjectionSync is returned when mirroring state to the remote failed.
	ErrProjectionSync = errors.New("projection sync failed")
)
