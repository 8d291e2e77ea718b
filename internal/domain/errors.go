package domain

import "errors"

var (
	// ErrRetrievalTimeout: a media fetch exceeded its time bound.
	ErrRetrievalTimeout = errors.New("media retrieval timed out")
	// ErrResolution: chat or sender metadata could not be resolved.
	ErrResolution = errors.New("metadata resolution failed")
	// ErrPersistence: a store could not write its state.
	ErrPersistence = errors.New("persistence failed")
	// ErrSessionTerminal: an account session is no longer running.
	ErrSessionTerminal = errors.New("session terminated")
	// ErrCorrelationMiss: a reply references an unknown notification.
	ErrCorrelationMiss = errors.New("no correlation for notification")

	ErrAccountExists  = errors.New("account already running")
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidCommand = errors.New("invalid command")
)
