package session

import "errors"

// Registry errors
var (
	ErrNilConnection    = errors.New("session: connection cannot be nil")
	ErrAlreadyConnected = errors.New("session: identity already has a live connection")
	ErrNoSuchSession    = errors.New("session: no such session")
	ErrRegistryClosed   = errors.New("session: registry is shut down")
)

// Handle errors
var (
	ErrSessionGone = errors.New("session: connection actor has exited")
	ErrNilCommand  = errors.New("session: command cannot be nil")
)
