package session

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is not in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrReconciliationConflict is returned when a temp id would map to two
	// different persistent ids, or a persistent id to two sessions.
	ErrReconciliationConflict = errors.New("session id reconciliation conflict")
	// ErrIndexOutOfRange is returned by message store operations given a bad index.
	ErrIndexOutOfRange = errors.New("message index out of range")
)
