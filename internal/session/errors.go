// ABOUTME: Sentinel errors returned by the session manager

package session

import "errors"

var (
	// ErrSessionNotFound indicates no session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy indicates a turn is already in flight; the message was dropped.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionClosed indicates the session was interrupted and accepts no more messages.
	ErrSessionClosed = errors.New("session closed")
	// ErrStalePermission indicates the request id does not match the pending permission.
	ErrStalePermission = errors.New("no matching permission request")
	// ErrManagerClosed indicates the manager is shutting down.
	ErrManagerClosed = errors.New("session manager closed")
)
