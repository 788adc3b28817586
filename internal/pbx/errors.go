package pbx

import "errors"

var (
	// ErrNotAuthenticated is returned for actions attempted before the
	// client has logged in to the manager interface.
	ErrNotAuthenticated = errors.New("pbx: not authenticated")

	// ErrTimeout is returned when an action receives no response within
	// its watchdog.
	ErrTimeout = errors.New("pbx: action timeout")

	// ErrDisconnected is returned to in-flight waiters when the socket
	// drops, and for actions attempted while the client is down.
	ErrDisconnected = errors.New("pbx: disconnected")
)
