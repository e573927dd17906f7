package session

import (
	"errors"
	"fmt"
)

// ErrClientDisconnected is returned by a Transport when the client went away.
// It is an expected way for a session to end.
var ErrClientDisconnected = errors.New("client disconnected")

// SendError is a transport failure other than a disconnection.
type SendError struct {
	Err error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send frame: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Err
}
