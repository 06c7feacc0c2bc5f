package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the channel cannot be established
	ErrUnavailable = errors.New("rpc: channel unavailable")
	// ErrClosed is returned for calls on a channel that is not connected or was lost
	ErrClosed = errors.New("rpc: channel closed")
)

// RemoteError is a failure reported by the remote method itself
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed remotely: %s", e.Method, e.Message)
}
