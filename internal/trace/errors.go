package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrDisposed is returned by every operation on a disposed session.
	ErrDisposed = errors.New("trace: session has been disposed")
	// ErrNotConstructed is returned when starting or updating before Construct succeeded.
	ErrNotConstructed = errors.New("trace: session has not been constructed")
	// ErrAlreadyConstructed is returned by a second Construct, including one
	// that overlaps a Construct still in flight.
	ErrAlreadyConstructed = errors.New("trace: session is already constructed")
	// ErrChannelUnavailable matches every *ChannelUnavailableError.
	ErrChannelUnavailable = errors.New("trace: channel unavailable")
	// ErrRemoteConstruct matches every *RemoteConstructError.
	ErrRemoteConstruct = errors.New("trace: remote construct failed")
)

// ChannelUnavailableError reports that the RPC channel to the trace service
// could not be established or was lost mid-call.
type ChannelUnavailableError struct {
	Err error
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("trace: channel unavailable: %v", e.Err)
}

func (e *ChannelUnavailableError) Unwrap() error { return e.Err }

func (e *ChannelUnavailableError) Is(target error) bool { return target == ErrChannelUnavailable }

// RemoteConstructError carries the trace service's reason for rejecting a session
type RemoteConstructError struct {
	Message string
}

func (e *RemoteConstructError) Error() string {
	return fmt.Sprintf("trace: remote rejected session construction: %s", e.Message)
}

func (e *RemoteConstructError) Is(target error) bool { return target == ErrRemoteConstruct }
