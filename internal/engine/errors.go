package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisposed is returned by every operation on a disposed handle.
	ErrDisposed = errors.New("engine: connection has been disposed")
	// ErrAlreadyOpen is returned by Open when the connection is already open.
	ErrAlreadyOpen = errors.New("engine: connection is already open")
	// ErrLockTimeout matches every *LockTimeoutError.
	ErrLockTimeout = errors.New("engine: timeout waiting for connection lock")
)

// ConnectivityError reports an engine that is unreachable, rejected the
// credentials, or does not know the requested database.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// LockTimeoutError reports that the metadata lock could not be acquired in time
type LockTimeoutError struct {
	Op      string
	Schema  string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("engine: timeout exceeded (%s) attempting to establish internal lock for %s(%s)", e.Timeout, e.Op, e.Schema)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

func connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectivityError{Op: op, Err: err}
}
