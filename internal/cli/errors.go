package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/dxw/internal/engine"
	"github.com/vburojevic/dxw/internal/engine/sqlite"
	"github.com/vburojevic/dxw/internal/output"
	"github.com/vburojevic/dxw/internal/rpc"
	"github.com/vburojevic/dxw/internal/trace"
)

// outputErrorCommon normalizes error emission across commands, respecting
// ndjson vs text formats so scripted callers always get machine-readable failures.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return errors.New(message)
}

// classifyError maps library errors to a code and hint
func classifyError(err error) (code, hint string) {
	var lockErr *engine.LockTimeoutError
	var connErr *engine.ConnectivityError
	switch {
	case errors.As(err, &lockErr):
		return "LOCK_TIMEOUT", "another metadata request is still running; retry or raise --lock-timeout"
	case errors.Is(err, engine.ErrDisposed), errors.Is(err, trace.ErrDisposed):
		return "DISPOSED", ""
	case errors.As(err, &connErr):
		return "CONNECTIVITY", "check the connection string"
	case errors.Is(err, sqlite.ErrUnknownSchema):
		return "UNKNOWN_SCHEMA", "see 'dxw metadata --help' for supported rowsets"
	case errors.Is(err, trace.ErrChannelUnavailable), errors.Is(err, rpc.ErrUnavailable):
		return "CHANNEL_UNAVAILABLE", "is the trace service running? try 'dxw serve'"
	case errors.Is(err, trace.ErrRemoteConstruct):
		return "REMOTE_CONSTRUCT", ""
	case errors.Is(err, trace.ErrNotConstructed):
		return "NOT_CONSTRUCTED", ""
	case errors.Is(err, rpc.ErrClosed):
		return "CHANNEL_CLOSED", ""
	}
	return "INTERNAL", ""
}

// outputError classifies err and emits it
func outputError(globals *Globals, err error) error {
	code, hint := classifyError(err)
	return outputErrorCommon(globals, code, err.Error(), hint)
}
