package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	tf := &TraceFlags{StartTimeout: 30}

	globals := &Globals{Format: "text", Quiet: true, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, tf, nil))

	globals = &Globals{Format: "ndjson", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.NoError(t, validateFlags(globals, tf, nil))

	require.Error(t, validateFlags(globals, &TraceFlags{StartTimeout: 0}, nil))
	require.Error(t, validateFlags(globals, &TraceFlags{StartTimeout: 5, MaxEvents: -1}, nil))
	require.Error(t, validateFlags(globals, tf, &FilterFlags{DedupeWindow: time.Second}))
	require.NoError(t, validateFlags(globals, tf, &FilterFlags{Dedupe: true, DedupeWindow: time.Second}))
}
