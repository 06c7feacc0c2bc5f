package cli

import (
	"io"

	"github.com/vburojevic/dxw/internal/output"
)

// newWriter picks the record writer for the active format
func newWriter(globals *Globals, w io.Writer) output.Writer {
	if w == nil {
		w = globals.Stdout
	}
	if globals.Format == "text" {
		return output.NewTextWriter(w)
	}
	return output.NewNDJSONWriter(w)
}

// setTraceID tags NDJSON events with the trace id; text output ignores it
func setTraceID(w output.Writer, id string) {
	if nd, ok := w.(*output.NDJSONWriter); ok {
		nd.TraceID = id
	}
}
