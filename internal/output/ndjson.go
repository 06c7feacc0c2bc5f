package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/engine"
)

// SchemaVersion is stamped on every record type
const SchemaVersion = 1

// Writer renders trace and metadata records
type Writer interface {
	WriteEvent(ev *domain.TraceEvent) error
	WriteTraceStart(s *domain.TraceSessionStart) error
	WriteTraceEnd(e *domain.TraceSessionEnd) error
	WriteNotice(kind, traceID, message string) error
	WriteQuery(q *domain.QuerySummary) error
	WriteRowset(r *engine.Rowset) error
	WriteError(code, message string, hint ...string) error
}

// EventRecord is a trace event as written to the stream
type EventRecord struct {
	Type          string `json:"type"` // "trace_event"
	SchemaVersion int    `json:"schemaVersion"`
	TraceID       string `json:"trace_id,omitempty"`
	Category      string `json:"category"`
	*domain.TraceEvent
}

// Notice carries service-originated lifecycle text (warnings, errors)
type Notice struct {
	Type          string `json:"type"` // "trace_warning", "trace_error"
	SchemaVersion int    `json:"schemaVersion"`
	TraceID       string `json:"trace_id,omitempty"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
}

// ErrorOutput is the machine-readable failure record
type ErrorOutput struct {
	Type          string `json:"type"` // "error"
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// RowsetOutput is a metadata rowset
type RowsetOutput struct {
	Type          string           `json:"type"` // "rowset"
	SchemaVersion int              `json:"schemaVersion"`
	Name          string           `json:"name"`
	Columns       []string         `json:"columns"`
	Rows          []map[string]any `json:"rows"`
	Count         int              `json:"count"`
}

// NDJSONWriter writes one JSON object per line
type NDJSONWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	TraceID string
}

// NewNDJSONWriter creates a writer on w
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSONWriter{enc: enc}
}

// Write encodes any record
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *NDJSONWriter) WriteEvent(ev *domain.TraceEvent) error {
	return w.Write(&EventRecord{
		Type:          "trace_event",
		SchemaVersion: SchemaVersion,
		TraceID:       w.TraceID,
		Category:      string(ev.EventClass.Category()),
		TraceEvent:    ev,
	})
}

func (w *NDJSONWriter) WriteTraceStart(s *domain.TraceSessionStart) error {
	return w.Write(s)
}

func (w *NDJSONWriter) WriteTraceEnd(e *domain.TraceSessionEnd) error {
	return w.Write(e)
}

// WriteNotice writes a trace_<kind> record
func (w *NDJSONWriter) WriteNotice(kind, traceID, message string) error {
	return w.Write(&Notice{
		Type:          "trace_" + kind,
		SchemaVersion: SchemaVersion,
		TraceID:       traceID,
		Message:       message,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (w *NDJSONWriter) WriteQuery(q *domain.QuerySummary) error {
	return w.Write(q)
}

func (w *NDJSONWriter) WriteRowset(r *engine.Rowset) error {
	out := &RowsetOutput{
		Type:          "rowset",
		SchemaVersion: SchemaVersion,
		Name:          r.Name,
		Columns:       r.Columns,
		Rows:          make([]map[string]any, 0, r.Len()),
		Count:         r.Len(),
	}
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out.Rows = append(out.Rows, m)
	}
	return w.Write(out)
}

// WriteError writes an error record; only the first hint is kept
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	e := &ErrorOutput{
		Type:          "error",
		SchemaVersion: SchemaVersion,
		Code:          code,
		Message:       message,
	}
	if len(hint) > 0 {
		e.Hint = hint[0]
	}
	return w.Write(e)
}
