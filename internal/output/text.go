package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/engine"
)

// TextWriter renders records for humans
type TextWriter struct {
	mu      sync.Mutex
	w       io.Writer
	MaxText int // truncate TextData; 0 keeps it whole
}

// NewTextWriter creates a writer on w
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w, MaxText: 160}
}

func (t *TextWriter) printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, format, args...)
	return err
}

func (t *TextWriter) WriteEvent(ev *domain.TraceEvent) error {
	text := strings.Join(strings.Fields(ev.TextData), " ")
	if t.MaxText > 0 && len(text) > t.MaxText {
		text = text[:t.MaxText] + "…"
	}
	var extra []string
	if ev.Duration > 0 {
		extra = append(extra, fmt.Sprintf("%dms", ev.Duration))
	}
	if ev.CPUTime > 0 {
		extra = append(extra, fmt.Sprintf("cpu=%dms", ev.CPUTime))
	}
	if ev.SessionID != "" {
		extra = append(extra, "session="+ev.SessionID)
	}
	suffix := ""
	if len(extra) > 0 {
		suffix = " [" + strings.Join(extra, " ") + "]"
	}
	return t.printf("%5d %-26s %s%s\n", ev.Sequence, ev.EventClass, text, suffix)
}

func (t *TextWriter) WriteTraceStart(s *domain.TraceSessionStart) error {
	return t.printf("Trace %s started on %s (%s) events: %s\n", s.TraceID, s.Hub, s.Connection, strings.Join(s.Events, ", "))
}

func (t *TextWriter) WriteTraceEnd(e *domain.TraceSessionEnd) error {
	s := e.Summary
	return t.printf("Trace %s %s: %d events, %d queries (%dms), %d storage events, %d errors in %ds\n",
		e.TraceID, e.Reason, s.TotalEvents, s.Queries, s.QueryDurationMS, s.StorageEvents, s.Errors, s.DurationSeconds)
}

func (t *TextWriter) WriteNotice(kind, _ string, message string) error {
	return t.printf("%s: %s\n", strings.ToUpper(kind), message)
}

func (t *TextWriter) WriteQuery(q *domain.QuerySummary) error {
	status := "ok"
	if q.Error {
		status = "error"
	}
	return t.printf("Query %s %s: %dms total, %dms cpu, %d SE (%dms, %d cached)\n",
		q.RequestID, status, q.DurationMS, q.CPUTimeMS, q.StorageEvents, q.StorageMS, q.CacheMatches)
}

// WriteRowset renders a table
func (t *TextWriter) WriteRowset(r *engine.Rowset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := tablewriter.NewWriter(t.w)
	table.Header(r.Columns)
	for _, row := range r.Rows {
		cells := make([]string, len(r.Columns))
		for i := range cells {
			if i < len(row) && row[i] != nil {
				cells[i] = fmt.Sprint(row[i])
			}
		}
		if err := table.Append(cells); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.w, "%d row(s) in %s\n", r.Len(), r.Name)
	return err
}

func (t *TextWriter) WriteError(code, message string, hint ...string) error {
	if len(hint) > 0 && hint[0] != "" {
		return t.printf("Error [%s]: %s (hint: %s)\n", code, message, hint[0])
	}
	return t.printf("Error [%s]: %s\n", code, message)
}
