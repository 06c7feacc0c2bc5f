package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vburojevic/dxw/internal/domain"
)

// SchemaCmd outputs JSON Schema for dxw output types
type SchemaCmd struct {
	Type []string `short:"t" help:"Output types to include (trace_event,trace_start,trace_end,query,notice,error,rowset). Default: all"`
}

var schemaTypes = []string{"trace_event", "trace_start", "trace_end", "query", "notice", "error", "rowset"}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]map[string]interface{}{
		"trace_event": traceEventSchema(),
		"trace_start": traceStartSchema(),
		"trace_end":   traceEndSchema(),
		"query":       querySchema(),
		"notice":      noticeSchema(),
		"error":       errorSchema(),
		"rowset":      rowsetSchema(),
	}

	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		typesToOutput = schemaTypes
	}

	if globals.Format == "text" {
		c.outputTextHelp(globals)
		return nil
	}

	defs := map[string]interface{}{}
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		if schema, ok := schemas[t]; ok {
			defs[t] = schema
		}
	}
	output := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "dxw Output Schemas",
		"description": "JSON Schema definitions for all dxw NDJSON output types",
		"definitions": defs,
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func constType(name string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "const": name}
}

func object(title, description string, props map[string]interface{}, required ...string) map[string]interface{} {
	props["schemaVersion"] = map[string]interface{}{"type": "integer", "const": 1}
	return map[string]interface{}{
		"type":        "object",
		"title":       title,
		"description": description,
		"properties":  props,
		"required":    append([]string{"type", "schemaVersion"}, required...),
	}
}

func traceEventSchema() map[string]interface{} {
	return object("Trace Event", "One event captured by the remote trace", map[string]interface{}{
		"type":     constType("trace_event"),
		"trace_id": prop("string", "Client-assigned remote trace session id"),
		"category": prop("string", "Display group of the event class"),
		"event_class": map[string]interface{}{
			"type":        "string",
			"enum":        domain.ClassNames(domain.AllTraceEventClasses()),
			"description": "Event class",
		},
		"event_subclass": prop("string", "Event subclass"),
		"text_data":      prop("string", "Query text, plan or message"),
		"request_id":     prop("string", "Activity id shared by begin/end pairs"),
		"session_id":     prop("string", "Engine session that raised the event"),
		"database_name":  prop("string", "Database the event refers to"),
		"nt_user_name":   prop("string", "User that ran the request"),
		"object_name":    prop("string", "Object the event refers to"),
		"start_time":     map[string]interface{}{"type": "string", "format": "date-time"},
		"end_time":       map[string]interface{}{"type": "string", "format": "date-time"},
		"current_time":   map[string]interface{}{"type": "string", "format": "date-time"},
		"duration_ms":    prop("integer", "Duration in milliseconds"),
		"cpu_time_ms":    prop("integer", "CPU time in milliseconds"),
		"error":          prop("integer", "Engine error code"),
		"sequence":       prop("integer", "Arrival order within the trace (1-based)"),
	}, "event_class", "category")
}

func traceStartSchema() map[string]interface{} {
	return object("Trace Start", "Written when the service confirms the trace is running", map[string]interface{}{
		"type":                   constType("trace_start"),
		"trace_id":               prop("string", "Client-assigned remote trace session id"),
		"hub":                    prop("string", "Trace service URL"),
		"connection_type":        prop("string", "SSAS, PowerBI, PowerPivot or Offline"),
		"context_id":             prop("string", "Connection context id"),
		"events":                 map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"filter_current_session": prop("boolean", "Only events of the context's engine session are captured"),
		"timestamp":              map[string]interface{}{"type": "string", "format": "date-time"},
	}, "trace_id", "events")
}

func traceEndSchema() map[string]interface{} {
	return object("Trace End", "Written when the trace completes, is stopped or loses its channel", map[string]interface{}{
		"type":     constType("trace_end"),
		"trace_id": prop("string", "Client-assigned remote trace session id"),
		"reason": map[string]interface{}{
			"type": "string",
			"enum": []string{reasonCompleted, reasonStopped, reasonDisconnected},
		},
		"summary": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"total_events":      prop("integer", "Events received"),
				"queries":           prop("integer", "QueryEnd events"),
				"errors":            prop("integer", "Error events"),
				"storage_events":    prop("integer", "Storage engine events"),
				"query_duration_ms": prop("integer", "Sum of query durations"),
				"duration_seconds":  prop("integer", "Wall time since the first event"),
			},
		},
	}, "trace_id", "reason", "summary")
}

func querySchema() map[string]interface{} {
	return object("Query Summary", "A QueryBegin paired with its QueryEnd", map[string]interface{}{
		"type":                constType("query"),
		"request_id":          prop("string", "Activity id"),
		"session_id":          prop("string", "Engine session"),
		"database_name":       prop("string", "Database"),
		"query":               prop("string", "Query text"),
		"duration_ms":         prop("integer", "Total duration"),
		"cpu_time_ms":         prop("integer", "CPU time"),
		"storage_events":      prop("integer", "Storage engine queries"),
		"storage_duration_ms": prop("integer", "Storage engine time"),
		"cache_matches":       prop("integer", "Storage engine cache hits"),
		"error":               prop("boolean", "The query raised an error"),
	}, "request_id", "duration_ms")
}

func noticeSchema() map[string]interface{} {
	return object("Trace Notice", "Warning or error text forwarded verbatim from the trace service", map[string]interface{}{
		"type":      map[string]interface{}{"type": "string", "enum": []string{"trace_warning", "trace_error"}},
		"trace_id":  prop("string", "Client-assigned remote trace session id"),
		"message":   prop("string", "Message from the service"),
		"timestamp": map[string]interface{}{"type": "string", "format": "date-time"},
	}, "message")
}

func errorSchema() map[string]interface{} {
	return object("Error", "Error message from dxw", map[string]interface{}{
		"type": constType("error"),
		"code": map[string]interface{}{
			"type":        "string",
			"description": "Error code",
			"enum": []string{
				"CHANNEL_UNAVAILABLE",
				"CHANNEL_CLOSED",
				"REMOTE_CONSTRUCT",
				"TRACE_START_FAILED",
				"LOCK_TIMEOUT",
				"CONNECTIVITY",
				"UNKNOWN_SCHEMA",
				"DISPOSED",
				"INVALID_EVENTS",
				"INVALID_WHERE",
				"INVALID_PATTERN",
				"INVALID_EXCLUDE_PATTERN",
				"INVALID_FLAGS",
				"INVALID_TRIGGER",
				"INVALID_COOLDOWN",
				"OUTPUT_FAILED",
				"LISTEN_FAILED",
				"SERVE_FAILED",
				"INTERNAL",
			},
		},
		"message": prop("string", "Human-readable error description"),
		"hint":    prop("string", "Suggested next step"),
	}, "code", "message")
}

func rowsetSchema() map[string]interface{} {
	return object("Rowset", "A metadata schema rowset", map[string]interface{}{
		"type":    constType("rowset"),
		"name":    prop("string", "Schema rowset name"),
		"columns": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"rows":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "object"}},
		"count":   prop("integer", "Number of rows"),
	}, "name", "columns", "rows")
}

// Helper to output a quick reference
func (c *SchemaCmd) outputTextHelp(globals *Globals) {
	fmt.Fprintln(globals.Stdout, "dxw Output Types:")
	fmt.Fprintln(globals.Stdout, "")
	fmt.Fprintln(globals.Stdout, "  trace_event  - Captured trace event")
	fmt.Fprintln(globals.Stdout, "  trace_start  - Trace confirmed running")
	fmt.Fprintln(globals.Stdout, "  trace_end    - Trace finished, with summary")
	fmt.Fprintln(globals.Stdout, "  query        - QueryBegin/QueryEnd pair (--queries)")
	fmt.Fprintln(globals.Stdout, "  notice       - trace_warning / trace_error from the service")
	fmt.Fprintln(globals.Stdout, "  error        - Error from dxw")
	fmt.Fprintln(globals.Stdout, "  rowset       - Metadata rowset")
	fmt.Fprintln(globals.Stdout, "")
	fmt.Fprintln(globals.Stdout, "Use --format ndjson for the JSON Schema: dxw schema -f ndjson --type trace_event,error")
}
