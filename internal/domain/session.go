package domain

import "time"

// TraceSessionStart is emitted once the trace service confirms the trace is running
type TraceSessionStart struct {
	Type          string   `json:"type"`          // "trace_start"
	SchemaVersion int      `json:"schemaVersion"` // 1
	TraceID       string   `json:"trace_id"`      // Client-assigned remote session id
	Hub           string   `json:"hub"`           // Trace service URL
	Connection    string   `json:"connection_type"`
	ContextID     string   `json:"context_id,omitempty"`
	Events        []string `json:"events"`
	FilterSession bool     `json:"filter_current_session"`
	Timestamp     string   `json:"timestamp"` // ISO8601 timestamp
}

// TraceSessionEnd is emitted when a trace completes or is stopped
type TraceSessionEnd struct {
	Type          string       `json:"type"`          // "trace_end"
	SchemaVersion int          `json:"schemaVersion"` // 1
	TraceID       string       `json:"trace_id"`
	Reason        string       `json:"reason"` // completed, stopped, disconnected
	Summary       TraceSummary `json:"summary"`
}

// TraceSummary contains statistics about a finished trace
type TraceSummary struct {
	TotalEvents     int   `json:"total_events"`
	Queries         int   `json:"queries"`
	Errors          int   `json:"errors"`
	StorageEvents   int   `json:"storage_events"`
	QueryDurationMS int64 `json:"query_duration_ms"`
	DurationSeconds int   `json:"duration_seconds"`
}

// NewTraceSessionStart creates a new TraceSessionStart record
func NewTraceSessionStart(traceID, hub string, conn ConnectionType, contextID string, events []TraceEventClass, filter bool) *TraceSessionStart {
	return &TraceSessionStart{
		Type:          "trace_start",
		SchemaVersion: 1,
		TraceID:       traceID,
		Hub:           hub,
		Connection:    string(conn),
		ContextID:     contextID,
		Events:        ClassNames(events),
		FilterSession: filter,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// NewTraceSessionEnd creates a new TraceSessionEnd record
func NewTraceSessionEnd(traceID, reason string, summary TraceSummary) *TraceSessionEnd {
	return &TraceSessionEnd{
		Type:          "trace_end",
		SchemaVersion: 1,
		TraceID:       traceID,
		Reason:        reason,
		Summary:       summary,
	}
}

// QuerySummary pairs a QueryBegin with its QueryEnd
type QuerySummary struct {
	Type          string `json:"type"` // "query"
	SchemaVersion int    `json:"schemaVersion"`
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id,omitempty"`
	DatabaseName  string `json:"database_name,omitempty"`
	Query         string `json:"query"`
	DurationMS    int64  `json:"duration_ms"`
	CPUTimeMS     int64  `json:"cpu_time_ms"`
	StorageEvents int    `json:"storage_events"`
	StorageMS     int64  `json:"storage_duration_ms"`
	CacheMatches  int    `json:"cache_matches"`
	Error         bool   `json:"error,omitempty"`
}
