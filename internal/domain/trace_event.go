package domain

import (
	"strings"
	"time"
)

// TraceEvent is a single event pushed by the trace service
type TraceEvent struct {
	EventClass    TraceEventClass `json:"event_class"`
	EventSubclass string          `json:"event_subclass,omitempty"`
	TextData      string          `json:"text_data,omitempty"`
	RequestID     string          `json:"request_id,omitempty"` // activity id, shared by begin/end pairs
	SessionID     string          `json:"session_id,omitempty"` // engine session that caused the event
	DatabaseName  string          `json:"database_name,omitempty"`
	NTUserName    string          `json:"nt_user_name,omitempty"`
	ObjectName    string          `json:"object_name,omitempty"`
	StartTime     time.Time       `json:"start_time,omitempty"`
	EndTime       time.Time       `json:"end_time,omitempty"`
	CurrentTime   time.Time       `json:"current_time,omitempty"`
	Duration      int64           `json:"duration_ms,omitempty"`
	CPUTime       int64           `json:"cpu_time_ms,omitempty"`
	Error         int64           `json:"error,omitempty"`

	// Sequence is the local arrival order within one trace session (1-based).
	Sequence uint64 `json:"sequence,omitempty"`
}

// TraceStatus is the lifecycle state of a trace session
type TraceStatus int

const (
	TraceStopped TraceStatus = iota
	TraceStarted
	TraceStopping
)

func (s TraceStatus) String() string {
	switch s {
	case TraceStarted:
		return "started"
	case TraceStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ConnectionType describes what kind of engine the traced connection points at
type ConnectionType string

const (
	ConnectionSSAS       ConnectionType = "SSAS"
	ConnectionPowerBI    ConnectionType = "PowerBI"
	ConnectionPowerPivot ConnectionType = "PowerPivot"
	ConnectionOffline    ConnectionType = "Offline"
)

// ParseConnectionType matches case-insensitively; unknown input maps to SSAS
func ParseConnectionType(s string) ConnectionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "powerbi", "pbi", "pbidesktop":
		return ConnectionPowerBI
	case "powerpivot":
		return ConnectionPowerPivot
	case "offline":
		return ConnectionOffline
	default:
		return ConnectionSSAS
	}
}
