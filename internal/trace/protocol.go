package trace

import "github.com/vburojevic/dxw/internal/domain"

// Remote methods exposed by the trace service
const (
	MethodConstruct    = "ConstructQueryTraceEngine"
	MethodStart        = "StartAsync"
	MethodStop         = "Stop"
	MethodUpdateEvents = "UpdateEvents"
	MethodUpdate       = "Update"
	MethodDispose      = "Dispose"
)

// Pushes sent by the trace service
const (
	PushStarted   = "OnTraceStarted"
	PushComplete  = "OnTraceComplete"
	PushCompleted = "OnTraceCompleted" // older services use this spelling
	PushError     = "OnTraceError"
	PushWarning   = "OnTraceWarning"
	PushEvent     = "OnTraceEvent"
)

// Target identifies the engine connection a trace is attached to
type Target struct {
	Type      domain.ConnectionType
	ContextID string // engine session id of the originating connection
}
