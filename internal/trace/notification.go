package trace

import "github.com/vburojevic/dxw/internal/domain"

// Kind discriminates notifications
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindError     Kind = "error"
	KindWarning   Kind = "warning"
	KindEvent     Kind = "event"
)

// Notification is one locally republished push. Message is set for errors and
// warnings, Event for KindEvent.
type Notification struct {
	Kind    Kind
	Message string
	Event   *domain.TraceEvent
}
