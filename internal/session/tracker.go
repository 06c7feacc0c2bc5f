package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/dxw/internal/domain"
)

// QueryTracker pairs QueryBegin/QueryEnd events by request id and keeps
// running totals for the trace
type QueryTracker struct {
	mu         sync.Mutex
	clock      clock.Clock
	traceStart time.Time
	open       map[string]*domain.QuerySummary
	total      int
	queries    int
	errors     int
	storage    int
	queryMS    int64
	started    bool
}

// NewQueryTracker creates a tracker; clk may be nil
func NewQueryTracker(clk clock.Clock) *QueryTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &QueryTracker{
		clock: clk,
		open:  make(map[string]*domain.QuerySummary),
	}
}

// Observe records an event and returns a summary when it closes a query
func (t *QueryTracker) Observe(ev *domain.TraceEvent) *domain.QuerySummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.started = true
		t.traceStart = t.clock.Now()
	}
	t.total++

	switch ev.EventClass.Category() {
	case domain.CategoryStorage:
		t.storage++
	case domain.CategoryError:
		t.errors++
	}

	switch ev.EventClass {
	case domain.EventQueryBegin:
		t.open[ev.RequestID] = &domain.QuerySummary{
			Type:          "query",
			SchemaVersion: 1,
			RequestID:     ev.RequestID,
			SessionID:     ev.SessionID,
			DatabaseName:  ev.DatabaseName,
			Query:         ev.TextData,
		}
		return nil

	case domain.EventVertiPaqSEQueryEnd, domain.EventVertiPaqSEQueryCacheMatch, domain.EventDirectQueryEnd:
		if q, ok := t.open[ev.RequestID]; ok {
			q.StorageEvents++
			q.StorageMS += ev.Duration
			if ev.EventClass == domain.EventVertiPaqSEQueryCacheMatch {
				q.CacheMatches++
			}
		}
		return nil

	case domain.EventError:
		if q, ok := t.open[ev.RequestID]; ok {
			q.Error = true
		}
		return nil

	case domain.EventQueryEnd:
		t.queries++
		t.queryMS += ev.Duration
		q, ok := t.open[ev.RequestID]
		if !ok {
			// begin was not captured
			q = &domain.QuerySummary{
				Type:          "query",
				SchemaVersion: 1,
				RequestID:     ev.RequestID,
				SessionID:     ev.SessionID,
				DatabaseName:  ev.DatabaseName,
				Query:         ev.TextData,
			}
		}
		delete(t.open, ev.RequestID)
		q.DurationMS = ev.Duration
		q.CPUTimeMS = ev.CPUTime
		if ev.Error != 0 {
			q.Error = true
		}
		return q
	}
	return nil
}

// Pending returns the number of queries still waiting for their QueryEnd
func (t *QueryTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Summary returns totals for everything observed so far
func (t *QueryTracker) Summary() domain.TraceSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := domain.TraceSummary{
		TotalEvents:     t.total,
		Queries:         t.queries,
		Errors:          t.errors,
		StorageEvents:   t.storage,
		QueryDurationMS: t.queryMS,
	}
	if t.started {
		s.DurationSeconds = int(t.clock.Since(t.traceStart).Seconds())
	}
	return s
}

// Reset clears all state, e.g. when a new trace starts
func (t *QueryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = make(map[string]*domain.QuerySummary)
	t.total, t.queries, t.errors, t.storage = 0, 0, 0, 0
	t.queryMS = 0
	t.started = false
}
