package domain

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// TraceEventClass identifies a kind of engine event that a trace session can capture
type TraceEventClass string

const (
	EventQueryBegin                 TraceEventClass = "QueryBegin"
	EventQueryEnd                   TraceEventClass = "QueryEnd"
	EventQuerySubcube               TraceEventClass = "QuerySubcube"
	EventQuerySubcubeVerbose        TraceEventClass = "QuerySubcubeVerbose"
	EventVertiPaqSEQueryBegin       TraceEventClass = "VertiPaqSEQueryBegin"
	EventVertiPaqSEQueryEnd         TraceEventClass = "VertiPaqSEQueryEnd"
	EventVertiPaqSEQueryCacheMatch  TraceEventClass = "VertiPaqSEQueryCacheMatch"
	EventDirectQueryBegin           TraceEventClass = "DirectQueryBegin"
	EventDirectQueryEnd             TraceEventClass = "DirectQueryEnd"
	EventDAXQueryPlan               TraceEventClass = "DAXQueryPlan"
	EventCommandBegin               TraceEventClass = "CommandBegin"
	EventCommandEnd                 TraceEventClass = "CommandEnd"
	EventError                      TraceEventClass = "Error"
	EventProgressReportBegin        TraceEventClass = "ProgressReportBegin"
	EventProgressReportCurrent      TraceEventClass = "ProgressReportCurrent"
	EventProgressReportEnd          TraceEventClass = "ProgressReportEnd"
	EventProgressReportError        TraceEventClass = "ProgressReportError"
	EventAggregateTableRewriteQuery TraceEventClass = "AggregateTableRewriteQuery"
	EventDAXEvaluationLog           TraceEventClass = "DAXEvaluationLog"
)

// EventCategory groups event classes for display and filtering
type EventCategory string

const (
	CategoryQuery       EventCategory = "query"
	CategoryStorage     EventCategory = "storage"
	CategoryDirectQuery EventCategory = "direct_query"
	CategoryPlan        EventCategory = "plan"
	CategoryCommand     EventCategory = "command"
	CategoryProgress    EventCategory = "progress"
	CategoryError       EventCategory = "error"
)

type eventClassInfo struct {
	category    EventCategory
	description string
}

// catalog is ordered the way the classes are usually presented to users.
var catalog = []TraceEventClass{
	EventQueryBegin,
	EventQueryEnd,
	EventQuerySubcube,
	EventQuerySubcubeVerbose,
	EventVertiPaqSEQueryBegin,
	EventVertiPaqSEQueryEnd,
	EventVertiPaqSEQueryCacheMatch,
	EventDirectQueryBegin,
	EventDirectQueryEnd,
	EventDAXQueryPlan,
	EventAggregateTableRewriteQuery,
	EventDAXEvaluationLog,
	EventCommandBegin,
	EventCommandEnd,
	EventProgressReportBegin,
	EventProgressReportCurrent,
	EventProgressReportEnd,
	EventProgressReportError,
	EventError,
}

var catalogInfo = map[TraceEventClass]eventClassInfo{
	EventQueryBegin:                 {CategoryQuery, "Query execution started"},
	EventQueryEnd:                   {CategoryQuery, "Query execution finished"},
	EventQuerySubcube:               {CategoryStorage, "Formula engine requested a subcube"},
	EventQuerySubcubeVerbose:        {CategoryStorage, "Subcube request with detailed attribute information"},
	EventVertiPaqSEQueryBegin:       {CategoryStorage, "Storage engine query started"},
	EventVertiPaqSEQueryEnd:         {CategoryStorage, "Storage engine query finished"},
	EventVertiPaqSEQueryCacheMatch:  {CategoryStorage, "Storage engine query answered from cache"},
	EventDirectQueryBegin:           {CategoryDirectQuery, "DirectQuery request sent to the source"},
	EventDirectQueryEnd:             {CategoryDirectQuery, "DirectQuery request completed"},
	EventDAXQueryPlan:               {CategoryPlan, "Logical or physical query plan"},
	EventAggregateTableRewriteQuery: {CategoryPlan, "Query rewritten to use an aggregation table"},
	EventDAXEvaluationLog:           {CategoryPlan, "EVALUATEANDLOG output"},
	EventCommandBegin:               {CategoryCommand, "Command started"},
	EventCommandEnd:                 {CategoryCommand, "Command finished"},
	EventProgressReportBegin:        {CategoryProgress, "Processing step started"},
	EventProgressReportCurrent:      {CategoryProgress, "Processing step progress"},
	EventProgressReportEnd:          {CategoryProgress, "Processing step finished"},
	EventProgressReportError:        {CategoryProgress, "Processing step failed"},
	EventError:                      {CategoryError, "Engine error"},
}

// AllTraceEventClasses returns the full catalog in presentation order
func AllTraceEventClasses() []TraceEventClass {
	out := make([]TraceEventClass, len(catalog))
	copy(out, catalog)
	return out
}

// DefaultTraceEventClasses is the capture set used for plain query tracing
func DefaultTraceEventClasses() []TraceEventClass {
	return []TraceEventClass{EventQueryBegin, EventQueryEnd, EventError}
}

// Known reports whether the class is part of the catalog
func (c TraceEventClass) Known() bool {
	_, ok := catalogInfo[c]
	return ok
}

// Category returns the display group for the class
func (c TraceEventClass) Category() EventCategory {
	if info, ok := catalogInfo[c]; ok {
		return info.category
	}
	return CategoryQuery
}

// Description returns a short human readable description
func (c TraceEventClass) Description() string {
	return catalogInfo[c].description
}

// ParseTraceEventClass matches a class name case-insensitively
func ParseTraceEventClass(s string) (TraceEventClass, error) {
	s = strings.TrimSpace(s)
	for _, c := range catalog {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown trace event class: %q", s)
}

// ParseTraceEventClasses parses names (each may itself be a comma separated list).
// Duplicates are dropped and first-seen order is kept.
func ParseTraceEventClasses(names ...string) ([]TraceEventClass, error) {
	parts := lo.FlatMap(names, func(n string, _ int) []string {
		return strings.Split(n, ",")
	})
	parts = lo.Filter(parts, func(p string, _ int) bool {
		return strings.TrimSpace(p) != ""
	})

	classes := make([]TraceEventClass, 0, len(parts))
	for _, p := range parts {
		c, err := ParseTraceEventClass(p)
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return lo.Uniq(classes), nil
}

// ContainsClass reports whether set includes c
func ContainsClass(set []TraceEventClass, c TraceEventClass) bool {
	return lo.Contains(set, c)
}

// ClassNames converts classes to plain strings
func ClassNames(set []TraceEventClass) []string {
	return lo.Map(set, func(c TraceEventClass, _ int) string { return string(c) })
}
