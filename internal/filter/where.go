package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/dxw/internal/domain"
)

// WhereClause represents a parsed --where condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
	number   int64          // Parsed value for >= and <=
}

// numericFields can be compared with >= and <=
var numericFields = map[string]bool{
	"duration": true,
	"cpu":      true,
	"error":    true,
}

// ParseWhereClause parses a where clause like "class=QueryEnd" or "duration>=500"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Try operators in order of length (longest first to avoid partial matches)
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.ToLower(strings.TrimSpace(clause[:idx]))
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}
			if !knownField(field) {
				return nil, fmt.Errorf("unknown field in where clause '%s' (use %s)", clause, strings.Join(Fields(), ", "))
			}

			wc := &WhereClause{
				Field:    field,
				Operator: op,
				Value:    value,
			}

			switch op {
			case "~", "!~":
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			case ">=", "<=":
				if !numericFields[field] {
					return nil, fmt.Errorf("operator %s needs a numeric field (duration, cpu, error): %s", op, clause)
				}
				n, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid number in where clause '%s': %w", clause, err)
				}
				wc.number = n
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

// Fields lists the event fields a where clause can address
func Fields() []string {
	return []string{"class", "category", "subclass", "text", "database", "session", "user", "object", "request", "duration", "cpu", "error"}
}

func knownField(f string) bool {
	for _, k := range Fields() {
		if k == f {
			return true
		}
	}
	return false
}

// Match checks if a trace event matches this where clause
func (wc *WhereClause) Match(ev *domain.TraceEvent) bool {
	fieldValue := wc.getFieldValue(ev)

	switch wc.Operator {
	case "=":
		return strings.EqualFold(fieldValue, wc.Value)
	case "!=":
		return !strings.EqualFold(fieldValue, wc.Value)
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=":
		return wc.numericValue(ev) >= wc.number
	case "<=":
		return wc.numericValue(ev) <= wc.number
	}

	return false
}

func (wc *WhereClause) getFieldValue(ev *domain.TraceEvent) string {
	switch wc.Field {
	case "class":
		return string(ev.EventClass)
	case "category":
		return string(ev.EventClass.Category())
	case "subclass":
		return ev.EventSubclass
	case "text":
		return ev.TextData
	case "database":
		return ev.DatabaseName
	case "session":
		return ev.SessionID
	case "user":
		return ev.NTUserName
	case "object":
		return ev.ObjectName
	case "request":
		return ev.RequestID
	case "duration", "cpu", "error":
		return strconv.FormatInt(wc.numericValue(ev), 10)
	default:
		return ""
	}
}

func (wc *WhereClause) numericValue(ev *domain.TraceEvent) int64 {
	switch wc.Field {
	case "duration":
		return ev.Duration
	case "cpu":
		return ev.CPUTime
	case "error":
		return ev.Error
	}
	return 0
}

// WhereFilter is a filter that applies multiple where clauses (AND logic)
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from multiple where clause strings
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}

	return filter, nil
}

// Match returns true if the event matches ALL where clauses (AND logic)
func (f *WhereFilter) Match(ev *domain.TraceEvent) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(ev) {
			return false
		}
	}
	return true
}
