package filter

import (
	"regexp"

	"github.com/vburojevic/dxw/internal/domain"
)

// Pipeline applies the text pattern, exclusions and where clauses in that
// order. A nil Pipeline matches everything.
type Pipeline struct {
	pattern  *regexp.Regexp
	excludes []*regexp.Regexp
	where    *WhereFilter
}

// NewPipeline returns nil when no filter is configured
func NewPipeline(pattern *regexp.Regexp, excludes []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if pattern == nil && len(excludes) == 0 && where == nil {
		return nil
	}
	return &Pipeline{pattern: pattern, excludes: excludes, where: where}
}

// Match reports whether ev passes every stage
func (p *Pipeline) Match(ev *domain.TraceEvent) bool {
	if p == nil {
		return true
	}
	if p.pattern != nil && !p.pattern.MatchString(ev.TextData) {
		return false
	}
	for _, ex := range p.excludes {
		if ex.MatchString(ev.TextData) {
			return false
		}
	}
	return p.where.Match(ev)
}
