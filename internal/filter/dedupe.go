package filter

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/dxw/internal/domain"
)

// DedupeFilter collapses repeated identical events (same class and text)
type DedupeFilter struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration // Time window for deduplication (0 = consecutive only)
	seen    map[string]*dedupeEntry
	lastKey string
}

type dedupeEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewDedupeFilter creates a new deduplication filter
// window=0 means only collapse consecutive identical events
// window>0 means collapse identical events within the time window
func NewDedupeFilter(window time.Duration, clk clock.Clock) *DedupeFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &DedupeFilter{
		clock:  clk,
		window: window,
		seen:   make(map[string]*dedupeEntry),
	}
}

// DedupeResult holds the result of a dedupe check
type DedupeResult struct {
	ShouldEmit bool      // Whether this event should be emitted
	Count      int       // Number of duplicates (1 = first occurrence)
	FirstSeen  time.Time // First occurrence timestamp
	LastSeen   time.Time // Last occurrence timestamp (same as FirstSeen if count=1)
}

// Duplicate summarizes a collapsed event
type Duplicate struct {
	Key       string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

func dedupeKey(ev *domain.TraceEvent) string {
	return string(ev.EventClass) + "\x00" + ev.TextData
}

// Check determines if an event should be emitted or suppressed
func (f *DedupeFilter) Check(ev *domain.TraceEvent) DedupeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := dedupeKey(ev)
	now := f.clock.Now()

	if f.window > 0 {
		f.cleanOldEntries(now)
	}

	if existing, ok := f.seen[key]; ok {
		existing.count++
		existing.lastSeen = now

		// In window mode, always suppress duplicates within window;
		// otherwise only when it repeats the previous event
		if f.window > 0 || f.lastKey == key {
			return DedupeResult{
				ShouldEmit: false,
				Count:      existing.count,
				FirstSeen:  existing.firstSeen,
				LastSeen:   existing.lastSeen,
			}
		}
	}

	f.seen[key] = &dedupeEntry{
		count:     1,
		firstSeen: now,
		lastSeen:  now,
	}
	f.lastKey = key

	return DedupeResult{
		ShouldEmit: true,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// PendingDuplicates returns events seen more than once, most repeated first
func (f *DedupeFilter) PendingDuplicates() []Duplicate {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Duplicate
	for key, entry := range f.seen {
		if entry.count > 1 {
			out = append(out, Duplicate{
				Key:       key,
				Count:     entry.count,
				FirstSeen: entry.firstSeen,
				LastSeen:  entry.lastSeen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Reset clears the deduplication state
func (f *DedupeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*dedupeEntry)
	f.lastKey = ""
}

// cleanOldEntries removes entries outside the time window
func (f *DedupeFilter) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, entry := range f.seen {
		if entry.lastSeen.Before(cutoff) {
			delete(f.seen, key)
		}
	}
}
