package tracehub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/dxw/internal/domain"
)

// ReplaySource plays back an NDJSON file of trace events, one object per
// line. Lines without an event_class (lifecycle records written by
// `dxw trace --format ndjson`) are skipped.
type ReplaySource struct {
	Path string
	// Interval paces events; zero replays as fast as the consumer reads.
	Interval time.Duration
	Clock    clock.Clock
}

func (s *ReplaySource) Open(ctx context.Context, req Request) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("tracehub: open replay: %w", err)
	}

	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	feed := &replayFeed{
		events: make(chan domain.TraceEvent, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go feed.run(f, s.Interval, clk)
	return feed, nil
}

type replayFeed struct {
	events chan domain.TraceEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (f *replayFeed) Events() <-chan domain.TraceEvent { return f.events }

func (f *replayFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *replayFeed) Close() error {
	f.once.Do(func() { close(f.stop) })
	<-f.done
	return nil
}

func (f *replayFeed) run(file *os.File, interval time.Duration, clk clock.Clock) {
	defer close(f.done)
	defer close(f.events)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	first := true
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev domain.TraceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.fail(fmt.Errorf("tracehub: replay line %d: %w", line, err))
			return
		}
		if ev.EventClass == "" {
			continue
		}

		if interval > 0 && !first {
			timer := clk.Timer(interval)
			select {
			case <-timer.C:
			case <-f.stop:
				timer.Stop()
				return
			}
		}
		first = false

		select {
		case f.events <- ev:
		case <-f.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		f.fail(fmt.Errorf("tracehub: replay: %w", err))
	}
}

func (f *replayFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
