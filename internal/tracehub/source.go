package tracehub

import (
	"context"
	"sync"

	"github.com/vburojevic/dxw/internal/domain"
)

// Request is what a hosted session asks its Source for
type Request struct {
	Session              string
	Type                 domain.ConnectionType
	ContextID            string
	Classes              []domain.TraceEventClass
	FilterCurrentSession bool
	SourceFileID         string
	Suffix               string
}

// Feed is an open stream of engine events. Events is closed when the feed
// ends; Err then reports why (nil for a normal end).
type Feed interface {
	Events() <-chan domain.TraceEvent
	Err() error
	Close() error
}

// Source opens feeds. Open may block until the engine starts emitting; ctx
// carries the caller's start timeout.
type Source interface {
	Open(ctx context.Context, req Request) (Feed, error)
}

// ChanSource is an in-memory Source driven by Emit and Finish
type ChanSource struct {
	mu      sync.Mutex
	feeds   map[*chanFeed]struct{}
	hold    chan struct{}
	openErr error
	opened  chan Request
}

func NewChanSource() *ChanSource {
	return &ChanSource{
		feeds:  make(map[*chanFeed]struct{}),
		opened: make(chan Request, 16),
	}
}

// Hold makes Open block until Release or the caller's ctx ends
func (s *ChanSource) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

func (s *ChanSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// FailOpen makes subsequent opens fail with err (nil restores success)
func (s *ChanSource) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Opened yields each successful request
func (s *ChanSource) Opened() <-chan Request { return s.opened }

func (s *ChanSource) Open(ctx context.Context, req Request) (Feed, error) {
	s.mu.Lock()
	hold, openErr := s.hold, s.openErr
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	f := &chanFeed{
		events: make(chan domain.TraceEvent, 256),
		done:   make(chan struct{}),
		src:    s,
	}
	s.mu.Lock()
	s.feeds[f] = struct{}{}
	s.mu.Unlock()

	select {
	case s.opened <- req:
	default:
	}
	return f, nil
}

// Emit sends ev to every open feed
func (s *ChanSource) Emit(ev domain.TraceEvent) {
	for _, f := range s.snapshot() {
		f.emit(ev)
	}
}

// Finish ends every open feed with err
func (s *ChanSource) Finish(err error) {
	for _, f := range s.snapshot() {
		f.finish(err)
	}
}

// Open feeds
func (s *ChanSource) Feeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func (s *ChanSource) snapshot() []*chanFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chanFeed, 0, len(s.feeds))
	for f := range s.feeds {
		out = append(out, f)
	}
	return out
}

func (s *ChanSource) remove(f *chanFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, f)
}

type chanFeed struct {
	src       *ChanSource
	events    chan domain.TraceEvent
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex // guards ended, err and sends on events
	ended bool
	err   error
}

func (f *chanFeed) Events() <-chan domain.TraceEvent { return f.events }

func (f *chanFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *chanFeed) emit(ev domain.TraceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

func (f *chanFeed) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.err = err
	close(f.events)
	f.src.remove(f)
}

func (f *chanFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	f.finish(nil)
	return nil
}
