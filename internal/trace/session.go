package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/metrics"
	"github.com/vburojevic/dxw/internal/rpc"
)

// DefaultStopTimeout bounds how long Stop waits for the service
const DefaultStopTimeout = 3 * time.Second

// stopNoticeGrace bounds how long Stop waits for its warning to be delivered
const stopNoticeGrace = 100 * time.Millisecond

// Channel is the RPC transport a Session runs over; *rpc.Client satisfies it.
// One Channel may carry many sessions.
type Channel interface {
	Connect(ctx context.Context) error
	Invoke(ctx context.Context, session, method string, args ...any) (json.RawMessage, error)
	Send(session, method string, args ...any) error
	Subscribe(session string, h rpc.Handler) (unsubscribe func())
}

var _ Channel = (*rpc.Client)(nil)

// Session is the client side of one remote trace session.
//
// Status only becomes Started when the service pushes OnTraceStarted, and
// always returns to Stopped after Stop, within the stop timeout.
type Session struct {
	ch          Channel
	id          string
	logger      *zap.Logger
	clock       clock.Clock
	stopTimeout time.Duration
	metrics     *metrics.Metrics

	mu               sync.Mutex
	status           domain.TraceStatus
	events           []domain.TraceEventClass
	target           Target
	filter           bool
	sourceFileID     string
	suffix           string
	constructed      bool
	constructing     bool // a Construct is in flight
	startRequested   bool
	startTimeoutSecs int
	disposed         bool
	seq              uint64
	unsubscribe      func()

	subsMu  sync.Mutex
	subs    map[uint64]func(Notification)
	nextSub uint64
}

// Option configures a Session
type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock used to bound Stop
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithStopTimeout overrides DefaultStopTimeout
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a stopped, unconstructed session with a fresh id
func NewSession(ch Channel, opts ...Option) *Session {
	s := &Session{
		ch:          ch,
		id:          uuid.NewString(),
		logger:      zap.NewNop(),
		clock:       clock.New(),
		stopTimeout: DefaultStopTimeout,
		status:      domain.TraceStopped,
		subs:        make(map[uint64]func(Notification)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("trace_session", s.id))
	return s
}

// ID is the key the service uses to address this session
func (s *Session) ID() string { return s.id }

func (s *Session) Status() domain.TraceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Events returns a copy of the configured capture set
func (s *Session) Events() []domain.TraceEventClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TraceEventClass(nil), s.events...)
}

// StartTimeoutSecs is the timeout passed to the last StartAsync
func (s *Session) StartTimeoutSecs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTimeoutSecs
}

// Target returns what Construct attached the session to
func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Construct connects the channel if needed and creates the remote session.
// It blocks until the service acknowledges or ctx ends.
func (s *Session) Construct(ctx context.Context, target Target, classes []domain.TraceEventClass, filterToCurrentSession bool, sourceFileID, suffix string) error {
	s.mu.Lock()
	switch {
	case s.disposed:
		s.mu.Unlock()
		return ErrDisposed
	case s.constructed, s.constructing:
		s.mu.Unlock()
		return ErrAlreadyConstructed
	}
	s.constructing = true
	s.events = append([]domain.TraceEventClass(nil), classes...)
	s.target = target
	s.filter = filterToCurrentSession
	s.sourceFileID = sourceFileID
	s.suffix = suffix
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.constructing = false
		s.mu.Unlock()
	}()

	if err := s.ch.Connect(ctx); err != nil {
		return &ChannelUnavailableError{Err: err}
	}

	// subscribe first so a fast service cannot push before we listen
	unsubscribe := s.ch.Subscribe(s.id, pushHandler{s})

	s.logger.Debug("constructing remote trace",
		zap.String("connection_type", string(target.Type)),
		zap.String("context_id", target.ContextID),
		zap.Int("event_count", len(classes)),
		zap.Bool("filter_current_session", filterToCurrentSession))

	_, err := s.ch.Invoke(ctx, s.id, MethodConstruct,
		target.Type, target.ContextID, domain.ClassNames(classes), filterToCurrentSession, sourceFileID, suffix)
	if err != nil {
		unsubscribe()
		var re *rpc.RemoteError
		switch {
		case errors.As(err, &re):
			return &RemoteConstructError{Message: re.Message}
		case errors.Is(err, rpc.ErrClosed), errors.Is(err, rpc.ErrUnavailable):
			return &ChannelUnavailableError{Err: err}
		default:
			return fmt.Errorf("trace: construct: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		unsubscribe()
		return ErrDisposed
	}
	s.constructed = true
	s.unsubscribe = unsubscribe
	return nil
}

// StartAsync asks the service to start tracing and returns immediately. The
// returned channel yields once: nil when the request was delivered. Tracing
// has begun only when a KindStarted notification arrives.
func (s *Session) StartAsync(ctx context.Context, startTimeoutSecs int) <-chan error {
	out := make(chan error, 1)

	s.mu.Lock()
	switch {
	case s.disposed:
		s.mu.Unlock()
		out <- ErrDisposed
		close(out)
		return out
	case !s.constructed:
		s.mu.Unlock()
		out <- ErrNotConstructed
		close(out)
		return out
	}
	s.startTimeoutSecs = startTimeoutSecs
	s.startRequested = true
	s.mu.Unlock()

	go func() {
		defer close(out)
		_, err := s.ch.Invoke(ctx, s.id, MethodStart, startTimeoutSecs)
		if err != nil {
			s.logger.Debug("start request failed", zap.Error(err))
			out <- fmt.Errorf("trace: start: %w", err)
			return
		}
		out <- nil
	}()
	return out
}

// Stop moves to Stopping at once, asks the service to stop and waits at most
// the stop timeout. Status is Stopped when it returns, whatever the service
// did. An unconfirmed stop is reported as a KindWarning notification.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if !s.constructed {
		s.status = domain.TraceStopped
		s.mu.Unlock()
		return nil
	}
	s.status = domain.TraceStopping
	s.startRequested = false
	s.mu.Unlock()

	ctx, cancel := s.clock.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	_, err := s.ch.Invoke(ctx, s.id, MethodStop)

	s.mu.Lock()
	s.status = domain.TraceStopped
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("stop not confirmed", zap.Duration("timeout", s.stopTimeout), zap.Error(err))
		s.publishWithin(Notification{Kind: KindWarning, Message: fmt.Sprintf("stop not confirmed by trace service: %v", err)}, stopNoticeGrace)
	}
	return nil
}

// publishWithin publishes n on its own goroutine and waits at most grace for
// subscribers to take it. A stalled subscriber still gets n once it reads.
func (s *Session) publishWithin(n Notification, grace time.Duration) {
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		s.publish(n)
	}()
	timer := s.clock.Timer(grace)
	defer timer.Stop()
	select {
	case <-delivered:
	case <-timer.C:
		s.logger.Debug("stop warning still pending delivery")
	}
}

// UpdateEvents replaces the capture set and applies it remotely without
// reconstructing the session.
func (s *Session) UpdateEvents(ctx context.Context, classes []domain.TraceEventClass) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.events = append([]domain.TraceEventClass(nil), classes...)
	s.mu.Unlock()
	return s.Update(ctx)
}

// Update pushes the current capture set and asks the service to apply it
func (s *Session) Update(ctx context.Context) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	names := domain.ClassNames(s.events)
	s.mu.Unlock()

	if _, err := s.ch.Invoke(ctx, s.id, MethodUpdateEvents, names); err != nil {
		return fmt.Errorf("trace: update events: %w", err)
	}
	if _, err := s.ch.Invoke(ctx, s.id, MethodUpdate); err != nil {
		return fmt.Errorf("trace: apply update: %w", err)
	}
	return nil
}

// UpdateTarget exists for callers that retarget by database; the remote
// service traces by session, so it is the same as Update.
func (s *Session) UpdateTarget(ctx context.Context, databaseName, sessionID string) error {
	return s.Update(ctx)
}

// Dispose releases the remote session on a best-effort basis and detaches from
// the channel. The channel itself stays open. Safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	constructed := s.constructed
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if constructed {
		if err := s.ch.Send(s.id, MethodDispose); err != nil {
			s.logger.Debug("remote dispose failed", zap.Error(err))
		}
	}

	s.subsMu.Lock()
	s.subs = make(map[uint64]func(Notification))
	s.subsMu.Unlock()
}

// Disposed reports whether Dispose was called
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Session) usableLocked() error {
	if s.disposed {
		return ErrDisposed
	}
	if !s.constructed {
		return ErrNotConstructed
	}
	return nil
}

// Subscribe registers fn for every notification. fn runs on the channel's
// dispatch goroutine and should not block for long.
func (s *Session) Subscribe(fn func(Notification)) (unsubscribe func()) {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// Stream delivers notifications on a channel until ctx ends, then closes it.
// A full buffer applies backpressure to the publisher until ctx ends.
func (s *Session) Stream(ctx context.Context, buffer int) <-chan Notification {
	out := make(chan Notification, buffer)
	var (
		mu      sync.Mutex // guards closed and senders.Add, never held across a send
		closed  bool
		senders sync.WaitGroup
	)
	unsubscribe := s.Subscribe(func(n Notification) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		senders.Add(1)
		mu.Unlock()
		defer senders.Done()
		select {
		case out <- n:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		mu.Unlock()
		senders.Wait()
		close(out)
	}()
	return out
}

// OnTraceStarted marks the session Started if a start is outstanding. A push
// that changes nothing publishes nothing.
func (s *Session) OnTraceStarted() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if !s.startRequested || s.status != domain.TraceStopped {
		s.logger.Debug("ignoring started push", zap.Stringer("status", s.status), zap.Bool("start_requested", s.startRequested))
		s.mu.Unlock()
		return
	}
	s.status = domain.TraceStarted
	s.mu.Unlock()
	s.publish(Notification{Kind: KindStarted})
}

// OnTraceComplete is pushed when the service has finished the trace. A
// running session is considered stopped.
func (s *Session) OnTraceComplete() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.status == domain.TraceStarted {
		s.status = domain.TraceStopped
		s.startRequested = false
	}
	s.mu.Unlock()
	s.publish(Notification{Kind: KindCompleted})
}

// OnTraceCompleted is the alternate spelling of OnTraceComplete
func (s *Session) OnTraceCompleted() { s.OnTraceComplete() }

func (s *Session) OnTraceError(message string) {
	if s.Disposed() {
		return
	}
	s.publish(Notification{Kind: KindError, Message: message})
}

func (s *Session) OnTraceWarning(message string) {
	if s.Disposed() {
		return
	}
	s.publish(Notification{Kind: KindWarning, Message: message})
}

// OnTraceEvent stamps the arrival sequence and republishes ev. Events outside
// the capture set are dropped.
func (s *Session) OnTraceEvent(ev domain.TraceEvent) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if !domain.ContainsClass(s.events, ev.EventClass) {
		s.mu.Unlock()
		s.logger.Debug("dropping event outside capture set", zap.String("class", string(ev.EventClass)))
		return
	}
	s.seq++
	ev.Sequence = s.seq
	s.mu.Unlock()
	s.publish(Notification{Kind: KindEvent, Event: &ev})
}

func (s *Session) publish(n Notification) {
	s.subsMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Notification), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	s.metrics.Notified(string(n.Kind))
	for _, fn := range fns {
		s.deliver(fn, n)
	}
}

func (s *Session) deliver(fn func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("trace subscriber panicked", zap.Any("panic", r), zap.String("kind", string(n.Kind)))
		}
	}()
	fn(n)
}

// pushHandler routes channel pushes to the session's handlers
type pushHandler struct {
	s *Session
}

func (h pushHandler) Notify(method string, args []json.RawMessage) {
	switch method {
	case PushStarted:
		h.s.OnTraceStarted()
	case PushComplete:
		h.s.OnTraceComplete()
	case PushCompleted:
		h.s.OnTraceCompleted()
	case PushError, PushWarning:
		var msg string
		if err := rpc.DecodeArgs(args, &msg); err != nil {
			h.s.logger.Warn("malformed push", zap.String("method", method), zap.Error(err))
			return
		}
		if method == PushError {
			h.s.OnTraceError(msg)
		} else {
			h.s.OnTraceWarning(msg)
		}
	case PushEvent:
		var ev domain.TraceEvent
		if err := rpc.DecodeArgs(args, &ev); err != nil {
			h.s.logger.Warn("malformed push", zap.String("method", method), zap.Error(err))
			return
		}
		h.s.OnTraceEvent(ev)
	default:
		h.s.logger.Debug("ignoring unknown push", zap.String("method", method))
	}
}

func (h pushHandler) Disconnected(err error) {
	h.s.logger.Warn("trace channel lost", zap.Error(err))
	h.s.OnTraceError(fmt.Sprintf("connection to trace service lost: %v", err))
}
