package tracehub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/rpc"
	"github.com/vburojevic/dxw/internal/trace"
)

// handle runs one request on the read goroutine, so requests from a client
// are applied in the order sent.
func (c *hubConn) handle(msg rpc.Message) {
	if msg.Type != rpc.MsgInvoke && msg.Type != rpc.MsgSend {
		c.hub.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
		return
	}

	result, err := c.call(msg)
	if err != nil {
		c.hub.logger.Debug("trace request failed",
			zap.String("session", msg.Session), zap.String("method", msg.Method), zap.Error(err))
	}
	if msg.Type == rpc.MsgSend {
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		result = nil
	}
	reply, encErr := rpc.NewCompletion(msg.ID, result, errMsg)
	if encErr != nil {
		reply, _ = rpc.NewCompletion(msg.ID, nil, encErr.Error())
	}
	c.push(reply)
}

func (c *hubConn) call(msg rpc.Message) (any, error) {
	if msg.Method == trace.MethodConstruct {
		return true, c.construct(msg)
	}

	s := c.lookup(msg.Session)
	if s == nil {
		return nil, fmt.Errorf("unknown trace session %q", msg.Session)
	}

	switch msg.Method {
	case trace.MethodStart:
		var secs int
		if err := rpc.DecodeArgs(msg.Args, &secs); err != nil {
			return nil, err
		}
		return true, s.start(secs)
	case trace.MethodStop:
		s.stop()
		return true, nil
	case trace.MethodUpdateEvents:
		var names []string
		if err := rpc.DecodeArgs(msg.Args, &names); err != nil {
			return nil, err
		}
		classes, err := domain.ParseTraceEventClasses(names...)
		if err != nil {
			return nil, err
		}
		s.stage(classes)
		return true, nil
	case trace.MethodUpdate:
		s.apply()
		return true, nil
	case trace.MethodDispose:
		c.mu.Lock()
		delete(c.sessions, msg.Session)
		c.mu.Unlock()
		s.dispose()
		return true, nil
	default:
		return nil, fmt.Errorf("unknown method %q", msg.Method)
	}
}

func (c *hubConn) construct(msg rpc.Message) error {
	if msg.Session == "" {
		return errors.New("missing session id")
	}
	var (
		typ    domain.ConnectionType
		ctxID  string
		names  []string
		filter bool
		fileID string
		suffix string
	)
	if err := rpc.DecodeArgs(msg.Args, &typ, &ctxID, &names, &filter, &fileID, &suffix); err != nil {
		return err
	}
	classes, err := domain.ParseTraceEventClasses(names...)
	if err != nil {
		return err
	}
	if filter && ctxID == "" {
		return errors.New("filtering to the current session needs a session context id")
	}

	s := &hostedSession{
		conn: c,
		req: Request{
			Session:              msg.Session,
			Type:                 typ,
			ContextID:            ctxID,
			Classes:              classes,
			FilterCurrentSession: filter,
			SourceFileID:         fileID,
			Suffix:               suffix,
		},
		staged:  classes,
		applied: classes,
		logger:  c.hub.logger.With(zap.String("trace_session", msg.Session)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[msg.Session]; exists {
		return fmt.Errorf("trace session %q already exists", msg.Session)
	}
	c.sessions[msg.Session] = s
	c.hub.metrics.SessionOpened()
	s.logger.Debug("trace session constructed",
		zap.String("connection_type", string(typ)),
		zap.Strings("events", names),
		zap.Bool("filter_current_session", filter))
	return nil
}

// hostedSession is the server half of one trace session
type hostedSession struct {
	conn   *hubConn
	req    Request
	logger *zap.Logger

	mu       sync.Mutex
	staged   []domain.TraceEventClass
	applied  []domain.TraceEventClass
	cancel   context.CancelFunc
	done     chan struct{}
	disposed bool
}

func (s *hostedSession) start(timeoutSecs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errors.New("trace session disposed")
	}
	if s.cancel != nil {
		return errors.New("trace already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	req := s.req
	req.Classes = append([]domain.TraceEventClass(nil), s.applied...)
	go s.run(ctx, req, timeoutSecs, s.done)
	return nil
}

func (s *hostedSession) run(ctx context.Context, req Request, timeoutSecs int, done chan struct{}) {
	defer close(done)
	hub := s.conn.hub

	openCtx, cancelOpen := ctx, context.CancelFunc(func() {})
	if timeoutSecs > 0 {
		openCtx, cancelOpen = hub.clock.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	}
	feed, err := hub.source.Open(openCtx, req)
	cancelOpen()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// stopped before the feed opened
		case errors.Is(err, context.DeadlineExceeded):
			s.conn.notify(ctx, req.Session, trace.PushError, fmt.Sprintf("trace did not start within %d seconds", timeoutSecs))
		default:
			s.conn.notify(ctx, req.Session, trace.PushError, err.Error())
		}
		s.finished()
		return
	}
	defer feed.Close()

	s.logger.Debug("trace started")
	if !s.conn.notify(ctx, req.Session, trace.PushStarted) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.Events():
			if !ok {
				if err := feed.Err(); err != nil {
					s.conn.notify(ctx, req.Session, trace.PushError, err.Error())
				}
				s.conn.notify(ctx, req.Session, trace.PushComplete)
				s.finished()
				return
			}
			if !s.wants(ev) {
				hub.metrics.Filtered()
				continue
			}
			if !s.conn.notify(ctx, req.Session, trace.PushEvent, ev) {
				return
			}
		}
	}
}

func (s *hostedSession) wants(ev domain.TraceEvent) bool {
	if s.req.FilterCurrentSession && ev.SessionID != s.req.ContextID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ContainsClass(s.applied, ev.EventClass)
}

// finished clears the running state after the feed ends on its own
func (s *hostedSession) finished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *hostedSession) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	timer := s.conn.hub.clock.Timer(stopWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("trace feed did not stop in time", zap.Duration("wait", stopWait))
	}
}

func (s *hostedSession) stage(classes []domain.TraceEventClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = classes
}

func (s *hostedSession) apply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append([]domain.TraceEventClass(nil), s.staged...)
	s.logger.Debug("capture set applied", zap.Strings("events", domain.ClassNames(s.applied)))
}

func (s *hostedSession) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.stop()
	s.conn.hub.metrics.SessionClosed()
	s.logger.Debug("trace session disposed")
}
