package trace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/rpc"
)

type call struct {
	session string
	method  string
	args    []json.RawMessage
}

// fakeChannel is an in-memory Channel; tests push through handler()
type fakeChannel struct {
	mu         sync.Mutex
	connectErr error
	calls      []call
	sends      []call
	handlers   map[string]rpc.Handler
	respond    func(ctx context.Context, method string) (json.RawMessage, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]rpc.Handler)}
}

func (f *fakeChannel) Connect(context.Context) error { return f.connectErr }

func (f *fakeChannel) Invoke(ctx context.Context, session, method string, args ...any) (json.RawMessage, error) {
	raw, err := rpc.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{session, method, raw})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(ctx, method)
	}
	return json.RawMessage(`true`), nil
}

func (f *fakeChannel) Send(session, method string, args ...any) error {
	raw, _ := rpc.EncodeArgs(args...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, call{session, method, raw})
	return nil
}

func (f *fakeChannel) Subscribe(session string, h rpc.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[session] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, session)
	}
}

func (f *fakeChannel) handler(session string) rpc.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[session]
}

func (f *fakeChannel) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func (f *fakeChannel) lastCall(method string) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i]
		}
	}
	return call{}
}

func (f *fakeChannel) push(t *testing.T, session, method string, args ...any) {
	t.Helper()
	raw, err := rpc.EncodeArgs(args...)
	require.NoError(t, err)
	h := f.handler(session)
	require.NotNil(t, h, "no handler subscribed for %s", session)
	h.Notify(method, raw)
}

// collector records notifications
type collector struct {
	mu    sync.Mutex
	notes []Notification
}

func (c *collector) add(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *collector) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.notes))
	for i, n := range c.notes {
		out[i] = n.Kind
	}
	return out
}

func (c *collector) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

var target = Target{Type: domain.ConnectionPowerBI, ContextID: "ctx-1"}

func constructed(t *testing.T, fc *fakeChannel, classes []domain.TraceEventClass, opts ...Option) *Session {
	t.Helper()
	s := NewSession(fc, opts...)
	require.NoError(t, s.Construct(context.Background(), target, classes, true, "model.pbix", "1"))
	return s
}

func TestConstructSendsArguments(t *testing.T) {
	fc := newFakeChannel()
	s := NewSession(fc)
	require.Equal(t, domain.TraceStopped, s.Status())

	classes := []domain.TraceEventClass{domain.EventQueryBegin, domain.EventQueryEnd}
	require.NoError(t, s.Construct(context.Background(), target, classes, true, "model.pbix", "1"))

	c := fc.lastCall(MethodConstruct)
	assert.Equal(t, s.ID(), c.session)
	var (
		typ    domain.ConnectionType
		ctxID  string
		names  []string
		filter bool
		fileID string
		suffix string
	)
	require.NoError(t, rpc.DecodeArgs(c.args, &typ, &ctxID, &names, &filter, &fileID, &suffix))
	assert.Equal(t, domain.ConnectionPowerBI, typ)
	assert.Equal(t, "ctx-1", ctxID)
	assert.Equal(t, []string{"QueryBegin", "QueryEnd"}, names)
	assert.True(t, filter)
	assert.Equal(t, "model.pbix", fileID)
	assert.Equal(t, "1", suffix)

	assert.Equal(t, classes, s.Events())
	assert.Equal(t, target, s.Target())
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.ErrorIs(t, s.Construct(context.Background(), target, classes, true, "", ""), ErrAlreadyConstructed)
}

func TestOverlappingConstructRejected(t *testing.T) {
	fc := newFakeChannel()
	release := make(chan struct{})
	entered := make(chan struct{})
	fc.respond = func(context.Context, string) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`true`), nil
	}
	s := NewSession(fc)

	first := make(chan error, 1)
	classes := []domain.TraceEventClass{domain.EventQueryBegin}
	go func() { first <- s.Construct(context.Background(), target, classes, false, "", "") }()
	<-entered

	other := Target{Type: domain.ConnectionSSAS, ContextID: "other"}
	err := s.Construct(context.Background(), other, []domain.TraceEventClass{domain.EventError}, false, "", "")
	require.ErrorIs(t, err, ErrAlreadyConstructed)

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, target, s.Target())
	assert.Equal(t, classes, s.Events())
	assert.Equal(t, []string{MethodConstruct}, fc.methods())
}

func TestConstructRetryAfterFailure(t *testing.T) {
	fc := newFakeChannel()
	fc.connectErr = rpc.ErrUnavailable
	s := NewSession(fc)
	require.ErrorIs(t, s.Construct(context.Background(), target, nil, false, "", ""), ErrChannelUnavailable)

	fc.connectErr = nil
	require.NoError(t, s.Construct(context.Background(), target, nil, false, "", ""))
}

func TestEventsReturnsCopy(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryBegin})
	ev := s.Events()
	ev[0] = domain.EventError
	assert.Equal(t, domain.EventQueryBegin, s.Events()[0])
}

func TestConstructChannelUnavailable(t *testing.T) {
	fc := newFakeChannel()
	fc.connectErr = rpc.ErrUnavailable
	s := NewSession(fc)

	err := s.Construct(context.Background(), target, nil, false, "", "")
	require.ErrorIs(t, err, ErrChannelUnavailable)
	var cu *ChannelUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.ErrorIs(t, err, rpc.ErrUnavailable)
	assert.Nil(t, fc.handler(s.ID()))
}

func TestConstructLostChannel(t *testing.T) {
	fc := newFakeChannel()
	fc.respond = func(context.Context, string) (json.RawMessage, error) { return nil, rpc.ErrClosed }
	s := NewSession(fc)

	err := s.Construct(context.Background(), target, nil, false, "", "")
	require.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestConstructRemoteRejects(t *testing.T) {
	fc := newFakeChannel()
	fc.respond = func(context.Context, string) (json.RawMessage, error) {
		return nil, &rpc.RemoteError{Method: MethodConstruct, Message: "unknown connection"}
	}
	s := NewSession(fc)

	err := s.Construct(context.Background(), target, nil, false, "", "")
	require.ErrorIs(t, err, ErrRemoteConstruct)
	var rc *RemoteConstructError
	require.ErrorAs(t, err, &rc)
	assert.Equal(t, "unknown connection", rc.Message)
	assert.Nil(t, fc.handler(s.ID()), "failed construct must not leave a subscription")

	assert.ErrorIs(t, <-s.StartAsync(context.Background(), 30), ErrNotConstructed)
}

func TestStartNotificationOrder(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryBegin, domain.EventQueryEnd})

	var col collector
	defer s.Subscribe(col.add)()

	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	assert.Equal(t, 30, s.StartTimeoutSecs())
	assert.Equal(t, domain.TraceStopped, s.Status(), "StartAsync alone must not start the session")

	fc.push(t, s.ID(), PushStarted)
	assert.Equal(t, domain.TraceStarted, s.Status())

	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventQueryBegin, TextData: "EVALUATE X"})
	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventQueryEnd, Duration: 12})
	fc.push(t, s.ID(), PushComplete)

	assert.Equal(t, []Kind{KindStarted, KindEvent, KindEvent, KindCompleted}, col.kinds())
	notes := col.all()
	assert.Equal(t, domain.EventQueryBegin, notes[1].Event.EventClass)
	assert.Equal(t, uint64(1), notes[1].Event.Sequence)
	assert.Equal(t, domain.EventQueryEnd, notes[2].Event.EventClass)
	assert.Equal(t, uint64(2), notes[2].Event.Sequence)
	assert.Equal(t, domain.TraceStopped, s.Status())
}

func TestStartedPushWithoutStartRequest(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)

	var col collector
	defer s.Subscribe(col.add)()

	fc.push(t, s.ID(), PushStarted)
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.Empty(t, col.kinds())
}

func TestDuplicateStartedPushPublishesOnce(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	defer s.Subscribe(col.add)()

	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	fc.push(t, s.ID(), PushStarted)
	fc.push(t, s.ID(), PushStarted)
	assert.Equal(t, []Kind{KindStarted}, col.kinds())
	assert.Equal(t, domain.TraceStarted, s.Status())
}

func TestStartAsyncReportsDeliveryFailure(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	fc.respond = func(context.Context, string) (json.RawMessage, error) { return nil, rpc.ErrClosed }

	err := <-s.StartAsync(context.Background(), 5)
	require.ErrorIs(t, err, rpc.ErrClosed)
}

func TestCompletedAlias(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	defer s.Subscribe(col.add)()

	fc.push(t, s.ID(), PushCompleted)
	assert.Equal(t, []Kind{KindCompleted}, col.kinds())
}

func TestErrorsAndWarningsForwardedVerbatim(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	defer s.Subscribe(col.add)()

	fc.push(t, s.ID(), PushWarning, "Trace did not start within 30 seconds")
	fc.push(t, s.ID(), PushError, "Access denied")

	notes := col.all()
	require.Len(t, notes, 2)
	assert.Equal(t, Notification{Kind: KindWarning, Message: "Trace did not start within 30 seconds"}, notes[0])
	assert.Equal(t, Notification{Kind: KindError, Message: "Access denied"}, notes[1])
}

func TestStopTransitionsThroughStopping(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	<-s.StartAsync(context.Background(), 30)
	fc.push(t, s.ID(), PushStarted)

	var during domain.TraceStatus
	fc.respond = func(_ context.Context, method string) (json.RawMessage, error) {
		if method == MethodStop {
			during = s.Status()
		}
		return json.RawMessage(`true`), nil
	}

	var col collector
	defer s.Subscribe(col.add)()

	require.NoError(t, s.Stop())
	assert.Equal(t, domain.TraceStopping, during)
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.Empty(t, col.kinds(), "confirmed stop publishes nothing")

	// a late started push neither revives a stopped session nor is announced
	fc.push(t, s.ID(), PushStarted)
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.Empty(t, col.kinds())
}

func TestStopBoundedWhenServiceHangs(t *testing.T) {
	mock := clock.NewMock()
	fc := newFakeChannel()
	s := constructed(t, fc, nil, WithClock(mock))
	<-s.StartAsync(context.Background(), 30)
	fc.push(t, s.ID(), PushStarted)

	fc.respond = func(ctx context.Context, method string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var col collector
	defer s.Subscribe(col.add)()

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	require.Eventually(t, func() bool { return s.Status() == domain.TraceStopping }, time.Second, time.Millisecond)

	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, domain.TraceStopped, s.Status())
	require.Eventually(t, func() bool { return len(col.all()) == 1 }, time.Second, time.Millisecond)
	notes := col.all()
	assert.Equal(t, KindWarning, notes[0].Kind)
	assert.Contains(t, notes[0].Message, "stop not confirmed")
}

func TestStopBoundedRealClock(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil, WithStopTimeout(50*time.Millisecond))
	fc.respond = func(ctx context.Context, method string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.TraceStopped, s.Status())
}

func TestStopWithFullStreamAndSilentService(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryBegin}, WithStopTimeout(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := s.Stream(ctx, 1)

	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	fc.push(t, s.ID(), PushStarted)

	// nobody reads stream: the first event fills it, the second blocks its publisher
	h := fc.handler(s.ID())
	go func() {
		for i := 0; i < 2; i++ {
			raw, _ := rpc.EncodeArgs(domain.TraceEvent{EventClass: domain.EventQueryBegin})
			h.Notify(PushEvent, raw)
		}
	}()

	fc.respond = func(ctx context.Context, method string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a full stream")
	}
	assert.Equal(t, domain.TraceStopped, s.Status())

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-stream:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
}

func TestStopBeforeConstruct(t *testing.T) {
	fc := newFakeChannel()
	s := NewSession(fc)
	require.NoError(t, s.Stop())
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.Empty(t, fc.methods())
}

func TestUpdateEventsChangesDeliveredClasses(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryBegin})
	var col collector
	defer s.Subscribe(col.add)()

	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventQueryBegin})
	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventError})

	require.NoError(t, s.UpdateEvents(context.Background(), []domain.TraceEventClass{domain.EventError}))
	assert.Equal(t, []string{MethodConstruct, MethodUpdateEvents, MethodUpdate}, fc.methods())
	var names []string
	require.NoError(t, rpc.DecodeArgs(fc.lastCall(MethodUpdateEvents).args, &names))
	assert.Equal(t, []string{"Error"}, names)

	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventQueryBegin})
	fc.push(t, s.ID(), PushEvent, domain.TraceEvent{EventClass: domain.EventError})

	notes := col.all()
	require.Len(t, notes, 2)
	assert.Equal(t, domain.EventQueryBegin, notes[0].Event.EventClass)
	assert.Equal(t, domain.EventError, notes[1].Event.EventClass)
}

func TestUpdateResendsCurrentSet(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryEnd})

	require.NoError(t, s.UpdateTarget(context.Background(), "AdventureWorks", "abc"))
	var names []string
	require.NoError(t, rpc.DecodeArgs(fc.lastCall(MethodUpdateEvents).args, &names))
	assert.Equal(t, []string{"QueryEnd"}, names)

	assert.ErrorIs(t, NewSession(fc).Update(context.Background()), ErrNotConstructed)
}

func TestDispose(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, []domain.TraceEventClass{domain.EventQueryBegin})
	var col collector
	s.Subscribe(col.add)
	h := fc.handler(s.ID())
	require.NotNil(t, h)

	s.Dispose()
	s.Dispose()

	assert.True(t, s.Disposed())
	assert.Nil(t, fc.handler(s.ID()))
	require.Len(t, fc.sends, 1)
	assert.Equal(t, MethodDispose, fc.sends[0].method)

	// pushes already in flight are ignored
	raw, _ := rpc.EncodeArgs(domain.TraceEvent{EventClass: domain.EventQueryBegin})
	h.Notify(PushEvent, raw)
	h.Notify(PushStarted, nil)
	assert.Empty(t, col.kinds())

	assert.ErrorIs(t, s.Stop(), ErrDisposed)
	assert.ErrorIs(t, <-s.StartAsync(context.Background(), 1), ErrDisposed)
	assert.ErrorIs(t, s.Update(context.Background()), ErrDisposed)
	assert.ErrorIs(t, s.UpdateEvents(context.Background(), nil), ErrDisposed)
	assert.ErrorIs(t, s.Construct(context.Background(), target, nil, false, "", ""), ErrDisposed)
}

func TestDisposeUnconstructedSendsNothing(t *testing.T) {
	fc := newFakeChannel()
	s := NewSession(fc)
	s.Dispose()
	assert.Empty(t, fc.sends)
}

func TestChannelLossBecomesErrorNotification(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	defer s.Subscribe(col.add)()

	fc.handler(s.ID()).Disconnected(errors.New("read: connection reset"))

	notes := col.all()
	require.Len(t, notes, 1)
	assert.Equal(t, KindError, notes[0].Kind)
	assert.Contains(t, notes[0].Message, "connection reset")
}

func TestSubscriberPanicDoesNotEscape(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	s.Subscribe(func(Notification) { panic("consumer bug") })
	s.Subscribe(col.add)

	assert.NotPanics(t, func() { fc.push(t, s.ID(), PushWarning, "w") })
	assert.Equal(t, []Kind{KindWarning}, col.kinds())
}

func TestMalformedPushIsDropped(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	var col collector
	defer s.Subscribe(col.add)()

	fc.handler(s.ID()).Notify(PushEvent, []json.RawMessage{json.RawMessage(`"not an event"`)})
	fc.handler(s.ID()).Notify("OnSomethingElse", nil)
	assert.Empty(t, col.kinds())
}

func TestStreamClosesWithContext(t *testing.T) {
	fc := newFakeChannel()
	s := constructed(t, fc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stream := s.Stream(ctx, 4)
	fc.push(t, s.ID(), PushWarning, "first")

	n := <-stream
	assert.Equal(t, "first", n.Message)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.NotPanics(t, func() { fc.push(t, s.ID(), PushWarning, "after") })
}
