package tracehub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/metrics"
	"github.com/vburojevic/dxw/internal/rpc"
	"github.com/vburojevic/dxw/internal/trace"
)

type harness struct {
	hub    *Hub
	src    *ChanSource
	srv    *httptest.Server
	client *rpc.Client
	m      *metrics.Metrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{src: NewChanSource(), m: metrics.New()}
	h.hub = New(h.src, append([]Option{WithMetrics(h.m)}, opts...)...)
	h.srv = httptest.NewServer(h.hub)
	h.client = rpc.NewClient("ws" + strings.TrimPrefix(h.srv.URL, "http"))
	return h
}

func (h *harness) close() {
	h.client.Close()
	h.hub.Close()
	h.srv.Close()
}

func (h *harness) session(t *testing.T, classes []domain.TraceEventClass, filter bool) (*trace.Session, <-chan trace.Notification, context.CancelFunc) {
	t.Helper()
	s := trace.NewSession(h.client)
	ctx, cancel := context.WithCancel(context.Background())
	stream := s.Stream(ctx, 64)
	err := s.Construct(context.Background(), trace.Target{Type: domain.ConnectionSSAS, ContextID: "ctx-1"}, classes, filter, "", "")
	require.NoError(t, err)
	return s, stream, cancel
}

func next(t *testing.T, stream <-chan trace.Notification) trace.Notification {
	t.Helper()
	select {
	case n, ok := <-stream:
		require.True(t, ok, "stream closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return trace.Notification{}
	}
}

func started(t *testing.T, h *harness, s *trace.Session, stream <-chan trace.Notification) {
	t.Helper()
	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	select {
	case <-h.src.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("source was not opened")
	}
	require.Equal(t, trace.KindStarted, next(t, stream).Kind)
}

func TestTraceScenario(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, []domain.TraceEventClass{domain.EventQueryBegin, domain.EventQueryEnd}, true)
	defer cancel()
	defer s.Dispose()
	assert.Equal(t, domain.TraceStopped, s.Status())

	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	req := <-h.src.Opened()
	assert.Equal(t, s.ID(), req.Session)
	assert.Equal(t, "ctx-1", req.ContextID)
	assert.True(t, req.FilterCurrentSession)

	require.Equal(t, trace.KindStarted, next(t, stream).Kind)
	assert.Equal(t, domain.TraceStarted, s.Status())

	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryBegin, SessionID: "ctx-1", TextData: "EVALUATE Sales"})
	h.src.Emit(domain.TraceEvent{EventClass: domain.EventError, SessionID: "ctx-1"})
	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryEnd, SessionID: "someone-else"})
	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryEnd, SessionID: "ctx-1", Duration: 40})
	h.src.Finish(nil)

	n := next(t, stream)
	require.Equal(t, trace.KindEvent, n.Kind)
	assert.Equal(t, domain.EventQueryBegin, n.Event.EventClass)
	assert.Equal(t, "EVALUATE Sales", n.Event.TextData)

	n = next(t, stream)
	require.Equal(t, trace.KindEvent, n.Kind)
	assert.Equal(t, domain.EventQueryEnd, n.Event.EventClass)
	assert.Equal(t, int64(40), n.Event.Duration)

	assert.Equal(t, trace.KindCompleted, next(t, stream).Kind)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.m.HubEventsDropped))
}

func TestUpdateChangesDeliveredClasses(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, []domain.TraceEventClass{domain.EventQueryBegin}, false)
	defer cancel()
	defer s.Dispose()
	started(t, h, s, stream)

	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryBegin})
	assert.Equal(t, domain.EventQueryBegin, next(t, stream).Event.EventClass)

	require.NoError(t, s.UpdateEvents(context.Background(), []domain.TraceEventClass{domain.EventError}))

	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryBegin})
	h.src.Emit(domain.TraceEvent{EventClass: domain.EventError, TextData: "boom"})

	n := next(t, stream)
	require.Equal(t, trace.KindEvent, n.Kind)
	assert.Equal(t, domain.EventError, n.Event.EventClass)
	assert.Equal(t, "boom", n.Event.TextData)
}

func TestStartTimeout(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, WithClock(mock))
	defer h.close()

	h.src.Hold()
	defer h.src.Release()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	defer s.Dispose()

	require.NoError(t, <-s.StartAsync(context.Background(), 2))
	assert.Equal(t, 2, s.StartTimeoutSecs())

	var got trace.Notification
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case got = <-stream:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, trace.KindError, got.Kind)
	assert.Equal(t, "trace did not start within 2 seconds", got.Message)
	assert.Equal(t, domain.TraceStopped, s.Status())
}

func TestSourceOpenFailure(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	h.src.FailOpen(errors.New("engine refused trace"))

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	defer s.Dispose()

	require.NoError(t, <-s.StartAsync(context.Background(), 30))
	n := next(t, stream)
	assert.Equal(t, trace.KindError, n.Kind)
	assert.Equal(t, "engine refused trace", n.Message)
}

func TestSourceErrorEndsTrace(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	defer s.Dispose()
	started(t, h, s, stream)

	h.src.Finish(errors.New("engine went away"))
	n := next(t, stream)
	assert.Equal(t, trace.KindError, n.Kind)
	assert.Equal(t, "engine went away", n.Message)
	assert.Equal(t, trace.KindCompleted, next(t, stream).Kind)
	assert.Equal(t, domain.TraceStopped, s.Status())

	// a finished trace can be started again
	started(t, h, s, stream)
}

func TestStopReleasesFeed(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	defer s.Dispose()
	started(t, h, s, stream)
	require.Equal(t, 1, h.src.Feeds())

	begin := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, domain.TraceStopped, s.Status())
	assert.Equal(t, 0, h.src.Feeds())
}

func TestDisposeRemovesHostedSession(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	started(t, h, s, stream)
	require.Equal(t, 1, h.hub.Sessions())
	require.Equal(t, float64(1), testutil.ToFloat64(h.m.TraceSessions))

	s.Dispose()
	require.Eventually(t, func() bool {
		return h.hub.Sessions() == 0 && h.src.Feeds() == 0 && testutil.ToFloat64(h.m.TraceSessions) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.client.Connected(), "disposing a session keeps the shared channel")
}

func TestSessionsShareChannel(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	a, streamA, cancelA := h.session(t, []domain.TraceEventClass{domain.EventQueryBegin}, false)
	defer cancelA()
	defer a.Dispose()
	b, streamB, cancelB := h.session(t, []domain.TraceEventClass{domain.EventError}, false)
	defer cancelB()
	defer b.Dispose()

	started(t, h, a, streamA)
	started(t, h, b, streamB)

	h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryBegin})
	h.src.Emit(domain.TraceEvent{EventClass: domain.EventError})

	assert.Equal(t, domain.EventQueryBegin, next(t, streamA).Event.EventClass)
	assert.Equal(t, domain.EventError, next(t, streamB).Event.EventClass)
}

func TestConstructRejectsUnknownClass(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	require.NoError(t, h.client.Connect(context.Background()))

	_, err := h.client.Invoke(context.Background(), "raw", trace.MethodConstruct,
		domain.ConnectionSSAS, "ctx", []string{"QueryBegin", "NotAClass"}, false, "", "")
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "NotAClass")
	assert.Equal(t, 0, h.hub.Sessions())
}

func TestConstructThroughSessionReportsRemoteError(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s := trace.NewSession(h.client)
	err := s.Construct(context.Background(), trace.Target{Type: domain.ConnectionSSAS}, []domain.TraceEventClass{domain.EventQueryBegin}, true, "", "")
	require.ErrorIs(t, err, trace.ErrRemoteConstruct)
}

func TestDuplicateAndUnknownSessions(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.client.Connect(ctx))

	args := []any{domain.ConnectionSSAS, "ctx", []string{"QueryBegin"}, false, "", ""}
	_, err := h.client.Invoke(ctx, "dup", trace.MethodConstruct, args...)
	require.NoError(t, err)
	_, err = h.client.Invoke(ctx, "dup", trace.MethodConstruct, args...)
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "already exists")

	_, err = h.client.Invoke(ctx, "ghost", trace.MethodStart, 5)
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "unknown trace session")

	_, err = h.client.Invoke(ctx, "dup", "Explode")
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "unknown method")
}

func TestClientDisconnectDisposesSessions(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	started(t, h, s, stream)
	require.Equal(t, float64(1), testutil.ToFloat64(h.m.HubConnections))

	require.NoError(t, h.client.Close())
	require.Eventually(t, func() bool {
		return h.hub.Sessions() == 0 && h.src.Feeds() == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.HubConnections) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubShutdownSurfacesAsError(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	s, stream, cancel := h.session(t, nil, false)
	defer cancel()
	defer s.Dispose()
	started(t, h, s, stream)

	require.NoError(t, h.hub.Close())
	n := next(t, stream)
	assert.Equal(t, trace.KindError, n.Kind)
	assert.Contains(t, n.Message, "connection to trace service lost")
}

func rawInvoke(t *testing.T, ws *websocket.Conn, id, session, method string, args ...any) {
	t.Helper()
	encoded, err := rpc.EncodeArgs(args...)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(rpc.Message{Type: rpc.MsgInvoke, ID: id, Session: session, Method: method, Args: encoded}))
}

func awaitCompletion(t *testing.T, ws *websocket.Conn, id string) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg rpc.Message
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == rpc.MsgCompletion && msg.ID == id {
			require.Empty(t, msg.Error)
			return
		}
	}
}

func TestStalledClientDoesNotBlockShutdown(t *testing.T) {
	h := newHarness(t)
	defer h.srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	rawInvoke(t, ws, "1", "stall", trace.MethodConstruct, domain.ConnectionSSAS, "ctx", []string{"QueryBegin"}, false, "", "")
	awaitCompletion(t, ws, "1")
	rawInvoke(t, ws, "2", "stall", trace.MethodStart, 5)
	awaitCompletion(t, ws, "2")
	<-h.src.Opened()

	// the client never reads again, so the hub's send buffer and the socket fill up
	flood := make(chan struct{})
	go func() {
		defer close(flood)
		text := strings.Repeat("x", 16<<10)
		for i := 0; i < 4096 && h.src.Feeds() > 0; i++ {
			h.src.Emit(domain.TraceEvent{EventClass: domain.EventQueryBegin, TextData: text})
		}
	}()
	time.Sleep(200 * time.Millisecond)
	rawInvoke(t, ws, "3", "stall", trace.MethodStop)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		h.hub.Close()
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not shut down with a stalled client")
	}
	select {
	case <-flood:
	case <-time.After(2 * time.Second):
		t.Fatal("feed was not released")
	}
	assert.Equal(t, 0, h.hub.Sessions())
}
