package tracehub

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vburojevic/dxw/internal/metrics"
	"github.com/vburojevic/dxw/internal/rpc"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	// stopWait bounds how long a Stop request waits for the feed goroutine
	stopWait = 5 * time.Second
)

// Hub hosts remote trace sessions over websocket. Each connection carries any
// number of sessions keyed by the client-assigned session id.
type Hub struct {
	source         Source
	logger         *zap.Logger
	metrics        *metrics.Metrics
	clock          clock.Clock
	allowedOrigins map[string]bool

	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Hub
type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock replaces the clock bounding start timeouts
func WithClock(c clock.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithAllowedOrigins permits browser clients from these origins
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				h.allowedOrigins[o] = true
			}
		}
	}
}

func New(src Source, opts ...Option) *Hub {
	h := &Hub{
		source:         src,
		logger:         zap.NewNop(),
		clock:          clock.New(),
		allowedOrigins: make(map[string]bool),
		conns:          make(map[*hubConn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "trace hub is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newHubConn(h, ws)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.HubConnected()
	h.logger.Debug("trace client connected", zap.String("remote", r.RemoteAddr))

	c.serve()

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.metrics.HubDisconnected()
	h.logger.Debug("trace client disconnected", zap.String("remote", r.RemoteAddr))
}

// Sessions counts hosted sessions across all connections
func (h *Hub) Sessions() int {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	n := 0
	for _, c := range conns {
		n += c.sessionCount()
	}
	return n
}

// Close drops every client and waits for their sessions to stop
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// hubConn is one websocket client
type hubConn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan rpc.Message
	done chan struct{}
	// pumpDead closes when writePump exits for any reason
	pumpDead chan struct{}

	mu       sync.Mutex
	sessions map[string]*hostedSession
}

func newHubConn(h *Hub, ws *websocket.Conn) *hubConn {
	return &hubConn{
		hub:      h,
		ws:       ws,
		send:     make(chan rpc.Message, sendBuffer),
		done:     make(chan struct{}),
		pumpDead: make(chan struct{}),
		sessions: make(map[string]*hostedSession),
	}
}

func (c *hubConn) serve() {
	go func() {
		defer close(c.pumpDead)
		c.writePump()
	}()

	for {
		var msg rpc.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			break
		}
		c.handle(msg)
	}

	close(c.done)
	c.ws.Close()
	<-c.pumpDead

	c.mu.Lock()
	sessions := make([]*hostedSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*hostedSession)
	c.mu.Unlock()
	for _, s := range sessions {
		s.dispose()
	}
}

func (c *hubConn) writePump() {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// push queues msg for the client; false once the connection is gone
func (c *hubConn) push(msg rpc.Message) bool {
	return c.pushCtx(context.Background(), msg)
}

// pushCtx is push that also gives up when ctx ends
func (c *hubConn) pushCtx(ctx context.Context, msg rpc.Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	case <-c.pumpDead:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *hubConn) notify(ctx context.Context, session, method string, args ...any) bool {
	msg, err := rpc.NewNotify(session, method, args...)
	if err != nil {
		c.hub.logger.Error("encode push", zap.String("method", method), zap.Error(err))
		return false
	}
	return c.pushCtx(ctx, msg)
}

func (c *hubConn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *hubConn) lookup(id string) *hostedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}
