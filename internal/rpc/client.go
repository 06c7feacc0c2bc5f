package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vburojevic/dxw/internal/metrics"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Handler receives pushes for one session. Calls arrive on the client's
// dispatch goroutine, one at a time, in arrival order.
type Handler interface {
	Notify(method string, args []json.RawMessage)
	// Disconnected is called once when the channel is lost (not on Close).
	Disconnected(err error)
}

// Client is a persistent channel to a trace service. Many sessions may share
// one Client; pushes are routed by session id.
type Client struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	logger       *zap.Logger
	metrics      *metrics.Metrics
	queueSize    int
	writeTimeout time.Duration
	pongTimeout  time.Duration
	pingInterval time.Duration

	dialMu      sync.Mutex // one dial at a time; never held with mu
	mu          sync.Mutex
	link        *link
	closed      bool
	handlers    map[string]map[uint64]Handler
	nextHandler uint64

	writeMu sync.Mutex // serialises all conn writes
	seq     atomic.Uint64
}

// link is one physical connection and the calls waiting on it
type link struct {
	conn    *websocket.Conn
	pending map[string]chan callResult // guarded by Client.mu
	done    chan struct{}              // closed once read, ping and dispatch goroutines exit
}

type callResult struct {
	msg Message
	err error
}

type dispatchItem struct {
	session    string
	method     string
	args       []json.RawMessage
	disconnect bool
	err        error
}

// Option configures a Client
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHeader adds handshake headers (auth tokens and the like)
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithQueueSize bounds the notification queue between reader and dispatcher
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithKeepAlive sets the ping interval and how long to wait for any frame
func WithKeepAlive(ping, pong time.Duration) Option {
	return func(c *Client) {
		if ping > 0 {
			c.pingInterval = ping
		}
		if pong > 0 {
			c.pongTimeout = pong
		}
	}
}

// NewClient creates an unconnected client for a ws:// or wss:// URL
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialer:       websocket.DefaultDialer,
		logger:       zap.NewNop(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		pongTimeout:  defaultPongTimeout,
		pingInterval: defaultPingInterval,
		handlers:     make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the service address
func (c *Client) URL() string { return c.url }

// Connected reports whether a connection is currently established
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect dials the service unless already connected. A client whose
// connection was lost reconnects; a closed client does not.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	closed, linked := c.closed, c.link != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if linked {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.logger.Debug("rpc dial failed", zap.String("url", c.url), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	c.logger.Debug("rpc connected", zap.String("url", c.url))

	l := &link{
		conn:    conn,
		pending: make(map[string]chan callResult),
		done:    make(chan struct{}),
	}
	c.link = l

	queue := make(chan dispatchItem, c.queueSize)
	go c.readLoop(l, queue)
	go c.dispatchLoop(queue, l.done)
	return nil
}

// Invoke calls method for session and waits for its completion or ctx.
func (c *Client) Invoke(ctx context.Context, session, method string, args ...any) (json.RawMessage, error) {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	l.pending[id] = ch
	c.mu.Unlock()

	msg := Message{Type: MsgInvoke, ID: id, Session: session, Method: method, Args: raw}
	if err := c.write(l, msg); err != nil {
		c.forget(l, id)
		c.metrics.ObserveRPC(method, err)
		return nil, fmt.Errorf("rpc: invoke %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			c.metrics.ObserveRPC(method, res.err)
			return nil, res.err
		}
		if res.msg.Error != "" {
			rerr := &RemoteError{Method: method, Message: res.msg.Error}
			c.metrics.ObserveRPC(method, rerr)
			return nil, rerr
		}
		c.metrics.ObserveRPC(method, nil)
		return res.msg.Result, nil
	case <-ctx.Done():
		c.forget(l, id)
		c.metrics.ObserveRPC(method, ctx.Err())
		return nil, ctx.Err()
	}
}

// Send calls method for session without waiting for a completion
func (c *Client) Send(session, method string, args ...any) error {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrClosed
	}

	err = c.write(l, Message{Type: MsgSend, Session: session, Method: method, Args: raw})
	c.metrics.ObserveRPC(method, err)
	if err != nil {
		return fmt.Errorf("rpc: send %s: %w", method, err)
	}
	return nil
}

// Subscribe routes pushes for session to h until the returned func is called
func (c *Client) Subscribe(session string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	if c.handlers[session] == nil {
		c.handlers[session] = make(map[uint64]Handler)
	}
	c.handlers[session][id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[session], id)
			if len(c.handlers[session]) == 0 {
				delete(c.handlers, session)
			}
		})
	}
}

// Close shuts the channel down for good and waits for its goroutines.
// It must not be called from a Handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// the read loop may already have closed it after the peer's close frame
	_ = l.conn.Close()
	<-l.done
	return nil
}

func (c *Client) write(l *link, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *Client) forget(l *link, id string) {
	c.mu.Lock()
	delete(l.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(l *link, queue chan<- dispatchItem) {
	conn := l.conn
	stopPing := make(chan struct{})
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(l, stopPing)
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("rpc: malformed message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgCompletion:
			c.mu.Lock()
			ch, ok := l.pending[msg.ID]
			delete(l.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- callResult{msg: msg}
			}
		case MsgNotify:
			queue <- dispatchItem{session: msg.Session, method: msg.Method, args: msg.Args}
		default:
			c.logger.Debug("rpc: ignoring message", zap.String("type", string(msg.Type)))
		}
	}

	close(stopPing)
	<-pingDone

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	pending := l.pending
	l.pending = make(map[string]chan callResult)
	deliberate := c.closed
	c.mu.Unlock()
	conn.Close()

	lost := fmt.Errorf("%w: %v", ErrClosed, readErr)
	for _, ch := range pending {
		ch <- callResult{err: lost}
	}

	if !deliberate {
		c.logger.Warn("rpc channel lost", zap.String("url", c.url), zap.Error(readErr))
		c.metrics.Disconnected()
		queue <- dispatchItem{disconnect: true, err: lost}
	}
	close(queue)
}

func (c *Client) dispatchLoop(queue <-chan dispatchItem, done chan<- struct{}) {
	defer close(done)
	for item := range queue {
		for _, h := range c.targets(item) {
			c.deliver(h, item)
		}
	}
}

// targets snapshots the handlers for item in subscription order
func (c *Client) targets(item dispatchItem) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	type entry struct {
		id uint64
		h  Handler
	}
	var entries []entry
	collect := func(m map[uint64]Handler) {
		for id, h := range m {
			entries = append(entries, entry{id, h})
		}
	}
	if item.disconnect {
		for _, m := range c.handlers {
			collect(m)
		}
	} else {
		collect(c.handlers[item.session])
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

func (c *Client) deliver(h Handler, item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rpc handler panicked", zap.Any("panic", r), zap.String("method", item.method), zap.String("session", item.session))
		}
	}()
	if item.disconnect {
		h.Disconnected(item.err)
		return
	}
	h.Notify(item.method, item.args)
}

func (c *Client) pingLoop(l *link, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			l.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := l.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
