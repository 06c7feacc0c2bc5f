package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vburojevic/dxw/internal/metrics"
)

// DefaultLockTimeout bounds the wait for the metadata lock
const DefaultLockTimeout = 10 * time.Second

// Connection coordinates access to one shared driver connection.
// At most one GetMetadata call reaches the driver at any instant.
type Connection struct {
	mu   sync.Mutex // guards conn
	conn Conn

	openMu      sync.Mutex // serializes opens
	schemaLock  *semaphore.Weighted
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the logger used for lock and lifecycle diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the wall clock (tests use clock.NewMock)
func WithClock(cl clock.Clock) Option {
	return func(c *Connection) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithLockTimeout overrides DefaultLockTimeout
func WithLockTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithMetrics records metadata calls
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// New wraps conn
func New(conn Conn, opts ...Option) *Connection {
	c := &Connection{
		conn:        conn,
		schemaLock:  semaphore.NewWeighted(1),
		lockTimeout: DefaultLockTimeout,
		clock:       clock.New(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) driver() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrDisposed
	}
	return c.conn, nil
}

// Open connects with the configured connection string.
// Opening an already open connection returns ErrAlreadyOpen.
func (c *Connection) Open() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	d, err := c.driver()
	if err != nil {
		return err
	}
	if d.State() == StateOpen {
		return ErrAlreadyOpen
	}
	c.logger.Debug("opening engine connection")
	return connectivity("open", d.Open())
}

// OpenWith connects using connectionString
func (c *Connection) OpenWith(connectionString string) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	d, err := c.driver()
	if err != nil {
		return err
	}
	if d.State() == StateOpen {
		return ErrAlreadyOpen
	}
	c.logger.Debug("opening engine connection with new connection string")
	return connectivity("open", d.OpenWith(connectionString))
}

// EnsureOpen opens the connection unless it is already open
func (c *Connection) EnsureOpen() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	d, err := c.driver()
	if err != nil {
		return err
	}
	if d.State() == StateOpen {
		return nil
	}
	c.logger.Debug("implicitly opening engine connection")
	return connectivity("open", d.Open())
}

// Close closes the connection and ends the server session
func (c *Connection) Close() error {
	return c.CloseSession(true)
}

// CloseSession closes the connection, optionally keeping the server session alive
func (c *Connection) CloseSession(endSession bool) error {
	d, err := c.driver()
	if err != nil {
		return err
	}
	return d.Close(endSession)
}

// ChangeDatabase switches the current database. Blank names and the
// current database (any casing) are no-ops.
func (c *Connection) ChangeDatabase(name string) error {
	d, err := c.driver()
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if strings.EqualFold(name, d.Database()) {
		return nil
	}
	return connectivity("change database", d.ChangeDatabase(name))
}

// GetMetadata retrieves a schema rowset under the metadata lock.
// The wait for the lock is bounded by the lock timeout (or ctx, if sooner);
// the connection is opened first when it is not open.
func (c *Connection) GetMetadata(ctx context.Context, schemaName string, restrictions Restrictions) (*Rowset, error) {
	if _, err := c.driver(); err != nil {
		return nil, err
	}

	started := c.clock.Now()
	lockCtx, cancel := c.clock.WithTimeout(ctx, c.lockTimeout)
	err := c.schemaLock.Acquire(lockCtx, 1)
	cancel()
	waited := c.clock.Since(started)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.ObserveMetadata(schemaName, waited, 0, ctxErr)
			return nil, ctxErr
		}
		lerr := &LockTimeoutError{Op: "GetMetadata", Schema: schemaName, Timeout: c.lockTimeout}
		c.logger.Warn("metadata lock timeout", zap.String("schema", schemaName), zap.Duration("timeout", c.lockTimeout))
		c.metrics.ObserveMetadata(schemaName, waited, 0, lerr)
		return nil, lerr
	}
	defer c.schemaLock.Release(1)

	c.logger.Debug("metadata lock acquired", zap.String("schema", schemaName), zap.Duration("waited", waited))

	if err := c.EnsureOpen(); err != nil {
		c.metrics.ObserveMetadata(schemaName, waited, 0, err)
		return nil, err
	}

	d, err := c.driver()
	if err != nil {
		return nil, err
	}

	fetchStart := c.clock.Now()
	rs, err := d.GetSchema(schemaName, restrictions)
	c.metrics.ObserveMetadata(schemaName, waited, c.clock.Since(fetchStart), err)
	if err != nil {
		return nil, connectivity("get metadata "+schemaName, err)
	}
	return rs, nil
}

// RefreshMetadata asks the engine to drop cached metadata
func (c *Connection) RefreshMetadata() error {
	d, err := c.driver()
	if err != nil {
		// nothing cached once disposed
		return nil
	}
	return d.RefreshMetadata()
}

// ServerVersion opens the connection if needed and returns the engine version
func (c *Connection) ServerVersion() (string, error) {
	if err := c.EnsureOpen(); err != nil {
		return "", err
	}
	d, err := c.driver()
	if err != nil {
		return "", err
	}
	return d.ServerVersion(), nil
}

// SetSessionID attaches the connection to an existing server session
func (c *Connection) SetSessionID(id string) error {
	d, err := c.driver()
	if err != nil {
		return err
	}
	return d.SetSessionID(id)
}

// State returns StateClosed once disposed
func (c *Connection) State() State {
	d, err := c.driver()
	if err != nil {
		return StateClosed
	}
	return d.State()
}

// Database returns the current database name ("" once disposed)
func (c *Connection) Database() string {
	return c.read(func(d Conn) string { return d.Database() })
}

func (c *Connection) ConnectionString() string {
	return c.read(func(d Conn) string { return d.ConnectionString() })
}

func (c *Connection) ClientVersion() string {
	return c.read(func(d Conn) string { return d.ClientVersion() })
}

func (c *Connection) SessionID() string {
	return c.read(func(d Conn) string { return d.SessionID() })
}

func (c *Connection) read(fn func(Conn) string) string {
	d, err := c.driver()
	if err != nil {
		return ""
	}
	return fn(d)
}

// Disposed reports whether Dispose has been called
func (c *Connection) Disposed() bool {
	_, err := c.driver()
	return errors.Is(err, ErrDisposed)
}

// Dispose releases the driver connection. Calling it again is a no-op.
func (c *Connection) Dispose() error {
	c.mu.Lock()
	d := c.conn
	c.conn = nil
	c.mu.Unlock()

	if d == nil {
		return nil
	}
	c.logger.Debug("disposing engine connection")
	return d.Dispose()
}
