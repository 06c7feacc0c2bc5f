// Package sqlite provides an engine.Conn backed by a local SQLite database.
// It serves schema rowsets shaped like the tabular engine's discover rowsets.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/vburojevic/dxw/internal/engine"
)

// ClientVersion identifies this driver in ClientVersion()
const ClientVersion = "dxw-sqlite/1"

// ErrUnknownSchema is returned for rowsets this driver does not serve
var ErrUnknownSchema = errors.New("sqlite: unknown schema rowset")

// Conn implements engine.Conn over database/sql
type Conn struct {
	mu       sync.Mutex
	connStr  engine.ConnectionString
	db       *sql.DB
	state    engine.State
	database string
	session  string
	version  string
	catalogs []catalog // cached DISCOVER_CATALOGS, dropped by RefreshMetadata
	timeout  time.Duration
}

type catalog struct {
	name string
	file string
}

// New creates a closed Conn for connectionString ("Data Source=<path>")
func New(connectionString string) *Conn {
	return &Conn{
		connStr: engine.ParseConnectionString(connectionString),
		timeout: 5 * time.Second,
	}
}

func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Conn) OpenWith(connectionString string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connStr = engine.ParseConnectionString(connectionString)
	return c.openLocked()
}

func (c *Conn) openLocked() error {
	path := c.connStr.Get(engine.KeyDataSource)
	if path == "" {
		return errors.New("sqlite: connection string has no Data Source")
	}

	c.state = engine.StateConnecting
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=rw&_pragma=busy_timeout(%d)", path, c.timeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		c.state = engine.StateBroken
		return fmt.Errorf("sqlite: open failed: %w", err)
	}
	// one physical connection, like the engine session it stands in for
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		c.state = engine.StateBroken
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "select sqlite_version()").Scan(&version); err != nil {
		_ = db.Close()
		c.state = engine.StateBroken
		return fmt.Errorf("sqlite: version query failed: %w", err)
	}

	c.db = db
	c.version = version
	c.state = engine.StateOpen
	c.database = "main"
	if c.session == "" {
		c.session = uuid.NewString()
	}
	if initial := c.connStr.Get(engine.KeyInitialCatalog); initial != "" {
		if err := c.changeDatabaseLocked(initial); err != nil {
			_ = c.closeLocked()
			return err
		}
	}
	return nil
}

func (c *Conn) Close(endSession bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if endSession {
		c.session = ""
	}
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	c.state = engine.StateClosed
	c.catalogs = nil
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Conn) ChangeDatabase(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != engine.StateOpen {
		return errors.New("sqlite: connection is not open")
	}
	return c.changeDatabaseLocked(name)
}

func (c *Conn) changeDatabaseLocked(name string) error {
	cats, err := c.catalogsLocked()
	if err != nil {
		return err
	}
	for _, cat := range cats {
		if strings.EqualFold(cat.name, name) {
			c.database = cat.name
			return nil
		}
	}
	return fmt.Errorf("sqlite: database %q does not exist", name)
}

func (c *Conn) catalogsLocked() ([]catalog, error) {
	if c.catalogs != nil {
		return c.catalogs, nil
	}
	rows, err := c.db.Query("PRAGMA database_list")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []catalog
	for rows.Next() {
		var (
			seq        int
			name, file string
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return nil, err
		}
		cats = append(cats, catalog{name: name, file: file})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	c.catalogs = cats
	return cats, nil
}

func (c *Conn) RefreshMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalogs = nil
	return nil
}

func (c *Conn) State() engine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Database() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.database
}

func (c *Conn) ConnectionString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connStr.String()
}

func (c *Conn) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Conn) ClientVersion() string { return ClientVersion }

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) SetSessionID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
	return nil
}

func (c *Conn) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

var _ engine.Conn = (*Conn)(nil)
