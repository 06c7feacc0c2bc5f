package engine

import "strings"

// State is the lifecycle state of an engine connection
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	default:
		return "closed"
	}
}

// Conn is the synchronous driver connection the handle coordinates access to.
// Implementations need not be safe for concurrent schema retrieval.
type Conn interface {
	// Open connects using the connection string the Conn was created with.
	Open() error
	// OpenWith replaces the connection string and connects.
	OpenWith(connectionString string) error
	// Close closes the connection; endSession also ends the server session.
	Close(endSession bool) error
	ChangeDatabase(name string) error
	GetSchema(schemaName string, restrictions Restrictions) (*Rowset, error)
	RefreshMetadata() error

	State() State
	Database() string
	ConnectionString() string
	ServerVersion() string
	ClientVersion() string
	SessionID() string
	SetSessionID(id string) error

	// Dispose releases every resource held by the Conn.
	Dispose() error
}

// Restrictions narrows a schema rowset by column value
type Restrictions map[string]string

// Rowset is a tabular metadata result
type Rowset struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows
func (r *Rowset) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Column returns the index of the named column (case-insensitive), or -1
func (r *Rowset) Column(name string) int {
	if r == nil {
		return -1
	}
	for i, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Value returns the cell at row for the named column
func (r *Rowset) Value(row int, column string) (any, bool) {
	idx := r.Column(column)
	if idx < 0 || row < 0 || row >= r.Len() || idx >= len(r.Rows[row]) {
		return nil, false
	}
	return r.Rows[row][idx], true
}
