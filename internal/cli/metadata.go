package cli

import (
	"strings"
	"time"

	"github.com/vburojevic/dxw/internal/engine"
	"github.com/vburojevic/dxw/internal/engine/sqlite"
)

// MetadataCmd reads schema rowsets through a shared engine connection
type MetadataCmd struct {
	Schemas          []string          `arg:"" optional:"" help:"Schema rowsets to read (default DISCOVER_CATALOGS)"`
	ConnectionString string            `short:"C" default:"${config_connection_string}" help:"Engine connection string (Data Source=<file>;Initial Catalog=<db>)"`
	Database         string            `short:"D" help:"Switch to this database before reading"`
	Restriction      map[string]string `short:"r" help:"Restriction column=value (can be repeated)"`
	LockTimeout      time.Duration     `default:"${config_lock_timeout}" help:"Maximum wait for the metadata lock"`
	Info             bool              `help:"Also write a connection record with server and client versions"`

	newConn func(connectionString string) engine.Conn
}

// ConnectionInfo describes the open engine connection
type ConnectionInfo struct {
	Type          string `json:"type"` // "connection"
	SchemaVersion int    `json:"schemaVersion"`
	State         string `json:"state"`
	Database      string `json:"database"`
	ServerVersion string `json:"server_version"`
	ClientVersion string `json:"client_version"`
	SessionID     string `json:"session_id"`
}

// Run executes the metadata command
func (c *MetadataCmd) Run(globals *Globals) error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return outputErrorCommon(globals, "INVALID_FLAGS", "no connection string", "pass -C 'Data Source=model.db' or set engine.connection_string")
	}
	schemas := c.Schemas
	if len(schemas) == 0 {
		schemas = []string{sqlite.SchemaCatalogs}
	}

	newConn := c.newConn
	if newConn == nil {
		newConn = func(cs string) engine.Conn { return sqlite.New(cs) }
	}
	conn := engine.New(newConn(c.ConnectionString),
		engine.WithLogger(globals.Logger()),
		engine.WithLockTimeout(c.LockTimeout),
	)
	defer conn.Dispose()

	if err := conn.EnsureOpen(); err != nil {
		return outputError(globals, err)
	}
	if err := conn.ChangeDatabase(c.Database); err != nil {
		return outputError(globals, err)
	}

	w := newWriter(globals, nil)
	if c.Info {
		version, err := conn.ServerVersion()
		if err != nil {
			return outputError(globals, err)
		}
		info := ConnectionInfo{
			Type:          "connection",
			SchemaVersion: 1,
			State:         conn.State().String(),
			Database:      conn.Database(),
			ServerVersion: version,
			ClientVersion: conn.ClientVersion(),
			SessionID:     conn.SessionID(),
		}
		if nd, ok := w.(interface{ Write(any) error }); ok {
			_ = nd.Write(info)
		} else {
			globals.stderrf("Connected to %s (server %s, client %s, session %s)\n", info.Database, info.ServerVersion, info.ClientVersion, info.SessionID)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	for _, name := range schemas {
		rs, err := conn.GetMetadata(ctx, strings.ToUpper(strings.TrimSpace(name)), engine.Restrictions(c.Restriction))
		if err != nil {
			return outputError(globals, err)
		}
		if err := w.WriteRowset(rs); err != nil {
			return err
		}
	}
	return nil
}
