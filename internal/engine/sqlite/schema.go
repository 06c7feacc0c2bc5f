package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vburojevic/dxw/internal/engine"
)

// Schema rowset names served by this driver
const (
	SchemaCatalogs     = "DISCOVER_CATALOGS"
	SchemaSessions     = "DISCOVER_SESSIONS"
	SchemaTables       = "DBSCHEMA_TABLES"
	SchemaColumns      = "DBSCHEMA_COLUMNS"
	SchemaModelTables  = "TMSCHEMA_TABLES"
	SchemaModelColumns = "TMSCHEMA_COLUMNS"
)

const (
	colCatalogName  = "CATALOG_NAME"
	colTableCatalog = "TABLE_CATALOG"
	colTableName    = "TABLE_NAME"
)

// SupportedSchemas lists the rowsets GetSchema understands
func SupportedSchemas() []string {
	return []string{SchemaCatalogs, SchemaSessions, SchemaTables, SchemaColumns, SchemaModelTables, SchemaModelColumns}
}

// GetSchema is not safe for concurrent use with itself; engine.Connection
// serializes calls.
func (c *Conn) GetSchema(schemaName string, restrictions engine.Restrictions) (*engine.Rowset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != engine.StateOpen || c.db == nil {
		return nil, errors.New("sqlite: connection is not open")
	}

	var (
		rs  *engine.Rowset
		err error
	)
	switch strings.ToUpper(strings.TrimSpace(schemaName)) {
	case SchemaCatalogs:
		rs, err = c.catalogRowset()
	case SchemaSessions:
		rs = &engine.Rowset{
			Columns: []string{"SESSION_ID", "SESSION_CURRENT_DATABASE"},
			Rows:    [][]any{{c.session, c.database}},
		}
	case SchemaTables, SchemaModelTables:
		rs, err = c.tableRowset(restrictions)
	case SchemaColumns, SchemaModelColumns:
		rs, err = c.columnRowset(restrictions)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, schemaName)
	}
	if err != nil {
		return nil, err
	}
	rs.Name = schemaName
	return applyRestrictions(rs, restrictions), nil
}

func (c *Conn) catalogRowset() (*engine.Rowset, error) {
	cats, err := c.catalogsLocked()
	if err != nil {
		return nil, err
	}
	rs := &engine.Rowset{Columns: []string{colCatalogName, "FILE"}}
	for _, cat := range cats {
		rs.Rows = append(rs.Rows, []any{cat.name, cat.file})
	}
	return rs, nil
}

func (c *Conn) tableRowset(restrictions engine.Restrictions) (*engine.Rowset, error) {
	db := c.targetCatalog(restrictions)
	q := fmt.Sprintf(`SELECT name, type FROM %q.sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%%' ORDER BY name`, db)
	rows, err := c.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rs := &engine.Rowset{Columns: []string{colTableCatalog, colTableName, "TABLE_TYPE"}}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, []any{db, name, strings.ToUpper(typ)})
	}
	return rs, rows.Err()
}

func (c *Conn) columnRowset(restrictions engine.Restrictions) (*engine.Rowset, error) {
	tables, err := c.tableRowset(restrictions)
	if err != nil {
		return nil, err
	}
	tables = applyRestrictions(tables, engine.Restrictions{colTableName: restrictions[colTableName]})
	db := c.targetCatalog(restrictions)

	rs := &engine.Rowset{Columns: []string{colTableCatalog, colTableName, "COLUMN_NAME", "DATA_TYPE", "ORDINAL_POSITION"}}
	for _, t := range tables.Rows {
		table := t[1].(string)
		rows, err := c.db.Query(`SELECT cid, name, type FROM pragma_table_info(?, ?)`, table, db)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				cid       int64
				name, typ string
			)
			if err := rows.Scan(&cid, &name, &typ); err != nil {
				rows.Close()
				return nil, err
			}
			rs.Rows = append(rs.Rows, []any{db, table, name, typ, cid + 1})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (c *Conn) targetCatalog(restrictions engine.Restrictions) string {
	for k, v := range restrictions {
		if (strings.EqualFold(k, colCatalogName) || strings.EqualFold(k, colTableCatalog)) && v != "" {
			return v
		}
	}
	if c.database != "" {
		return c.database
	}
	return "main"
}

// applyRestrictions keeps rows whose restricted columns equal the restriction
// value (case-insensitive). Restrictions on columns the rowset lacks are ignored.
func applyRestrictions(rs *engine.Rowset, restrictions engine.Restrictions) *engine.Rowset {
	if len(restrictions) == 0 {
		return rs
	}
	type cond struct {
		idx   int
		value string
	}
	var conds []cond
	for k, v := range restrictions {
		if v == "" {
			continue
		}
		if idx := rs.Column(k); idx >= 0 {
			conds = append(conds, cond{idx: idx, value: v})
		}
	}
	if len(conds) == 0 {
		return rs
	}

	kept := rs.Rows[:0:0]
	for _, row := range rs.Rows {
		match := true
		for _, cd := range conds {
			if !strings.EqualFold(fmt.Sprint(row[cd.idx]), cd.value) {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, row)
		}
	}
	rs.Rows = kept
	return rs
}
