// Package driver is the public face of the flatSQL database/sql driver.
// Importing it registers the driver under DriverName.
package driver

import (
	"database/sql"

	id "github.com/SimonWaldherr/flatSQL/internal/driver"
	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// DriverName is the registered database/sql driver name for flatSQL.
const DriverName = id.DriverName

// Open is a convenience wrapper around `sql.Open(DriverName, dsn)`.
func Open(dsn string) (*sql.DB, error) { return sql.Open(DriverName, dsn) }

// OpenFile opens the database file at path by constructing a `file:` DSN.
func OpenFile(path string) (*sql.DB, error) { return Open("file:" + path) }

// OpenWithOptions opens path with engine options a DSN cannot express,
// such as a logger or a fixed clock.
func OpenWithOptions(path string, opts ...engine.Option) *sql.DB {
	return sql.OpenDB(id.NewConnector(path, opts...))
}
