// Package flatsql provides an embeddable SQL database stored in a single
// line-oriented text file.
//
// FlatSQL keeps a whole database in one file: a header line, a lock and
// sequence directory, a schema directory and one line per row. It supports:
//   - SELECT with joins, grouping, ordering, set operations and subqueries
//   - INSERT, REPLACE, UPDATE and DELETE with per-table row locks
//   - CREATE/DROP TABLE, CREATE/DROP DATABASE, DESCRIBE and VACUUM
//   - Transactions that several processes can share through the file
//
// # Basic Usage
//
// Open a database file, execute SQL and fetch rows:
//
//	e, err := flatsql.Open("app.fsql")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close(ctx)
//
//	e.Exec(ctx, "CREATE TABLE users (id INT AUTO_INCREMENT PRIMARY KEY, name TEXT)")
//	e.Exec(ctx, "INSERT INTO users (name) VALUES (?)", "Alice")
//
//	cur, _ := e.Query(ctx, "SELECT id, name FROM users WHERE name = :n", flatsql.Named("n", "Alice"))
//	for row, ok := cur.Fetch(flatsql.FetchAssoc); ok; row, ok = cur.Fetch(flatsql.FetchAssoc) {
//	    fmt.Println(row.Assoc["id"], row.Assoc["name"])
//	}
//
// # Transactions
//
// Begin takes the database lock; every change until Commit is visible to
// this engine only and can be undone with Rollback:
//
//	e.Begin(ctx)
//	e.Exec(ctx, "UPDATE users SET name = 'Bob' WHERE id = 1")
//	e.Rollback(ctx)
//
// # database/sql
//
// The driver package registers the "flatsql" driver:
//
//	db, _ := sql.Open("flatsql", "file:app.fsql?poll_interval=5ms")
package flatsql

import (
	"github.com/SimonWaldherr/flatSQL/internal/engine"
	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// Version is the file format and engine version string.
const Version = engine.Version

// Engine is a handle on one database file.
type Engine = engine.Engine

// Cursor holds the rows of a query result.
type Cursor = engine.Cursor

// Row is one fetched row, by column name and by position.
type Row = engine.Row

// Result reports the effect of a statement that returns no rows.
type Result = engine.Result

// Stmt is a prepared statement.
type Stmt = engine.Stmt

// Option configures Open.
type Option = engine.Option

// FetchMode selects which views of a row Fetch fills.
type FetchMode = engine.FetchMode

const (
	FetchBoth  = engine.FetchBoth
	FetchAssoc = engine.FetchAssoc
	FetchNum   = engine.FetchNum
)

// Error is the structured error returned by every engine call.
type Error = engine.Error

// Kind classifies errors.
type Kind = engine.Kind

// Sentinels for errors.Is.
var (
	ErrSyntax  = engine.ErrSyntax
	ErrCompile = engine.ErrCompile
	ErrSchema  = engine.ErrSchema
	ErrLock    = engine.ErrLock
	ErrIO      = engine.ErrIO
	ErrEval    = engine.ErrEval
)

// VacuumStats describes one vacuum run.
type VacuumStats = storage.VacuumStats

// Codec encodes row values into the text stored on a line.
type Codec = storage.Codec

// NamedArg binds a :name placeholder.
type NamedArg = engine.NamedArg

// Named binds value v to the placeholder :name.
func Named(name string, v any) NamedArg { return engine.Named(name, v) }

// Open opens the database file at path, creating it unless WithoutAutoCreate
// is given.
func Open(path string, opts ...Option) (*Engine, error) { return engine.Open(path, opts...) }

// Options re-exported for callers outside the module.
var (
	WithLogger            = engine.WithLogger
	WithClock             = engine.WithClock
	WithPollInterval      = engine.WithPollInterval
	WithDeadlockTimeout   = engine.WithDeadlockTimeout
	WithCacheRows         = engine.WithCacheRows
	WithTokenCache        = engine.WithTokenCache
	WithExprCache         = engine.WithExprCache
	WithDisabledFunctions = engine.WithDisabledFunctions
	WithCodec             = engine.WithCodec
	WithAutoVacuum        = engine.WithAutoVacuum
	WithoutAutoCreate     = engine.WithoutAutoCreate
	WithMaxErrors         = engine.WithMaxErrors
	WithHolder            = engine.WithHolder
)
