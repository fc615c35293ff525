// Package driver implements a database/sql driver for FlatSQL.
//
// What: A driver that exposes the flat-file engine through the standard
// database/sql interfaces. DSNs name a database file with optional
// settings: file:/path/to/shop.db?poll_interval=5ms&deadlock_timeout=2s.
// How: Every connection owns its own engine instance on the file, so
// connections coordinate through the file locks exactly as separate
// processes do. Arguments are bound by the engine's placeholder binder,
// never by string substitution.
// Why: Integrating with database/sql enables familiar APIs and tooling
// while keeping every concurrency rule in one place, the lock manager.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// DriverName is the name the driver registers with database/sql.
const DriverName = "flatsql"

var defaultDrv = &drv{}

func init() {
	sql.Register(DriverName, defaultDrv)
}

// cfg stores the connection parameters derived from a parsed DSN.
type cfg struct {
	filePath   string
	poll       time.Duration
	deadlock   time.Duration
	cacheRows  int
	autoCreate bool
	disabled   []string
}

func (c cfg) options() []engine.Option {
	var opts []engine.Option
	if c.poll > 0 {
		opts = append(opts, engine.WithPollInterval(c.poll))
	}
	if c.deadlock > 0 {
		opts = append(opts, engine.WithDeadlockTimeout(c.deadlock))
	}
	if c.cacheRows >= 0 {
		opts = append(opts, engine.WithCacheRows(c.cacheRows))
	}
	if !c.autoCreate {
		opts = append(opts, engine.WithoutAutoCreate())
	}
	if len(c.disabled) > 0 {
		opts = append(opts, engine.WithDisabledFunctions(c.disabled...))
	}
	return opts
}

// parseDSN parses "file:path?options" or a bare path.
func parseDSN(dsn string) (cfg, error) {
	c := cfg{cacheRows: -1, autoCreate: true}
	path := strings.TrimPrefix(dsn, "file:")
	q := ""
	if i := strings.Index(path, "?"); i >= 0 {
		q = path[i+1:]
		path = path[:i]
	}
	if path == "" {
		return c, fmt.Errorf("flatsql: database path required")
	}
	if strings.Contains(path, "://") {
		return c, fmt.Errorf("flatsql: unsupported DSN %q", dsn)
	}
	c.filePath = filepath.Clean(path)
	for _, kv := range strings.Split(q, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		if err := applyDSNOption(&c, k, v); err != nil {
			return c, err
		}
	}
	return c, nil
}

// applyDSNOption mutates the configuration in place for a single DSN option.
// Unknown keys are ignored.
func applyDSNOption(c *cfg, key, value string) error {
	switch strings.ToLower(key) {
	case "poll_interval", "poll":
		d, err := parseDuration(value, "poll_interval")
		if err != nil {
			return err
		}
		c.poll = d
	case "deadlock_timeout", "busy_timeout", "busytimeout":
		d, err := parseDuration(value, "deadlock_timeout")
		if err != nil {
			return err
		}
		c.deadlock = d
	case "cache_rows":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("flatsql: invalid cache_rows value %q", value)
		}
		c.cacheRows = n
	case "auto_create", "create":
		v := strings.ToLower(value)
		c.autoCreate = v == "" || v == "1" || v == "true" || v == "yes" || v == "on"
	case "disable_functions":
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.disabled = append(c.disabled, name)
			}
		}
	}
	return nil
}

// parseDuration accepts Go durations and bare integers as milliseconds.
func parseDuration(value, key string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("flatsql: %s must be >= 0", key)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("flatsql: invalid %s value %q", key, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("flatsql: %s must be >= 0", key)
	}
	return d, nil
}

type drv struct{}

func (d *drv) Open(name string) (driver.Conn, error) {
	c, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *drv) OpenConnector(name string) (driver.Connector, error) {
	c, err := parseDSN(name)
	if err != nil {
		return nil, err
	}
	return &Connector{path: c.filePath, opts: c.options()}, nil
}

// Connector opens connections on one database file with fixed engine
// options. Use it with sql.OpenDB to pass options a DSN cannot carry,
// such as a logger or clock.
type Connector struct {
	path string
	opts []engine.Option
}

// NewConnector returns a connector for the database file at path.
func NewConnector(path string, opts ...engine.Option) *Connector {
	return &Connector{path: path, opts: opts}
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := engine.Open(c.path, c.opts...)
	if err != nil {
		return nil, err
	}
	return &conn{eng: e}, nil
}

func (c *Connector) Driver() driver.Driver { return defaultDrv }

// ------------------- connection / transactions -------------------

type conn struct {
	eng        *engine.Engine
	inTx       bool
	txReadOnly bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps, err := c.eng.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{c: c, ps: ps}, nil
}

// Close rolls back an open transaction and releases the engine's locks.
func (c *conn) Close() error {
	c.inTx = false
	return c.eng.Close(context.Background())
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	// The transaction holds the whole file, which is serializable.
	switch sql.IsolationLevel(opts.Isolation) {
	case sql.LevelDefault, sql.LevelSerializable:
	default:
		return nil, fmt.Errorf("flatsql: unsupported isolation level: %v", sql.IsolationLevel(opts.Isolation))
	}
	if err := c.eng.Begin(ctx); err != nil {
		return nil, err
	}
	c.inTx = true
	c.txReadOnly = opts.ReadOnly
	return &tx{c: c}, nil
}

// Ping implements driver.Pinger so database/sql can health-check the connection.
func (c *conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.eng.DB() == nil {
		return driver.ErrBadConn
	}
	return nil
}

// ResetSession implements driver.SessionResetter.
func (c *conn) ResetSession(ctx context.Context) error {
	if c.inTx {
		return driver.ErrBadConn
	}
	return nil
}

type tx struct{ c *conn }

func (t *tx) Commit() error {
	t.c.inTx, t.c.txReadOnly = false, false
	return t.c.eng.Commit(context.Background())
}

func (t *tx) Rollback() error {
	t.c.inTx, t.c.txReadOnly = false, false
	return t.c.eng.Rollback(context.Background())
}

// ------------------- exec / query -------------------

var errReadOnly = errors.New("flatsql: write attempted in read-only transaction")

// checkWrite rejects statements other than SELECT and DESCRIBE inside a
// read-only transaction.
func (c *conn) checkWrite(query string) error {
	if !c.inTx || !c.txReadOnly {
		return nil
	}
	toks := engine.Tokenize(query)
	if len(toks) > 0 {
		switch strings.ToUpper(toks[0].Val) {
		case "SELECT", "DESCRIBE", "DESC", "(":
			return nil
		}
	}
	return errReadOnly
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.checkWrite(query); err != nil {
		return nil, err
	}
	res, err := c.eng.Exec(ctx, query, bindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return result(res), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.checkWrite(query); err != nil {
		return nil, err
	}
	cur, err := c.eng.Query(ctx, query, bindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &rows{cur: cur}, nil
}

// bindArgs maps database/sql arguments onto engine arguments; named values
// become engine.NamedArg.
func bindArgs(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if a.Name != "" {
			out[i] = engine.Named(a.Name, a.Value)
			continue
		}
		out[i] = a.Value
	}
	return out
}

// CheckNamedValue normalizes common Go types into values the engine binds.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch v := nv.Value.(type) {
	case time.Time:
		nv.Value = v.UTC().Format("2006-01-02 15:04:05")
	case int:
		nv.Value = int64(v)
	case int32:
		nv.Value = int64(v)
	case uint32:
		nv.Value = int64(v)
	case float32:
		nv.Value = float64(v)
	case driver.Valuer:
		val, err := v.Value()
		if err != nil {
			return err
		}
		nv.Value = val
	}
	return nil
}

type execResult struct{ res engine.Result }

func result(r engine.Result) driver.Result { return execResult{res: r} }

func (r execResult) LastInsertId() (int64, error) { return r.res.LastInsertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.res.RowsAffected, nil }

// ------------------- stmt / rows -------------------

type stmt struct {
	c  *conn
	ps *engine.Stmt
}

func (s *stmt) Close() error  { return s.ps.Close() }
func (s *stmt) NumInput() int { return s.ps.NumInput() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), positional(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), positional(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.c.checkWrite(s.ps.SQL()); err != nil {
		return nil, err
	}
	res, err := s.ps.Exec(ctx, bindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return result(res), nil
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.c.checkWrite(s.ps.SQL()); err != nil {
		return nil, err
	}
	cur, err := s.ps.Query(ctx, bindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &rows{cur: cur}, nil
}

func positional(args []driver.Value) []driver.NamedValue {
	n := make([]driver.NamedValue, len(args))
	for i, v := range args {
		n[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return n
}

type rows struct {
	cur   *engine.Cursor
	types []string
}

func (r *rows) Columns() []string { return r.cur.Columns() }
func (r *rows) Close() error      { return r.cur.Close() }

func (r *rows) Next(dest []driver.Value) error {
	row, ok := r.cur.Fetch(engine.FetchNum)
	if !ok {
		return io.EOF
	}
	for i, v := range row.Num {
		switch vv := v.(type) {
		case *big.Int:
			dest[i] = vv.String()
		default:
			dest[i] = vv
		}
	}
	return nil
}

// ColumnTypeDatabaseTypeName reports the storage class of the first
// non-NULL value of column i.
func (r *rows) ColumnTypeDatabaseTypeName(i int) string {
	if r.types == nil {
		r.types = make([]string, len(r.cur.Columns()))
		for j, name := range r.cur.Columns() {
			vals, _ := r.cur.Column(name)
			r.types[j] = "NULL"
			for _, v := range vals {
				if v != nil {
					r.types[j] = typeName(v)
					break
				}
			}
		}
	}
	if i < 0 || i >= len(r.types) {
		return ""
	}
	return r.types[i]
}

func (r *rows) ColumnTypeNullable(i int) (bool, bool) { return true, true }

func typeName(v any) string {
	switch v.(type) {
	case int64, *big.Int:
		return "INTEGER"
	case float64:
		return "REAL"
	case bool:
		return "BOOLEAN"
	case []byte:
		return "BLOB"
	}
	return "TEXT"
}
