package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

func TestParseDSNFile(t *testing.T) {
	c, err := parseDSN("file:./test.db?poll_interval=5ms&deadlock_timeout=1500&cache_rows=10&auto_create=no&disable_functions=uuid,%20rand")
	if err != nil {
		t.Fatalf("parseDSN returned error: %v", err)
	}
	if want := filepath.Clean("./test.db"); c.filePath != want {
		t.Fatalf("expected filePath %q, got %q", want, c.filePath)
	}
	if c.poll != 5*time.Millisecond {
		t.Fatalf("expected poll=5ms, got %s", c.poll)
	}
	if c.deadlock != 1500*time.Millisecond {
		t.Fatalf("expected deadlock=1500ms, got %s", c.deadlock)
	}
	if c.cacheRows != 10 || c.autoCreate {
		t.Fatalf("unexpected cfg %#v", c)
	}
	if len(c.disabled) != 2 || c.disabled[0] != "uuid" {
		t.Fatalf("disabled = %v", c.disabled)
	}
	if n := len(c.options()); n != 5 {
		t.Fatalf("expected 5 engine options, got %d", n)
	}
}

func TestParseDSNBarePath(t *testing.T) {
	c, err := parseDSN("/tmp/shop.db")
	if err != nil {
		t.Fatalf("parseDSN returned error: %v", err)
	}
	if c.filePath != "/tmp/shop.db" || !c.autoCreate || c.cacheRows != -1 {
		t.Fatalf("unexpected cfg %#v", c)
	}
	if n := len(c.options()); n != 0 {
		t.Fatalf("defaults produced %d options", n)
	}
}

func TestParseDSNErrors(t *testing.T) {
	for _, dsn := range []string{"", "file:", "file:?cache_rows=1", "mem://x", "file:a.db?cache_rows=-1", "file:a.db?poll_interval=soon"} {
		if _, err := parseDSN(dsn); err == nil {
			t.Errorf("%q: expected error", dsn)
		}
	}
}

func TestParseDuration(t *testing.T) {
	if dur, err := parseDuration("1500", "x"); err != nil || dur != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms, got %s (err=%v)", dur, err)
	}
	if dur, err := parseDuration("2s", "x"); err != nil || dur != 2*time.Second {
		t.Fatalf("expected 2s, got %s (err=%v)", dur, err)
	}
	if _, err := parseDuration("-1", "x"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
	if _, err := parseDuration("later", "x"); err == nil {
		t.Fatalf("expected error for invalid duration string")
	}
}

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open(DriverName, "file:"+path+"?poll_interval=1ms&deadlock_timeout=300ms")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestDatabaseSQLRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, score REAL, seen BOOLEAN)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	res, err := db.ExecContext(ctx, "INSERT INTO t (name, score, seen) VALUES (?, ?, ?), (?, ?, ?)", "a", 1.5, true, "O'Hara", nil, false)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 2 {
		t.Fatalf("expected 2 rows affected, got %d", n)
	}
	if id, _ := res.LastInsertId(); id != 2 {
		t.Fatalf("expected last id 2, got %d", id)
	}

	rows, err := db.QueryContext(ctx, "SELECT id, name, score FROM t ORDER BY id")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()
	type rec struct {
		id    int64
		name  string
		score sql.NullFloat64
	}
	var got []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.name, &r.score); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].name != "O'Hara" || got[1].score.Valid || got[0].score.Float64 != 1.5 {
		t.Fatalf("unexpected rows %+v", got)
	}
	types, err := rows.ColumnTypes()
	if err == nil && len(types) == 3 && types[0].DatabaseTypeName() != "INTEGER" {
		t.Fatalf("id type = %s", types[0].DatabaseTypeName())
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t WHERE name = :name", sql.Named("name", "a")).Scan(&n); err != nil || n != 1 {
		t.Fatalf("named query = %d, %v", n, err)
	}
}

func TestPreparedStatements(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE s (id INT, at TEXT)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	st, err := db.PrepareContext(ctx, "INSERT INTO s VALUES (?, ?)")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer st.Close()
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := st.ExecContext(ctx, i, when); err != nil {
			t.Fatalf("stmt exec failed: %v", err)
		}
	}
	if _, err := st.ExecContext(ctx, 1); err == nil {
		t.Fatalf("expected argument count error")
	}
	var at string
	if err := db.QueryRow("SELECT at FROM s WHERE id = 2").Scan(&at); err != nil || at != "2024-03-01 12:00:00" {
		t.Fatalf("at = %q, %v", at, err)
	}
	if _, err := db.Prepare("SELECT FROM"); err == nil {
		t.Fatalf("expected prepare error")
	}
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE tx (id INT)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ro, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("begin tx failed: %v", err)
	}
	if _, err := ro.Exec("INSERT INTO tx VALUES (1)"); !errors.Is(err, errReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
	if _, err := ro.Query("SELECT id FROM tx"); err != nil {
		t.Fatalf("read in read-only tx failed: %v", err)
	}
	_ = ro.Rollback()

	rb, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rb.Exec("INSERT INTO tx VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if err := rb.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin default tx failed: %v", err)
	}
	if _, err := tx.Exec("INSERT INTO tx VALUES (2)"); err != nil {
		_ = tx.Rollback()
		t.Fatalf("write in tx failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	var sum int
	if err := db.QueryRow("SELECT SUM(id) FROM tx").Scan(&sum); err != nil || sum != 2 {
		t.Fatalf("sum = %d, %v", sum, err)
	}

	if _, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadUncommitted}); err == nil {
		t.Fatalf("expected unsupported isolation level error")
	}
}

func TestConnectionsShareTheFileLocks(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE l (id INT)"); err != nil {
		t.Fatal(err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	// A second pooled connection must wait for the transaction's lock.
	if _, err := db.ExecContext(ctx, "INSERT INTO l VALUES (1)"); !errors.Is(err, engine.ErrLock) {
		t.Fatalf("expected lock error while another connection holds a transaction, got %v", err)
	}
}

func TestConnectorOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazy.db")
	db := sql.OpenDB(NewConnector(path, engine.WithoutAutoCreate()))
	defer db.Close()
	if err := db.Ping(); err == nil {
		t.Fatalf("expected ping to fail without a database file")
	}
}

func TestRowsNext(t *testing.T) {
	e, err := engine.Open(filepath.Join(t.TempDir(), "rows.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(context.Background())
	cur, err := e.Query(context.Background(), "SELECT 7 AS id, NULL AS data, 18446744073709551615 AS big")
	if err != nil {
		t.Fatal(err)
	}
	r := &rows{cur: cur}
	dest := make([]driver.Value, 3)
	if err := r.Next(dest); err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if dest[0] != int64(7) || dest[1] != nil || dest[2] != "18446744073709551615" {
		t.Fatalf("unexpected values %#v", dest)
	}
	if err := r.Next(dest); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if got := r.ColumnTypeDatabaseTypeName(1); got != "NULL" {
		t.Fatalf("type of an all-NULL column = %s", got)
	}
	if nullable, ok := r.ColumnTypeNullable(0); !nullable || !ok {
		t.Fatalf("expected nullable=true")
	}
}

func TestCheckNamedValue(t *testing.T) {
	c := &conn{}
	nv := &driver.NamedValue{Ordinal: 1, Value: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := c.CheckNamedValue(nv); err != nil {
		t.Fatalf("CheckNamedValue time failed: %v", err)
	}
	if nv.Value != "2024-01-02 03:04:05" {
		t.Fatalf("time converted to %#v", nv.Value)
	}
	nv = &driver.NamedValue{Ordinal: 1, Value: []byte{1, 2, 3}}
	_ = c.CheckNamedValue(nv)
	if _, ok := nv.Value.([]byte); !ok {
		t.Fatalf("expected []byte to stay a blob")
	}
	nv = &driver.NamedValue{Ordinal: 1, Value: int(5)}
	_ = c.CheckNamedValue(nv)
	if v, ok := nv.Value.(int64); !ok || v != 5 {
		t.Fatalf("expected int -> int64 5, got %#v", nv.Value)
	}
	nv = &driver.NamedValue{Ordinal: 1, Value: sql.NullString{String: "x", Valid: true}}
	_ = c.CheckNamedValue(nv)
	if nv.Value != "x" {
		t.Fatalf("Valuer not resolved: %#v", nv.Value)
	}
}
