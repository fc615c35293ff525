package flatsql_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/flatSQL"
)

func openTest(t *testing.T, path string, opts ...flatsql.Option) *flatsql.Engine {
	t.Helper()
	base := []flatsql.Option{flatsql.WithPollInterval(time.Millisecond), flatsql.WithDeadlockTimeout(time.Second)}
	e, err := flatsql.Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestPublicAPI(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, filepath.Join(t.TempDir(), "api.fsql"))

	if _, err := e.Exec(ctx, "CREATE TABLE users (id INT AUTO_INCREMENT PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatal(err)
	}
	res, err := e.Exec(ctx, "INSERT INTO users (name) VALUES (?), (:other)", "Alice", flatsql.Named("other", "Bob"))
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 || res.LastInsertID != 2 {
		t.Errorf("result = %+v, want 2 rows, last id 2", res)
	}

	cur, err := e.Query(ctx, "SELECT id, name FROM users ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	row, ok := cur.Fetch(flatsql.FetchBoth)
	if !ok || row.Assoc["name"] != "Alice" || row.Num[0] != int64(1) {
		t.Errorf("first row = %+v", row)
	}
	if cur.RowCount() != 2 {
		t.Errorf("RowCount = %d, want 2", cur.RowCount())
	}

	tables, err := e.Tables(ctx)
	if err != nil || len(tables) != 1 || tables[0] != "users" {
		t.Errorf("Tables = %v, %v", tables, err)
	}

	if _, err := e.Exec(ctx, "FROBNICATE t"); !errors.Is(err, flatsql.ErrSyntax) {
		t.Errorf("err = %v, want SyntaxError", err)
	}
	var fe *flatsql.Error
	if _, err := e.Exec(ctx, "INSERT INTO nope VALUES (1)"); !errors.As(err, &fe) || fe.Kind != flatsql.ErrSchema.Kind {
		t.Errorf("err = %v, want SchemaError", err)
	}
	if len(e.Errors()) != 2 {
		t.Errorf("error stack holds %d errors, want 2", len(e.Errors()))
	}
}

func TestRollbackRestoresRows(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, filepath.Join(t.TempDir(), "tx.fsql"))
	if _, err := e.Batch(ctx, "CREATE TABLE t (a INT, b TEXT); INSERT INTO t VALUES (1, 'x'), (2, 'y');"); err != nil {
		t.Fatal(err)
	}
	before := snapshot(t, e)

	if err := e.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Batch(ctx, "UPDATE t SET b = 'z'; DELETE FROM t WHERE a = 1; INSERT INTO t VALUES (3, 'w');"); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if after := snapshot(t, e); after != before {
		t.Errorf("after rollback %q, want %q", after, before)
	}
}

func TestCommitVisibleToSecondEngine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.fsql")
	a := openTest(t, path)
	b := openTest(t, path)

	if _, err := a.Exec(ctx, "CREATE TABLE t (v INT)"); err != nil {
		t.Fatal(err)
	}
	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Exec(ctx, "INSERT INTO t VALUES (7)"); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	cur, err := b.Query(ctx, "SELECT v FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := cur.FetchColumn(0); !ok || v != int64(7) {
		t.Errorf("second engine sees %v, want 7", v)
	}
}

func snapshot(t *testing.T, e *flatsql.Engine) string {
	t.Helper()
	cur, err := e.Query(context.Background(), "SELECT rowid, a, b FROM t ORDER BY rowid")
	if err != nil {
		t.Fatal(err)
	}
	var rows [][]any
	for _, r := range cur.FetchAll(flatsql.FetchNum) {
		rows = append(rows, r.Num)
	}
	return fmt.Sprint(rows)
}
