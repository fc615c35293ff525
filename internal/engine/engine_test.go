package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

func TestResultCache(t *testing.T) {
	clk := newFakeClock()
	e := testEngine(t, WithClock(clk.Now))
	seedPeople(t, e)
	clk.Advance(time.Second)

	q := "SELECT name FROM emp WHERE salary > 75 ORDER BY name"
	expectRows(t, e, q, "ann|bob")
	expectRows(t, e, q, "ann|bob")
	entries, hits, _ := e.CacheStats()
	if entries != 1 || hits != 1 {
		t.Fatalf("entries/hits = %d/%d, want 1/1", entries, hits)
	}

	// A write in the same second invalidates the entry.
	mustExec(t, e, "UPDATE emp SET salary = 90 WHERE name = 'cid'")
	expectRows(t, e, q, "ann|bob|cid")
	if _, h, _ := e.CacheStats(); h != 1 {
		t.Errorf("stale entry served: hits = %d", h)
	}

	// Writes to other tables leave the entry alone.
	clk.Advance(time.Second)
	expectRows(t, e, q, "ann|bob|cid")
	mustExec(t, e, "INSERT INTO dept (id, name) VALUES (4, 'hr')")
	expectRows(t, e, q, "ann|bob|cid")
	if _, h, _ := e.CacheStats(); h != 2 {
		t.Errorf("hits = %d, want 2", h)
	}

	// Spelling differences in whitespace and keyword case share one entry.
	expectRows(t, e, "select name  from emp where salary > 75 order by name;", "ann|bob|cid")
	if _, h, _ := e.CacheStats(); h != 3 {
		t.Errorf("normalised query missed: hits = %d", h)
	}
}

func TestResultCacheBypass(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	e := testEngine(t, WithClock(clk.Now))
	seedPeople(t, e)
	clk.Advance(time.Second)

	for i := 0; i < 2; i++ {
		queryRows(t, e, "SELECT name, NOW() FROM emp")
		queryRows(t, e, "SELECT d.name FROM dept d WHERE EXISTS (SELECT 1 FROM emp WHERE emp.dept_id = d.id)")
	}
	if entries, hits, _ := e.CacheStats(); entries != 0 || hits != 0 {
		t.Errorf("volatile or correlated query cached: entries/hits = %d/%d", entries, hits)
	}

	if err := e.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	mustExec(t, e, "INSERT INTO dept (id, name) VALUES (9, 'tmp')")
	expectValue(t, e, "SELECT COUNT(*) FROM dept", int64(4))
	if err := e.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	expectValue(t, e, "SELECT COUNT(*) FROM dept", int64(3))
	if entries, _, _ := e.CacheStats(); entries != 1 {
		t.Errorf("entries = %d, want 1 made after rollback", entries)
	}
}

func TestResultCacheDisabled(t *testing.T) {
	clk := newFakeClock()
	e := testEngine(t, WithClock(clk.Now), WithCacheRows(0))
	seedPeople(t, e)
	clk.Advance(time.Second)
	queryRows(t, e, "SELECT * FROM dept")
	queryRows(t, e, "SELECT * FROM dept")
	if entries, hits, misses := e.CacheStats(); entries+hits+misses != 0 {
		t.Errorf("disabled cache recorded %d/%d/%d", entries, hits, misses)
	}
}

func TestCursor(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	cur, err := e.Query(context.Background(), "SELECT id, name, name AS Name FROM dept ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	if cur.RowCount() != 3 {
		t.Fatalf("row count = %d", cur.RowCount())
	}
	r, ok := cur.Fetch(FetchBoth)
	if !ok || r.Num[0] != int64(1) || r.Assoc["name"] != "eng" {
		t.Errorf("first row = %+v", r)
	}
	r, _ = cur.Fetch(FetchAssoc)
	if r.Num != nil || r.Assoc["id"] != int64(2) {
		t.Errorf("assoc row = %+v", r)
	}
	r, _ = cur.Fetch(FetchNum)
	if r.Assoc != nil || r.Num[1] != "legal" {
		t.Errorf("num row = %+v", r)
	}
	if _, ok := cur.Fetch(FetchBoth); ok {
		t.Error("fetch past the end")
	}

	cur.Reset()
	if v, ok := cur.FetchColumn(1); !ok || v != "eng" {
		t.Errorf("FetchColumn = %v, %v", v, ok)
	}
	names, ok := cur.Column("NAME")
	if !ok || len(names) != 3 || names[2] != "legal" {
		t.Errorf("Column = %v, %v", names, ok)
	}
	if _, ok := cur.Column("missing"); ok {
		t.Error("Column found a missing name")
	}
	if all := cur.FetchAll(FetchNum); len(all) != 2 {
		t.Errorf("FetchAll after one fetch = %d rows, want the remaining 2", len(all))
	}
	if err := cur.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := cur.Fetch(FetchBoth); ok {
		t.Error("fetch on a closed cursor")
	}
}

func TestQueryOnWriteStatement(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	cur, err := e.Query(context.Background(), "DELETE FROM emp WHERE dept_id = 1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.RowCount() != 0 || cur.RowsAffected() != 2 || len(cur.Columns()) != 0 {
		t.Errorf("cursor = %d rows, %d affected, %v", cur.RowCount(), cur.RowsAffected(), cur.Columns())
	}
}

func TestErrorStack(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	_, err1 := e.Exec(ctx, "SELEC 1")
	_, err2 := e.Query(ctx, "SELECT * FROM nowhere")
	if err1 == nil || err2 == nil {
		t.Fatal("expected failures")
	}
	errs := e.Errors()
	if len(errs) != 2 {
		t.Fatalf("stack = %v", errs)
	}
	if errs[0].Kind != KindSchema || errs[1].Kind != KindSyntax {
		t.Errorf("stack kinds = %v, %v", errs[0].Kind, errs[1].Kind)
	}
	if errs[0].Op != "SELECT" {
		t.Errorf("op = %q", errs[0].Op)
	}
	e.ClearErrors()
	if len(e.Errors()) != 0 {
		t.Error("ClearErrors left entries")
	}
}

func TestErrorStackBound(t *testing.T) {
	e := testEngine(t, WithMaxErrors(3))
	for i := 0; i < 5; i++ {
		e.Exec(context.Background(), "BOGUS")
	}
	if n := len(e.Errors()); n != 3 {
		t.Errorf("stack holds %d, want 3", n)
	}
}

func TestMultipleStatements(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	if _, err := e.Exec(ctx, "CREATE TABLE a (x INT); CREATE TABLE b (x INT)"); !errors.Is(err, ErrSyntax) {
		t.Errorf("Exec with two statements: err = %v", err)
	}
	if _, err := e.Exec(ctx, " ; "); !errors.Is(err, ErrSyntax) {
		t.Errorf("empty statement: err = %v", err)
	}
	res, err := e.Batch(ctx, "CREATE TABLE a (x INT); INSERT INTO a VALUES (1), (2); INSERT INTO nope VALUES (1); INSERT INTO a VALUES (3)")
	if !errors.Is(err, ErrSchema) {
		t.Errorf("batch err = %v", err)
	}
	if len(res) != 2 || res[1].RowsAffected != 2 {
		t.Errorf("batch results = %+v", res)
	}
	expectValue(t, e, "SELECT COUNT(*) FROM a", int64(2))
}

func TestParameters(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)

	expectRows(t, e, "SELECT name FROM emp WHERE salary > ? AND dept_id = ? ORDER BY name", "ann|bob", 75, 1)
	expectRows(t, e, "SELECT name FROM emp WHERE name = :n OR name = :N", "cid", Named("n", "cid"))
	expectRows(t, e, "SELECT ?, ?, ?, ?", "NULL,-2,1.5,it's", nil, -2, 1.5, "it's")
	expectRows(t, e, "SELECT TYPEOF(?), TYPEOF(?)", "real,blob", 2.0, []byte{0, 1})

	if _, err := e.Exec(ctx, "INSERT INTO dept (id, name) VALUES (?, ?)", int32(7), "x; DROP TABLE emp"); err != nil {
		t.Fatal(err)
	}
	expectRows(t, e, "SELECT name FROM dept WHERE id = 7", "x; DROP TABLE emp")

	for _, c := range []struct {
		sql  string
		args []any
	}{
		{"SELECT ?", nil},
		{"SELECT ?", []any{1, 2}},
		{"SELECT :a", []any{Named("b", 1)}},
		{"SELECT :a", []any{Named("a", 1), Named("b", 2)}},
		{"SELECT ?", []any{struct{}{}}},
	} {
		if _, err := e.Query(ctx, c.sql, c.args...); !errors.Is(err, ErrCompile) {
			t.Errorf("%s %v: err = %v, want CompileError", c.sql, c.args, err)
		}
	}
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	mustExec(t, e, "CREATE TABLE kv (k TEXT PRIMARY KEY, v INT)")

	ins, err := e.Prepare("INSERT INTO kv (k, v) VALUES (:k, ?)")
	if err != nil {
		t.Fatal(err)
	}
	if ins.NumInput() != 2 || len(ins.Names()) != 1 || ins.Names()[0] != "k" {
		t.Errorf("inputs = %d %v", ins.NumInput(), ins.Names())
	}
	for i, k := range []string{"a", "b", "c"} {
		if _, err := ins.Exec(ctx, Named("k", k), i*10); err != nil {
			t.Fatal(err)
		}
	}
	sel, err := e.Prepare("SELECT v FROM kv WHERE k = ?")
	if err != nil {
		t.Fatal(err)
	}
	cur, err := sel.Query(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := cur.FetchColumn(0); v != int64(10) {
		t.Errorf("v = %v", v)
	}
	if _, err := e.Prepare("SELECT FROM WHERE ?"); !errors.Is(err, ErrSyntax) {
		t.Errorf("bad prepare: err = %v", err)
	}
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)

	if err := e.Commit(ctx); !errors.Is(err, ErrLock) {
		t.Errorf("commit without transaction: err = %v", err)
	}
	if err := e.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Begin(ctx); !errors.Is(err, ErrLock) {
		t.Errorf("nested begin: err = %v", err)
	}
	mustExec(t, e, "INSERT INTO dept (id, name) VALUES (4, 'hr')", "DELETE FROM emp WHERE id = 1")
	if err := e.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	expectValue(t, e, "SELECT COUNT(*) FROM dept", int64(4))
	expectValue(t, e, "SELECT COUNT(*) FROM emp", int64(3))

	mustExec(t, e, "START TRANSACTION", "CREATE TABLE scratch (x INT)", "UPDATE emp SET salary = 0", "ROLLBACK")
	expectRows(t, e, "SELECT SUM(salary) FROM emp", "210")
	if _, err := e.Query(ctx, "SELECT * FROM scratch"); !errors.Is(err, ErrSchema) {
		t.Errorf("rolled back table survived: %v", err)
	}
}

func TestTwoEnginesShareAFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := testEngineAt(t, path)
	b := testEngineAt(t, path)
	if a.DB().Holder() == b.DB().Holder() {
		t.Fatal("engines share a lock holder id")
	}
	mustExec(t, a, "CREATE TABLE t (v INT)", "INSERT INTO t VALUES (1)")
	expectValue(t, b, "SELECT COUNT(*) FROM t", int64(1))

	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	mustExec(t, a, "INSERT INTO t VALUES (2)")

	// b waits three dead-lock timeouts; a is alive, so its transaction
	// must survive the wait.
	wctx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := b.Exec(wctx, "INSERT INTO t VALUES (3)"); !errors.Is(err, ErrLock) {
		t.Errorf("write during foreign transaction: err = %v", err)
	}
	if time.Since(start) < 1400*time.Millisecond {
		t.Errorf("lock wait returned after %v", time.Since(start))
	}
	if !a.InTx() {
		t.Fatal("live transaction was taken over")
	}
	mustExec(t, a, "INSERT INTO t VALUES (4)")
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	mustExec(t, b, "INSERT INTO t VALUES (3)")
	expectRows(t, a, "SELECT v FROM t ORDER BY v", "1|2|3|4")
}

func TestReadersOnThreeEnginesExcludeWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := testEngineAt(t, path)
	b := testEngineAt(t, path)
	c := testEngineAt(t, path)
	mustExec(t, a, "CREATE TABLE t (v INT)", "INSERT INTO t VALUES (1)")
	key := storage.TableKey("t")

	for _, e := range []*Engine{a, b} {
		if err := e.DB().Locks().LockTable(ctx, key, storage.LockShared); err != nil {
			t.Fatal(err)
		}
	}
	write := func() error {
		wctx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
		defer cancel()
		_, err := c.Exec(wctx, "INSERT INTO t VALUES (2)")
		return err
	}
	expectValue(t, c, "SELECT COUNT(*) FROM t", int64(1))

	b.DB().Locks().UnlockTable(key)
	if err := write(); !errors.Is(err, ErrLock) {
		t.Fatalf("write beside reader a: %v", err)
	}
	if err := b.DB().Locks().LockTable(ctx, key, storage.LockShared); err != nil {
		t.Fatal(err)
	}
	a.DB().Locks().UnlockTable(key)
	if err := write(); !errors.Is(err, ErrLock) {
		t.Fatalf("write beside reader b: %v", err)
	}
	b.DB().Locks().UnlockTable(key)
	if err := write(); err != nil {
		t.Fatalf("write after readers left: %v", err)
	}
	expectValue(t, a, "SELECT COUNT(*) FROM t", int64(2))
}

func TestCachedResultWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := testEngineAt(t, path, WithClock(clk.Now))
	b := testEngineAt(t, path, WithClock(clk.Now))
	mustExec(t, a, "CREATE TABLE t (v INT)", "INSERT INTO t VALUES (1)")
	clk.Advance(time.Second)

	q := "SELECT v FROM t"
	expectRows(t, b, q, "1")
	expectRows(t, b, q, "1")
	if _, hits, _ := b.CacheStats(); hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}

	key := storage.TableKey("t")
	if err := a.DB().Locks().LockTable(ctx, key, storage.LockExclusive); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.Query(wctx, q); !errors.Is(err, ErrLock) {
		t.Fatalf("cached read under a foreign writer: %v", err)
	}
	a.DB().Locks().UnlockTable(key)
	expectRows(t, b, q, "1")
}

func TestExprCacheEvictsOldestFirst(t *testing.T) {
	m := NewExprCache(2)
	m.put("a", &Compiled{Text: "a"})
	m.put("b", &Compiled{Text: "b"})
	m.put("a", &Compiled{Text: "a2"})
	m.put("c", &Compiled{Text: "c"})
	if _, ok := m.get("a"); ok {
		t.Error("oldest entry survived")
	}
	if cx, ok := m.get("b"); !ok || cx.Text != "b" {
		t.Errorf("b = %v, %v", cx, ok)
	}
	if cx, ok := m.get("c"); !ok || cx.Text != "c" {
		t.Errorf("c = %v, %v", cx, ok)
	}
	if m.Size() != 2 {
		t.Errorf("size = %d", m.Size())
	}
	m.Clear()
	m.put("d", &Compiled{})
	if m.Size() != 1 {
		t.Errorf("size after clear = %d", m.Size())
	}
}

func TestCanceledContext(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Exec(ctx, "CREATE TABLE t (x INT)"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	mustExec(t, e, "CREATE TABLE t (x INT)")
	if _, err := e.Exec(ctx, "CREATE DATABASE again"); !errors.Is(err, ErrIO) {
		t.Errorf("create over existing file: err = %v", err)
	}
	mustExec(t, e, "CREATE DATABASE IF NOT EXISTS again", "DROP DATABASE")
	if _, err := e.Query(ctx, "SELECT 1"); !errors.Is(err, ErrIO) {
		t.Errorf("query without database: err = %v", err)
	}
	if _, err := e.Tables(ctx); !errors.Is(err, ErrIO) {
		t.Errorf("tables without database: err = %v", err)
	}
	mustExec(t, e, "DROP DATABASE IF EXISTS")
	if err := e.CreateDatabase(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	expectRows(t, e, "SELECT DATABASE()", "shop")
	if names, _ := e.Tables(ctx); len(names) != 0 {
		t.Errorf("recreated database has tables %v", names)
	}
	if err := e.DropDatabase(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOpenWithoutAutoCreate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lazy.db")
	e := testEngineAt(t, path, WithoutAutoCreate())
	if e.DB() != nil {
		t.Fatal("file created without request")
	}
	if _, err := e.Exec(ctx, "CREATE TABLE t (x INT)"); !errors.Is(err, ErrIO) {
		t.Errorf("err = %v, want IOError", err)
	}
	mustExec(t, e, "CREATE DATABASE lazy", "CREATE TABLE t (x INT)")
}

func TestAutoVacuumScheduler(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, WithAutoVacuum("@every 1h", time.Second))
	seedPeople(t, e)
	mustExec(t, e, "DELETE FROM emp WHERE id > 2")
	s := e.Scheduler()
	if s == nil {
		t.Fatal("no scheduler")
	}
	ran, err := s.RunNow(ctx)
	if !ran || err != nil {
		t.Fatalf("RunNow = %v, %v", ran, err)
	}
	st, err := s.Last()
	if err != nil || st.LinesAfter >= st.LinesBefore {
		t.Errorf("vacuum stats = %+v, %v", st, err)
	}
	expectRows(t, e, "SELECT name FROM emp ORDER BY id", "ann|bob")
}

func TestVacuumAPI(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	mustExec(t, e, "DELETE FROM emp")
	st, err := e.Vacuum(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.BytesAfter >= st.BytesBefore {
		t.Errorf("stats = %+v", st)
	}
}
