package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for cache and timestamp tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEngineAt(t *testing.T, path string, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithPollInterval(time.Millisecond), WithDeadlockTimeout(500 * time.Millisecond)}
	e, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return testEngineAt(t, filepath.Join(t.TempDir(), "test.db"), opts...)
}

func mustExec(t *testing.T, e *Engine, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := e.Exec(context.Background(), s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

func queryRows(t *testing.T, e *Engine, sql string, args ...any) [][]any {
	t.Helper()
	cur, err := e.Query(context.Background(), sql, args...)
	if err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	defer cur.Close()
	var out [][]any
	for _, r := range cur.FetchAll(FetchNum) {
		out = append(out, r.Num)
	}
	return out
}

// render formats rows compactly so expectations read like result tables:
// "1,a|2,b". NULL renders as NULL.
func render(rows [][]any) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		cells := make([]string, len(r))
		for j, v := range r {
			if v == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = toText(v)
		}
		parts[i] = strings.Join(cells, ",")
	}
	return strings.Join(parts, "|")
}

func expectRows(t *testing.T, e *Engine, sql, want string, args ...any) {
	t.Helper()
	if got := render(queryRows(t, e, sql, args...)); got != want {
		t.Errorf("%s\n got: %s\nwant: %s", sql, got, want)
	}
}

func expectValue(t *testing.T, e *Engine, sql string, want any) {
	t.Helper()
	rows := queryRows(t, e, sql)
	if len(rows) != 1 || len(rows[0]) != 1 {
		t.Fatalf("%s: got %v, want a single value", sql, rows)
	}
	if !reflect.DeepEqual(rows[0][0], want) {
		t.Errorf("%s = %#v (%T), want %#v (%T)", sql, rows[0][0], rows[0][0], want, want)
	}
}

func seedPeople(t *testing.T, e *Engine) {
	t.Helper()
	mustExec(t, e,
		"CREATE TABLE dept (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		"CREATE TABLE emp (id INTEGER PRIMARY KEY, name TEXT, dept_id INT, salary INT)",
		"INSERT INTO dept (id, name) VALUES (1, 'eng'), (2, 'ops'), (3, 'legal')",
		fmt.Sprint("INSERT INTO emp (id, name, dept_id, salary) VALUES ",
			"(1, 'ann', 1, 100), (2, 'bob', 1, 80), (3, 'cid', 2, 70), (4, 'dee', NULL, 60)"),
	)
}
