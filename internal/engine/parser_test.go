package engine

import (
	"errors"
	"testing"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

func parse(t *testing.T, sql string) Statement {
	t.Helper()
	st, err := ParseStatement(Tokenize(sql))
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	return st
}

func TestSplitClauses(t *testing.T) {
	cl, err := Split(Tokenize("SELECT a, (SELECT MAX(b) FROM u WHERE u.x = t.x) FROM t WHERE a > 1 GROUP BY a HAVING COUNT(*) > 1 ORDER BY a LIMIT 5"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"select", "from", "where", "group", "having", "order", "limit"}
	if len(cl.Order) != len(want) {
		t.Fatalf("order = %v, want %v", cl.Order, want)
	}
	for i, w := range want {
		if cl.Order[i] != w {
			t.Errorf("clause %d = %s, want %s", i, cl.Order[i], w)
		}
	}
	// The nested WHERE stays inside the select list.
	if got := Join(cl.Parts["where"]); got != "a > 1" {
		t.Errorf("where = %q", got)
	}
}

func TestSplitSetOperations(t *testing.T) {
	cl, err := Split(Tokenize("SELECT a FROM t UNION ALL SELECT a FROM u EXCEPT SELECT a FROM v"))
	if err != nil {
		t.Fatal(err)
	}
	if cl.SetOp != "UNION" || !cl.SetAll {
		t.Fatalf("first op = %s all=%v", cl.SetOp, cl.SetAll)
	}
	if cl.Next == nil || cl.Next.SetOp != "EXCEPT" || cl.Next.SetAll {
		t.Fatalf("second op = %+v", cl.Next)
	}
	if cl.Next.Next == nil || cl.Next.Next.Next != nil {
		t.Fatalf("expected three operands")
	}
}

func TestSplitStatements(t *testing.T) {
	parts := SplitStatements(Tokenize("INSERT INTO t VALUES ('a;b'); ; SELECT (1); "))
	if len(parts) != 2 {
		t.Fatalf("got %d statements: %v", len(parts), parts)
	}
	if Join(parts[1]) != "SELECT (1)" {
		t.Errorf("second = %q", Join(parts[1]))
	}
}

func TestSyntaxErrors(t *testing.T) {
	cases := []string{
		"SELECT",
		"SELECT a FROM t WHERE",
		"SELECT a FROM t WHERE a = (1",
		"SELECT a FROM t ORDER BY a WHERE a = 1",
		"SELECT a FROM t WHERE a = 1 WHERE b = 2",
		"FROBNICATE t",
		"UNION SELECT 1",
		"SELECT 1 UNION",
		"INSERT INTO t (a) VALUES (1, 2",
		"UPDATE t WHERE a = 1",
		"CREATE TABLE t ()",
		"DROP t",
		"SELECT a FROM t LIMIT x",
		"VACUUM t",
		"START WORK",
	}
	for _, sql := range cases {
		_, err := ParseStatement(Tokenize(sql))
		if err == nil {
			t.Errorf("%q: expected an error", sql)
			continue
		}
		if !errors.Is(err, ErrSyntax) {
			t.Errorf("%q: err = %v, want SyntaxError", sql, err)
		}
	}
}

func TestParseSelect(t *testing.T) {
	sel, ok := parse(t, "SELECT DISTINCT a AS x, t.* FROM t AS t LEFT JOIN u USING (id) WHERE a <> 1 ORDER BY x DESC LIMIT 2 OFFSET 3").(*Select)
	if !ok {
		t.Fatal("not a SELECT")
	}
	if !sel.Distinct || len(sel.Items) != 2 || sel.Items[0].Alias != "x" || !sel.Items[1].Star || sel.Items[1].Qual != "t" {
		t.Errorf("items = %+v", sel.Items)
	}
	if len(sel.From) != 1 || len(sel.From[0].Joins) != 1 {
		t.Fatalf("from = %+v", sel.From)
	}
	j := sel.From[0].Joins[0]
	if j.Type != JoinLeft || len(j.Using) != 1 || j.Right.Table != "u" {
		t.Errorf("join = %+v", j)
	}
	if sel.Limit == nil || sel.Limit.Count != 2 || sel.Limit.Offset != 3 {
		t.Errorf("limit = %+v", sel.Limit)
	}
	if len(sel.OrderBy) != 1 || !sel.OrderBy[0].Desc {
		t.Errorf("order = %+v", sel.OrderBy)
	}
	if sel.WhereText != "a <> 1" {
		t.Errorf("where text = %q", sel.WhereText)
	}
}

func TestParseLimitForms(t *testing.T) {
	cases := []struct {
		sql           string
		count, offset int64
	}{
		{"SELECT a FROM t LIMIT 5", 5, 0},
		{"SELECT a FROM t LIMIT 2, 5", 5, 2},
		{"SELECT a FROM t LIMIT 5 OFFSET 2", 5, 2},
	}
	for _, c := range cases {
		sel := parse(t, c.sql).(*Select)
		if sel.Limit.Count != c.count || sel.Limit.Offset != c.offset {
			t.Errorf("%q: limit = %+v", c.sql, sel.Limit)
		}
	}
}

func TestParseCreateTable(t *testing.T) {
	st := parse(t, `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		email VARCHAR(100) NOT NULL UNIQUE,
		age INT DEFAULT 18,
		note TEXT
	)`).(*CreateTable)
	if !st.IfNotExists {
		t.Error("IF NOT EXISTS lost")
	}
	s := st.Schema
	if s.Name != "users" || len(s.Columns) != 4 {
		t.Fatalf("schema = %+v", s)
	}
	if s.Columns[0].Key != storage.KeyPrimary {
		t.Errorf("id key = %v", s.Columns[0].Key)
	}
	if !s.Columns[1].NotNull || s.Columns[1].Key != storage.KeyUnique {
		t.Errorf("email = %+v", s.Columns[1])
	}
	if !s.Columns[2].HasDef || s.Columns[2].Default != "18" {
		t.Errorf("age default = %+v", s.Columns[2])
	}
}

func TestParseStatementsOfEveryKind(t *testing.T) {
	cases := map[string]string{
		"INSERT INTO t (a, b) VALUES (1, 2), (3, 4)":      "INSERT",
		"REPLACE INTO t VALUES (1)":                       "REPLACE",
		"INSERT INTO t SELECT a FROM u WHERE a > 1":       "INSERT",
		"UPDATE t SET a = a + 1 WHERE b = 2 LIMIT 1":      "UPDATE",
		"DELETE FROM t WHERE a IS NULL":                   "DELETE",
		"DROP TABLE IF EXISTS a, b":                       "DROP TABLE",
		"CREATE DATABASE shop":                            "CREATE DATABASE",
		"DROP DATABASE IF EXISTS shop":                    "DROP DATABASE",
		"DESCRIBE t":                                      "DESCRIBE",
		"DESC t":                                          "DESCRIBE",
		"BEGIN":                                           "BEGIN",
		"START TRANSACTION":                               "BEGIN",
		"COMMIT WORK":                                     "COMMIT",
		"ROLLBACK":                                        "ROLLBACK",
		"VACUUM":                                          "VACUUM",
		"CREATE TABLE c AS SELECT a FROM t":               "CREATE TABLE",
		"SELECT 1 INTERSECT SELECT 1":                     "SELECT",
		"SELECT a FROM t WHERE EXISTS (SELECT 1)":         "SELECT",
		"SELECT a FROM t WHERE a > ALL (SELECT b FROM u)": "SELECT",
	}
	for sql, kind := range cases {
		if got := parse(t, sql).stmtKind(); got != kind {
			t.Errorf("%q: kind = %s, want %s", sql, got, kind)
		}
	}
}
