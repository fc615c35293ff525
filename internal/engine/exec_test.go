package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEndToEndScenarios(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	mustExec(t, e, "CREATE TABLE t (a, b DEFAULT 0)", "INSERT INTO t (a) VALUES (1)")
	expectRows(t, e, "SELECT a, b FROM t", "1,0")
	expectRows(t, e, "SELECT rowid FROM t", "1")

	mustExec(t, e, "INSERT INTO t (a) VALUES (2), (3)")
	expectRows(t, e, "SELECT a FROM t WHERE a > 1 ORDER BY a DESC", "3|2")

	for i := 0; i < 3; i++ {
		mustExec(t, e, "UPDATE t SET b = b + 1 WHERE a = 2")
	}
	expectRows(t, e, "SELECT b FROM t WHERE a = 2", "3")

	before := queryRows(t, e, "SELECT COUNT(*) FROM t")[0][0].(int64)
	mustExec(t, e, "DELETE FROM t WHERE a = 1")
	expectValue(t, e, "SELECT COUNT(*) FROM t", before-1)

	if _, err := e.Batch(ctx, "BEGIN; INSERT INTO t (a) VALUES (99); ROLLBACK;"); err != nil {
		t.Fatalf("batch: %v", err)
	}
	expectValue(t, e, "SELECT COUNT(*) FROM t", before-1)

	mustExec(t, e,
		"CREATE TABLE t1 (a INT)",
		"CREATE TABLE t2 (a INT)",
		"INSERT INTO t1 VALUES (1), (2), (3), (4)",
		"INSERT INTO t2 VALUES (2), (4), (6)",
	)
	joined := render(queryRows(t, e, "SELECT a FROM t1 JOIN t2 ON t1.a = t2.a"))
	in := render(queryRows(t, e, "SELECT a FROM t1 WHERE a IN (SELECT a FROM t2)"))
	if joined != in || joined != "2|4" {
		t.Errorf("join %q and IN %q differ", joined, in)
	}
}

func TestBareJoinColumnBindsLeftmostTable(t *testing.T) {
	e := testEngine(t)
	mustExec(t, e,
		"CREATE TABLE l (id INT, v TEXT)",
		"CREATE TABLE r (id INT, v TEXT)",
		"INSERT INTO l VALUES (1, 'left1'), (2, 'left2')",
		"INSERT INTO r VALUES (2, 'right2'), (3, 'right3')",
	)
	expectRows(t, e, "SELECT v FROM l JOIN r ON l.id = r.id", "left2")
	expectRows(t, e, "SELECT v FROM r JOIN l ON l.id = r.id", "right2")
	expectRows(t, e, "SELECT id, r.v FROM l LEFT JOIN r ON l.id = r.id ORDER BY id", "1,NULL|2,right2")
	expectRows(t, e, "SELECT v FROM l JOIN r USING (id)", "left2")
	if _, err := e.Query(context.Background(), "SELECT x.v FROM l x JOIN r x ON x.id = x.id"); err == nil {
		t.Error("duplicate correlation name compiled")
	}
}

func TestJoins(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)

	cases := []struct{ sql, want string }{
		{"SELECT e.name, d.name FROM emp e JOIN dept d ON e.dept_id = d.id ORDER BY e.id",
			"ann,eng|bob,eng|cid,ops"},
		{"SELECT e.name, d.name FROM emp e INNER JOIN dept d ON e.dept_id = d.id AND d.name = 'ops'",
			"cid,ops"},
		{"SELECT e.name, d.name FROM emp e LEFT JOIN dept d ON e.dept_id = d.id ORDER BY e.id",
			"ann,eng|bob,eng|cid,ops|dee,NULL"},
		{"SELECT d.name, e.name FROM emp e RIGHT OUTER JOIN dept d ON e.dept_id = d.id ORDER BY d.id, e.id",
			"eng,ann|eng,bob|ops,cid|legal,NULL"},
		{"SELECT COUNT(*) FROM emp e FULL JOIN dept d ON e.dept_id = d.id", "5"},
		{"SELECT COUNT(*) FROM emp, dept", "12"},
		{"SELECT COUNT(*) FROM emp CROSS JOIN dept", "12"},
		{"SELECT COUNT(*) FROM emp JOIN dept ON 1 = 1", "12"},
		{"SELECT e.name FROM emp e, dept d WHERE e.dept_id = d.id AND d.name = 'eng' ORDER BY e.name", "ann|bob"},
		{"SELECT s.n FROM (SELECT COUNT(*) AS n FROM emp) AS s", "4"},
		{"SELECT x.name FROM (SELECT name, salary FROM emp WHERE salary > 75) x ORDER BY x.salary", "bob|ann"},
	}
	for _, c := range cases {
		expectRows(t, e, c.sql, c.want)
	}
}

func TestLeftJoinPadsEveryLeftRow(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	rows := queryRows(t, e, "SELECT e.id, d.id, d.name FROM emp e LEFT JOIN dept d ON d.id = 99")
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	for _, r := range rows {
		if r[1] != nil || r[2] != nil {
			t.Errorf("unmatched row %v has right-side values", r)
		}
	}
}

func TestNaturalAndUsingJoins(t *testing.T) {
	e := testEngine(t)
	mustExec(t, e,
		"CREATE TABLE a (id INT, x TEXT)",
		"CREATE TABLE b (id INT, y TEXT)",
		"INSERT INTO a VALUES (1, 'a1'), (2, 'a2')",
		"INSERT INTO b VALUES (2, 'b2'), (3, 'b3')",
	)
	expectRows(t, e, "SELECT id, x, y FROM a JOIN b USING (id)", "2,a2,b2")
	expectRows(t, e, "SELECT id, x, y FROM a NATURAL JOIN b", "2,a2,b2")
	expectRows(t, e, "SELECT id, x, y FROM a NATURAL LEFT JOIN b ORDER BY id", "1,a1,NULL|2,a2,b2")
	expectRows(t, e, "SELECT id, x, y FROM a FULL JOIN b USING (id) ORDER BY id", "1,a1,NULL|2,a2,b2|3,NULL,b3")
	expectRows(t, e, "SELECT * FROM a JOIN b USING (id)", "2,a2,b2")
}

func TestAmbiguousAndUnknownColumns(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	for _, sql := range []string{
		"SELECT id FROM emp, dept",
		"SELECT nope FROM emp",
		"SELECT e.nope FROM emp e",
	} {
		if _, err := e.Query(context.Background(), sql); !errors.Is(err, ErrCompile) {
			t.Errorf("%s: err = %v, want CompileError", sql, err)
		}
	}
}

func TestAggregates(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	cases := []struct{ sql, want string }{
		{"SELECT dept_id, COUNT(*) AS n, SUM(salary), AVG(salary), MIN(name), MAX(name) FROM emp GROUP BY dept_id ORDER BY dept_id",
			"NULL,1,60,60,dee,dee|1,2,180,90,ann,bob|2,1,70,70,cid,cid"},
		{"SELECT COUNT(*), COUNT(dept_id), COUNT(DISTINCT dept_id) FROM emp", "4,3,2"},
		{"SELECT COUNT(*), SUM(salary), AVG(salary), MAX(salary) FROM emp WHERE salary > 1000", "0,NULL,NULL,NULL"},
		{"SELECT dept_id, COUNT(*) AS n FROM emp GROUP BY dept_id HAVING n > 1", "1,2"},
		{"SELECT dept_id FROM emp GROUP BY dept_id HAVING COUNT(*) = 1 ORDER BY dept_id", "NULL|2"},
		{"SELECT dept_id, GROUP_CONCAT(name, '/') FROM emp WHERE dept_id = 1 GROUP BY dept_id", "1,ann/bob"},
		{"SELECT COUNT(*) FROM emp HAVING COUNT(*) > 10", ""},
		{"SELECT SUM(salary) / COUNT(*) AS mean FROM emp", "77.5"},
		{"SELECT salary > 75 AS high, COUNT(*) FROM emp GROUP BY 1 ORDER BY 1", "0,2|1,2"},
		{"SELECT d.name, COUNT(e.id) AS n FROM dept d LEFT JOIN emp e ON e.dept_id = d.id GROUP BY d.name ORDER BY n DESC, d.name",
			"eng,2|ops,1|legal,0"},
		{"SELECT dept_id, MAX(salary) - MIN(salary) AS spread FROM emp GROUP BY dept_id ORDER BY spread DESC LIMIT 1", "1,20"},
	}
	for _, c := range cases {
		expectRows(t, e, c.sql, c.want)
	}
}

func TestCountStarMatchesScan(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	all := queryRows(t, e, "SELECT * FROM emp WHERE 1 = 1")
	expectValue(t, e, "SELECT COUNT(*) FROM emp", int64(len(all)))
}

func TestAggregateMisuse(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	for _, sql := range []string{
		"SELECT name FROM emp WHERE COUNT(*) > 1",
		"SELECT SUM(COUNT(*)) FROM emp",
		"SELECT SUM(*) FROM emp",
		"SELECT UPPER(DISTINCT name) FROM emp",
		"SELECT name FROM emp GROUP BY 5",
		"SELECT name FROM emp ORDER BY 3",
	} {
		if _, err := e.Query(context.Background(), sql); !errors.Is(err, ErrCompile) {
			t.Errorf("%s: err = %v, want CompileError", sql, err)
		}
	}
}

func TestOrderLimitDistinct(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	cases := []struct{ sql, want string }{
		{"SELECT name, salary * 2 AS s2 FROM emp ORDER BY s2 DESC LIMIT 2", "ann,200|bob,160"},
		{"SELECT name, salary FROM emp ORDER BY 2", "dee,60|cid,70|bob,80|ann,100"},
		{"SELECT name FROM emp ORDER BY salary % 30, name", "dee|ann|cid|bob"},
		{"SELECT dept_id FROM emp ORDER BY dept_id", "NULL|1|1|2"},
		{"SELECT dept_id FROM emp ORDER BY dept_id DESC", "2|1|1|NULL"},
		{"SELECT dept_id, name FROM emp ORDER BY dept_id DESC, name", "2,cid|1,ann|1,bob|NULL,dee"},
		{"SELECT id FROM emp ORDER BY id LIMIT 1, 2", "2|3"},
		{"SELECT id FROM emp ORDER BY id LIMIT 2 OFFSET 3", "4"},
		{"SELECT id FROM emp LIMIT 0", ""},
		{"SELECT id FROM emp ORDER BY id LIMIT 10 OFFSET 10", ""},
		{"SELECT DISTINCT dept_id FROM emp ORDER BY dept_id", "NULL|1|2"},
		{"SELECT DISTINCT dept_id FROM emp ORDER BY dept_id LIMIT 1 OFFSET 1", "1"},
		{"SELECT id FROM emp WHERE id = 3", "3"},
		{"SELECT id FROM emp WHERE rowid = 2", "2"},
		{"SELECT id FROM emp LIMIT 2", "1|2"},
	}
	for _, c := range cases {
		expectRows(t, e, c.sql, c.want)
	}
}

func TestSetOperations(t *testing.T) {
	e := testEngine(t)
	mustExec(t, e,
		"CREATE TABLE a (v INT)",
		"CREATE TABLE b (v INT)",
		"INSERT INTO a VALUES (1), (2), (2), (3)",
		"INSERT INTO b VALUES (2), (3), (4)",
	)
	cases := []struct{ sql, want string }{
		{"SELECT v FROM a UNION SELECT v FROM b ORDER BY 1", "1|2|3|4"},
		{"SELECT v FROM a UNION ALL SELECT v FROM b ORDER BY v", "1|2|2|2|3|3|4"},
		{"SELECT v FROM a INTERSECT SELECT v FROM b ORDER BY 1", "2|3"},
		{"SELECT v FROM a INTERSECT ALL SELECT v FROM b ORDER BY 1", "2|3"},
		{"SELECT v FROM a EXCEPT SELECT v FROM b", "1"},
		{"SELECT v FROM a EXCEPT ALL SELECT v FROM b ORDER BY 1", "1|2"},
		{"SELECT v FROM a EXCEPT SELECT v FROM b UNION SELECT v FROM b ORDER BY 1", "1|2|3|4"},
		{"SELECT v FROM a UNION SELECT v FROM b ORDER BY 1 DESC LIMIT 2", "4|3"},
		{"SELECT 1 UNION SELECT 1.0", "1"},
	}
	for _, c := range cases {
		expectRows(t, e, c.sql, c.want)
	}
	if _, err := e.Query(context.Background(), "SELECT v, v FROM a UNION SELECT v FROM b"); !errors.Is(err, ErrCompile) {
		t.Errorf("column count mismatch: err = %v, want CompileError", err)
	}
}

func TestSubqueries(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	cases := []struct{ sql, want string }{
		{"SELECT name FROM emp WHERE dept_id IN (SELECT id FROM dept WHERE name = 'eng') ORDER BY name", "ann|bob"},
		{"SELECT name FROM emp WHERE dept_id NOT IN (SELECT id FROM dept WHERE name = 'eng') ORDER BY name", "cid"},
		{"SELECT name FROM emp WHERE salary = (SELECT MAX(salary) FROM emp)", "ann"},
		{"SELECT name FROM emp e WHERE salary > (SELECT AVG(salary) FROM emp x WHERE x.dept_id = e.dept_id)", "ann"},
		{"SELECT d.name FROM dept d WHERE NOT EXISTS (SELECT 1 FROM emp WHERE emp.dept_id = d.id)", "legal"},
		{"SELECT d.name FROM dept d WHERE EXISTS (SELECT 1 FROM emp WHERE emp.dept_id = d.id) ORDER BY d.id", "eng|ops"},
		{"SELECT name FROM emp WHERE salary >= ALL (SELECT salary FROM emp)", "ann"},
		{"SELECT name FROM emp WHERE salary < ANY (SELECT salary FROM emp WHERE dept_id = 2)", "dee"},
		{"SELECT d.name, (SELECT COUNT(*) FROM emp WHERE emp.dept_id = d.id) AS n FROM dept d ORDER BY d.id", "eng,2|ops,1|legal,0"},
		{"SELECT (SELECT name FROM dept WHERE id = 2)", "ops"},
		{"SELECT (SELECT name FROM dept WHERE id = 42)", "NULL"},
		{"SELECT name FROM emp WHERE dept_id IN (SELECT id FROM dept WHERE id IN (SELECT dept_id FROM emp WHERE salary < 75))", "cid"},
	}
	for _, c := range cases {
		expectRows(t, e, c.sql, c.want)
	}
	if _, err := e.Query(context.Background(), "SELECT (SELECT id FROM dept)"); !errors.Is(err, ErrEval) {
		t.Errorf("multi-row scalar subquery: err = %v, want EvalError", err)
	}
	if _, err := e.Query(context.Background(), "SELECT name FROM emp WHERE id IN (SELECT id, name FROM dept)"); !errors.Is(err, ErrCompile) {
		t.Errorf("two-column IN subquery: err = %v, want CompileError", err)
	}
}

func TestInsertVariants(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)

	res, err := e.Exec(ctx, "INSERT INTO dept (id, name) VALUES (4, 'hr'), (5, 'it')")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 || res.LastInsertID != 5 {
		t.Errorf("result = %+v, want 2 rows, last id 5", res)
	}

	mustExec(t, e, "CREATE TABLE rich (name TEXT)")
	res, err = e.Exec(ctx, "INSERT INTO rich SELECT name FROM emp WHERE salary >= 80")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Errorf("INSERT … SELECT affected %d, want 2", res.RowsAffected)
	}
	expectRows(t, e, "SELECT name FROM rich ORDER BY name", "ann|bob")

	// Same-table INSERT … SELECT reads the rows present before the insert.
	mustExec(t, e, "INSERT INTO rich SELECT name || '2' FROM rich")
	expectValue(t, e, "SELECT COUNT(*) FROM rich", int64(4))

	mustExec(t, e, "CREATE TABLE d (a INT, b INT DEFAULT 1 + 2, c TEXT DEFAULT 'x')")
	mustExec(t, e, "INSERT INTO d (a) VALUES (1)")
	expectRows(t, e, "SELECT a, b, c FROM d", "1,3,x")

	mustExec(t, e, "CREATE TABLE r (v TEXT)", "INSERT INTO r (rowid, v) VALUES (10, 'ten')", "INSERT INTO r (v) VALUES ('eleven')")
	expectRows(t, e, "SELECT rowid, v FROM r ORDER BY rowid", "10,ten|11,eleven")

	expectValue(t, e, "SELECT rowid FROM dept WHERE id = 2", int64(2))

	schemaErrs := []string{
		"INSERT INTO dept (id) VALUES (9)",
		"INSERT INTO dept (id, name) VALUES (1, 'dup')",
		"INSERT INTO dept (nope) VALUES (1)",
		"INSERT INTO dept (id, id) VALUES (1, 2)",
		"INSERT INTO dept (ctime, name) VALUES (1, 'x')",
		"INSERT INTO dept (id, name) VALUES (7)",
		"INSERT INTO dept (id, name) VALUES (8, 'a'), (8, 'b')",
		"INSERT INTO missing VALUES (1)",
	}
	for _, sql := range schemaErrs {
		if _, err := e.Exec(ctx, sql); !errors.Is(err, ErrSchema) {
			t.Errorf("%s: err = %v, want SchemaError", sql, err)
		}
	}
	expectValue(t, e, "SELECT COUNT(*) FROM dept", int64(5))
}

func TestUniqueColumns(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	mustExec(t, e, "CREATE TABLE u (id INTEGER PRIMARY KEY, email TEXT UNIQUE)", "INSERT INTO u (email) VALUES ('a@x'), (NULL), (NULL)")
	if _, err := e.Exec(ctx, "INSERT INTO u (email) VALUES ('a@x')"); !errors.Is(err, ErrSchema) {
		t.Errorf("duplicate unique value: err = %v", err)
	}
	if _, err := e.Exec(ctx, "UPDATE u SET email = 'a@x' WHERE id = 2"); !errors.Is(err, ErrSchema) {
		t.Errorf("update to duplicate unique value: err = %v", err)
	}
	expectRows(t, e, "SELECT id, email FROM u ORDER BY id", "1,a@x|2,NULL|3,NULL")
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)
	res, err := e.Exec(ctx, "REPLACE INTO dept (id, name) VALUES (1, 'engineering')")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("REPLACE affected %d, want 1", res.RowsAffected)
	}
	expectRows(t, e, "SELECT id, name FROM dept ORDER BY id", "1,engineering|2,ops|3,legal")

	res, err = e.Exec(ctx, "REPLACE INTO dept (id, name) VALUES (9, 'new'), (9, 'newer')")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Errorf("REPLACE affected %d, want 2", res.RowsAffected)
	}
	expectRows(t, e, "SELECT name FROM dept WHERE id = 9", "newer")
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	e := testEngine(t, WithClock(clk.Now))
	seedPeople(t, e)
	created := clk.Now().Unix()

	clk.Advance(time.Hour)
	res, err := e.Exec(ctx, "UPDATE emp SET salary = salary + 10 WHERE dept_id = 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Errorf("affected %d, want 2", res.RowsAffected)
	}
	expectRows(t, e, "SELECT name, salary FROM emp ORDER BY id", "ann,110|bob,90|cid,70|dee,60")
	expectRows(t, e, "SELECT ctime = "+itoa(created)+", utime = "+itoa(clk.Now().Unix())+" FROM emp WHERE id = 1", "1,1")
	expectRows(t, e, "SELECT utime = "+itoa(created)+" FROM emp WHERE id = 3", "1")

	// SET sees the old row.
	mustExec(t, e, "CREATE TABLE sw (a INT, b INT)", "INSERT INTO sw VALUES (1, 2)", "UPDATE sw SET a = b, b = a")
	expectRows(t, e, "SELECT a, b FROM sw", "2,1")

	mustExec(t, e, "UPDATE emp SET name = 'top' ORDER BY salary DESC LIMIT 1")
	expectRows(t, e, "SELECT id FROM emp WHERE name = 'top'", "1")

	mustExec(t, e, "UPDATE dept SET id = 10 WHERE id = 3")
	expectRows(t, e, "SELECT rowid, id, name FROM dept WHERE name = 'legal'", "10,10,legal")

	res, err = e.Exec(ctx, "UPDATE emp SET salary = 0 WHERE 1 = 0")
	if err != nil || res.RowsAffected != 0 {
		t.Errorf("no-match update = %+v, %v", res, err)
	}

	for _, sql := range []string{
		"UPDATE dept SET id = 1 WHERE id = 2",
		"UPDATE emp SET rowid = 5",
		"UPDATE emp SET nope = 1",
		"UPDATE dept SET name = NULL",
	} {
		if _, err := e.Exec(ctx, sql); !errors.Is(err, ErrSchema) {
			t.Errorf("%s: err = %v, want SchemaError", sql, err)
		}
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)
	res, err := e.Exec(ctx, "DELETE FROM emp WHERE salary < 75")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Errorf("affected %d, want 2", res.RowsAffected)
	}
	mustExec(t, e, "DELETE FROM emp ORDER BY salary LIMIT 1")
	expectRows(t, e, "SELECT name FROM emp", "ann")
	res, err = e.Exec(ctx, "DELETE FROM emp")
	if err != nil || res.RowsAffected != 1 {
		t.Errorf("delete all = %+v, %v", res, err)
	}
	expectValue(t, e, "SELECT COUNT(*) FROM emp", int64(0))
}

func TestDDL(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	seedPeople(t, e)

	if _, err := e.Exec(ctx, "CREATE TABLE dept (x INT)"); !errors.Is(err, ErrSchema) {
		t.Errorf("duplicate table: err = %v", err)
	}
	mustExec(t, e, "CREATE TABLE IF NOT EXISTS dept (x INT)")
	if _, err := e.Exec(ctx, "DROP TABLE nope"); !errors.Is(err, ErrSchema) {
		t.Errorf("drop missing table: err = %v", err)
	}
	res, err := e.Exec(ctx, "DROP TABLE IF EXISTS nope")
	if err != nil || res.RowsAffected != 0 {
		t.Errorf("drop if exists = %+v, %v", res, err)
	}

	mustExec(t, e, "CREATE TABLE pay AS SELECT name, salary * 1.5 AS bonus FROM emp WHERE dept_id = 1")
	expectRows(t, e, "SELECT name, bonus FROM pay ORDER BY name", "ann,150|bob,120")
	expectRows(t, e, "DESCRIBE pay", "name,TEXT,YES,,NULL|bonus,REAL,YES,,NULL")
	expectRows(t, e, "DESCRIBE dept", "id,INTEGER,NO,PRI,NULL|name,TEXT,NO,,NULL")

	cur, err := e.Describe(ctx, "emp")
	if err != nil {
		t.Fatal(err)
	}
	if got := cur.Columns(); len(got) != 5 || got[0] != "Field" || got[4] != "Default" {
		t.Errorf("describe columns = %v", got)
	}

	names, err := e.Tables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "dept" || names[1] != "emp" || names[2] != "pay" {
		t.Errorf("tables = %v", names)
	}

	res, err = e.Exec(ctx, "DROP TABLE pay, dept")
	if err != nil || res.RowsAffected != 2 {
		t.Errorf("drop two = %+v, %v", res, err)
	}
	if _, err := e.Query(ctx, "SELECT * FROM dept"); !errors.Is(err, ErrSchema) {
		t.Errorf("select dropped table: err = %v", err)
	}
}

func TestVacuumStatement(t *testing.T) {
	e := testEngine(t)
	seedPeople(t, e)
	mustExec(t, e, "DELETE FROM emp WHERE id > 1", "UPDATE emp SET salary = 1")
	cur, err := e.Query(context.Background(), "VACUUM")
	if err != nil {
		t.Fatal(err)
	}
	if cur.RowsAffected() <= 0 {
		t.Errorf("vacuum removed %d lines", cur.RowsAffected())
	}
	if cols := cur.Columns(); len(cols) != 4 || cols[0] != "lines_before" {
		t.Errorf("columns = %v", cols)
	}
	expectRows(t, e, "SELECT name, salary FROM emp", "ann,1")

	ctx := context.Background()
	if err := e.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Exec(ctx, "VACUUM"); !errors.Is(err, ErrLock) {
		t.Errorf("vacuum inside transaction: err = %v, want LockError", err)
	}
	if err := e.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
}

func itoa(n int64) string { return toText(n) }
