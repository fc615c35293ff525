package engine

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// TestAgainstSQLite runs the same statements on both engines and compares
// the rendered results.
func TestAgainstSQLite(t *testing.T) {
	ref, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ref.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()

	e := testEngine(t)
	setup := []string{
		"CREATE TABLE dept (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		"CREATE TABLE emp (id INTEGER PRIMARY KEY, name TEXT, dept_id INT, salary INT)",
		"INSERT INTO dept (id, name) VALUES (1, 'eng'), (2, 'ops'), (3, 'legal')",
		"INSERT INTO emp (id, name, dept_id, salary) VALUES (1, 'ann', 1, 100), (2, 'bob', 1, 80), (3, 'cid', 2, 70), (4, 'dee', NULL, 60), (5, 'eve', 2, 70)",
	}
	for _, s := range setup {
		if _, err := ref.Exec(s); err != nil {
			t.Fatalf("sqlite %q: %v", s, err)
		}
		mustExec(t, e, s)
	}

	queries := []string{
		"SELECT e.name, d.name FROM emp e JOIN dept d ON e.dept_id = d.id ORDER BY e.name",
		"SELECT e.name, d.name FROM emp e LEFT JOIN dept d ON e.dept_id = d.id ORDER BY e.id",
		"SELECT d.name, COUNT(e.id) FROM dept d LEFT JOIN emp e ON e.dept_id = d.id GROUP BY d.name ORDER BY d.name",
		"SELECT dept_id, COUNT(*), SUM(salary), MIN(salary), MAX(name) FROM emp GROUP BY dept_id ORDER BY dept_id",
		"SELECT dept_id, AVG(salary) FROM emp WHERE dept_id IS NOT NULL GROUP BY dept_id HAVING COUNT(*) > 1 ORDER BY 1",
		"SELECT name, salary FROM emp ORDER BY salary DESC, name LIMIT 3",
		"SELECT name FROM emp ORDER BY id LIMIT 2 OFFSET 2",
		"SELECT DISTINCT salary FROM emp ORDER BY salary",
		"SELECT dept_id FROM emp ORDER BY dept_id",
		"SELECT salary FROM emp UNION SELECT id * 10 FROM dept ORDER BY 1",
		"SELECT salary FROM emp EXCEPT SELECT 70 ORDER BY 1",
		"SELECT dept_id FROM emp INTERSECT SELECT id FROM dept ORDER BY 1",
		"SELECT name FROM emp WHERE dept_id IN (SELECT id FROM dept WHERE name <> 'eng') ORDER BY name",
		"SELECT name FROM emp WHERE salary > (SELECT AVG(salary) FROM emp) ORDER BY name",
		"SELECT d.name, (SELECT MAX(salary) FROM emp WHERE emp.dept_id = d.id) FROM dept d ORDER BY d.id",
		"SELECT name, CASE WHEN salary >= 80 THEN 'high' ELSE 'low' END FROM emp ORDER BY id",
		"SELECT COALESCE(dept_id, -1), UPPER(name), LENGTH(name) FROM emp ORDER BY id",
		"SELECT name FROM emp WHERE name LIKE '%e%' ORDER BY name",
		"SELECT COUNT(*), COUNT(dept_id), COUNT(DISTINCT salary) FROM emp",
		"SELECT SUM(salary) FROM emp WHERE salary > 1000",
	}
	for _, q := range queries {
		want := sqliteRows(t, ref, q)
		if got := render(queryRows(t, e, q)); got != want {
			t.Errorf("%s\n got: %s\nwant: %s", q, got, want)
		}
	}
}

func sqliteRows(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	rows, err := db.Query(q)
	if err != nil {
		t.Fatalf("sqlite %q: %v", q, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		t.Fatal(err)
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatal(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	return render(out)
}
