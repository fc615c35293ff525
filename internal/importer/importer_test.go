// Tests for the importer package. They cover the CSV and JSON paths end to
// end against a real database file: delimiter detection, header handling,
// type inference, null handling and the transactional load.
package importer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(filepath.Join(t.TempDir(), "import.fsql"))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// queryRows returns all rows of q by position.
func queryRows(t *testing.T, e *engine.Engine, q string) [][]any {
	t.Helper()
	cur, err := e.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	defer cur.Close()
	var out [][]any
	for _, r := range cur.FetchAll(engine.FetchNum) {
		out = append(out, r.Num)
	}
	return out
}

func countRows(t *testing.T, e *engine.Engine, table string) int64 {
	t.Helper()
	rows := queryRows(t, e, "SELECT COUNT(*) FROM "+table)
	return rows[0][0].(int64)
}

// TestImportCSV_Basic verifies a simple CSV with header is imported and
// rows/columns are recorded as expected.
func TestImportCSV_Basic(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := `id,name,age
1,Alice,30
2,Bob,25
3,Charlie,35`

	result, err := ImportCSV(ctx, e, "users", strings.NewReader(csvData), &ImportOptions{
		CreateTable:   true,
		TypeInference: true,
		HeaderMode:    "present",
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.RowsInserted != 3 {
		t.Errorf("Expected 3 rows inserted, got %d", result.RowsInserted)
	}
	if len(result.ColumnNames) != 3 {
		t.Errorf("Expected 3 columns, got %d", len(result.ColumnNames))
	}
	if result.Delimiter != ',' {
		t.Errorf("Expected comma delimiter, got %c", result.Delimiter)
	}
	if n := countRows(t, e, "users"); n != 3 {
		t.Errorf("Expected 3 rows in table, got %d", n)
	}
	rows := queryRows(t, e, "SELECT name FROM users WHERE age > 28 ORDER BY age")
	if len(rows) != 2 || rows[0][0] != "Alice" || rows[1][0] != "Charlie" {
		t.Errorf("unexpected filtered rows: %v", rows)
	}
}

// TestImportCSV_NoHeader verifies synthetic column names (col_1, col_2, ...).
func TestImportCSV_NoHeader(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := `1,Alice,30
2,Bob,25
3,Charlie,35`

	result, err := ImportCSV(ctx, e, "users", strings.NewReader(csvData), &ImportOptions{
		CreateTable: true,
		HeaderMode:  "absent",
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.RowsInserted != 3 {
		t.Errorf("Expected 3 rows, got %d", result.RowsInserted)
	}
	expectedNames := []string{"col_1", "col_2", "col_3"}
	for i, name := range expectedNames {
		if result.ColumnNames[i] != name {
			t.Errorf("Expected column %s, got %s", name, result.ColumnNames[i])
		}
	}
	rows := queryRows(t, e, "SELECT col_2 FROM users WHERE col_1 = 2")
	if len(rows) != 1 || rows[0][0] != "Bob" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

// TestImportCSV_TSV ensures a tab delimiter is detected.
func TestImportCSV_TSV(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	tsvData := "id\tname\tage\n1\tAlice\t30\n2\tBob\t25"

	result, err := ImportCSV(ctx, e, "users", strings.NewReader(tsvData), &ImportOptions{
		CreateTable:         true,
		DelimiterCandidates: []rune{'\t'},
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.Delimiter != '\t' {
		t.Errorf("Expected tab delimiter, got %c", result.Delimiter)
	}
	if result.RowsInserted != 2 {
		t.Errorf("Expected 2 rows, got %d", result.RowsInserted)
	}
}

func TestImportCSV_TypeInference(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := `id,price,active,joined,note
1,9.5,true,2024-01-02 10:00:00,x
2,12,false,2024-02-03 11:30:00,y
3,7.25,true,2024-03-04 12:45:00,z`

	result, err := ImportCSV(ctx, e, "items", strings.NewReader(csvData), &ImportOptions{
		CreateTable:   true,
		TypeInference: true,
		HeaderMode:    "present",
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	want := []string{TypeInteger, TypeReal, TypeBoolean, TypeDateTime, TypeText}
	for i, typ := range want {
		if result.ColumnTypes[i] != typ {
			t.Errorf("column %s: type %s, want %s", result.ColumnNames[i], result.ColumnTypes[i], typ)
		}
	}

	cur, err := e.Describe(ctx, "items")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	types, _ := cur.Column("Type")
	if len(types) < 5 || types[1] != TypeReal {
		t.Errorf("declared types = %v", types)
	}

	rows := queryRows(t, e, "SELECT SUM(price) FROM items")
	if got, ok := rows[0][0].(float64); !ok || got != 28.75 {
		t.Errorf("SUM(price) = %v (%T), want 28.75", rows[0][0], rows[0][0])
	}
}

func TestImportCSV_NullHandling(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := `id,name,score
1,Alice,10
2,NULL,n/a
3,,30`

	result, err := ImportCSV(ctx, e, "scores", strings.NewReader(csvData), &ImportOptions{
		CreateTable:   true,
		TypeInference: true,
		HeaderMode:    "present",
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.RowsInserted != 3 {
		t.Fatalf("Expected 3 rows, got %d", result.RowsInserted)
	}
	rows := queryRows(t, e, "SELECT COUNT(*) FROM scores WHERE name IS NULL")
	if rows[0][0] != int64(2) {
		t.Errorf("null names = %v, want 2", rows[0][0])
	}
	rows = queryRows(t, e, "SELECT COUNT(score) FROM scores")
	if rows[0][0] != int64(2) {
		t.Errorf("non-null scores = %v, want 2", rows[0][0])
	}
}

func TestImportCSV_StrictTypesRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	if _, err := e.Exec(ctx, "CREATE TABLE nums (n INTEGER)"); err != nil {
		t.Fatal(err)
	}
	csvData := "n\n1\n2\nthree\n"
	result, err := ImportCSV(ctx, e, "nums", strings.NewReader(csvData), &ImportOptions{
		CreateTable: true,
		HeaderMode:  "present",
		StrictTypes: true,
		// only the first two rows decide the type
		SampleRecords: 2,
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.RowsInserted != 0 || len(result.Errors) == 0 {
		t.Fatalf("strict failure: inserted=%d errors=%v", result.RowsInserted, result.Errors)
	}
	if n := countRows(t, e, "nums"); n != 0 {
		t.Errorf("rows after failed strict import = %d, want 0", n)
	}
	if e.InTx() {
		t.Errorf("import left a transaction open")
	}
}

func TestImportJSON_ArrayOfObjects(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	jsonData := `[
		{"id": 1, "name": "Alice", "tags": ["a", "b"]},
		{"id": 2, "name": "Bob", "extra": true}
	]`

	result, err := ImportJSON(ctx, e, "people", strings.NewReader(jsonData), &ImportOptions{
		CreateTable:   true,
		TypeInference: true,
	})
	if err != nil {
		t.Fatalf("ImportJSON failed: %v", err)
	}
	if result.RowsInserted != 2 {
		t.Errorf("Expected 2 rows, got %d", result.RowsInserted)
	}
	if strings.Join(result.ColumnNames, ",") != "id,name,tags,extra" {
		t.Errorf("columns = %v", result.ColumnNames)
	}
	rows := queryRows(t, e, "SELECT tags FROM people WHERE id = 1")
	if len(rows) != 1 || rows[0][0] != `["a","b"]` {
		t.Errorf("tags = %v", rows)
	}
}

func TestTypeInference_Integer(t *testing.T) {
	samples := [][]string{{"1", "100", "-5"}, {"2", "200", "0"}}
	types := inferColumnTypes(samples, 3, &ImportOptions{NullLiterals: []string{""}})
	for i, typ := range types {
		if typ != TypeInteger {
			t.Errorf("column %d: %s, want INTEGER", i, typ)
		}
	}
}

func TestTypeInference_Float(t *testing.T) {
	samples := [][]string{{"1.5", "2", "3.25"}, {"2.5", "4.0", "1"}}
	types := inferColumnTypes(samples, 3, &ImportOptions{NullLiterals: []string{""}})
	for i, typ := range types {
		if typ != TypeReal {
			t.Errorf("column %d: %s, want REAL", i, typ)
		}
	}
}

func TestTypeInference_Boolean(t *testing.T) {
	samples := [][]string{{"true", "yes", "t"}, {"false", "no", "f"}}
	types := inferColumnTypes(samples, 3, &ImportOptions{NullLiterals: []string{""}})
	for i, typ := range types {
		if typ != TypeBoolean {
			t.Errorf("column %d: %s, want BOOLEAN", i, typ)
		}
	}
}

func TestTypeInference_MixedDefaultsToText(t *testing.T) {
	samples := [][]string{{"1", "abc", "x"}, {"foo", "2", "3"}, {"bar", "baz", "y"}}
	types := inferColumnTypes(samples, 3, &ImportOptions{NullLiterals: []string{""}})
	for i, typ := range types {
		if typ != TypeText {
			t.Errorf("column %d: %s, want TEXT", i, typ)
		}
	}
}

func TestDelimiterDetection(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  rune
	}{
		{"comma", []string{"a,b,c", "1,2,3", "4,5,6"}, ','},
		{"semicolon", []string{"a;b;c", "1;2;3", "4;5;6"}, ';'},
		{"tab", []string{"a\tb\tc", "1\t2\t3"}, '\t'},
		{"pipe", []string{"a|b|c", "1|2|3"}, '|'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectDelimiter(tt.lines, []rune{',', ';', '\t', '|'}); got != tt.want {
				t.Errorf("detectDelimiter = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeColumnNames(t *testing.T) {
	got := sanitizeColumnNames([]string{"first name", "e-mail", "", "a.b"})
	want := []string{"first_name", "e_mail", "col_3", "a_b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sanitizeColumnNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestImportCSV_QuotedFields(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := `id,comment
1,"hello, world"
2,"she said ""hi"""`

	if _, err := ImportCSV(ctx, e, "comments", strings.NewReader(csvData), &ImportOptions{CreateTable: true, HeaderMode: "present"}); err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	rows := queryRows(t, e, "SELECT comment FROM comments ORDER BY id")
	if len(rows) != 2 || rows[0][0] != "hello, world" || rows[1][0] != `she said "hi"` {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestImportCSV_CRLF(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	csvData := "id,name\r\n1,A\r\n2,B\r\n"
	result, err := ImportCSV(ctx, e, "crlf", strings.NewReader(csvData), &ImportOptions{CreateTable: true, HeaderMode: "present"})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if result.RowsInserted != 2 {
		t.Errorf("Expected 2 rows, got %d", result.RowsInserted)
	}
}

func TestImportJSON_NDJSON(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	ndjson := `{"id": 1, "name": "A"}
{"id": 2, "name": "B"}
{"id": 3, "name": "C"}`

	result, err := ImportJSON(ctx, e, "nd", strings.NewReader(ndjson), &ImportOptions{CreateTable: true, TypeInference: true})
	if err != nil {
		t.Fatalf("ImportJSON NDJSON failed: %v", err)
	}
	if result.RowsInserted != 3 {
		t.Errorf("Expected 3 rows, got %d", result.RowsInserted)
	}
	rows := queryRows(t, e, "SELECT MAX(id) FROM nd")
	if rows[0][0] != int64(3) {
		t.Errorf("MAX(id) = %v", rows[0][0])
	}
}
