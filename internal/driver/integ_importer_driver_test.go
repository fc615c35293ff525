package driver

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
	"github.com/SimonWaldherr/flatSQL/internal/importer"
)

// TestImporterDriverEndToEnd imports through one engine and reads the same
// file through database/sql, which opens engines of its own.
func TestImporterDriverEndToEnd(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "people.fsql")

	e, err := engine.Open(path)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	csv := `id,name
1,Alice
2,Bob
3,Charlie`
	if _, err := importer.ImportCSV(ctx, e, "people", strings.NewReader(csv), &importer.ImportOptions{CreateTable: true, HeaderMode: "present"}); err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("close importer engine: %v", err)
	}

	sdb, err := sql.Open(DriverName, "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	defer sdb.Close()

	var cnt int
	if err := sdb.QueryRow("SELECT COUNT(*) AS c FROM people").Scan(&cnt); err != nil {
		t.Fatalf("QueryRow failed: %v", err)
	}
	if cnt != 3 {
		t.Fatalf("expected 3 rows via database/sql, got %d", cnt)
	}
	var name string
	if err := sdb.QueryRow("SELECT name FROM people WHERE id = ?", 2).Scan(&name); err != nil || name != "Bob" {
		t.Fatalf("lookup by id: %q, %v", name, err)
	}
}
