package benchmarks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/flatSQL"

	_ "modernc.org/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════════════════════════════════════

func tmpDir(b *testing.B) string {
	b.Helper()
	dir, err := os.MkdirTemp("", "flatsql_bench_*")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type backendEntry struct {
	name string
	open func(b *testing.B) backendOps
}

type backendOps struct {
	save  func(name string, nRows int) // (re)write a table
	load  func(name string) int        // read table, return row count
	point func(name string, id int) string
	close func()
}

func backends() []backendEntry {
	return []backendEntry{
		{"flatSQL", func(b *testing.B) backendOps { return openFlat(b, 100) }},
		{"flatSQL-NoCache", func(b *testing.B) backendOps { return openFlat(b, 0) }},
		{"SQLite-modernc", openSQLite},
	}
}

// ── flatSQL engine ────────────────────────────────────────────────────────

func openFlat(b *testing.B, cacheRows int) backendOps {
	b.Helper()
	ctx := context.Background()
	e, err := flatsql.Open(filepath.Join(tmpDir(b), "bench.fsql"),
		flatsql.WithCacheRows(cacheRows), flatsql.WithPollInterval(time.Millisecond))
	if err != nil {
		b.Fatal(err)
	}
	return backendOps{
		save: func(name string, nRows int) {
			if _, err := e.Batch(ctx, fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (id INT, name TEXT, score REAL); DELETE FROM %s;", name, name)); err != nil {
				b.Fatal(err)
			}
			if err := e.Begin(ctx); err != nil {
				b.Fatal(err)
			}
			st, err := e.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?)", name))
			if err != nil {
				b.Fatal(err)
			}
			for i := 0; i < nRows; i++ {
				if _, err := st.Exec(ctx, i, fmt.Sprintf("user_%d", i), float64(i)*1.1); err != nil {
					b.Fatal(err)
				}
			}
			if err := e.Commit(ctx); err != nil {
				b.Fatal(err)
			}
		},
		load: func(name string) int {
			cur, err := e.Query(ctx, fmt.Sprintf("SELECT id, name, score FROM %s", name))
			if err != nil {
				b.Fatal(err)
			}
			return len(cur.FetchAll(flatsql.FetchNum))
		},
		point: func(name string, id int) string {
			cur, err := e.Query(ctx, fmt.Sprintf("SELECT name FROM %s WHERE id = ?", name), id)
			if err != nil {
				b.Fatal(err)
			}
			v, _ := cur.FetchColumn(0)
			s, _ := v.(string)
			return s
		},
		close: func() { e.Close(ctx) },
	}
}

// ── SQLite via database/sql ───────────────────────────────────────────────

func openSQLite(b *testing.B) backendOps {
	b.Helper()
	db, err := sql.Open("sqlite", filepath.Join(tmpDir(b), "bench.sqlite3"))
	if err != nil {
		b.Fatal(err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")

	return backendOps{
		save: func(name string, nRows int) {
			db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER, name TEXT, score REAL)", name))
			db.Exec(fmt.Sprintf("DELETE FROM %s", name))
			tx, _ := db.Begin()
			stmt, _ := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (?,?,?)", name))
			for i := 0; i < nRows; i++ {
				stmt.Exec(i, fmt.Sprintf("user_%d", i), float64(i)*1.1)
			}
			stmt.Close()
			tx.Commit()
		},
		load: func(name string) int {
			rows, err := db.Query(fmt.Sprintf("SELECT id, name, score FROM %s", name))
			if err != nil {
				return 0
			}
			defer rows.Close()
			count := 0
			var id int
			var nm string
			var sc float64
			for rows.Next() {
				rows.Scan(&id, &nm, &sc)
				count++
			}
			return count
		},
		point: func(name string, id int) string {
			var s string
			db.QueryRow(fmt.Sprintf("SELECT name FROM %s WHERE id = ?", name), id).Scan(&s)
			return s
		},
		close: func() { db.Close() },
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Benchmark: BulkInsert: write N rows in one transaction
// ═══════════════════════════════════════════════════════════════════════════

func BenchmarkBulkInsert(b *testing.B) {
	for _, rc := range []int{10, 100, 1000} {
		for _, be := range backends() {
			b.Run(fmt.Sprintf("%s/rows=%d", be.name, rc), func(b *testing.B) {
				ops := be.open(b)
				defer ops.close()

				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					ops.save("bench", rc)
				}
			})
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Benchmark: FullScan: read all rows from a table
// ═══════════════════════════════════════════════════════════════════════════

func BenchmarkFullScan(b *testing.B) {
	for _, rc := range []int{10, 100, 1000} {
		for _, be := range backends() {
			b.Run(fmt.Sprintf("%s/rows=%d", be.name, rc), func(b *testing.B) {
				ops := be.open(b)
				defer ops.close()
				ops.save("scan_target", rc)

				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if n := ops.load("scan_target"); n != rc {
						b.Fatalf("expected %d rows, got %d", rc, n)
					}
				}
			})
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Benchmark: PointQuery: WHERE id = ? on a populated table
// ═══════════════════════════════════════════════════════════════════════════

func BenchmarkPointQuery(b *testing.B) {
	const rows = 1000
	for _, be := range backends() {
		b.Run(be.name, func(b *testing.B) {
			ops := be.open(b)
			defer ops.close()
			ops.save("pq", rows)

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				id := i % rows
				if got := ops.point("pq", id); got != fmt.Sprintf("user_%d", id) {
					b.Fatalf("id %d: got %q", id, got)
				}
			}
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Benchmark: Vacuum: compact after rewriting a table
// ═══════════════════════════════════════════════════════════════════════════

func BenchmarkVacuum(b *testing.B) {
	ctx := context.Background()
	e, err := flatsql.Open(filepath.Join(tmpDir(b), "vacuum.fsql"))
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close(ctx)
	if _, err := e.Exec(ctx, "CREATE TABLE v (id INT, payload TEXT)"); err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		if _, err := e.Exec(ctx, "INSERT INTO v VALUES (?, 'xxxxxxxxxxxxxxxx')", i); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		if _, err := e.Exec(ctx, "UPDATE v SET payload = payload"); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		if _, err := e.Vacuum(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
