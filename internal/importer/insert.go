package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// ============================================================================
// Table Operations
// ============================================================================

// quoteIdent renders name as a backquoted identifier.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// createTable creates the table unless it already exists.
func createTable(ctx context.Context, e *engine.Engine, tableName string, colNames, colTypes []string) error {
	defs := make([]string, len(colNames))
	for i, name := range colNames {
		defs[i] = quoteIdent(name) + " " + colTypes[i]
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(tableName), strings.Join(defs, ", "))
	if _, err := e.Exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}
	return nil
}

// truncateTable removes all rows from a table.
func truncateTable(ctx context.Context, e *engine.Engine, tableName string) error {
	if _, err := e.Exec(ctx, "DELETE FROM "+quoteIdent(tableName)); err != nil {
		return fmt.Errorf("truncate table %s: %w", tableName, err)
	}
	return nil
}

// ============================================================================
// Data Insertion
// ============================================================================

// loader buffers converted rows and writes them as multi-row INSERTs. A
// load runs in its own transaction unless the engine already has one open.
type loader struct {
	e       *engine.Engine
	table   string
	cols    []string
	size    int
	batch   []any
	pending int
	full    *engine.Stmt
	ownTx   bool

	inserted int64
}

func newLoader(ctx context.Context, e *engine.Engine, table string, cols []string, batchSize int) (*loader, error) {
	l := &loader{e: e, table: table, cols: cols, size: batchSize}
	if !e.InTx() {
		if err := e.Begin(ctx); err != nil {
			return nil, fmt.Errorf("begin import: %w", err)
		}
		l.ownTx = true
	}
	return l, nil
}

func (l *loader) insertSQL(n int) string {
	names := make([]string, len(l.cols))
	for i, c := range l.cols {
		names[i] = quoteIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(l.cols)), ", ") + ")"
	tuples := make([]string, n)
	for i := range tuples {
		tuples[i] = tuple
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(l.table), strings.Join(names, ", "), strings.Join(tuples, ", "))
}

// add queues one row, flushing when the batch is full.
func (l *loader) add(ctx context.Context, row []any) error {
	l.batch = append(l.batch, row...)
	l.pending++
	if l.pending >= l.size {
		return l.flush(ctx)
	}
	return nil
}

func (l *loader) flush(ctx context.Context) error {
	if l.pending == 0 {
		return nil
	}
	var err error
	if l.pending == l.size {
		if l.full == nil {
			if l.full, err = l.e.Prepare(l.insertSQL(l.size)); err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
		}
		_, err = l.full.Exec(ctx, l.batch...)
	} else {
		_, err = l.e.Exec(ctx, l.insertSQL(l.pending), l.batch...)
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", l.table, err)
	}
	l.inserted += int64(l.pending)
	l.batch = l.batch[:0]
	l.pending = 0
	return nil
}

// finish flushes the tail and commits, or rolls back when err is set.
// Rolled back loads report zero inserted rows.
func (l *loader) finish(ctx context.Context, err error) error {
	if err == nil {
		err = l.flush(ctx)
	}
	if !l.ownTx {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if rbErr := l.e.Rollback(ctx); rbErr == nil {
			l.inserted = 0
		}
		return err
	}
	if err := l.e.Commit(ctx); err != nil {
		l.inserted = 0
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// insertAllRecords converts and inserts records with batching. Conversion
// failures skip the row unless StrictTypes is set, which aborts the load.
func insertAllRecords(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	colNames []string,
	colTypes []string,
	allRecords [][]string,
	opts *ImportOptions,
) (rowsInserted int64, rowsSkipped int64, errors []string) {
	errors = make([]string, 0)
	l, err := newLoader(ctx, e, tableName, colNames, opts.BatchSize)
	if err != nil {
		return 0, 0, append(errors, err.Error())
	}

	var loadErr error
	for rowNum, rec := range allRecords {
		if ctx.Err() != nil {
			loadErr = fmt.Errorf("import cancelled: %w", ctx.Err())
			break
		}
		row, err := convertRow(rec, colNames, colTypes, opts)
		if err != nil {
			rowsSkipped++
			if opts.StrictTypes {
				loadErr = fmt.Errorf("row %d: %w", rowNum+1, err)
				break
			}
			errors = append(errors, fmt.Sprintf("row %d: %v (skipped)", rowNum+1, err))
			continue
		}
		if loadErr = l.add(ctx, row); loadErr != nil {
			break
		}
	}
	if err := l.finish(ctx, loadErr); err != nil {
		errors = append(errors, err.Error())
	}
	return l.inserted, rowsSkipped, errors
}

// convertRow converts a CSV record to a typed row for insertion.
func convertRow(rec []string, colNames []string, colTypes []string, opts *ImportOptions) ([]any, error) {
	row := make([]any, len(colNames))
	for i := range colNames {
		var val string
		if i < len(rec) {
			val = rec[i]
		}
		converted, err := convertValue(val, colTypes[i], opts.DateTimeFormats, opts.NullLiterals)
		switch {
		case err == nil:
			row[i] = converted
		case opts.StrictTypes:
			return nil, fmt.Errorf("column %s: %w", colNames[i], err)
		default:
			// fall back to the raw text
			row[i] = val
		}
	}
	return row, nil
}
