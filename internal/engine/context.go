package engine

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// QueryContext carries everything one statement needs while it is compiled
// and executed: the database handle, a catalog snapshot, the statement
// clock and the bookkeeping the result cache depends on. Subqueries run on
// clones that share the bookkeeping.
type QueryContext struct {
	ctx   context.Context
	eng   *Engine
	db    *storage.DB
	cat   *storage.Catalog
	now   time.Time
	stats *queryStats
	depth int
}

// queryStats records what a statement touched.
type queryStats struct {
	tables     map[string]bool // lower-cased names of tables read
	volatile   bool
	correlated bool
}

// maxQueryDepth bounds subquery nesting.
const maxQueryDepth = 32

func newQueryContext(ctx context.Context, e *Engine) (*QueryContext, error) {
	qc := &QueryContext{
		ctx:   ctx,
		eng:   e,
		db:    e.db,
		now:   e.clock().UTC(),
		stats: &queryStats{tables: make(map[string]bool)},
	}
	if e.db != nil {
		cat, err := e.db.Catalog()
		if err != nil {
			return nil, err
		}
		qc.cat = cat
	}
	return qc, nil
}

func (qc *QueryContext) clone() *QueryContext {
	c := *qc
	c.depth++
	return &c
}

func (qc *QueryContext) disabled(name string) bool {
	if qc.eng == nil {
		return false
	}
	return qc.eng.disabled[name]
}

func (qc *QueryContext) schema(name string) (*storage.Schema, error) {
	if qc.cat == nil {
		return nil, classify("", storage.ErrNoDB)
	}
	s, ok := qc.cat.Schema(name)
	if !ok {
		return nil, schemaErrf("no such table: %s", name)
	}
	return s, nil
}

// refreshCatalog re-reads the structural lines after DDL.
func (qc *QueryContext) refreshCatalog() error {
	cat, err := qc.db.Catalog()
	if err != nil {
		return err
	}
	qc.cat = cat
	return nil
}

// scanTable streams a table under a shared lock and records the read for
// cache validation.
func (qc *QueryContext) scanTable(name string, fn func(storage.RowRef) (bool, error)) error {
	s, err := qc.schema(name)
	if err != nil {
		return err
	}
	key := s.Key()
	locks := qc.db.Locks()
	if err := locks.LockTable(qc.ctx, key, storage.LockShared); err != nil {
		return err
	}
	qc.stats.tables[strings.ToLower(s.Name)] = true
	scanErr := qc.db.Scan(qc.ctx, s.Name, fn)
	if err := locks.UnlockTable(key); err != nil && scanErr == nil {
		scanErr = err
	}
	return scanErr
}

func (qc *QueryContext) databaseName() string {
	if qc.eng != nil && qc.eng.name != "" {
		return qc.eng.name
	}
	if qc.db == nil {
		return ""
	}
	base := filepath.Base(qc.db.Path())
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (qc *QueryContext) lastInsertID() int64 {
	if qc.eng == nil {
		return 0
	}
	return qc.eng.lastID
}
