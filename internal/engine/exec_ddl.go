package engine

import (
	"errors"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// withGlobalLock runs fn under the file-wide exclusive lock.
func withGlobalLock(qc *QueryContext, fn func() error) error {
	locks := qc.db.Locks()
	if err := locks.LockGlobal(qc.ctx, storage.LockExclusive); err != nil {
		return err
	}
	err := fn()
	if uerr := locks.UnlockGlobal(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func execCreateTable(qc *QueryContext, st *CreateTable) (*execResult, error) {
	s := st.Schema
	if _, exists := qc.cat.Schema(s.Name); exists {
		if st.IfNotExists {
			return &execResult{}, nil
		}
		return nil, schemaErrf("table %s already exists", s.Name)
	}

	var rows [][]any
	if st.AsSelect != nil {
		plan, err := planSelect(qc.clone(), st.AsSelect, nil)
		if err != nil {
			return nil, err
		}
		res, err := plan.run(qc.clone(), nil)
		if err != nil {
			return nil, err
		}
		if len(s.Columns) == 0 {
			for _, name := range res.cols {
				if storage.IsImplicit(name) {
					return nil, schemaErrf("column name %s is reserved", name)
				}
				if _, dup := s.Column(name); dup {
					return nil, schemaErrf("duplicate column %s", name)
				}
				s.Columns = append(s.Columns, storage.Column{Name: name, Type: inferType(res.rows, len(s.Columns))})
			}
		} else if len(s.Columns) != len(res.cols) {
			return nil, schemaErrf("query returns %d columns for %d declared columns", len(res.cols), len(s.Columns))
		}
		rows = res.rows
	}
	if len(s.Columns) == 0 {
		return nil, schemaErrf("table %s needs at least one column", s.Name)
	}

	// Defaults must compile before the table exists.
	dc := newCompiler(qc, newScope(nil, nil))
	for _, c := range s.Columns {
		if c.HasDef {
			if _, err := dc.compileDefault(c.Default); err != nil {
				return nil, err
			}
		}
	}

	err := withGlobalLock(qc, func() error {
		if err := qc.db.CreateTable(qc.ctx, s); err != nil {
			if errors.Is(err, storage.ErrTableExists) && st.IfNotExists {
				return nil
			}
			return err
		}
		return qc.refreshCatalog()
	})
	if err != nil || rows == nil {
		return &execResult{}, err
	}

	s, release, err := lockTable(qc, s.Name)
	if err != nil {
		return nil, err
	}
	defer release()
	return insertRows(qc, s, s.ColumnNames(), rows, false)
}

// inferType picks a declared type for a CREATE TABLE … AS SELECT column
// from its first non-NULL value.
func inferType(rows [][]any, col int) string {
	for _, r := range rows {
		switch r[col].(type) {
		case nil:
			continue
		case int64:
			return "INTEGER"
		case float64:
			return "REAL"
		case bool:
			return "BOOLEAN"
		case []byte:
			return "BLOB"
		case string:
			return "TEXT"
		}
		return "NUMERIC"
	}
	return ""
}

func execDropTable(qc *QueryContext, st *DropTable) (*execResult, error) {
	var n int64
	err := withGlobalLock(qc, func() error {
		for _, name := range st.Names {
			if _, ok := qc.cat.Schema(name); !ok {
				if st.IfExists {
					continue
				}
				return schemaErrf("no such table: %s", name)
			}
			if err := qc.db.DropTable(qc.ctx, name); err != nil {
				return err
			}
			n++
			if err := qc.refreshCatalog(); err != nil {
				return err
			}
		}
		return nil
	})
	return &execResult{affected: n}, err
}

func execDescribe(qc *QueryContext, st *Describe) (*execResult, error) {
	s, err := qc.schema(st.Table)
	if err != nil {
		return nil, err
	}
	set := &resultSet{cols: []string{"Field", "Type", "Null", "Key", "Default"}}
	for _, c := range s.Columns {
		null := "YES"
		if c.NotNull {
			null = "NO"
		}
		key := ""
		switch c.Key {
		case storage.KeyPrimary:
			key = "PRI"
		case storage.KeyUnique:
			key = "UNI"
		}
		var def any
		if c.HasDef {
			def = c.Default
		}
		set.rows = append(set.rows, []any{c.Name, strings.ToUpper(c.Type), null, key, def})
	}
	return &execResult{set: set}, nil
}

func execVacuum(qc *QueryContext) (*execResult, error) {
	stats, err := qc.db.Vacuum(qc.ctx)
	if err != nil {
		return nil, err
	}
	set := &resultSet{
		cols: []string{"lines_before", "lines_after", "bytes_before", "bytes_after"},
		rows: [][]any{{int64(stats.LinesBefore), int64(stats.LinesAfter), stats.BytesBefore, stats.BytesAfter}},
	}
	return &execResult{affected: int64(stats.LinesBefore - stats.LinesAfter), set: set}, nil
}
