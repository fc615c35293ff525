package engine

import (
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// execResult is the outcome of a statement that does not return rows, or
// the rows of one that does.
type execResult struct {
	affected int64
	lastID   int64
	set      *resultSet
}

// lockTable takes the exclusive lock of a table and refreshes the catalog
// so sequence counters are current. The returned func releases the lock.
func lockTable(qc *QueryContext, name string) (*storage.Schema, func(), error) {
	s, err := qc.schema(name)
	if err != nil {
		return nil, nil, err
	}
	key := s.Key()
	locks := qc.db.Locks()
	if err := locks.LockTable(qc.ctx, key, storage.LockExclusive); err != nil {
		return nil, nil, err
	}
	release := func() { _ = locks.UnlockTable(key) }
	if err := qc.refreshCatalog(); err != nil {
		release()
		return nil, nil, err
	}
	if s, err = qc.schema(name); err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

func execInsert(qc *QueryContext, st *Insert) (*execResult, error) {
	s, release, err := lockTable(qc, st.Table)
	if err != nil {
		return nil, err
	}
	defer release()

	cols := st.Cols
	if len(cols) == 0 {
		cols = s.ColumnNames()
	}
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		lc := strings.ToLower(c)
		if seen[lc] {
			return nil, schemaErrf("column %s is listed twice", c)
		}
		seen[lc] = true
		if lc == storage.ColRowID {
			cols[i] = storage.ColRowID
			continue
		}
		if storage.IsImplicit(c) {
			return nil, schemaErrf("column %s cannot be set", c)
		}
		col, ok := s.Column(c)
		if !ok {
			return nil, schemaErrf("table %s has no column %s", s.Name, c)
		}
		cols[i] = col.Name
	}

	var rows [][]any
	if st.Query != nil {
		plan, err := planSelect(qc.clone(), st.Query, nil)
		if err != nil {
			return nil, err
		}
		res, err := plan.run(qc.clone(), nil)
		if err != nil {
			return nil, err
		}
		if len(res.cols) != len(cols) {
			return nil, schemaErrf("query returns %d columns for %d target columns", len(res.cols), len(cols))
		}
		rows = res.rows
	} else {
		c := newCompiler(qc, newScope(nil, nil))
		ec := &evalCtx{qc: qc}
		for _, exprs := range st.Rows {
			if len(exprs) != len(cols) {
				return nil, schemaErrf("%d values for %d columns", len(exprs), len(cols))
			}
			row := make([]any, len(exprs))
			for i, e := range exprs {
				n, err := c.compile(e)
				if err != nil {
					return nil, err
				}
				if row[i], err = evaluate(n, ec); err != nil {
					return nil, err
				}
			}
			rows = append(rows, row)
		}
		c.finish()
	}
	return insertRows(qc, s, cols, rows, st.Replace)
}

// keyOwner identifies the row holding a key value: an existing row
// (ref != nil) or a pending record at index pending.
type keyOwner struct {
	ref     *storage.RowRef
	pending int
}

// keyIndex tracks primary key, unique and rowid values of a table.
type keyIndex struct {
	cols   []string
	owners map[string]map[string]keyOwner // column → value key → owner
}

func newKeyIndex(s *storage.Schema) *keyIndex {
	ki := &keyIndex{cols: []string{storage.ColRowID}, owners: make(map[string]map[string]keyOwner)}
	for _, c := range s.Columns {
		if c.Key != storage.KeyNone {
			ki.cols = append(ki.cols, c.Name)
		}
	}
	for _, c := range ki.cols {
		ki.owners[c] = make(map[string]keyOwner)
	}
	return ki
}

func (ki *keyIndex) add(rec *storage.Record, owner keyOwner) {
	for _, c := range ki.cols {
		if v, _ := rec.Get(c); v != nil {
			ki.owners[c][rowKey([]any{v})] = owner
		}
	}
}

func (ki *keyIndex) remove(rec *storage.Record) {
	for _, c := range ki.cols {
		if v, _ := rec.Get(c); v != nil {
			delete(ki.owners[c], rowKey([]any{v}))
		}
	}
}

// conflicts returns the distinct owners colliding with rec's key values.
func (ki *keyIndex) conflicts(rec *storage.Record) ([]keyOwner, string) {
	var out []keyOwner
	var first string
	for _, c := range ki.cols {
		v, _ := rec.Get(c)
		if v == nil {
			continue
		}
		o, ok := ki.owners[c][rowKey([]any{v})]
		if !ok {
			continue
		}
		if first == "" {
			first = c
		}
		dup := false
		for _, x := range out {
			if x == o {
				dup = true
			}
		}
		if !dup {
			out = append(out, o)
		}
	}
	return out, first
}

// intPrimaryKey reports whether the primary key doubles as the rowid.
func intPrimaryKey(s *storage.Schema) (storage.Column, bool) {
	if s.PrimaryKey == "" {
		return storage.Column{}, false
	}
	c, ok := s.Column(s.PrimaryKey)
	return c, ok && strings.Contains(strings.ToUpper(c.Type), "INT")
}

// insertRows builds records for rows (ordered as cols) and appends them.
// The caller holds the table's exclusive lock.
func insertRows(qc *QueryContext, s *storage.Schema, cols []string, rows [][]any, replace bool) (*execResult, error) {
	entry, ok := qc.cat.Entry(s.Name)
	if !ok {
		return nil, schemaErrf("no such table: %s", s.Name)
	}
	next := entry.NextRowID
	keys := newKeyIndex(s)
	err := qc.scanTable(s.Name, func(ref storage.RowRef) (bool, error) {
		r := ref
		keys.add(r.Record, keyOwner{ref: &r, pending: -1})
		if id := r.Record.RowID(); id >= next {
			next = id + 1
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	defaults := make(map[string]node)
	dc := newCompiler(qc, newScope(nil, nil))
	for _, c := range s.Columns {
		if c.HasDef {
			n, err := dc.compileDefault(c.Default)
			if err != nil {
				return nil, err
			}
			defaults[c.Name] = n
		}
	}
	dc.finish()

	pk, intPK := intPrimaryKey(s)
	names := append(s.ColumnNames(), storage.ColRowID)
	var pending []*storage.Record
	var deletes []storage.RowRef
	ec := &evalCtx{qc: qc}
	for _, row := range rows {
		if err := checkCtx(qc.ctx); err != nil {
			return nil, err
		}
		given := make(map[string]any, len(cols))
		for i, c := range cols {
			given[strings.ToLower(c)] = row[i]
		}
		vals := make([]any, len(names))
		for i, c := range s.Columns {
			v, ok := given[strings.ToLower(c.Name)]
			if !ok {
				if n, hasDef := defaults[c.Name]; hasDef {
					var err error
					if v, err = evaluate(n, ec); err != nil {
						return nil, err
					}
				}
			}
			vals[i] = affinity(normalize(v), c.Type)
		}
		rec := storage.NewRecord(names, vals)

		var id int64
		if v := given[storage.ColRowID]; v != nil {
			id = toInt(v)
		} else if intPK {
			if v, _ := rec.Get(pk.Name); v != nil {
				id = toInt(v)
			}
		}
		if id <= 0 {
			id = next
		}
		if intPK {
			if v, _ := rec.Get(pk.Name); v == nil {
				rec.Set(pk.Name, id)
			}
		}
		rec.Set(storage.ColRowID, id)
		if id >= next {
			next = id + 1
		}
		for _, c := range s.Columns {
			if v, _ := rec.Get(c.Name); v == nil && c.NotNull {
				return nil, schemaErrf("column %s.%s may not be NULL", s.Name, c.Name)
			}
		}

		owners, col := keys.conflicts(rec)
		if len(owners) > 0 && !replace {
			v, _ := rec.Get(col)
			return nil, schemaErrf("duplicate value %s for key %s of %s", toText(v), col, s.Name)
		}
		for _, o := range owners {
			if o.ref != nil {
				keys.remove(o.ref.Record)
				deletes = append(deletes, *o.ref)
				continue
			}
			keys.remove(pending[o.pending])
			pending[o.pending] = nil
		}
		keys.add(rec, keyOwner{pending: len(pending)})
		pending = append(pending, rec)
	}

	recs := make([]*storage.Record, 0, len(pending))
	for _, r := range pending {
		if r != nil {
			recs = append(recs, r)
		}
	}
	if len(deletes) > 0 {
		if err := qc.db.Delete(qc.ctx, s.Name, deletes); err != nil {
			return nil, err
		}
	}
	res := &execResult{affected: int64(len(rows))}
	if len(recs) == 0 {
		return res, nil
	}
	ids, err := qc.db.Insert(qc.ctx, s.Name, recs)
	if err != nil {
		return nil, err
	}
	res.lastID = ids[len(ids)-1]
	return res, nil
}

// target is the compiled row source of UPDATE and DELETE.
type target struct {
	schema *storage.Schema
	src    *source
	sc     *scope
	where  node
	order  []orderKey
	limit  *Limit
}

type match struct {
	ref  storage.RowRef
	row  []any
	keys []any
}

func compileTarget(qc *QueryContext, s *storage.Schema, alias, whereText string, where Expr, order []OrderItem, limit *Limit) (*target, *compiler, error) {
	src := &source{table: s.Name, corr: s.Name, cols: sourceColumns(s)}
	if alias != "" {
		src.corr = alias
	}
	cols := make([]scopeCol, len(src.cols))
	for i, name := range src.cols {
		cols[i] = scopeCol{Table: src.corr, Name: name, Hidden: storage.IsImplicit(name)}
	}
	t := &target{schema: s, src: src, sc: newScope(cols, nil), limit: limit}
	c := newCompiler(qc, t.sc)
	var err error
	if t.where, err = c.compileMemo(whereText, where); err != nil {
		return nil, nil, err
	}
	for _, o := range order {
		n, err := c.compile(o.Expr)
		if err != nil {
			return nil, nil, err
		}
		t.order = append(t.order, orderKey{n: n, desc: o.Desc})
	}
	return t, c, nil
}

// matches scans the table and returns the rows the statement applies to.
func (t *target) matches(qc *QueryContext) ([]match, error) {
	var out []match
	ec := &evalCtx{qc: qc}
	stop := -1
	if t.limit != nil && len(t.order) == 0 {
		stop = int(t.limit.Offset + t.limit.Count)
	}
	if stop == 0 {
		return nil, nil
	}
	err := qc.scanTable(t.schema.Name, func(ref storage.RowRef) (bool, error) {
		if err := checkCtx(qc.ctx); err != nil {
			return false, err
		}
		row := make([]any, len(t.src.cols))
		t.src.fill(row, ref.Record)
		ec.row = row
		ok, err := predicate(t.where, ec)
		if err != nil || !ok {
			return err == nil, err
		}
		keys, err := evalKeys(t.order, ec)
		if err != nil {
			return false, err
		}
		out = append(out, match{ref: ref, row: row, keys: keys})
		return stop < 0 || len(out) < stop, nil
	})
	if err != nil {
		return nil, err
	}
	if len(t.order) > 0 {
		sr := make([]sortedRow, len(out))
		for i, m := range out {
			sr[i] = sortedRow{vals: []any{int64(i)}, keys: m.keys}
		}
		sortRows(sr, t.order)
		sorted := make([]match, len(sr))
		for i, r := range sr {
			sorted[i] = out[r.vals[0].(int64)]
		}
		out = sorted
	}
	return applyLimit(out, t.limit), nil
}

func execUpdate(qc *QueryContext, st *Update) (*execResult, error) {
	s, release, err := lockTable(qc, st.Table)
	if err != nil {
		return nil, err
	}
	defer release()

	t, c, err := compileTarget(qc, s, st.Alias, st.WhereText, st.Where, st.OrderBy, st.Limit)
	if err != nil {
		return nil, err
	}
	type setter struct {
		col storage.Column
		n   node
	}
	sets := make([]setter, 0, len(st.Sets))
	for _, a := range st.Sets {
		if storage.IsImplicit(a.Col) {
			return nil, schemaErrf("column %s cannot be set", a.Col)
		}
		col, ok := s.Column(a.Col)
		if !ok {
			return nil, schemaErrf("table %s has no column %s", s.Name, a.Col)
		}
		n, err := c.compile(a.Expr)
		if err != nil {
			return nil, err
		}
		sets = append(sets, setter{col: col, n: n})
	}
	c.finish()

	ms, err := t.matches(qc)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return &execResult{}, nil
	}

	pk, intPK := intPrimaryKey(s)
	refs := make([]storage.RowRef, len(ms))
	recs := make([]*storage.Record, len(ms))
	ec := &evalCtx{qc: qc}
	for i, m := range ms {
		ec.row = m.row
		rec := m.ref.Record.Clone()
		for _, set := range sets {
			v, err := evaluate(set.n, ec)
			if err != nil {
				return nil, err
			}
			v = affinity(normalize(v), set.col.Type)
			if v == nil && set.col.NotNull {
				return nil, schemaErrf("column %s.%s may not be NULL", s.Name, set.col.Name)
			}
			rec.Set(set.col.Name, v)
		}
		if intPK {
			if v, _ := rec.Get(pk.Name); v != nil {
				rec.Set(storage.ColRowID, toInt(v))
			}
		}
		refs[i], recs[i] = m.ref, rec
	}
	if err := checkUpdatedKeys(qc, s, refs, recs); err != nil {
		return nil, err
	}
	if err := qc.db.Update(qc.ctx, s.Name, refs, recs); err != nil {
		return nil, err
	}
	return &execResult{affected: int64(len(ms))}, nil
}

// checkUpdatedKeys verifies that the new key values collide neither with
// untouched rows nor with each other.
func checkUpdatedKeys(qc *QueryContext, s *storage.Schema, refs []storage.RowRef, recs []*storage.Record) error {
	touched := make(map[int]bool, len(refs))
	for _, r := range refs {
		touched[r.Line] = true
	}
	keys := newKeyIndex(s)
	err := qc.scanTable(s.Name, func(ref storage.RowRef) (bool, error) {
		if !touched[ref.Line] {
			keys.add(ref.Record, keyOwner{pending: -1})
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for i, rec := range recs {
		if owners, col := keys.conflicts(rec); len(owners) > 0 {
			v, _ := rec.Get(col)
			return schemaErrf("duplicate value %s for key %s of %s", toText(v), col, s.Name)
		}
		keys.add(rec, keyOwner{pending: i})
	}
	return nil
}

func execDelete(qc *QueryContext, st *Delete) (*execResult, error) {
	s, release, err := lockTable(qc, st.Table)
	if err != nil {
		return nil, err
	}
	defer release()

	t, c, err := compileTarget(qc, s, st.Alias, st.WhereText, st.Where, st.OrderBy, st.Limit)
	if err != nil {
		return nil, err
	}
	c.finish()
	ms, err := t.matches(qc)
	if err != nil {
		return nil, err
	}
	refs := make([]storage.RowRef, len(ms))
	for i, m := range ms {
		refs[i] = m.ref
	}
	if err := qc.db.Delete(qc.ctx, s.Name, refs); err != nil {
		return nil, err
	}
	return &execResult{affected: int64(len(ms))}, nil
}
