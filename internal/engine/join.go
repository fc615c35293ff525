package engine

import (
	"context"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// source is one table or derived table of FROM, occupying the row slots
// [offset, offset+len(cols)).
type source struct {
	table   string // base table name, empty for a derived table
	derived *selectPlan
	corr    string   // correlation name
	cols    []string // declared columns followed by the implicit ones
	offset  int
}

// joinStep joins the rows built so far with right.
type joinStep struct {
	typ    JoinType
	right  *source
	on     node
	merged [][2]int // (left slot, right slot) pairs coalesced by NATURAL/USING
	lo     int      // first slot of the group
}

// fromGroup is one comma-separated FROM item with its join chain.
type fromGroup struct {
	first *source
	steps []joinStep
	lo    int
	hi    int
}

func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sourceColumns lists the slots a base table contributes.
func sourceColumns(s *storage.Schema) []string {
	cols := append(s.ColumnNames(), storage.ImplicitColumns...)
	return cols
}

// fill copies a stored record into the slots of src.
func (src *source) fill(row []any, rec *storage.Record) {
	for i, name := range src.cols {
		v, _ := rec.Get(name)
		row[src.offset+i] = v
	}
}

// rows materialises src as full-width rows.
func (src *source) rows(qc *QueryContext, width int) ([][]any, error) {
	if src.derived != nil {
		res, err := src.derived.run(qc.clone(), nil)
		if err != nil {
			return nil, err
		}
		out := make([][]any, len(res.rows))
		for i, r := range res.rows {
			row := make([]any, width)
			copy(row[src.offset:], r)
			out[i] = row
		}
		return out, nil
	}
	var out [][]any
	err := qc.scanTable(src.table, func(ref storage.RowRef) (bool, error) {
		row := make([]any, width)
		src.fill(row, ref.Record)
		out = append(out, row)
		return true, checkCtx(qc.ctx)
	})
	return out, err
}

// rows materialises the group by running its join chain left to right.
func (g *fromGroup) rows(qc *QueryContext, width int, outer *evalCtx) ([][]any, error) {
	cur, err := g.first.rows(qc, width)
	if err != nil {
		return nil, err
	}
	for _, st := range g.steps {
		right, err := st.right.rows(qc, width)
		if err != nil {
			return nil, err
		}
		if cur, err = processJoin(qc, st, cur, right, outer); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func processJoin(qc *QueryContext, st joinStep, leftRows, rightRows [][]any, outer *evalCtx) ([][]any, error) {
	r0, r1 := st.right.offset, st.right.offset+len(st.right.cols)
	joined := make([][]any, 0, len(leftRows))
	rightMatched := make([]bool, len(rightRows))
	ec := &evalCtx{qc: qc, outer: outer}
	for _, l := range leftRows {
		if err := checkCtx(qc.ctx); err != nil {
			return nil, err
		}
		matched := false
		for ri, r := range rightRows {
			m := make([]any, len(l))
			copy(m, l)
			copy(m[r0:r1], r[r0:r1])
			ec.row = m
			ok, err := predicate(st.on, ec)
			if err != nil {
				return nil, err
			}
			if ok {
				coalesceMerged(m, st.merged)
				joined = append(joined, m)
				matched = true
				rightMatched[ri] = true
			}
		}
		if !matched && (st.typ == JoinLeft || st.typ == JoinFull) {
			m := make([]any, len(l))
			copy(m, l)
			joined = append(joined, m)
		}
	}
	if st.typ == JoinRight || st.typ == JoinFull {
		for ri, r := range rightRows {
			if rightMatched[ri] {
				continue
			}
			m := make([]any, len(r))
			copy(m[r0:r1], r[r0:r1])
			coalesceMerged(m, st.merged)
			joined = append(joined, m)
		}
	}
	return joined, nil
}

// coalesceMerged gives each merged left slot the right value when the left
// side is NULL, as for unmatched RIGHT and FULL rows.
func coalesceMerged(row []any, merged [][2]int) {
	for _, p := range merged {
		if row[p[0]] == nil {
			row[p[0]] = row[p[1]]
		}
	}
}
