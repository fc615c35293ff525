package engine

import (
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// resultSet is the materialised output of a SELECT.
type resultSet struct {
	cols []string
	rows [][]any
}

type projItem struct {
	n    node
	name string
}

// selectPlan is a compiled SELECT operand. Compound queries chain operands
// through next; the head carries the ORDER BY and LIMIT of the compound.
// A plan holds no per-run state, so correlated subqueries run it once per
// outer row.
type selectPlan struct {
	groups []*fromGroup
	width  int
	sc     *scope

	where    node
	items    []projItem
	columns  []string
	grouped  bool
	aggs     []*aggSpec
	groupBy  []node
	having   node
	order    []orderKey
	distinct bool
	limit    *Limit
	single   bool // WHERE pins one row by rowid or primary key

	// outerRefs is the deepest enclosing query referenced; 0 means the
	// plan is uncorrelated.
	outerRefs int

	setOp         string
	setAll        bool
	next          *selectPlan
	compoundOrder []orderKey
	compoundLimit *Limit
}

// planSelect compiles sel, folding set operations left to right.
func planSelect(qc *QueryContext, sel *Select, outer *scope) (*selectPlan, error) {
	if qc.depth > maxQueryDepth {
		return nil, compileErrf("subqueries nested deeper than %d", maxQueryDepth)
	}
	head, err := planOperand(qc, sel, outer, sel.Next != nil)
	if err != nil {
		return nil, err
	}
	if sel.Next == nil {
		return head, nil
	}
	prev := head
	for s := sel; s.Next != nil; s = s.Next {
		op, err := planOperand(qc, s.Next, outer, true)
		if err != nil {
			return nil, err
		}
		if len(op.columns) != len(head.columns) {
			return nil, compileErrf("%s operands have %d and %d columns", s.SetOp, len(head.columns), len(op.columns))
		}
		prev.setOp, prev.setAll, prev.next = s.SetOp, s.SetAll, op
		head.outerRefs = max(head.outerRefs, op.outerRefs)
		prev = op
	}

	// ORDER BY of a compound sees the output columns only.
	cols := make([]scopeCol, len(head.columns))
	for i, name := range head.columns {
		cols[i] = scopeCol{Name: name}
	}
	osc := newScope(cols, outer)
	for _, o := range sel.OrderBy {
		if k, ok := ordinal(o.Expr); ok {
			if k < 1 || k > len(cols) {
				return nil, compileErrf("ORDER BY position %d is out of range", k)
			}
			head.compoundOrder = append(head.compoundOrder, orderKey{n: &colNode{slot: k - 1, name: cols[k-1].Name}, desc: o.Desc})
			continue
		}
		c := newCompiler(qc, osc)
		n, err := c.compile(o.Expr)
		if err != nil {
			return nil, err
		}
		head.track(c)
		head.compoundOrder = append(head.compoundOrder, orderKey{n: n, desc: o.Desc})
	}
	head.compoundLimit = sel.Limit
	return head, nil
}

func (p *selectPlan) track(c *compiler) {
	c.finish()
	p.outerRefs = max(p.outerRefs, c.maxDepth)
}

func ordinal(e Expr) (int, bool) {
	lit, ok := e.(*Literal)
	if !ok {
		return 0, false
	}
	k, ok := lit.Val.(int64)
	return int(k), ok
}

// planOperand compiles one SELECT operand. For compound operands ORDER BY
// and LIMIT are left to planSelect.
func planOperand(qc *QueryContext, sel *Select, outer *scope, compound bool) (*selectPlan, error) {
	p := &selectPlan{distinct: sel.Distinct}
	if !compound {
		p.limit = sel.Limit
	}
	var cols []scopeCol
	corrs := make(map[string]bool)

	addSource := func(fi FromItem) (*source, error) {
		src := &source{offset: len(cols)}
		implicit := 0
		if fi.Derived != nil {
			dp, err := planSelect(qc.clone(), fi.Derived, nil)
			if err != nil {
				return nil, err
			}
			src.derived, src.cols, src.corr = dp, dp.columns, fi.Alias
		} else {
			s, err := qc.schema(fi.Table)
			if err != nil {
				return nil, err
			}
			src.table, src.cols, src.corr = s.Name, sourceColumns(s), s.Name
			if fi.Alias != "" {
				src.corr = fi.Alias
			}
			implicit = len(storage.ImplicitColumns)
		}
		key := strings.ToLower(src.corr)
		if corrs[key] {
			return nil, compileErrf("table name %s is used more than once", src.corr)
		}
		corrs[key] = true
		for i, name := range src.cols {
			cols = append(cols, scopeCol{Table: src.corr, Name: name, Hidden: i >= len(src.cols)-implicit})
		}
		return src, nil
	}

	for _, fi := range sel.From {
		g := &fromGroup{lo: len(cols)}
		first, err := addSource(fi)
		if err != nil {
			return nil, err
		}
		g.first = first
		for _, j := range fi.Joins {
			right, err := addSource(j.Right)
			if err != nil {
				return nil, err
			}
			st := joinStep{typ: j.Type, right: right, lo: g.lo}
			if j.Natural || len(j.Using) > 0 {
				if err := p.mergeColumns(&st, cols, j); err != nil {
					return nil, err
				}
			}
			if j.On != nil {
				c := newCompiler(qc, &scope{cols: cols, lo: g.lo, hi: len(cols), outer: outer})
				if st.on, err = c.compile(j.On); err != nil {
					return nil, err
				}
				p.track(c)
			}
			g.steps = append(g.steps, st)
		}
		g.hi = len(cols)
		p.groups = append(p.groups, g)
	}
	p.width = len(cols)
	p.sc = newScope(cols, outer)

	if sel.Where != nil {
		c := newCompiler(qc, p.sc)
		var err error
		if p.where, err = c.compileMemo(sel.WhereText, sel.Where); err != nil {
			return nil, err
		}
		p.track(c)
	}

	var aliases []string
	for _, it := range sel.Items {
		if it.Star {
			if err := p.expandStar(it, len(sel.From) > 0); err != nil {
				return nil, err
			}
			for len(aliases) < len(p.items) {
				aliases = append(aliases, "")
			}
			continue
		}
		c := newCompiler(qc, p.sc)
		c.aggs = &p.aggs
		n, err := c.compile(it.Expr)
		if err != nil {
			return nil, err
		}
		p.track(c)
		name := it.Alias
		if name == "" {
			if id, ok := it.Expr.(*Ident); ok {
				name = id.Name
			} else {
				name = it.Text
			}
		}
		p.items = append(p.items, projItem{n: n, name: name})
		aliases = append(aliases, it.Alias)
	}
	p.columns = make([]string, len(p.items))
	for i, it := range p.items {
		p.columns[i] = it.name
	}

	for _, e := range sel.GroupBy {
		if k, ok := ordinal(e); ok {
			if k < 1 || k > len(p.items) {
				return nil, compileErrf("GROUP BY position %d is out of range", k)
			}
			p.groupBy = append(p.groupBy, p.items[k-1].n)
			continue
		}
		if id, ok := e.(*Ident); ok && id.Qual == "" {
			if _, found, _ := p.sc.lookup("", id.Name); !found {
				if i := aliasIndex(aliases, id.Name); i >= 0 {
					p.groupBy = append(p.groupBy, p.items[i].n)
					continue
				}
			}
		}
		c := newCompiler(qc, p.sc)
		n, err := c.compile(e)
		if err != nil {
			return nil, err
		}
		p.track(c)
		p.groupBy = append(p.groupBy, n)
	}

	if sel.Having != nil {
		c := newCompiler(qc, p.sc)
		c.aggs, c.aliases = &p.aggs, aliases
		var err error
		if p.having, err = c.compile(sel.Having); err != nil {
			return nil, err
		}
		p.track(c)
	}

	if !compound {
		for _, o := range sel.OrderBy {
			if k, ok := ordinal(o.Expr); ok {
				if k < 1 || k > len(p.items) {
					return nil, compileErrf("ORDER BY position %d is out of range", k)
				}
				p.order = append(p.order, orderKey{n: &projNode{idx: k - 1, name: p.items[k-1].name}, desc: o.Desc})
				continue
			}
			c := newCompiler(qc, p.sc)
			c.aggs, c.aliases = &p.aggs, aliases
			n, err := c.compile(o.Expr)
			if err != nil {
				return nil, err
			}
			p.track(c)
			p.order = append(p.order, orderKey{n: n, desc: o.Desc})
		}
	}

	p.grouped = len(p.groupBy) > 0 || len(p.aggs) > 0 || p.having != nil
	p.single = p.pointLookup(qc, sel)
	return p, nil
}

func aliasIndex(aliases []string, name string) int {
	for i, a := range aliases {
		if a != "" && strings.EqualFold(a, name) {
			return i
		}
	}
	return -1
}

// mergeColumns pairs the NATURAL or USING columns of a join step and hides
// the right copies from bare references.
func (p *selectPlan) mergeColumns(st *joinStep, cols []scopeCol, j JoinClause) error {
	left := &scope{cols: cols, lo: st.lo, hi: st.right.offset}
	right := st.right
	names := j.Using
	if j.Natural {
		names = nil
		for i, name := range right.cols {
			if cols[right.offset+i].Hidden {
				continue
			}
			if _, found, _ := left.lookup("", name); found {
				names = append(names, name)
			}
		}
	}
	var terms []node
	for _, name := range names {
		ls, found, err := left.lookup("", name)
		if err != nil {
			return err
		}
		if !found || cols[ls].Hidden {
			return compileErrf("column %s of USING is missing on the left side", name)
		}
		rs := -1
		for i, rc := range right.cols {
			if strings.EqualFold(rc, name) && !cols[right.offset+i].Hidden {
				rs = right.offset + i
				break
			}
		}
		if rs < 0 {
			return compileErrf("column %s of USING is missing in %s", name, right.corr)
		}
		cols[rs].Merged = true
		st.merged = append(st.merged, [2]int{ls, rs})
		terms = append(terms, &binNode{op: "=",
			l: &colNode{slot: ls, name: name},
			r: &colNode{slot: rs, name: name}})
	}
	if len(terms) > 0 {
		st.on = balance("AND", terms)
	}
	return nil
}

func (p *selectPlan) expandStar(it SelectItem, hasFrom bool) error {
	if !hasFrom {
		return compileErrf("SELECT * needs a FROM clause")
	}
	if it.Qual != "" && !p.sc.hasTable(it.Qual) {
		return compileErrf("unknown table %s", it.Qual)
	}
	for i, col := range p.sc.cols {
		if col.Hidden {
			continue
		}
		if it.Qual != "" {
			if !strings.EqualFold(col.Table, it.Qual) {
				continue
			}
		} else if col.Merged {
			continue
		}
		p.items = append(p.items, projItem{n: &colNode{slot: i, name: col.Name}, name: col.Name})
	}
	return nil
}

// pointLookup detects WHERE rowid = c or pk = c on a single base table,
// which matches at most one row.
func (p *selectPlan) pointLookup(qc *QueryContext, sel *Select) bool {
	if len(p.groups) != 1 || len(p.groups[0].steps) != 0 || p.groups[0].first.derived != nil {
		return false
	}
	b, ok := sel.Where.(*Binary)
	if !ok || b.Op != "=" {
		return false
	}
	id, ok := b.L.(*Ident)
	lit, isLit := b.R.(*Literal)
	if !ok || !isLit {
		id, ok = b.R.(*Ident)
		lit, isLit = b.L.(*Literal)
		if !ok || !isLit {
			return false
		}
	}
	src := p.groups[0].first
	if lit.Val == nil || (id.Qual != "" && !strings.EqualFold(id.Qual, src.corr)) {
		return false
	}
	if strings.EqualFold(id.Name, storage.ColRowID) {
		return true
	}
	s, err := qc.schema(src.table)
	return err == nil && s.PrimaryKey != "" && strings.EqualFold(id.Name, s.PrimaryKey)
}

// scanFrom produces the rows of FROM: the cross product of the comma
// groups, each group joined left to right. A lone base table streams
// straight from the file. fn returns false to stop.
func (p *selectPlan) scanFrom(qc *QueryContext, outer *evalCtx, fn func([]any) (bool, error)) error {
	if len(p.groups) == 0 {
		_, err := fn(make([]any, 0))
		return err
	}
	if len(p.groups) == 1 && len(p.groups[0].steps) == 0 && p.groups[0].first.derived == nil {
		src := p.groups[0].first
		return qc.scanTable(src.table, func(ref storage.RowRef) (bool, error) {
			if err := checkCtx(qc.ctx); err != nil {
				return false, err
			}
			row := make([]any, p.width)
			src.fill(row, ref.Record)
			return fn(row)
		})
	}
	sets := make([][][]any, len(p.groups))
	for i, g := range p.groups {
		rows, err := g.rows(qc, p.width, outer)
		if err != nil {
			return err
		}
		sets[i] = rows
	}
	row := make([]any, p.width)
	var walk func(i int) (bool, error)
	walk = func(i int) (bool, error) {
		if i == len(sets) {
			out := make([]any, p.width)
			copy(out, row)
			return fn(out)
		}
		g := p.groups[i]
		for _, r := range sets[i] {
			if err := checkCtx(qc.ctx); err != nil {
				return false, err
			}
			copy(row[g.lo:g.hi], r[g.lo:g.hi])
			more, err := walk(i + 1)
			if err != nil || !more {
				return more, err
			}
		}
		return true, nil
	}
	_, err := walk(0)
	return err
}

// run executes the plan. outer is the row of the enclosing query for
// correlated subqueries.
func (p *selectPlan) run(qc *QueryContext, outer *evalCtx) (*resultSet, error) {
	out, err := p.runOperand(qc, outer)
	if err != nil {
		return nil, err
	}
	rows := rowValues(out)
	if p.next == nil {
		return &resultSet{cols: p.columns, rows: rows}, nil
	}
	for cur := p; cur.next != nil; cur = cur.next {
		right, err := cur.next.runOperand(qc, outer)
		if err != nil {
			return nil, err
		}
		rows = applySetOp(cur.setOp, cur.setAll, rows, rowValues(right))
	}
	if len(p.compoundOrder) > 0 || p.compoundLimit != nil {
		sr := make([]sortedRow, len(rows))
		ec := &evalCtx{qc: qc, outer: outer}
		for i, r := range rows {
			ec.row = r
			keys, err := evalKeys(p.compoundOrder, ec)
			if err != nil {
				return nil, err
			}
			sr[i] = sortedRow{vals: r, keys: keys}
		}
		sortRows(sr, p.compoundOrder)
		rows = rowValues(applyLimit(sr, p.compoundLimit))
	}
	return &resultSet{cols: p.columns, rows: rows}, nil
}

func rowValues(rs []sortedRow) [][]any {
	out := make([][]any, len(rs))
	for i, r := range rs {
		out[i] = r.vals
	}
	return out
}

func evalKeys(order []orderKey, ec *evalCtx) ([]any, error) {
	if len(order) == 0 {
		return nil, nil
	}
	keys := make([]any, len(order))
	for i, o := range order {
		v, err := evaluate(o.n, ec)
		if err != nil {
			return nil, err
		}
		keys[i] = v
	}
	return keys, nil
}

// stopAfter is the number of matching rows after which the scan can stop,
// or -1 when every row is needed.
func (p *selectPlan) stopAfter() int {
	if p.single {
		return 1
	}
	if p.grouped || p.distinct || len(p.order) > 0 || p.limit == nil || p.limit.Count < 0 {
		return -1
	}
	return int(p.limit.Offset + p.limit.Count)
}

func (p *selectPlan) runOperand(qc *QueryContext, outer *evalCtx) ([]sortedRow, error) {
	stop := p.stopAfter()
	if stop == 0 {
		return nil, nil
	}
	var rows [][]any
	ec := &evalCtx{qc: qc, outer: outer}
	err := p.scanFrom(qc, outer, func(row []any) (bool, error) {
		ec.row = row
		ok, err := predicate(p.where, ec)
		if err != nil {
			return false, err
		}
		if ok {
			rows = append(rows, row)
		}
		return stop < 0 || len(rows) < stop, nil
	})
	if err != nil {
		return nil, err
	}

	var out []sortedRow
	emit := func(ec *evalCtx) error {
		proj := make([]any, len(p.items))
		for i, it := range p.items {
			v, err := evaluate(it.n, ec)
			if err != nil {
				return err
			}
			proj[i] = v
		}
		ec.proj = proj
		ok, err := predicate(p.having, ec)
		if err != nil || !ok {
			return err
		}
		keys, err := evalKeys(p.order, ec)
		if err != nil {
			return err
		}
		out = append(out, sortedRow{vals: proj, keys: keys})
		return nil
	}
	if p.grouped {
		groups, err := p.groupRows(qc, rows, outer)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if err := emit(&evalCtx{qc: qc, row: g.first, outer: outer, aggs: g.results()}); err != nil {
				return nil, err
			}
		}
	} else {
		for _, r := range rows {
			if err := emit(&evalCtx{qc: qc, row: r, outer: outer}); err != nil {
				return nil, err
			}
		}
	}
	if p.distinct {
		out = distinctSorted(out)
	}
	sortRows(out, p.order)
	return applyLimit(out, p.limit), nil
}
