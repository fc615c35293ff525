// Package engine provides SQL parsing, compilation and execution for
// FlatSQL.
//
// This file holds the expression compiler:
//   - What: lowering of the parsed sugar AST (BETWEEN, IN, CASE, IS, …)
//     into the evaluator's node set, name resolution against the active
//     scope, the function whitelist and subquery substitution.
//   - How: column references become slot indexes; uncorrelated subqueries
//     run once at compile time and are replaced by literals, correlated
//     ones stay as subquery nodes. Compiled WHERE and DEFAULT expressions
//     are memoised per (text, scope signature) in an ExprCache, evicted
//     oldest first once it reaches its size.
package engine

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
)

// ------------------------------ Scopes ------------------------------

// scopeCol is one slot of a row under compilation.
type scopeCol struct {
	Table  string // correlation name: alias or table name
	Name   string
	Hidden bool // implicit column; resolvable but not part of *
	Merged bool // right side of NATURAL/USING; only reachable qualified
}

// scope maps names to row slots. Only slots in [lo, hi) are visible, which
// keeps ON clauses from seeing tables joined later. outer is the scope of
// the enclosing query for correlated references.
type scope struct {
	cols   []scopeCol
	lo, hi int
	outer  *scope
}

func newScope(cols []scopeCol, outer *scope) *scope {
	return &scope{cols: cols, hi: len(cols), outer: outer}
}

// window returns a view restricted to slots [lo, hi).
func (s *scope) window(lo, hi int) *scope {
	return &scope{cols: s.cols, lo: lo, hi: hi, outer: s.outer}
}

func (s *scope) signature() string {
	var b strings.Builder
	for sc := s; sc != nil; sc = sc.outer {
		b.WriteString("[")
		b.WriteString(strconv.Itoa(sc.lo))
		b.WriteString(":")
		b.WriteString(strconv.Itoa(sc.hi))
		b.WriteString("]")
		for _, c := range sc.cols {
			b.WriteString(strings.ToLower(c.Table))
			b.WriteByte('.')
			b.WriteString(strings.ToLower(c.Name))
			if c.Merged {
				b.WriteByte('~')
			}
			b.WriteByte(',')
		}
		b.WriteByte('|')
	}
	return b.String()
}

// lookup finds the slot of a column reference in this scope level. A bare
// name shared by several joined tables binds to the leftmost table that has
// it; a qualified name must be unique.
func (s *scope) lookup(qual, name string) (int, bool, error) {
	slot, n := -1, 0
	for i := s.lo; i < s.hi && i < len(s.cols); i++ {
		c := s.cols[i]
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if qual == "" {
			if c.Merged {
				continue
			}
			return i, true, nil
		}
		if !strings.EqualFold(c.Table, qual) {
			continue
		}
		if slot < 0 {
			slot = i
		}
		n++
	}
	if n > 1 {
		return 0, false, compileErrf("column reference %s.%s is ambiguous", qual, name)
	}
	return slot, slot >= 0, nil
}

// hasTable reports whether qual names a table of the visible window.
func (s *scope) hasTable(qual string) bool {
	for i := s.lo; i < s.hi && i < len(s.cols); i++ {
		if strings.EqualFold(s.cols[i].Table, qual) {
			return true
		}
	}
	return false
}

// ------------------------------ Compiler ------------------------------

// compiler lowers one expression against a scope.
type compiler struct {
	qc *QueryContext
	sc *scope

	// aliases are the select aliases, resolvable in HAVING and ORDER BY.
	aliases []string
	// aggs collects aggregate calls; nil means aggregates are not allowed.
	aggs  *[]*aggSpec
	inAgg bool

	maxDepth int // deepest enclosing scope referenced
	hasSub   bool
	volatile bool
}

func newCompiler(qc *QueryContext, sc *scope) *compiler {
	return &compiler{qc: qc, sc: sc}
}

// finish folds what the compiler saw into the statement bookkeeping.
func (c *compiler) finish() {
	if c.volatile {
		c.qc.stats.volatile = true
	}
}

func (c *compiler) compile(e Expr) (node, error) {
	switch ex := e.(type) {
	case nil:
		return &litNode{}, nil
	case *Literal:
		return &litNode{v: ex.Val}, nil
	case *Ident:
		return c.resolve(ex)
	case *Unary:
		x, err := c.compile(ex.X)
		if err != nil {
			return nil, err
		}
		if ex.Op == "!" {
			return &unNode{op: "NOT", x: x}, nil
		}
		return &unNode{op: ex.Op, x: x}, nil
	case *Binary:
		if ex.Op == "<<=" || ex.Op == ">>=" {
			return nil, compileErrf("assignment operator %s is not allowed", ex.Op)
		}
		l, err := c.compile(ex.L)
		if err != nil {
			return nil, err
		}
		r, err := c.compile(ex.R)
		if err != nil {
			return nil, err
		}
		return &binNode{op: ex.Op, l: l, r: r}, nil
	case *FuncCall:
		return c.call(ex)
	case *Between:
		x, err := c.compile(ex.X)
		if err != nil {
			return nil, err
		}
		lo, err := c.compile(ex.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := c.compile(ex.Hi)
		if err != nil {
			return nil, err
		}
		var n node = &binNode{op: "AND",
			l: &binNode{op: ">=", l: x, r: lo},
			r: &binNode{op: "<=", l: x, r: hi}}
		if ex.Not {
			n = &unNode{op: "NOT", x: n}
		}
		return n, nil
	case *InExpr:
		x, err := c.compile(ex.X)
		if err != nil {
			return nil, err
		}
		if ex.Sub != nil {
			return c.subquery(subIn, ex.Sub, x, "=", false, ex.Not)
		}
		items, err := c.compileList(ex.List)
		if err != nil {
			return nil, err
		}
		n := fold("OR", "=", x, items)
		if ex.Not {
			n = &unNode{op: "NOT", x: n}
		}
		return n, nil
	case *Quantified:
		x, err := c.compile(ex.X)
		if err != nil {
			return nil, err
		}
		if ex.Sub != nil {
			return c.subquery(subQuantified, ex.Sub, x, ex.Op, ex.All, false)
		}
		items, err := c.compileList(ex.List)
		if err != nil {
			return nil, err
		}
		if ex.All {
			return fold("AND", ex.Op, x, items), nil
		}
		return fold("OR", ex.Op, x, items), nil
	case *LikeExpr:
		return c.match(ex)
	case *CaseExpr:
		return c.caseExpr(ex)
	case *IsExpr:
		x, err := c.compile(ex.X)
		if err != nil {
			return nil, err
		}
		if lit, ok := ex.Y.(*Literal); ok {
			switch v := lit.Val.(type) {
			case nil:
				return &unNode{op: pick(ex.Not, "ISNOTNULL", "ISNULL"), x: x}, nil
			case bool:
				if v {
					return &unNode{op: pick(ex.Not, "ISNOTTRUE", "ISTRUE"), x: x}, nil
				}
				return &unNode{op: pick(ex.Not, "ISNOTFALSE", "ISFALSE"), x: x}, nil
			}
		}
		y, err := c.compile(ex.Y)
		if err != nil {
			return nil, err
		}
		return &binNode{op: pick(ex.Not, "ISNOT", "IS"), l: x, r: y}, nil
	case *Exists:
		return c.subquery(subExists, ex.Sub, nil, "", false, ex.Not)
	case *Subquery:
		return c.subquery(subScalar, ex.Select, nil, "", false, false)
	case *RowList:
		if len(ex.Items) == 1 {
			return c.compile(ex.Items[0])
		}
		items, err := c.compileList(ex.Items)
		if err != nil {
			return nil, err
		}
		return &listNode{items: items}, nil
	}
	return nil, compileErrf("unsupported expression %T", e)
}

func (c *compiler) compileList(list []Expr) ([]node, error) {
	out := make([]node, len(list))
	for i, e := range list {
		n, err := c.compile(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// fold builds a balanced tree joining "x cmp item" terms with join. An
// empty list is false for OR and true for AND.
func fold(join, cmp string, x node, items []node) node {
	if len(items) == 0 {
		return &litNode{v: join == "AND"}
	}
	terms := make([]node, len(items))
	for i, it := range items {
		terms[i] = &binNode{op: cmp, l: x, r: it}
	}
	return balance(join, terms)
}

func balance(op string, terms []node) node {
	if len(terms) == 1 {
		return terms[0]
	}
	mid := len(terms) / 2
	return &binNode{op: op, l: balance(op, terms[:mid]), r: balance(op, terms[mid:])}
}

func (c *compiler) resolve(id *Ident) (node, error) {
	if id.Qual == "" && !c.inAgg {
		for i, a := range c.aliases {
			if a != "" && strings.EqualFold(a, id.Name) {
				return &projNode{idx: i, name: a}, nil
			}
		}
	}
	depth := 0
	for s := c.sc; s != nil; s, depth = s.outer, depth+1 {
		slot, ok, err := s.lookup(id.Qual, id.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			if depth > c.maxDepth {
				c.maxDepth = depth
			}
			return &colNode{slot: slot, depth: depth, name: id.Name}, nil
		}
	}
	if id.Qual == "" {
		switch up := strings.ToUpper(id.Name); up {
		case "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME", "LOCALTIMESTAMP":
			return c.call(&FuncCall{Name: up})
		}
		return nil, compileErrf("unknown column %s", id.Name)
	}
	return nil, compileErrf("unknown column %s.%s", id.Qual, id.Name)
}

func (c *compiler) call(fc *FuncCall) (node, error) {
	name := strings.ToUpper(fc.Name)
	if blacklist[name] || c.qc.disabled(name) {
		return nil, compileErrf("function %s is not allowed", name)
	}
	if aggregateNames[name] {
		return c.aggregate(name, fc)
	}
	if fc.Star || fc.Distinct {
		return nil, compileErrf("%s is not an aggregate function", name)
	}
	fn, ok := lookupFunc(name)
	if !ok {
		return nil, compileErrf("unknown function %s", name)
	}
	if !fn.arityOK(len(fc.Args)) {
		return nil, compileErrf("wrong number of arguments to %s: %d", name, len(fc.Args))
	}
	args, err := c.compileList(fc.Args)
	if err != nil {
		return nil, err
	}
	if fn.volatile {
		c.volatile = true
	}
	return &callNode{fn: fn, args: args}, nil
}

func (c *compiler) aggregate(name string, fc *FuncCall) (node, error) {
	if c.aggs == nil {
		return nil, compileErrf("aggregate %s is not allowed here", name)
	}
	if c.inAgg {
		return nil, compileErrf("aggregate %s cannot be nested", name)
	}
	spec := &aggSpec{name: name, distinct: fc.Distinct, star: fc.Star}
	switch {
	case fc.Star:
		if name != "COUNT" {
			return nil, compileErrf("%s(*) is not supported", name)
		}
	case name == "GROUP_CONCAT":
		if len(fc.Args) < 1 || len(fc.Args) > 2 {
			return nil, compileErrf("GROUP_CONCAT expects 1 or 2 arguments")
		}
	case len(fc.Args) != 1:
		return nil, compileErrf("%s expects 1 argument", name)
	}
	c.inAgg = true
	defer func() { c.inAgg = false }()
	if len(fc.Args) > 0 {
		arg, err := c.compile(fc.Args[0])
		if err != nil {
			return nil, err
		}
		spec.arg = arg
	}
	if len(fc.Args) == 2 {
		sep, err := c.compile(fc.Args[1])
		if err != nil {
			return nil, err
		}
		spec.sep = sep
	}
	*c.aggs = append(*c.aggs, spec)
	return &aggNode{idx: len(*c.aggs) - 1}, nil
}

func (c *compiler) match(ex *LikeExpr) (node, error) {
	x, err := c.compile(ex.X)
	if err != nil {
		return nil, err
	}
	n := &matchNode{kind: ex.Op, x: x, not: ex.Not}
	pl, patLit := ex.Pattern.(*Literal)
	var escLit *Literal
	if ex.Escape != nil {
		escLit, _ = ex.Escape.(*Literal)
	}
	if patLit && pl.Val != nil && (ex.Escape == nil || escLit != nil) {
		var esc rune
		if escLit != nil {
			if esc, err = escapeRune(escLit.Val); err != nil {
				return nil, err
			}
		}
		if n.re, err = buildPattern(ex.Op, toText(pl.Val), esc); err != nil {
			if _, ok := err.(*Error); ok {
				return nil, err
			}
			return nil, compileErrf("invalid %s pattern: %v", ex.Op, err)
		}
		return n, nil
	}
	if n.pat, err = c.compile(ex.Pattern); err != nil {
		return nil, err
	}
	if ex.Escape != nil {
		if n.esc, err = c.compile(ex.Escape); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *compiler) caseExpr(ex *CaseExpr) (node, error) {
	var operand node
	if ex.Operand != nil {
		var err error
		if operand, err = c.compile(ex.Operand); err != nil {
			return nil, err
		}
	}
	n := &condNode{whens: make([]condArm, 0, len(ex.Whens))}
	for _, w := range ex.Whens {
		cond, err := c.compile(w.Cond)
		if err != nil {
			return nil, err
		}
		if operand != nil {
			cond = &binNode{op: "=", l: operand, r: cond}
		}
		then, err := c.compile(w.Then)
		if err != nil {
			return nil, err
		}
		n.whens = append(n.whens, condArm{cond: cond, then: then})
	}
	if ex.Else != nil {
		els, err := c.compile(ex.Else)
		if err != nil {
			return nil, err
		}
		n.els = els
	}
	return n, nil
}

// subquery plans sel against the current scope. Uncorrelated subqueries
// run now and are substituted; correlated ones run per outer row.
func (c *compiler) subquery(kind subKind, sel *Select, x node, op string, all, not bool) (node, error) {
	if c.qc.depth >= maxQueryDepth {
		return nil, compileErrf("subqueries nested deeper than %d", maxQueryDepth)
	}
	c.hasSub = true
	sub := c.qc.clone()
	plan, err := planSelect(sub, sel, c.sc)
	if err != nil {
		return nil, err
	}
	if plan.outerRefs > 0 {
		c.qc.stats.correlated = true
		if d := plan.outerRefs - 1; d > c.maxDepth {
			c.maxDepth = d
		}
		return &subNode{kind: kind, plan: plan, x: x, op: op, all: all, not: not}, nil
	}
	res, err := plan.run(sub, nil)
	if err != nil {
		return nil, err
	}
	switch kind {
	case subScalar, subExists:
		v, err := subResult(kind, res, nil, op, all, not)
		if err != nil {
			return nil, err
		}
		return &litNode{v: v}, nil
	}
	if len(res.cols) != 1 {
		return nil, compileErrf("subquery returns %d columns, want 1", len(res.cols))
	}
	items := make([]node, len(res.rows))
	for i, r := range res.rows {
		items[i] = &litNode{v: r[0]}
	}
	if kind == subIn {
		n := fold("OR", "=", x, items)
		if not {
			n = &unNode{op: "NOT", x: n}
		}
		return n, nil
	}
	if all {
		return fold("AND", op, x, items), nil
	}
	return fold("OR", op, x, items), nil
}

// ------------------------------ Memo ------------------------------

type exprState int

const (
	stateParsed exprState = iota
	stateValid
)

// Compiled is an expression that went through parsing and, once State is
// stateValid, compilation against the scope with signature Scope.
type Compiled struct {
	Text  string
	State exprState
	Scope string

	expr     Expr
	root     node
	volatile bool
	maxDepth int
}

// ExprCache memoises compiled expressions per text and scope signature.
// Once full it evicts in insertion order.
type ExprCache struct {
	mu      sync.RWMutex
	order   *list.List // of *memoEntry, oldest at the front
	entries map[string]*list.Element
	maxSize int
	hits    int
	misses  int
}

type memoEntry struct {
	key string
	cx  *Compiled
}

// NewExprCache creates a memo holding at most maxSize expressions.
func NewExprCache(maxSize int) *ExprCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ExprCache{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

func memoKey(text, sig string) string { return text + "\x00" + sig }

func (m *ExprCache) get(key string) (*Compiled, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	m.hits++
	return el.Value.(*memoEntry).cx, true
}

func (m *ExprCache) put(key string, cx *Compiled) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value.(*memoEntry).cx = cx
		return
	}
	for m.order.Len() >= m.maxSize {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoEntry).key)
	}
	m.entries[key] = m.order.PushBack(&memoEntry{key: key, cx: cx})
}

// Clear removes all memoised expressions.
func (m *ExprCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
}

// Size returns the number of memoised expressions.
func (m *ExprCache) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns memo statistics.
func (m *ExprCache) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"size":     len(m.entries),
		"max_size": m.maxSize,
		"hits":     m.hits,
		"misses":   m.misses,
	}
}

// compile validates cx against the compiler's scope. Compiling an already
// valid expression against the same scope is a no-op.
func (cx *Compiled) compile(c *compiler) error {
	sig := c.sc.signature()
	if cx.State == stateValid && cx.Scope == sig {
		return nil
	}
	root, err := c.compile(cx.expr)
	if err != nil {
		return err
	}
	cx.root, cx.Scope, cx.State = root, sig, stateValid
	cx.volatile, cx.maxDepth = c.volatile, c.maxDepth
	return nil
}

// compileMemo compiles e, reusing the memoised node tree for text when one
// exists for the same scope. Expressions holding subqueries are not
// memoised since their substituted results depend on the data.
func (c *compiler) compileMemo(text string, e Expr) (node, error) {
	if e == nil {
		return nil, nil
	}
	var memo *ExprCache
	if c.qc.eng != nil {
		memo = c.qc.eng.memo
	}
	if text == "" || memo == nil {
		return c.compile(e)
	}
	key := memoKey(text, c.sc.signature())
	if cx, ok := memo.get(key); ok && cx.State == stateValid {
		c.volatile = c.volatile || cx.volatile
		if cx.maxDepth > c.maxDepth {
			c.maxDepth = cx.maxDepth
		}
		return cx.root, nil
	}
	cx := &Compiled{Text: text, State: stateParsed, expr: e}
	sub := *c
	sub.hasSub, sub.volatile, sub.maxDepth = false, false, 0
	if err := cx.compile(&sub); err != nil {
		return nil, err
	}
	c.volatile = c.volatile || sub.volatile
	if sub.maxDepth > c.maxDepth {
		c.maxDepth = sub.maxDepth
	}
	if sub.hasSub {
		c.hasSub = true
		return cx.root, nil
	}
	memo.put(key, cx)
	return cx.root, nil
}

// compileDefault compiles a column DEFAULT expression from its source text.
func (c *compiler) compileDefault(text string) (node, error) {
	var memo *ExprCache
	if c.qc.eng != nil {
		memo = c.qc.eng.memo
	}
	key := memoKey("DEFAULT "+text, c.sc.signature())
	if cx, ok := memo.get(key); ok && cx.State == stateValid {
		c.volatile = c.volatile || cx.volatile
		return cx.root, nil
	}
	e, err := parseClauseExpr(Tokenize(text), "DEFAULT")
	if err != nil {
		return nil, err
	}
	cx := &Compiled{Text: text, State: stateParsed, expr: e}
	sub := *c
	sub.hasSub, sub.volatile = false, false
	if err := cx.compile(&sub); err != nil {
		return nil, err
	}
	c.volatile = c.volatile || sub.volatile
	if !sub.hasSub {
		memo.put(key, cx)
	}
	return cx.root, nil
}
