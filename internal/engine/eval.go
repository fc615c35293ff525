package engine

import "regexp"

// The evaluator interprets a closed set of node variants produced by the
// compiler. Nodes are immutable after compilation and may be shared by
// concurrent evaluations of the same compiled expression.
type node interface {
	eval(ec *evalCtx) (any, error)
}

// evalCtx is the row binding of one evaluation.
type evalCtx struct {
	qc    *QueryContext
	row   []any
	outer *evalCtx // enclosing row of a correlated subquery
	aggs  []any    // aggregate results of the current group
	proj  []any    // projected values, for select aliases
}

// evaluate runs n and turns evaluator panics into EvalErrors.
func evaluate(n node, ec *evalCtx) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, evalErrf("evaluator fault: %v", r)
		}
	}()
	return n.eval(ec)
}

// predicate evaluates n as a WHERE/ON/HAVING condition.
func predicate(n node, ec *evalCtx) (bool, error) {
	if n == nil {
		return true, nil
	}
	v, err := evaluate(n, ec)
	if err != nil {
		return false, err
	}
	return toTri(v) == tvTrue, nil
}

type litNode struct{ v any }

func (n *litNode) eval(*evalCtx) (any, error) { return n.v, nil }

// colNode reads a slot of the current row or, for depth > 0, of an
// enclosing query's row.
type colNode struct {
	slot  int
	depth int
	name  string
}

func (n *colNode) eval(ec *evalCtx) (any, error) {
	e := ec
	for d := 0; d < n.depth; d++ {
		if e.outer == nil {
			return nil, evalErrf("column %s has no enclosing row", n.name)
		}
		e = e.outer
	}
	if n.slot >= len(e.row) {
		return nil, nil
	}
	return e.row[n.slot], nil
}

type aggNode struct{ idx int }

func (n *aggNode) eval(ec *evalCtx) (any, error) {
	if n.idx >= len(ec.aggs) {
		return nil, evalErrf("aggregate used outside a group")
	}
	return ec.aggs[n.idx], nil
}

type projNode struct {
	idx  int
	name string
}

func (n *projNode) eval(ec *evalCtx) (any, error) {
	if n.idx >= len(ec.proj) {
		return nil, evalErrf("alias %s is not available here", n.name)
	}
	return ec.proj[n.idx], nil
}

type binNode struct {
	op   string
	l, r node
}

func (n *binNode) eval(ec *evalCtx) (any, error) {
	switch n.op {
	case "AND", "OR":
		lv, err := n.l.eval(ec)
		if err != nil {
			return nil, err
		}
		lt := toTri(lv)
		if n.op == "AND" && lt == tvFalse {
			return false, nil
		}
		if n.op == "OR" && lt == tvTrue {
			return true, nil
		}
		rv, err := n.r.eval(ec)
		if err != nil {
			return nil, err
		}
		if n.op == "AND" {
			return triToValue(triAnd(lt, toTri(rv))), nil
		}
		return triToValue(triOr(lt, toTri(rv))), nil
	}
	lv, err := n.l.eval(ec)
	if err != nil {
		return nil, err
	}
	rv, err := n.r.eval(ec)
	if err != nil {
		return nil, err
	}
	return binaryOp(n.op, lv, rv)
}

func binaryOp(op string, lv, rv any) (any, error) {
	switch op {
	case "XOR":
		a, b := toTri(lv), toTri(rv)
		if a == tvUnknown || b == tvUnknown {
			return nil, nil
		}
		return a != b, nil
	case "IS", "<=>":
		return nullSafeEqual(lv, rv), nil
	case "ISNOT":
		return !nullSafeEqual(lv, rv), nil
	case "===":
		return strictEqual(lv, rv), nil
	case "!==":
		return !strictEqual(lv, rv), nil
	case "=", "<>", "<", "<=", ">", ">=":
		if lv == nil || rv == nil {
			return nil, nil
		}
		c, ok := compareValues(lv, rv)
		if !ok {
			return nil, nil
		}
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		}
		return c >= 0, nil
	case "||":
		if lv == nil || rv == nil {
			return nil, nil
		}
		return toText(lv) + toText(rv), nil
	}
	return arith(op, lv, rv)
}

// compareValues compares scalars, or row lists element by element. ok is
// false when a NULL decides the outcome.
func compareValues(a, b any) (int, bool) {
	la, aList := a.([]any)
	lb, bList := b.([]any)
	if !aList && !bList {
		return compare(a, b), true
	}
	if !aList || !bList || len(la) != len(lb) {
		return 0, false
	}
	for i := range la {
		if la[i] == nil || lb[i] == nil {
			return 0, false
		}
		if c := compare(la[i], lb[i]); c != 0 {
			return c, true
		}
	}
	return 0, true
}

func nullSafeEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compareValues(a, b)
	return ok && c == 0
}

type unNode struct {
	op string
	x  node
}

func (n *unNode) eval(ec *evalCtx) (any, error) {
	v, err := n.x.eval(ec)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "NOT":
		return triToValue(triNot(toTri(v))), nil
	case "ISNULL":
		return v == nil, nil
	case "ISNOTNULL":
		return v != nil, nil
	case "ISTRUE":
		return toTri(v) == tvTrue, nil
	case "ISNOTTRUE":
		return toTri(v) != tvTrue, nil
	case "ISFALSE":
		return toTri(v) == tvFalse, nil
	case "ISNOTFALSE":
		return toTri(v) != tvFalse, nil
	}
	if v == nil {
		return nil, nil
	}
	switch n.op {
	case "-":
		return arith("-", int64(0), v)
	case "+":
		return toNumber(v), nil
	case "~":
		return ^toInt(v), nil
	}
	return nil, evalErrf("unknown unary operator %s", n.op)
}

// condNode is a chain of WHEN … THEN arms.
type condNode struct {
	whens []condArm
	els   node
}

type condArm struct{ cond, then node }

func (n *condNode) eval(ec *evalCtx) (any, error) {
	for _, w := range n.whens {
		c, err := w.cond.eval(ec)
		if err != nil {
			return nil, err
		}
		if toTri(c) == tvTrue {
			return w.then.eval(ec)
		}
	}
	if n.els == nil {
		return nil, nil
	}
	return n.els.eval(ec)
}

// callNode invokes a library function with evaluated arguments.
type callNode struct {
	fn   *funcDef
	args []node
}

func (n *callNode) eval(ec *evalCtx) (any, error) {
	vals := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ec)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	v, err := n.fn.call(ec, vals)
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, evalErrf("%s: %v", n.fn.name, err)
	}
	return v, nil
}

// matchNode is LIKE, GLOB or REGEXP. re is set when the pattern was a
// literal; otherwise the pattern compiles at run time.
type matchNode struct {
	kind string
	x    node
	pat  node
	esc  node
	re   *regexp.Regexp
	not  bool
}

func (n *matchNode) eval(ec *evalCtx) (any, error) {
	xv, err := n.x.eval(ec)
	if err != nil {
		return nil, err
	}
	re := n.re
	if re == nil {
		pv, err := n.pat.eval(ec)
		if err != nil {
			return nil, err
		}
		if pv == nil {
			return nil, nil
		}
		var esc rune
		if n.esc != nil {
			ev, err := n.esc.eval(ec)
			if err != nil {
				return nil, err
			}
			if esc, err = escapeRune(ev); err != nil {
				return nil, err
			}
		}
		if re, err = runtimePatterns.get(n.kind, toText(pv), esc); err != nil {
			return nil, evalErrf("%v", err)
		}
	}
	if xv == nil {
		return nil, nil
	}
	return re.MatchString(toText(xv)) != n.not, nil
}

func escapeRune(v any) (rune, error) {
	s := []rune(toText(v))
	if len(s) != 1 {
		return 0, compileErrf("ESCAPE expects a single character, got %q", string(s))
	}
	return s[0], nil
}

// listNode evaluates to a row value.
type listNode struct{ items []node }

func (n *listNode) eval(ec *evalCtx) (any, error) {
	out := make([]any, len(n.items))
	for i, it := range n.items {
		v, err := it.eval(ec)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type subKind int

const (
	subScalar subKind = iota
	subExists
	subIn
	subQuantified
)

// subNode runs a correlated subquery once per outer row.
type subNode struct {
	kind subKind
	plan *selectPlan
	x    node
	op   string
	all  bool
	not  bool
}

func (n *subNode) eval(ec *evalCtx) (any, error) {
	var xv any
	if n.x != nil {
		var err error
		if xv, err = n.x.eval(ec); err != nil {
			return nil, err
		}
	}
	res, err := n.plan.run(ec.qc.clone(), ec)
	if err != nil {
		return nil, err
	}
	return subResult(n.kind, res, xv, n.op, n.all, n.not)
}

// subResult folds a subquery's rows into the value of the surrounding
// predicate.
func subResult(kind subKind, res *resultSet, xv any, op string, all, not bool) (any, error) {
	switch kind {
	case subExists:
		return (len(res.rows) > 0) != not, nil
	case subScalar:
		if len(res.cols) != 1 {
			return nil, evalErrf("scalar subquery returns %d columns", len(res.cols))
		}
		switch len(res.rows) {
		case 0:
			return nil, nil
		case 1:
			return res.rows[0][0], nil
		}
		return nil, evalErrf("scalar subquery returns %d rows", len(res.rows))
	}
	if len(res.cols) != 1 {
		return nil, evalErrf("subquery returns %d columns, want 1", len(res.cols))
	}
	if kind == subIn {
		op, all = "=", false
	}
	acc := tvFalse
	if all {
		acc = tvTrue
	}
	for _, r := range res.rows {
		v, err := binaryOp(op, xv, r[0])
		if err != nil {
			return nil, err
		}
		if all {
			acc = triAnd(acc, toTri(v))
		} else {
			acc = triOr(acc, toTri(v))
		}
	}
	if kind == subIn && not {
		acc = triNot(acc)
	}
	return triToValue(acc), nil
}

func (k subKind) String() string {
	switch k {
	case subExists:
		return "EXISTS"
	case subIn:
		return "IN"
	case subQuantified:
		return "quantified"
	}
	return "scalar"
}
