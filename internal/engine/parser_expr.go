package engine

import (
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/numeric"
)

// blacklist names statement-like words that may never appear as a bare
// identifier or function inside an expression.
var blacklist = map[string]bool{
	"EXEC": true, "EXECUTE": true, "EVAL": true, "SYSTEM": true, "SHELL": true,
	"INCLUDE": true, "REQUIRE": true, "IMPORT": true, "LOAD_FILE": true,
	"OUTFILE": true, "DUMPFILE": true, "PRINT": true, "ECHO": true, "GOTO": true,
	"EXIT": true, "DIE": true, "SLEEP": true, "BENCHMARK": true,
}

// keywordFuncs are keywords that name a function when followed by '('.
var keywordFuncs = map[string]bool{
	"REPLACE": true, "LEFT": true, "RIGHT": true, "MOD": true, "IF": true,
	"ISNULL": true, "DATABASE": true, "SCHEMA": true, "INSERT": true,
}

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseXor() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("XOR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "XOR", L: left, R: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if !p.acceptKeyword("AND") {
			if !p.cur().is(tOperator, "&&") {
				return left, nil
			}
			p.pos++
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", L: left, R: right}
	}
}

func (p *Parser) parseNot() (Expr, error) {
	if p.cur().isKeyword("NOT") && !p.peekTok(1).isKeyword("EXISTS") {
		p.pos++
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", X: x}, nil
	}
	return p.parsePredicate()
}

var comparisonOps = map[string]string{
	"=": "=", "==": "=", "<>": "<>", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"<=>": "<=>", "===": "===", "!==": "!==",
}

// parsePredicate handles comparisons and the SQL predicate forms.
func (p *Parser) parsePredicate() (Expr, error) {
	left, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.Typ == tOperator {
			if t.Val == "<<=" || t.Val == ">>=" {
				return nil, p.exprErrf("assignment operator %s is not allowed", t.Val)
			}
			op, ok := comparisonOps[t.Val]
			if !ok {
				return left, nil
			}
			p.pos++
			if q := p.cur(); q.isKeyword("ANY", "SOME", "ALL") {
				p.pos++
				qe := &Quantified{Op: op, X: left, All: q.Val == "ALL"}
				if qe.List, qe.Sub, err = p.parseInOperand(); err != nil {
					return nil, err
				}
				left = qe
				continue
			}
			right, err := p.parseBitOr()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: op, L: left, R: right}
			continue
		}
		switch {
		case t.isKeyword("IS"):
			p.pos++
			not := p.acceptKeyword("NOT")
			var y Expr
			switch {
			case p.acceptKeyword("NULL"):
				y = &Literal{Val: nil}
			case p.acceptKeyword("TRUE"):
				y = &Literal{Val: true}
			case p.acceptKeyword("FALSE"):
				y = &Literal{Val: false}
			default:
				if y, err = p.parseBitOr(); err != nil {
					return nil, err
				}
			}
			left = &IsExpr{X: left, Y: y, Not: not}
		case t.isKeyword("ISNULL") && !p.peekTok(1).is(tPunct, "("):
			p.pos++
			left = &IsExpr{X: left, Y: &Literal{}}
		case t.isKeyword("NOTNULL"):
			p.pos++
			left = &IsExpr{X: left, Y: &Literal{}, Not: true}
		case t.isKeyword("NOT") && p.peekTok(1).isKeyword("BETWEEN", "IN", "LIKE", "ILIKE", "REGEXP", "RLIKE", "GLOB"):
			p.pos++
			if left, err = p.parsePredicateTail(left, true); err != nil {
				return nil, err
			}
		case t.isKeyword("BETWEEN", "IN", "LIKE", "ILIKE", "REGEXP", "RLIKE", "GLOB"):
			if left, err = p.parsePredicateTail(left, false); err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parsePredicateTail(left Expr, not bool) (Expr, error) {
	t := p.next()
	switch t.Val {
	case "BETWEEN":
		lo, err := p.parseBitOr()
		if err != nil {
			return nil, err
		}
		if err := p.acceptAnd(); err != nil {
			return nil, err
		}
		hi, err := p.parseBitOr()
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Not: not}, nil
	case "IN":
		list, sub, err := p.parseInOperand()
		if err != nil {
			return nil, err
		}
		return &InExpr{X: left, List: list, Sub: sub, Not: not}, nil
	}
	op := t.Val
	switch op {
	case "ILIKE":
		op = "LIKE"
	case "RLIKE":
		op = "REGEXP"
	}
	pat, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	le := &LikeExpr{Op: op, X: left, Pattern: pat, Not: not}
	if p.acceptKeyword("ESCAPE") {
		if op != "LIKE" {
			return nil, p.exprErrf("ESCAPE is only valid with LIKE")
		}
		if le.Escape, err = p.parseBitOr(); err != nil {
			return nil, err
		}
	}
	return le, nil
}

func (p *Parser) acceptAnd() error {
	if p.acceptKeyword("AND") {
		return nil
	}
	if p.cur().is(tOperator, "&&") {
		p.pos++
		return nil
	}
	return p.exprErrf("BETWEEN needs AND")
}

// parseInOperand reads "( list )" or "( SELECT … )".
func (p *Parser) parseInOperand() ([]Expr, *Select, error) {
	if !p.cur().is(tPunct, "(") {
		return nil, nil, p.exprErrf("expected '(' after IN")
	}
	if p.peekTok(1).isKeyword("SELECT") {
		sub, err := p.parseSubselect()
		return nil, sub, err
	}
	p.pos++
	var list []Expr
	for !p.cur().is(tPunct, ")") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, nil, err
		}
		list = append(list, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if !p.acceptPunct(")") {
		return nil, nil, p.exprErrf("expected ')' to close the list")
	}
	return list, nil, nil
}

func (p *Parser) parseBinaryLevel(ops map[string]string, next func(*Parser) (Expr, error)) (Expr, error) {
	left, err := next(p)
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.Typ != tOperator && t.Typ != tKeyword {
			return left, nil
		}
		op, ok := ops[t.Val]
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := next(p)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, L: left, R: right}
	}
}

var (
	bitOrOps  = map[string]string{"|": "|"}
	bitAndOps = map[string]string{"&": "&"}
	shiftOps  = map[string]string{"<<": "<<", ">>": ">>"}
	addOps    = map[string]string{"+": "+", "-": "-", "||": "||"}
	mulOps    = map[string]string{"*": "*", "/": "/", "%": "%", "DIV": "DIV", "MOD": "%"}
	xorOps    = map[string]string{"^": "^"}
)

func (p *Parser) parseBitOr() (Expr, error) {
	return p.parseBinaryLevel(bitOrOps, (*Parser).parseBitAnd)
}

func (p *Parser) parseBitAnd() (Expr, error) {
	return p.parseBinaryLevel(bitAndOps, (*Parser).parseShift)
}

func (p *Parser) parseShift() (Expr, error) {
	return p.parseBinaryLevel(shiftOps, (*Parser).parseAddSub)
}

func (p *Parser) parseAddSub() (Expr, error) {
	return p.parseBinaryLevel(addOps, (*Parser).parseMulDiv)
}

func (p *Parser) parseMulDiv() (Expr, error) {
	return p.parseBinaryLevel(mulOps, (*Parser).parseBitXor)
}

func (p *Parser) parseBitXor() (Expr, error) {
	return p.parseBinaryLevel(xorOps, (*Parser).parseUnary)
}

func (p *Parser) parseUnary() (Expr, error) {
	t := p.cur()
	if t.Typ == tOperator && (t.Val == "-" || t.Val == "+" || t.Val == "~" || t.Val == "!") {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := t.Val
		if op == "!" {
			op = "NOT"
		}
		if lit, ok := x.(*Literal); ok && op == "-" && numeric.IsNumber(lit.Val) {
			if v, err := numeric.Neg(lit.Val); err == nil {
				return &Literal{Val: v}, nil
			}
		}
		return &Unary{Op: op, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Typ {
	case tNumber:
		p.pos++
		v, ok := numeric.Parse(t.Val)
		if !ok {
			return nil, p.exprErrf("malformed number %s", t.Val)
		}
		return &Literal{Val: v}, nil
	case tString:
		p.pos++
		return &Literal{Val: t.Val}, nil
	case tBlob:
		p.pos++
		return &Literal{Val: []byte(t.Val)}, nil
	case tPlaceholder:
		return nil, p.exprErrf("placeholder %s has no bound value", t.Val)
	case tPunct:
		if t.Val != "(" {
			break
		}
		if p.peekTok(1).isKeyword("SELECT") {
			sub, err := p.parseSubselect()
			if err != nil {
				return nil, err
			}
			return &Subquery{Select: sub}, nil
		}
		p.pos++
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur().is(tPunct, ",") {
			items := []Expr{e}
			for p.acceptPunct(",") {
				x, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				items = append(items, x)
			}
			e = &RowList{Items: items}
		}
		if !p.acceptPunct(")") {
			return nil, p.exprErrf("expected ')'")
		}
		return e, nil
	case tKeyword:
		switch t.Val {
		case "NULL":
			p.pos++
			return &Literal{Val: nil}, nil
		case "TRUE", "FALSE":
			p.pos++
			return &Literal{Val: t.Val == "TRUE"}, nil
		case "CASE":
			p.pos++
			return p.parseCase()
		case "EXISTS":
			p.pos++
			if !p.cur().is(tPunct, "(") || !p.peekTok(1).isKeyword("SELECT") {
				return nil, p.exprErrf("EXISTS needs a subquery")
			}
			sub, err := p.parseSubselect()
			if err != nil {
				return nil, err
			}
			return &Exists{Sub: sub}, nil
		case "NOT":
			if p.peekTok(1).isKeyword("EXISTS") {
				p.pos++
				e, err := p.parsePrimary()
				if err != nil {
					return nil, err
				}
				e.(*Exists).Not = true
				return e, nil
			}
		}
		if keywordFuncs[t.Val] && p.peekTok(1).is(tPunct, "(") {
			p.pos++
			return p.parseFuncCall(t.Val)
		}
		if softKeywords[t.Val] {
			return p.parseNameRef()
		}
	case tIdent, tQuotedIdent:
		if t.Typ == tIdent && blacklist[strings.ToUpper(t.Val)] {
			return nil, p.exprErrf("%s is not allowed in expressions", strings.ToUpper(t.Val))
		}
		if t.Typ == tIdent && p.peekTok(1).is(tPunct, "(") {
			p.pos++
			return p.parseFuncCall(strings.ToUpper(t.Val))
		}
		return p.parseNameRef()
	case tOperator:
		if t.Val == "<<=" || t.Val == ">>=" {
			return nil, p.exprErrf("assignment operator %s is not allowed", t.Val)
		}
	case tEOF:
		return nil, p.exprErrf("unexpected end of expression")
	}
	return nil, p.exprErrf("unexpected token")
}

// parseNameRef reads name or qualifier.name.
func (p *Parser) parseNameRef() (Expr, error) {
	name, _ := p.parseIdentLike()
	if p.cur().is(tPunct, ".") {
		p.pos++
		if p.cur().is(tOperator, "*") {
			return nil, p.exprErrf("%s.* is only allowed in the select list", name)
		}
		col, ok := p.parseIdentLike()
		if !ok {
			return nil, p.exprErrf("expected a column name after %s.", name)
		}
		return &Ident{Qual: name, Name: col}, nil
	}
	return &Ident{Name: name}, nil
}

// parseCase parses after the CASE keyword. The depth counter tracks
// WHEN/THEN pairs so that a THEN without WHEN or a missing END is rejected.
func (p *Parser) parseCase() (Expr, error) {
	ce := &CaseExpr{}
	var err error
	if !p.cur().isKeyword("WHEN") {
		if ce.Operand, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	open := 0
	for p.acceptKeyword("WHEN") {
		open++
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.acceptKeyword("THEN") {
			return nil, p.exprErrf("CASE: WHEN without THEN")
		}
		open--
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, When{Cond: cond, Then: then})
	}
	if len(ce.Whens) == 0 {
		return nil, p.exprErrf("CASE needs at least one WHEN")
	}
	if p.acceptKeyword("ELSE") {
		if ce.Else, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if open != 0 || !p.acceptKeyword("END") {
		return nil, p.exprErrf("CASE without END")
	}
	return ce, nil
}

// parseFuncCall parses after the function name; the current token is '('.
func (p *Parser) parseFuncCall(name string) (Expr, error) {
	p.pos++ // (
	switch name {
	case "CAST":
		return p.parseCast()
	case "CONVERT":
		return p.parseConvert()
	case "TRANSLATE":
		return p.parseTranslate()
	case "SUBSTRING", "SUBSTR", "MID":
		return p.parseSubstring()
	case "TRIM":
		return p.parseTrim()
	case "POSITION":
		return p.parsePosition()
	case "EXTRACT":
		return p.parseExtract()
	}
	fc := &FuncCall{Name: name}
	if p.acceptPunct(")") {
		return fc, nil
	}
	if p.cur().is(tOperator, "*") && p.peekTok(1).is(tPunct, ")") {
		if name != "COUNT" {
			return nil, p.exprErrf("%s(*) is not valid", name)
		}
		p.pos += 2
		fc.Star = true
		return fc, nil
	}
	if p.acceptKeyword("DISTINCT") {
		fc.Distinct = true
	} else {
		p.acceptKeyword("ALL")
	}
	args, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	fc.Args = args
	return fc, nil
}

// parseArgs reads a comma list through the closing ')'.
func (p *Parser) parseArgs() ([]Expr, error) {
	var args []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if !p.acceptPunct(")") {
		return nil, p.exprErrf("expected ')' after arguments")
	}
	return args, nil
}

// parseTypeName collects the tokens of a type name up to ')' or ','.
func (p *Parser) parseTypeName() (string, error) {
	start := p.pos
	for !p.atEnd() && !p.cur().is(tPunct, ")") && !p.cur().is(tPunct, ",") {
		if p.cur().is(tPunct, "(") {
			p.skipGroup()
			continue
		}
		p.pos++
	}
	if p.pos == start {
		return "", p.exprErrf("expected a type name")
	}
	return strings.ToUpper(Join(p.toks[start:p.pos])), nil
}

func (p *Parser) closeCall(fn string) error {
	if !p.acceptPunct(")") {
		return p.exprErrf("expected ')' to close %s", fn)
	}
	return nil
}

// CAST(x AS type)
func (p *Parser) parseCast() (Expr, error) {
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.acceptKeyword("AS") {
		return nil, p.exprErrf("CAST needs AS")
	}
	typ, err := p.parseTypeName()
	if err != nil {
		return nil, err
	}
	if err := p.closeCall("CAST"); err != nil {
		return nil, err
	}
	return &FuncCall{Name: "CAST", Args: []Expr{x, &Literal{Val: typ}}}, nil
}

// CONVERT(x, type) or CONVERT(x USING charset)
func (p *Parser) parseConvert() (Expr, error) {
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("USING") {
		cs, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		if err := p.closeCall("CONVERT"); err != nil {
			return nil, err
		}
		return &FuncCall{Name: "CONVERT_USING", Args: []Expr{x, &Literal{Val: cs}}}, nil
	}
	if !p.acceptPunct(",") {
		return nil, p.exprErrf("CONVERT needs a type or USING")
	}
	typ, err := p.parseTypeName()
	if err != nil {
		return nil, err
	}
	if err := p.closeCall("CONVERT"); err != nil {
		return nil, err
	}
	return &FuncCall{Name: "CAST", Args: []Expr{x, &Literal{Val: typ}}}, nil
}

// TRANSLATE(s, from, to) or TRANSLATE(s USING charset)
func (p *Parser) parseTranslate() (Expr, error) {
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("USING") {
		cs, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		if err := p.closeCall("TRANSLATE"); err != nil {
			return nil, err
		}
		return &FuncCall{Name: "CONVERT_USING", Args: []Expr{x, &Literal{Val: cs}}}, nil
	}
	if !p.acceptPunct(",") {
		return nil, p.exprErrf("TRANSLATE needs three arguments or USING")
	}
	rest, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	return &FuncCall{Name: "TRANSLATE", Args: append([]Expr{x}, rest...)}, nil
}

// SUBSTRING(s FROM i [FOR n]) or SUBSTRING(s, i [, n])
func (p *Parser) parseSubstring() (Expr, error) {
	s, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("FROM") {
		from, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args := []Expr{s, from}
		if t := p.cur(); t.Typ == tIdent && strings.EqualFold(t.Val, "FOR") {
			p.pos++
			n, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		if err := p.closeCall("SUBSTRING"); err != nil {
			return nil, err
		}
		return &FuncCall{Name: "SUBSTRING", Args: args}, nil
	}
	if !p.acceptPunct(",") {
		return nil, p.exprErrf("SUBSTRING needs FROM or a start position")
	}
	rest, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	return &FuncCall{Name: "SUBSTRING", Args: append([]Expr{s}, rest...)}, nil
}

// TRIM([LEADING|TRAILING|BOTH] [chars] FROM s), TRIM(s [, chars])
//
// The call is normalised to TRIM(s, chars, mode) with chars NULL for
// whitespace.
func (p *Parser) parseTrim() (Expr, error) {
	mode := "BOTH"
	if t := p.cur(); t.Typ == tIdent {
		switch up := strings.ToUpper(t.Val); up {
		case "LEADING", "TRAILING", "BOTH":
			if nt := p.peekTok(1); !nt.is(tPunct, ")") && !nt.is(tPunct, ",") && !nt.is(tPunct, "(") {
				mode = up
				p.pos++
			}
		}
	}
	var chars Expr = &Literal{}
	var s Expr
	if p.acceptKeyword("FROM") {
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s = x
	} else {
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		switch {
		case p.acceptKeyword("FROM"):
			chars = x
			if s, err = p.parseExpr(); err != nil {
				return nil, err
			}
		case p.acceptPunct(","):
			s = x
			if chars, err = p.parseExpr(); err != nil {
				return nil, err
			}
		default:
			s = x
		}
	}
	if err := p.closeCall("TRIM"); err != nil {
		return nil, err
	}
	return &FuncCall{Name: "TRIM", Args: []Expr{s, chars, &Literal{Val: mode}}}, nil
}

// POSITION(needle IN s) or POSITION(needle, s)
func (p *Parser) parsePosition() (Expr, error) {
	needle, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptKeyword("IN") && !p.acceptPunct(",") {
		return nil, p.exprErrf("POSITION needs IN")
	}
	s, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.closeCall("POSITION"); err != nil {
		return nil, err
	}
	return &FuncCall{Name: "POSITION", Args: []Expr{needle, s}}, nil
}

// EXTRACT(field FROM x)
func (p *Parser) parseExtract() (Expr, error) {
	t := p.next()
	if t.Typ != tIdent && t.Typ != tKeyword {
		return nil, p.exprErrf("EXTRACT needs a field name")
	}
	if !p.acceptKeyword("FROM") {
		return nil, p.exprErrf("EXTRACT needs FROM")
	}
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.closeCall("EXTRACT"); err != nil {
		return nil, err
	}
	return &FuncCall{Name: "EXTRACT", Args: []Expr{&Literal{Val: strings.ToUpper(t.Val)}, x}}, nil
}
