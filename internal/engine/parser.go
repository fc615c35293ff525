package engine

import (
	"strconv"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// Parser is a recursive-descent parser over one clause's tokens. Statement
// structure problems are SyntaxErrors; problems inside an expression are
// CompileErrors.
type Parser struct {
	toks []Token
	pos  int
}

func newParser(toks []Token) *Parser { return &Parser{toks: toks} }

func (p *Parser) cur() Token { return p.peekTok(0) }

func (p *Parser) peekTok(n int) Token {
	if i := p.pos + n; i < len(p.toks) {
		return p.toks[i]
	}
	return Token{Typ: tEOF, Pos: -1}
}

func (p *Parser) next() Token {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *Parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *Parser) acceptKeyword(kws ...string) bool {
	if p.cur().isKeyword(kws...) {
		p.pos++
		return true
	}
	return false
}

func (p *Parser) expectKeyword(kw string) error {
	if p.acceptKeyword(kw) {
		return nil
	}
	return p.errf("expected %s", kw)
}

func (p *Parser) acceptPunct(s string) bool {
	if p.cur().is(tPunct, s) {
		p.pos++
		return true
	}
	return false
}

func (p *Parser) expectPunct(s string) error {
	if p.acceptPunct(s) {
		return nil
	}
	return p.errf("expected %q", s)
}

func (p *Parser) near() string {
	if p.atEnd() {
		return "end of input"
	}
	return strconv.Quote(renderToken(p.cur()))
}

func (p *Parser) errf(format string, a ...any) *Error {
	e := syntaxErrf(format, a...)
	e.Msg += " near " + p.near()
	return e
}

func (p *Parser) exprErrf(format string, a ...any) *Error {
	e := compileErrf(format, a...)
	e.Msg += " near " + p.near()
	return e
}

// expectEnd fails when tokens are left over in a clause.
func (p *Parser) expectEnd(clause string) error {
	if p.atEnd() {
		return nil
	}
	return p.errf("unexpected token in %s clause", clause)
}

// softKeywords are keywords that may also name tables, columns and aliases.
var softKeywords = map[string]bool{
	"KEY": true, "WORK": true, "TRANSACTION": true, "DATABASE": true, "SCHEMA": true,
	"START": true, "BEGIN": true, "COMMIT": true, "ROLLBACK": true, "VACUUM": true,
	"DESCRIBE": true, "EXPLAIN": true, "AUTO_INCREMENT": true, "AUTOINCREMENT": true,
}

// identAt reports whether t can act as a name.
func identAt(t Token) bool {
	return t.Typ == tIdent || t.Typ == tQuotedIdent || (t.Typ == tKeyword && softKeywords[t.Val])
}

// parseIdentLike accepts an identifier, a quoted identifier or a soft
// keyword.
func (p *Parser) parseIdentLike() (string, bool) {
	t := p.cur()
	if !identAt(t) {
		return "", false
	}
	p.pos++
	if t.Typ == tKeyword {
		return strings.ToLower(t.Val), true
	}
	return t.Val, true
}

func (p *Parser) expectIdent(what string) (string, error) {
	name, ok := p.parseIdentLike()
	if !ok {
		return "", p.errf("expected %s", what)
	}
	return name, nil
}

// parseTableName reads name or schema.name and returns the last part.
func (p *Parser) parseTableName() (string, error) {
	name, err := p.expectIdent("table name")
	if err != nil {
		return "", err
	}
	if p.cur().is(tPunct, ".") && identAt(p.peekTok(1)) {
		p.pos++
		name, _ = p.parseIdentLike()
	}
	return name, nil
}

// parseAlias reads [AS] alias.
func (p *Parser) parseAlias() (string, error) {
	if p.acceptKeyword("AS") {
		if t := p.cur(); t.Typ == tString {
			p.pos++
			return t.Val, nil
		}
		return p.expectIdent("alias")
	}
	if t := p.cur(); t.Typ == tIdent || t.Typ == tQuotedIdent {
		p.pos++
		return t.Val, nil
	}
	return "", nil
}

// ParseStatement splits and parses one statement.
func ParseStatement(tokens []Token) (Statement, error) {
	cl, err := Split(tokens)
	if err != nil {
		return nil, err
	}
	return parseClauses(cl)
}

func parseClauses(cl *Clauses) (Statement, error) {
	switch cl.Kind {
	case "SELECT":
		return parseSelectClauses(cl)
	case "INSERT", "REPLACE":
		return parseInsert(cl)
	case "UPDATE":
		return parseUpdate(cl)
	case "DELETE":
		return parseDelete(cl)
	case "CREATE":
		return parseCreate(cl)
	case "DROP":
		return parseDrop(cl)
	case "DESCRIBE":
		return parseDescribe(cl)
	case "BEGIN", "COMMIT", "ROLLBACK":
		return parseTx(cl)
	case "VACUUM":
		if len(cl.Parts["vacuum"]) > 0 {
			return nil, newParser(cl.Parts["vacuum"]).errf("VACUUM takes no arguments")
		}
		return &Vacuum{}, nil
	}
	return nil, syntaxErrf("unknown statement %q", cl.Kind)
}

// ------------------------------ SELECT ------------------------------

func parseSelectClauses(cl *Clauses) (*Select, error) {
	sel := &Select{Text: Join(cl.Tokens)}
	if err := parseProjections(sel, cl.Parts["select"]); err != nil {
		return nil, err
	}
	if toks, ok := cl.Parts["from"]; ok {
		p := newParser(toks)
		items, err := p.parseFromClause()
		if err != nil {
			return nil, err
		}
		if err := p.expectEnd("FROM"); err != nil {
			return nil, err
		}
		sel.From = items
	}
	var err error
	if toks, ok := cl.Parts["where"]; ok {
		if sel.Where, err = parseClauseExpr(toks, "WHERE"); err != nil {
			return nil, err
		}
		sel.WhereText = Join(toks)
	}
	if toks, ok := cl.Parts["group"]; ok {
		if sel.GroupBy, err = parseExprList(toks, "GROUP BY"); err != nil {
			return nil, err
		}
	}
	if toks, ok := cl.Parts["having"]; ok {
		if sel.Having, err = parseClauseExpr(toks, "HAVING"); err != nil {
			return nil, err
		}
	}
	if toks, ok := cl.Parts["order"]; ok {
		if sel.OrderBy, err = parseOrderBy(toks); err != nil {
			return nil, err
		}
	}
	if toks, ok := cl.Parts["limit"]; ok {
		if sel.Limit, err = parseLimit(toks); err != nil {
			return nil, err
		}
	}
	if cl.Next == nil {
		return sel, nil
	}
	if sel.OrderBy != nil || sel.Limit != nil {
		return nil, syntaxErrf("ORDER BY and LIMIT are only allowed after the last %s operand", cl.SetOp)
	}
	next, err := parseSelectClauses(cl.Next)
	if err != nil {
		return nil, err
	}
	sel.SetOp, sel.SetAll, sel.Next = cl.SetOp, cl.SetAll, next
	// A trailing ORDER BY / LIMIT belongs to the whole compound; it is
	// carried by the head operand.
	last := next
	for last.Next != nil {
		last = last.Next
	}
	sel.OrderBy, last.OrderBy = last.OrderBy, nil
	sel.Limit, last.Limit = last.Limit, nil
	return sel, nil
}

func parseProjections(sel *Select, toks []Token) error {
	p := newParser(toks)
	if p.acceptKeyword("DISTINCT") {
		sel.Distinct = true
	} else {
		p.acceptKeyword("ALL")
	}
	if p.atEnd() {
		return p.errf("SELECT needs at least one column")
	}
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return err
		}
		sel.Items = append(sel.Items, item)
		if !p.acceptPunct(",") {
			break
		}
	}
	return p.expectEnd("SELECT")
}

func (p *Parser) parseSelectItem() (SelectItem, error) {
	if p.cur().is(tOperator, "*") {
		p.pos++
		return SelectItem{Star: true, Text: "*"}, nil
	}
	if identAt(p.cur()) && p.peekTok(1).is(tPunct, ".") && p.peekTok(2).is(tOperator, "*") {
		qual, _ := p.parseIdentLike()
		p.pos += 2
		return SelectItem{Star: true, Qual: qual, Text: qual + ".*"}, nil
	}
	start := p.pos
	e, err := p.parseExpr()
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Expr: e, Text: Join(p.toks[start:p.pos])}
	if item.Alias, err = p.parseAlias(); err != nil {
		return SelectItem{}, err
	}
	return item, nil
}

func (p *Parser) parseFromClause() ([]FromItem, error) {
	var items []FromItem
	for {
		item, err := p.parseTablePrimary()
		if err != nil {
			return nil, err
		}
		if err := p.parseJoins(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
		if !p.acceptPunct(",") {
			return items, nil
		}
	}
}

func (p *Parser) parseTablePrimary() (FromItem, error) {
	var item FromItem
	if p.cur().is(tPunct, "(") {
		if !p.peekTok(1).isKeyword("SELECT") {
			return item, p.errf("expected a derived table")
		}
		sub, err := p.parseSubselect()
		if err != nil {
			return item, err
		}
		item.Derived = sub
	} else {
		name, err := p.parseTableName()
		if err != nil {
			return item, err
		}
		item.Table = name
	}
	alias, err := p.parseAlias()
	if err != nil {
		return item, err
	}
	item.Alias = alias
	if item.Derived != nil && item.Alias == "" {
		return item, p.errf("derived table needs an alias")
	}
	return item, nil
}

func (p *Parser) parseJoins(left *FromItem) error {
	for {
		jc := JoinClause{Type: JoinInner}
		start := p.pos
		if p.acceptKeyword("NATURAL") {
			jc.Natural = true
		}
		switch {
		case p.acceptKeyword("INNER"):
		case p.acceptKeyword("CROSS"):
			jc.Type = JoinCross
		case p.acceptKeyword("LEFT"):
			jc.Type = JoinLeft
			p.acceptKeyword("OUTER")
		case p.acceptKeyword("RIGHT"):
			jc.Type = JoinRight
			p.acceptKeyword("OUTER")
		case p.acceptKeyword("FULL"):
			jc.Type = JoinFull
			p.acceptKeyword("OUTER")
		}
		if !p.acceptKeyword("JOIN") {
			if p.pos != start {
				return p.errf("expected JOIN")
			}
			return nil
		}
		right, err := p.parseTablePrimary()
		if err != nil {
			return err
		}
		jc.Right = right
		switch {
		case p.acceptKeyword("ON"):
			if jc.Natural || jc.Type == JoinCross {
				return p.errf("%s JOIN does not take ON", jc.Type)
			}
			if jc.On, err = p.parseExpr(); err != nil {
				return err
			}
		case p.acceptKeyword("USING"):
			if jc.Natural || jc.Type == JoinCross {
				return p.errf("%s JOIN does not take USING", jc.Type)
			}
			if err := p.expectPunct("("); err != nil {
				return err
			}
			for {
				col, err := p.expectIdent("column name")
				if err != nil {
					return err
				}
				jc.Using = append(jc.Using, col)
				if !p.acceptPunct(",") {
					break
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
		left.Joins = append(left.Joins, jc)
	}
}

// parseSubselect parses "( SELECT … )" starting at the opening parenthesis.
func (p *Parser) parseSubselect() (*Select, error) {
	open := p.pos
	depth := 0
	for i := open; i < len(p.toks); i++ {
		switch {
		case p.toks[i].is(tPunct, "("):
			depth++
		case p.toks[i].is(tPunct, ")"):
			depth--
			if depth == 0 {
				cl, err := Split(p.toks[open+1 : i])
				if err != nil {
					return nil, err
				}
				if cl.Kind != "SELECT" {
					return nil, p.errf("subquery must be a SELECT")
				}
				sel, err := parseSelectClauses(cl)
				if err != nil {
					return nil, err
				}
				p.pos = i + 1
				return sel, nil
			}
		}
	}
	return nil, p.errf("unbalanced parentheses in subquery")
}

func parseClauseExpr(toks []Token, clause string) (Expr, error) {
	p := newParser(toks)
	if p.atEnd() {
		return nil, p.errf("empty %s clause", clause)
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(clause); err != nil {
		return nil, err
	}
	return e, nil
}

func parseExprList(toks []Token, clause string) ([]Expr, error) {
	p := newParser(toks)
	if p.atEnd() {
		return nil, p.errf("empty %s clause", clause)
	}
	var out []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	return out, p.expectEnd(clause)
}

func parseOrderBy(toks []Token) ([]OrderItem, error) {
	p := newParser(toks)
	if p.atEnd() {
		return nil, p.errf("empty ORDER BY clause")
	}
	var out []OrderItem
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := OrderItem{Expr: e}
		if p.acceptKeyword("DESC") {
			item.Desc = true
		} else {
			p.acceptKeyword("ASC")
		}
		out = append(out, item)
		if !p.acceptPunct(",") {
			break
		}
	}
	return out, p.expectEnd("ORDER BY")
}

func (p *Parser) parseCount() (int64, error) {
	t := p.cur()
	if t.Typ != tNumber {
		return 0, p.errf("LIMIT expects a non-negative integer")
	}
	n, err := strconv.ParseInt(t.Val, 10, 64)
	if err != nil || n < 0 {
		return 0, p.errf("LIMIT expects a non-negative integer")
	}
	p.pos++
	return n, nil
}

// parseLimit accepts LIMIT n, LIMIT offset, n and LIMIT n OFFSET offset.
func parseLimit(toks []Token) (*Limit, error) {
	p := newParser(toks)
	first, err := p.parseCount()
	if err != nil {
		return nil, err
	}
	lim := &Limit{Count: first}
	switch {
	case p.acceptPunct(","):
		n, err := p.parseCount()
		if err != nil {
			return nil, err
		}
		lim.Offset, lim.Count = first, n
	case p.acceptKeyword("OFFSET"):
		off, err := p.parseCount()
		if err != nil {
			return nil, err
		}
		lim.Offset = off
	}
	return lim, p.expectEnd("LIMIT")
}

// ------------------------------ DML ------------------------------

func parseInsert(cl *Clauses) (*Insert, error) {
	ins := &Insert{Replace: cl.Kind == "REPLACE"}
	target := cl.Parts["into"]
	if !cl.Has("into") {
		target = cl.Parts["insert"]
	} else if len(cl.Parts["insert"]) > 0 {
		return nil, newParser(cl.Parts["insert"]).errf("unexpected token before INTO")
	}
	p := newParser(target)
	name, err := p.parseTableName()
	if err != nil {
		return nil, err
	}
	ins.Table = name
	if p.acceptPunct("(") {
		for {
			col, err := p.expectIdent("column name")
			if err != nil {
				return nil, err
			}
			ins.Cols = append(ins.Cols, col)
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectEnd("INTO"); err != nil {
		return nil, err
	}
	switch {
	case cl.Has("values") && cl.Has("query"):
		return nil, syntaxErrf("%s takes either VALUES or SELECT", cl.Kind)
	case cl.Has("values"):
		rows, err := parseValues(cl.Parts["values"])
		if err != nil {
			return nil, err
		}
		ins.Rows = rows
	case cl.Has("query"):
		sub, err := Split(cl.Parts["query"])
		if err != nil {
			return nil, err
		}
		if ins.Query, err = parseSelectClauses(sub); err != nil {
			return nil, err
		}
	default:
		return nil, syntaxErrf("%s needs VALUES or SELECT", cl.Kind)
	}
	return ins, nil
}

func parseValues(toks []Token) ([][]Expr, error) {
	p := newParser(toks)
	var rows [][]Expr
	for {
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		var row []Expr
		for !p.cur().is(tPunct, ")") {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if !p.acceptPunct(",") {
			break
		}
	}
	return rows, p.expectEnd("VALUES")
}

// parseTarget reads the table of UPDATE or DELETE with an optional alias.
func parseTarget(toks []Token, clause string) (string, string, error) {
	p := newParser(toks)
	name, err := p.parseTableName()
	if err != nil {
		return "", "", err
	}
	alias, err := p.parseAlias()
	if err != nil {
		return "", "", err
	}
	return name, alias, p.expectEnd(clause)
}

func parseUpdate(cl *Clauses) (*Update, error) {
	up := &Update{}
	var err error
	if up.Table, up.Alias, err = parseTarget(cl.Parts["update"], "UPDATE"); err != nil {
		return nil, err
	}
	if !cl.Has("set") {
		return nil, syntaxErrf("UPDATE needs a SET clause")
	}
	p := newParser(cl.Parts["set"])
	for {
		col, err := p.expectIdent("column name")
		if err != nil {
			return nil, err
		}
		if p.cur().is(tPunct, ".") {
			p.pos++
			if col, err = p.expectIdent("column name"); err != nil {
				return nil, err
			}
		}
		if t := p.cur(); !(t.is(tOperator, "=") || t.is(tOperator, "==")) {
			return nil, p.errf("expected '=' in SET")
		}
		p.pos++
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		up.Sets = append(up.Sets, Assignment{Col: col, Expr: e})
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectEnd("SET"); err != nil {
		return nil, err
	}
	if toks, ok := cl.Parts["where"]; ok {
		if up.Where, err = parseClauseExpr(toks, "WHERE"); err != nil {
			return nil, err
		}
		up.WhereText = Join(toks)
	}
	if toks, ok := cl.Parts["order"]; ok {
		if up.OrderBy, err = parseOrderBy(toks); err != nil {
			return nil, err
		}
	}
	if toks, ok := cl.Parts["limit"]; ok {
		if up.Limit, err = parseLimit(toks); err != nil {
			return nil, err
		}
	}
	return up, nil
}

func parseDelete(cl *Clauses) (*Delete, error) {
	if len(cl.Parts["delete"]) > 0 {
		return nil, newParser(cl.Parts["delete"]).errf("unexpected token before FROM")
	}
	if !cl.Has("from") {
		return nil, syntaxErrf("DELETE needs a FROM clause")
	}
	del := &Delete{}
	var err error
	if del.Table, del.Alias, err = parseTarget(cl.Parts["from"], "FROM"); err != nil {
		return nil, err
	}
	if toks, ok := cl.Parts["where"]; ok {
		if del.Where, err = parseClauseExpr(toks, "WHERE"); err != nil {
			return nil, err
		}
		del.WhereText = Join(toks)
	}
	if toks, ok := cl.Parts["order"]; ok {
		if del.OrderBy, err = parseOrderBy(toks); err != nil {
			return nil, err
		}
	}
	if toks, ok := cl.Parts["limit"]; ok {
		if del.Limit, err = parseLimit(toks); err != nil {
			return nil, err
		}
	}
	return del, nil
}

// ------------------------------ DDL ------------------------------

func (p *Parser) parseIfExists(not bool) (bool, error) {
	if !p.acceptKeyword("IF") {
		return false, nil
	}
	if not {
		if err := p.expectKeyword("NOT"); err != nil {
			return false, err
		}
	}
	if err := p.expectKeyword("EXISTS"); err != nil {
		return false, err
	}
	return true, nil
}

func parseCreate(cl *Clauses) (Statement, error) {
	p := newParser(cl.Parts["create"])
	if t := p.cur(); t.Typ == tIdent && strings.EqualFold(t.Val, "TEMPORARY") {
		return nil, p.errf("temporary tables are not supported")
	}
	switch {
	case p.acceptKeyword("DATABASE", "SCHEMA"):
		ifNot, err := p.parseIfExists(true)
		if err != nil {
			return nil, err
		}
		name, err := p.expectIdent("database name")
		if err != nil {
			return nil, err
		}
		return &CreateDatabase{Name: name, IfNotExists: ifNot}, p.expectEnd("CREATE DATABASE")
	case p.acceptKeyword("TABLE"):
	default:
		return nil, p.errf("expected TABLE or DATABASE after CREATE")
	}
	ifNot, err := p.parseIfExists(true)
	if err != nil {
		return nil, err
	}
	name, err := p.parseTableName()
	if err != nil {
		return nil, err
	}
	ct := &CreateTable{
		Schema:      &storage.Schema{Name: name, CreateSQL: Join(cl.Tokens)},
		IfNotExists: ifNot,
	}
	if p.cur().is(tPunct, "(") {
		p.pos++
		if err := p.parseTableElements(ct.Schema); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("AS") || p.cur().isKeyword("SELECT") {
		sub, err := Split(p.toks[p.pos:])
		if err != nil {
			return nil, err
		}
		if sub.Kind != "SELECT" {
			return nil, p.errf("CREATE TABLE … AS needs a SELECT")
		}
		if ct.AsSelect, err = parseSelectClauses(sub); err != nil {
			return nil, err
		}
		return ct, nil
	}
	if len(ct.Schema.Columns) == 0 {
		return nil, p.errf("CREATE TABLE needs at least one column")
	}
	return ct, p.expectEnd("CREATE TABLE")
}

func (p *Parser) parseTableElements(s *storage.Schema) error {
	for {
		var err error
		switch t := p.cur(); {
		case t.isKeyword("PRIMARY"):
			p.pos++
			if err = p.expectKeyword("KEY"); err == nil {
				err = p.parseKeyColumns(s, storage.KeyPrimary)
			}
		case t.isKeyword("UNIQUE"):
			p.pos++
			p.acceptKeyword("KEY")
			if identAt(p.cur()) {
				p.pos++
			}
			err = p.parseKeyColumns(s, storage.KeyUnique)
		case t.isKeyword("KEY") && p.peekTok(1).is(tPunct, "("), t.Typ == tIdent && strings.EqualFold(t.Val, "INDEX"):
			// plain index definitions carry no constraint
			p.pos++
			if identAt(p.cur()) {
				p.pos++
			}
			p.skipGroup()
		case t.Typ == tIdent && (strings.EqualFold(t.Val, "CONSTRAINT") || strings.EqualFold(t.Val, "FOREIGN") || strings.EqualFold(t.Val, "CHECK")):
			p.skipElement()
		default:
			err = p.parseColumnDef(s)
		}
		if err != nil {
			return err
		}
		if !p.acceptPunct(",") {
			break
		}
	}
	return p.expectPunct(")")
}

// skipGroup skips a parenthesised group if one starts here.
func (p *Parser) skipGroup() {
	if !p.cur().is(tPunct, "(") {
		return
	}
	depth := 0
	for !p.atEnd() {
		t := p.next()
		switch {
		case t.is(tPunct, "("):
			depth++
		case t.is(tPunct, ")"):
			depth--
			if depth == 0 {
				return
			}
		}
	}
}

// skipElement skips to the next depth-0 ',' or ')'.
func (p *Parser) skipElement() {
	for !p.atEnd() {
		t := p.cur()
		if t.is(tPunct, ",") || t.is(tPunct, ")") {
			return
		}
		if t.is(tPunct, "(") {
			p.skipGroup()
			continue
		}
		p.pos++
	}
}

func (p *Parser) parseKeyColumns(s *storage.Schema, role storage.KeyRole) error {
	if err := p.expectPunct("("); err != nil {
		return err
	}
	var cols []string
	for {
		c, err := p.expectIdent("column name")
		if err != nil {
			return err
		}
		cols = append(cols, c)
		p.skipGroup()
		p.acceptKeyword("ASC", "DESC")
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return err
	}
	if len(cols) > 1 {
		return p.errf("composite %s is not supported", role)
	}
	return setKey(s, cols[0], role)
}

func setKey(s *storage.Schema, col string, role storage.KeyRole) error {
	for i := range s.Columns {
		if !strings.EqualFold(s.Columns[i].Name, col) {
			continue
		}
		if role == storage.KeyPrimary {
			if s.PrimaryKey != "" && !strings.EqualFold(s.PrimaryKey, col) {
				return schemaErrf("table %s has more than one primary key", s.Name)
			}
			s.PrimaryKey = s.Columns[i].Name
			s.Columns[i].NotNull = true
		}
		if s.Columns[i].Key != storage.KeyPrimary {
			s.Columns[i].Key = role
		}
		return nil
	}
	return schemaErrf("key column %s is not declared in table %s", col, s.Name)
}

// column constraint words that end a type name.
func isConstraintStart(t Token) bool {
	if t.isKeyword("NOT", "NULL", "DEFAULT", "PRIMARY", "UNIQUE", "KEY", "AUTO_INCREMENT", "AUTOINCREMENT") {
		return true
	}
	if t.Typ == tIdent {
		switch strings.ToUpper(t.Val) {
		case "COMMENT", "CHECK", "REFERENCES", "COLLATE", "CONSTRAINT":
			return true
		}
	}
	return false
}

func (p *Parser) parseColumnDef(s *storage.Schema) error {
	name, err := p.expectIdent("column name")
	if err != nil {
		return err
	}
	if storage.IsImplicit(name) {
		return schemaErrf("column name %s is reserved", name)
	}
	if _, dup := s.Column(name); dup {
		return schemaErrf("duplicate column %s in table %s", name, s.Name)
	}
	col := storage.Column{Name: name}
	start := p.pos
	for !p.atEnd() && !p.cur().is(tPunct, ",") && !p.cur().is(tPunct, ")") && !isConstraintStart(p.cur()) {
		if p.cur().is(tPunct, "(") {
			p.skipGroup()
			continue
		}
		p.pos++
	}
	col.Type = strings.ToUpper(Join(p.toks[start:p.pos]))
	var role storage.KeyRole
	for !p.atEnd() && !p.cur().is(tPunct, ",") && !p.cur().is(tPunct, ")") {
		t := p.cur()
		switch {
		case t.isKeyword("NOT"):
			p.pos++
			if err := p.expectKeyword("NULL"); err != nil {
				return err
			}
			col.NotNull = true
		case t.isKeyword("NULL"):
			p.pos++
		case t.isKeyword("DEFAULT"):
			p.pos++
			from := p.pos
			if _, err := p.parseBitOr(); err != nil {
				return err
			}
			col.Default, col.HasDef = Join(p.toks[from:p.pos]), true
		case t.isKeyword("PRIMARY"):
			p.pos++
			if err := p.expectKeyword("KEY"); err != nil {
				return err
			}
			role = storage.KeyPrimary
		case t.isKeyword("KEY"):
			p.pos++
			role = storage.KeyPrimary
		case t.isKeyword("UNIQUE"):
			p.pos++
			p.acceptKeyword("KEY")
			if role == storage.KeyNone {
				role = storage.KeyUnique
			}
		case t.isKeyword("AUTO_INCREMENT", "AUTOINCREMENT"):
			p.pos++
		case t.Typ == tIdent && strings.EqualFold(t.Val, "COMMENT"):
			p.pos++
			if p.cur().Typ == tString {
				p.pos++
			}
		case t.Typ == tIdent && strings.EqualFold(t.Val, "COLLATE"):
			p.pos += 2
		case t.Typ == tIdent && (strings.EqualFold(t.Val, "CHECK") || strings.EqualFold(t.Val, "REFERENCES") || strings.EqualFold(t.Val, "CONSTRAINT")):
			p.skipElement()
		default:
			return p.errf("unexpected token in column definition")
		}
	}
	s.Columns = append(s.Columns, col)
	if role != storage.KeyNone {
		return setKey(s, name, role)
	}
	return nil
}

func parseDrop(cl *Clauses) (Statement, error) {
	p := newParser(cl.Parts["drop"])
	switch {
	case p.acceptKeyword("DATABASE", "SCHEMA"):
		ifEx, err := p.parseIfExists(false)
		if err != nil {
			return nil, err
		}
		name, err := p.expectIdent("database name")
		if err != nil {
			return nil, err
		}
		return &DropDatabase{Name: name, IfExists: ifEx}, p.expectEnd("DROP DATABASE")
	case p.acceptKeyword("TABLE"):
	default:
		return nil, p.errf("expected TABLE or DATABASE after DROP")
	}
	ifEx, err := p.parseIfExists(false)
	if err != nil {
		return nil, err
	}
	dt := &DropTable{IfExists: ifEx}
	for {
		name, err := p.parseTableName()
		if err != nil {
			return nil, err
		}
		dt.Names = append(dt.Names, name)
		if !p.acceptPunct(",") {
			break
		}
	}
	return dt, p.expectEnd("DROP TABLE")
}

func parseDescribe(cl *Clauses) (*Describe, error) {
	p := newParser(cl.Parts["describe"])
	if p.cur().isKeyword("SELECT", "INSERT", "UPDATE", "DELETE") {
		return nil, p.errf("query plans are not available")
	}
	p.acceptKeyword("TABLE")
	name, err := p.parseTableName()
	if err != nil {
		return nil, err
	}
	return &Describe{Table: name}, p.expectEnd("DESCRIBE")
}

func parseTx(cl *Clauses) (*TxStmt, error) {
	p := newParser(cl.Parts[strings.ToLower(cl.Kind)])
	if cl.Tokens[0].isKeyword("START") {
		if err := p.expectKeyword("TRANSACTION"); err != nil {
			return nil, err
		}
	} else {
		p.acceptKeyword("WORK", "TRANSACTION")
	}
	return &TxStmt{Op: cl.Kind}, p.expectEnd(cl.Kind)
}
