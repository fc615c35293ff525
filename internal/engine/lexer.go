// Package engine contains the SQL front end, the expression sandbox and the
// query executor of flatSQL.
//
// What: Tokenize splits statement text into a flat token slice: identifiers,
// keywords, numbers, strings, blobs, operators, punctuation and
// placeholders. Comments and whitespace are dropped. Join renders tokens
// back into SQL so that tokenize → join → tokenize is a fixed point.
// How: Single-pass byte scanner. Operators are matched greedily, longest
// first. Keywords are a fixed list of clause and grammar words; function
// names stay identifiers and are resolved later by the compiler.
// Why: Every later stage (splitter, parser, compiler, cache keys) works on
// tokens, so string literals and comments can never be mistaken for SQL.
package engine

import (
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tEOF tokenType = iota
	tIdent
	tQuotedIdent
	tKeyword
	tNumber
	tString
	tBlob
	tOperator
	tPunct
	tPlaceholder
	tUnterminated
)

func (t tokenType) String() string {
	switch t {
	case tIdent:
		return "identifier"
	case tQuotedIdent:
		return "quoted identifier"
	case tKeyword:
		return "keyword"
	case tNumber:
		return "number"
	case tString:
		return "string"
	case tBlob:
		return "blob"
	case tOperator:
		return "operator"
	case tPunct:
		return "punctuation"
	case tPlaceholder:
		return "placeholder"
	case tUnterminated:
		return "unterminated literal"
	}
	return "end of input"
}

// Token is one lexical unit. Keywords carry their upper-cased text, strings
// their unescaped value and blobs their decoded bytes as a string.
type Token struct {
	Typ tokenType
	Val string
	Pos int
}

func (t Token) is(typ tokenType, val string) bool { return t.Typ == typ && t.Val == val }

func (t Token) isKeyword(vals ...string) bool {
	if t.Typ != tKeyword {
		return false
	}
	for _, v := range vals {
		if t.Val == v {
			return true
		}
	}
	return false
}

// operators, longest first.
var operators = []string{
	"<=>", "<<=", ">>=", "!==", "===",
	"<>", "!=", "<=", ">=", "==", "<<", ">>", "||", "&&",
	"=", "<", ">", "+", "-", "*", "/", "%", "&", "|", "^", "~", "!",
}

type lexer struct {
	s   string
	pos int
}

// Tokenize splits sql into tokens. An unterminated string, quoted
// identifier or block comment ends the slice with a tUnterminated token.
func Tokenize(sql string) []Token {
	lx := &lexer{s: sql}
	var out []Token
	for {
		t := lx.nextToken()
		if t.Typ == tEOF {
			return out
		}
		out = append(out, t)
		if t.Typ == tUnterminated {
			return out
		}
	}
}

func (lx *lexer) peekN(n int) byte {
	p := lx.pos + n
	if p >= len(lx.s) {
		return 0
	}
	return lx.s[p]
}

// skipWS skips whitespace and comments. It reports false when a block
// comment is not closed.
func (lx *lexer) skipWS() bool {
	for lx.pos < len(lx.s) {
		c := lx.s[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			lx.pos++
		case c == '#', c == '-' && lx.peekN(1) == '-':
			for lx.pos < len(lx.s) && lx.s[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '/' && lx.peekN(1) == '*':
			end := strings.Index(lx.s[lx.pos+2:], "*/")
			if end < 0 {
				lx.pos = len(lx.s)
				return false
			}
			lx.pos += 2 + end + 2
		default:
			return true
		}
	}
	return true
}

func (lx *lexer) nextToken() Token {
	start := lx.pos
	if !lx.skipWS() {
		return Token{Typ: tUnterminated, Val: "/*", Pos: start}
	}
	start = lx.pos
	if start >= len(lx.s) {
		return Token{Typ: tEOF, Pos: start}
	}
	c := lx.s[start]
	switch {
	case c == '\'' || c == '"':
		return lx.tokenizeString(start, c)
	case c == '`':
		return lx.tokenizeQuotedIdent(start, '`')
	case c == '[':
		return lx.tokenizeQuotedIdent(start, ']')
	case (c == 'x' || c == 'X') && lx.peekN(1) == '\'':
		return lx.tokenizeBlob(start)
	case isDigit(c) || (c == '.' && isDigit(lx.peekN(1))):
		return lx.tokenizeNumber(start)
	case c == '?':
		lx.pos++
		return Token{Typ: tPlaceholder, Val: "?", Pos: start}
	case c == ':' && isIdentStart(lx.peekN(1)):
		lx.pos++
		name := lx.scanIdent()
		return Token{Typ: tPlaceholder, Val: ":" + name, Pos: start}
	case isIdentStart(c) || c >= utf8.RuneSelf:
		return lx.tokenizeIdentOrKeyword(start)
	}
	return lx.tokenizeSymbol(start)
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || c == '$' || (c|0x20 >= 'a' && c|0x20 <= 'z') }

// tokenizeString reads a quoted literal. Backslash escapes and a doubled
// quote both produce the quote character.
func (lx *lexer) tokenizeString(start int, q byte) Token {
	lx.pos++
	var val strings.Builder
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		lx.pos++
		switch {
		case ch == '\\' && lx.pos < len(lx.s):
			e := lx.s[lx.pos]
			lx.pos++
			switch e {
			case 'n':
				val.WriteByte('\n')
			case 't':
				val.WriteByte('\t')
			case 'r':
				val.WriteByte('\r')
			case '0':
				val.WriteByte(0)
			default:
				val.WriteByte(e)
			}
		case ch == q:
			if lx.pos < len(lx.s) && lx.s[lx.pos] == q {
				lx.pos++
				val.WriteByte(q)
				continue
			}
			return Token{Typ: tString, Val: val.String(), Pos: start}
		default:
			val.WriteByte(ch)
		}
	}
	return Token{Typ: tUnterminated, Val: string(q), Pos: start}
}

func (lx *lexer) tokenizeQuotedIdent(start int, closer byte) Token {
	lx.pos++
	var val strings.Builder
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		lx.pos++
		if ch == closer {
			if closer == '`' && lx.pos < len(lx.s) && lx.s[lx.pos] == '`' {
				lx.pos++
				val.WriteByte('`')
				continue
			}
			return Token{Typ: tQuotedIdent, Val: val.String(), Pos: start}
		}
		val.WriteByte(ch)
	}
	return Token{Typ: tUnterminated, Val: string(lx.s[start]), Pos: start}
}

func (lx *lexer) tokenizeBlob(start int) Token {
	lx.pos += 2
	end := strings.IndexByte(lx.s[lx.pos:], '\'')
	if end < 0 {
		lx.pos = len(lx.s)
		return Token{Typ: tUnterminated, Val: "X'", Pos: start}
	}
	raw := lx.s[lx.pos : lx.pos+end]
	lx.pos += end + 1
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Token{Typ: tUnterminated, Val: "X'" + raw + "'", Pos: start}
	}
	return Token{Typ: tBlob, Val: string(b), Pos: start}
}

func (lx *lexer) tokenizeNumber(start int) Token {
	if lx.s[lx.pos] == '0' && (lx.peekN(1) == 'x' || lx.peekN(1) == 'X') {
		lx.pos += 2
		for lx.pos < len(lx.s) && strings.IndexByte("0123456789abcdefABCDEF", lx.s[lx.pos]) >= 0 {
			lx.pos++
		}
		return Token{Typ: tNumber, Val: lx.s[start:lx.pos], Pos: start}
	}
	dot := false
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		if isDigit(ch) || (!dot && ch == '.') {
			if ch == '.' {
				dot = true
			}
			lx.pos++
			continue
		}
		if (ch == 'e' || ch == 'E') && (isDigit(lx.peekN(1)) || ((lx.peekN(1) == '-' || lx.peekN(1) == '+') && isDigit(lx.peekN(2)))) {
			lx.pos += 2
			for lx.pos < len(lx.s) && isDigit(lx.s[lx.pos]) {
				lx.pos++
			}
		}
		break
	}
	return Token{Typ: tNumber, Val: lx.s[start:lx.pos], Pos: start}
}

func (lx *lexer) scanIdent() string {
	start := lx.pos
	for lx.pos < len(lx.s) {
		r, n := utf8.DecodeRuneInString(lx.s[lx.pos:])
		if r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			lx.pos += n
			continue
		}
		break
	}
	return lx.s[start:lx.pos]
}

func (lx *lexer) tokenizeIdentOrKeyword(start int) Token {
	word := lx.scanIdent()
	if word == "" {
		// A stray non-letter rune: emit it as a single operator token so
		// the parser reports it.
		_, n := utf8.DecodeRuneInString(lx.s[lx.pos:])
		lx.pos += n
		return Token{Typ: tOperator, Val: lx.s[start:lx.pos], Pos: start}
	}
	up := strings.ToUpper(word)
	if isKeyword(up) {
		return Token{Typ: tKeyword, Val: up, Pos: start}
	}
	return Token{Typ: tIdent, Val: word, Pos: start}
}

func (lx *lexer) tokenizeSymbol(start int) Token {
	switch c := lx.s[lx.pos]; c {
	case '(', ')', ',', ';', '.':
		lx.pos++
		return Token{Typ: tPunct, Val: string(c), Pos: start}
	}
	rest := lx.s[lx.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			lx.pos += len(op)
			return Token{Typ: tOperator, Val: op, Pos: start}
		}
	}
	lx.pos++
	return Token{Typ: tOperator, Val: rest[:1], Pos: start}
}

var keywords = map[string]bool{}

func init() {
	for _, k := range strings.Fields(`
		SELECT DISTINCT ALL FROM WHERE GROUP BY HAVING ORDER ASC DESC LIMIT OFFSET
		UNION INTERSECT EXCEPT
		JOIN INNER LEFT RIGHT FULL OUTER CROSS NATURAL ON USING AS
		INSERT REPLACE INTO VALUES UPDATE SET DELETE
		CREATE DROP TABLE DATABASE SCHEMA IF EXISTS
		PRIMARY KEY UNIQUE DEFAULT AUTO_INCREMENT AUTOINCREMENT
		DESCRIBE EXPLAIN BEGIN START TRANSACTION WORK COMMIT END ROLLBACK VACUUM
		AND OR XOR NOT IS NULL TRUE FALSE IN LIKE ILIKE ESCAPE BETWEEN REGEXP RLIKE GLOB
		CASE WHEN THEN ELSE ANY SOME ISNULL NOTNULL DIV MOD
	`) {
		keywords[k] = true
	}
}

func isKeyword(up string) bool { return keywords[up] }

// Join renders tokens as SQL text. Strings are re-quoted, quoted
// identifiers re-bracketed, and only the spaces needed to keep tokens
// apart are emitted.
func Join(tokens []Token) string {
	var b strings.Builder
	var prev Token
	for i, t := range tokens {
		if i > 0 && needsSpace(prev, t) {
			b.WriteByte(' ')
		}
		b.WriteString(renderToken(t))
		prev = t
	}
	return b.String()
}

func renderToken(t Token) string {
	switch t.Typ {
	case tString:
		return quoteString(t.Val)
	case tQuotedIdent:
		return "`" + strings.ReplaceAll(t.Val, "`", "``") + "`"
	case tBlob:
		return "X'" + strings.ToUpper(hex.EncodeToString([]byte(t.Val))) + "'"
	}
	return t.Val
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'':
			b.WriteString("''")
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func needsSpace(prev, next Token) bool {
	if prev.Typ == tPunct && (prev.Val == "(" || prev.Val == ".") {
		return false
	}
	if next.Typ == tPunct && (next.Val == ")" || next.Val == "," || next.Val == "." || next.Val == ";") {
		return false
	}
	if next.is(tPunct, "(") && (prev.Typ == tIdent || prev.Typ == tQuotedIdent) {
		return false
	}
	return true
}
