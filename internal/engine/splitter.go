package engine

import "strings"

// Clauses is one statement split into its top-level clauses.
type Clauses struct {
	Kind   string             // leading keyword, normalised (START → BEGIN, DESC → DESCRIBE, END → COMMIT)
	Parts  map[string][]Token // clause name → tokens after the clause keyword
	Order  []string           // clause names in source order
	Tokens []Token            // every token of this operand

	// Set operation combining this SELECT with Next.
	SetOp string // "UNION", "INTERSECT" or "EXCEPT"
	SetAll bool
	Next   *Clauses
}

// Has reports whether clause name is present.
func (c *Clauses) Has(name string) bool {
	_, ok := c.Parts[name]
	return ok
}

type clauseDef struct {
	name  string
	words []string // keyword sequence introducing the clause
}

// grammars lists the clauses each statement kind accepts, in order.
var grammars = map[string][]clauseDef{
	"SELECT": {
		{"select", []string{"SELECT"}},
		{"from", []string{"FROM"}},
		{"where", []string{"WHERE"}},
		{"group", []string{"GROUP", "BY"}},
		{"having", []string{"HAVING"}},
		{"order", []string{"ORDER", "BY"}},
		{"limit", []string{"LIMIT"}},
	},
	"INSERT": {
		{"insert", []string{"INSERT"}},
		{"into", []string{"INTO"}},
		{"values", []string{"VALUES"}},
		{"query", []string{"SELECT"}},
	},
	"REPLACE": {
		{"insert", []string{"REPLACE"}},
		{"into", []string{"INTO"}},
		{"values", []string{"VALUES"}},
		{"query", []string{"SELECT"}},
	},
	"UPDATE": {
		{"update", []string{"UPDATE"}},
		{"set", []string{"SET"}},
		{"where", []string{"WHERE"}},
		{"order", []string{"ORDER", "BY"}},
		{"limit", []string{"LIMIT"}},
	},
	"DELETE": {
		{"delete", []string{"DELETE"}},
		{"from", []string{"FROM"}},
		{"where", []string{"WHERE"}},
		{"order", []string{"ORDER", "BY"}},
		{"limit", []string{"LIMIT"}},
	},
}

// kinds without a clause grammar: the tokens after the leading keyword are
// kept whole under the lower-cased kind name.
var simpleKinds = map[string]string{
	"CREATE":   "CREATE",
	"DROP":     "DROP",
	"DESCRIBE": "DESCRIBE",
	"DESC":     "DESCRIBE",
	"EXPLAIN":  "DESCRIBE",
	"BEGIN":    "BEGIN",
	"START":    "BEGIN",
	"COMMIT":   "COMMIT",
	"END":      "COMMIT",
	"ROLLBACK": "ROLLBACK",
	"VACUUM":   "VACUUM",
}

// SplitStatements cuts a token slice at depth-0 semicolons. Empty
// statements are dropped.
func SplitStatements(tokens []Token) [][]Token {
	var out [][]Token
	depth, start := 0, 0
	for i, t := range tokens {
		switch {
		case t.is(tPunct, "("):
			depth++
		case t.is(tPunct, ")"):
			depth--
		case t.is(tPunct, ";") && depth <= 0:
			if i > start {
				out = append(out, tokens[start:i])
			}
			start = i + 1
		}
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

// Split groups one statement's tokens by clause.
func Split(tokens []Token) (*Clauses, error) {
	if len(tokens) == 0 {
		return nil, syntaxErrf("empty statement")
	}
	if err := checkBalance(tokens); err != nil {
		return nil, err
	}
	if tokens[len(tokens)-1].is(tPunct, ";") {
		tokens = tokens[:len(tokens)-1]
	}
	lead := tokens[0]
	if lead.Typ != tKeyword {
		return nil, syntaxErrf("unknown statement %q", renderToken(lead))
	}
	if kind, ok := simpleKinds[lead.Val]; ok {
		name := strings.ToLower(kind)
		return &Clauses{
			Kind:   kind,
			Parts:  map[string][]Token{name: tokens[1:]},
			Order:  []string{name},
			Tokens: tokens,
		}, nil
	}
	grammar, ok := grammars[lead.Val]
	if !ok {
		return nil, syntaxErrf("unknown statement %q", lead.Val)
	}
	return splitGrammar(lead.Val, grammar, tokens)
}

func checkBalance(tokens []Token) error {
	depth := 0
	for _, t := range tokens {
		switch {
		case t.Typ == tUnterminated:
			return syntaxErrf("unterminated %s starting with %q at offset %d", "literal", t.Val, t.Pos)
		case t.is(tPunct, "("):
			depth++
		case t.is(tPunct, ")"):
			depth--
			if depth < 0 {
				return syntaxErrf("unbalanced ')' at offset %d", t.Pos)
			}
		}
	}
	if depth != 0 {
		return syntaxErrf("unbalanced parentheses: %d not closed", depth)
	}
	return nil
}

func matchWords(tokens []Token, i int, words []string) bool {
	if i+len(words) > len(tokens) {
		return false
	}
	for k, w := range words {
		if !tokens[i+k].isKeyword(w) {
			return false
		}
	}
	return true
}

func splitGrammar(kind string, grammar []clauseDef, tokens []Token) (*Clauses, error) {
	c := &Clauses{Kind: kind, Parts: make(map[string][]Token), Tokens: tokens}
	last := -1
	cur := ""
	start := 0
	depth := 0
	flush := func(end int) {
		if cur != "" {
			c.Parts[cur] = tokens[start:end]
		}
	}
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if t.is(tPunct, "(") {
			depth++
			continue
		}
		if t.is(tPunct, ")") {
			depth--
			continue
		}
		if depth > 0 || t.Typ != tKeyword {
			continue
		}
		if kind == "SELECT" && (t.Val == "UNION" || t.Val == "INTERSECT" || t.Val == "EXCEPT") {
			if cur == "" {
				return nil, syntaxErrf("%s without a left operand", t.Val)
			}
			flush(i)
			c.Tokens = tokens[:i]
			c.SetOp = t.Val
			j := i + 1
			if j < len(tokens) && tokens[j].isKeyword("ALL", "DISTINCT") {
				c.SetAll = tokens[j].Val == "ALL"
				j++
			}
			rest := tokens[j:]
			if len(rest) == 0 || !rest[0].isKeyword("SELECT") {
				return nil, syntaxErrf("%s must be followed by SELECT", t.Val)
			}
			next, err := splitGrammar("SELECT", grammar, rest)
			if err != nil {
				return nil, err
			}
			c.Next = next
			return c, nil
		}
		// INSERT … SELECT keeps the whole query, including its own clauses.
		if cur == "query" {
			continue
		}
		for gi, def := range grammar {
			if !matchWords(tokens, i, def.words) {
				continue
			}
			if gi <= last {
				if _, dup := c.Parts[def.name]; dup {
					return nil, syntaxErrf("duplicate %s clause", strings.Join(def.words, " "))
				}
				return nil, syntaxErrf("%s clause out of order", strings.Join(def.words, " "))
			}
			if def.name == "query" {
				flush(i)
				cur, last = def.name, gi
				start = i
				break
			}
			flush(i)
			cur, last = def.name, gi
			c.Order = append(c.Order, def.name)
			i += len(def.words) - 1
			start = i + 1
			break
		}
		if i == 0 && cur == "" {
			return nil, syntaxErrf("statement must start with %s", kind)
		}
	}
	flush(len(tokens))
	if cur == "query" {
		c.Order = append(c.Order, "query")
	}
	return c, nil
}
