package engine

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NamedArg binds a :name placeholder.
type NamedArg struct {
	Name  string
	Value any
}

// Named is shorthand for NamedArg{Name: name, Value: v}.
func Named(name string, v any) NamedArg { return NamedArg{Name: name, Value: v} }

// countPlaceholders returns the number of positional placeholders and the
// distinct named ones.
func countPlaceholders(tokens []Token) (int, []string) {
	n := 0
	var names []string
	seen := make(map[string]bool)
	for _, t := range tokens {
		if t.Typ != tPlaceholder {
			continue
		}
		if t.Val == "?" {
			n++
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(t.Val, ":"))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return n, names
}

// bindParams replaces placeholder tokens by literal tokens. Positional
// arguments fill ? in order; NamedArg values fill :name wherever it occurs.
func bindParams(tokens []Token, args []any) ([]Token, error) {
	var positional []any
	named := make(map[string]any)
	for _, a := range args {
		if na, ok := a.(NamedArg); ok {
			named[strings.ToLower(strings.TrimPrefix(na.Name, ":"))] = na.Value
			continue
		}
		positional = append(positional, a)
	}
	out := make([]Token, 0, len(tokens))
	next := 0
	used := make(map[string]bool)
	for _, t := range tokens {
		if t.Typ != tPlaceholder {
			out = append(out, t)
			continue
		}
		var v any
		if t.Val == "?" {
			if next >= len(positional) {
				return nil, compileErrf("missing value for placeholder %d", next+1)
			}
			v = positional[next]
			next++
		} else {
			name := strings.ToLower(strings.TrimPrefix(t.Val, ":"))
			val, ok := named[name]
			if !ok {
				return nil, compileErrf("missing value for placeholder :%s", name)
			}
			used[name] = true
			v = val
		}
		lit, err := literalTokens(normalize(v), t.Pos)
		if err != nil {
			return nil, err
		}
		out = append(out, lit...)
	}
	if next < len(positional) {
		return nil, compileErrf("%d values for %d placeholders", len(positional), next)
	}
	for name := range named {
		if !used[name] {
			return nil, compileErrf("no placeholder :%s", name)
		}
	}
	return out, nil
}

// literalTokens renders a bound value as the tokens of a SQL literal.
func literalTokens(v any, pos int) ([]Token, error) {
	num := func(s string) []Token {
		if strings.HasPrefix(s, "-") {
			return []Token{
				{Typ: tPunct, Val: "(", Pos: pos},
				{Typ: tOperator, Val: "-", Pos: pos},
				{Typ: tNumber, Val: s[1:], Pos: pos},
				{Typ: tPunct, Val: ")", Pos: pos},
			}
		}
		return []Token{{Typ: tNumber, Val: s, Pos: pos}}
	}
	switch x := v.(type) {
	case nil:
		return []Token{{Typ: tKeyword, Val: "NULL", Pos: pos}}, nil
	case bool:
		if x {
			return []Token{{Typ: tKeyword, Val: "TRUE", Pos: pos}}, nil
		}
		return []Token{{Typ: tKeyword, Val: "FALSE", Pos: pos}}, nil
	case int64:
		return num(strconv.FormatInt(x, 10)), nil
	case *big.Int:
		return num(x.String()), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return []Token{{Typ: tKeyword, Val: "NULL", Pos: pos}}, nil
		}
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return num(s), nil
	case string:
		return []Token{{Typ: tString, Val: x, Pos: pos}}, nil
	case []byte:
		return []Token{{Typ: tBlob, Val: string(x), Pos: pos}}, nil
	}
	return nil, compileErrf("unsupported parameter type %T", v)
}
