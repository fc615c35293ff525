package engine

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/numeric"
	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// Values flowing through the evaluator are nil (SQL NULL), int64, float64,
// string, bool, []byte and *big.Int.

// normalize maps host values from bound parameters into the value set.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return numeric.Narrow(new(big.Int).SetUint64(uint64(t)))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return numeric.Narrow(new(big.Int).SetUint64(t))
	case float32:
		return float64(t)
	case time.Time:
		return t.Format(timeLayout)
	case *big.Int:
		return numeric.Narrow(t)
	case fmt.Stringer:
		return t.String()
	}
	return v
}

const (
	timeLayout = "2006-01-02 15:04:05"
	dateLayout = "2006-01-02"
)

// tri-state
const (
	tvFalse   = 0
	tvTrue    = 1
	tvUnknown = 2
)

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case *big.Int:
		return x.Sign() != 0
	case string:
		f, ok := numeric.Float(x)
		return ok && f != 0
	case []byte:
		return len(x) > 0
	}
	return false
}

func toTri(v any) int {
	if v == nil {
		return tvUnknown
	}
	if truthy(v) {
		return tvTrue
	}
	return tvFalse
}

func triNot(t int) int {
	switch t {
	case tvTrue:
		return tvFalse
	case tvFalse:
		return tvTrue
	}
	return tvUnknown
}

func triAnd(a, b int) int {
	if a == tvFalse || b == tvFalse {
		return tvFalse
	}
	if a == tvTrue && b == tvTrue {
		return tvTrue
	}
	return tvUnknown
}

func triOr(a, b int) int {
	if a == tvTrue || b == tvTrue {
		return tvTrue
	}
	if a == tvFalse && b == tvFalse {
		return tvFalse
	}
	return tvUnknown
}

func triToValue(t int) any {
	switch t {
	case tvTrue:
		return true
	case tvFalse:
		return false
	}
	return nil
}

// isNumeric reports whether v is a number or a bool.
func isNumeric(v any) bool {
	switch v.(type) {
	case int64, float64, *big.Int, bool:
		return true
	}
	return false
}

// compare orders two non-NULL values. Numbers compare numerically with
// each other and with numeric strings; everything else compares as text.
func compare(a, b any) int {
	if isNumeric(a) || isNumeric(b) {
		if x, ok := numeric.From(a); ok {
			if y, ok := numeric.From(b); ok {
				c, _ := numeric.Compare(x, y)
				return c
			}
		}
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Compare(ab, bb)
		}
	}
	return strings.Compare(toText(a), toText(b))
}

// strictEqual is the === operator: equal value and same type class.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if typeClass(a) != typeClass(b) {
		return false
	}
	return compare(a, b) == 0
}

func typeClass(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case int64, *big.Int:
		return "integer"
	case float64:
		return "real"
	case string:
		return "text"
	case []byte:
		return "blob"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}

// typeRank gives the cross-type order used by ORDER BY: NULL, numbers,
// text, blobs.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64, *big.Int, bool:
		return 1
	case string:
		return 2
	}
	return 3
}

// compareForOrder is a total order: NULLs sort first.
func compareForOrder(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ra == 0 {
		return 0
	}
	return compare(a, b)
}

// toText renders a value as SQL text.
func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int64, float64, *big.Int:
		return numeric.Format(t)
	}
	return fmt.Sprint(v)
}

// toNumber coerces for arithmetic; non-numeric text counts as 0.
func toNumber(v any) any {
	if n, ok := numeric.From(v); ok {
		return n
	}
	return int64(0)
}

func toInt(v any) int64 {
	n, _ := numeric.Int(toNumber(v))
	return n
}

// arith applies an arithmetic operator. NULL operands and division by zero
// yield NULL.
func arith(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	x, y := toNumber(a), toNumber(b)
	var (
		r   any
		err error
	)
	switch op {
	case "+":
		r, err = numeric.Add(x, y)
	case "-":
		r, err = numeric.Sub(x, y)
	case "*":
		r, err = numeric.Mul(x, y)
	case "/":
		r, err = numeric.Div(x, y)
	case "%":
		r, err = numeric.Mod(x, y)
	case "DIV":
		r, err = numeric.Div(x, y)
		if err == nil {
			if f, ok := r.(float64); ok {
				r = int64(math.Trunc(f))
			}
		}
	case "&", "|", "^", "<<", ">>":
		xi, yi := toInt(x), toInt(y)
		switch op {
		case "&":
			r = xi & yi
		case "|":
			r = xi | yi
		case "^":
			r = xi ^ yi
		case "<<":
			r = xi << uint(yi&63)
		case ">>":
			r = xi >> uint(yi&63)
		}
	default:
		return nil, evalErrf("unknown operator %s", op)
	}
	if err == numeric.ErrDivisionByZero {
		return nil, nil
	}
	return r, err
}

// canonical maps equal values to one representation for hashing: integral
// floats become int64, small big ints narrow, bools become 0/1.
func canonical(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<62 {
			return int64(t)
		}
	case *big.Int:
		return numeric.Narrow(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

var keyCodec storage.BinaryCodec

// rowKey builds a hashable signature of a value tuple.
func rowKey(vals []any) string {
	c := make([]any, len(vals))
	for i, v := range vals {
		c[i] = canonical(v)
	}
	b, err := keyCodec.Encode(c)
	if err != nil {
		return fmt.Sprint(c...)
	}
	return string(b)
}

// affinity converts a value for storage in a column of the declared type.
func affinity(v any, declared string) any {
	if v == nil {
		return nil
	}
	t := strings.ToUpper(declared)
	switch {
	case t == "":
		return v
	case strings.Contains(t, "INT"):
		if n, ok := numeric.From(v); ok {
			if f, isF := n.(float64); isF {
				if f == math.Trunc(f) && math.Abs(f) < 1<<62 {
					return int64(f)
				}
				return f
			}
			return n
		}
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		if f, ok := numeric.Float(v); ok {
			return f
		}
	case strings.Contains(t, "DEC"), strings.Contains(t, "NUM"):
		if n, ok := numeric.From(v); ok {
			return n
		}
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		if _, ok := v.([]byte); ok {
			return v
		}
		return toText(v)
	case strings.Contains(t, "BOOL"):
		return truthy(v)
	}
	return v
}

// castTo implements CAST(x AS type).
func castTo(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	t := strings.ToUpper(typ)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case strings.Contains(t, "INT") || t == "SIGNED" || t == "UNSIGNED":
		n, ok := numeric.From(v)
		if !ok {
			return int64(0), nil
		}
		if f, isF := n.(float64); isF {
			return int64(math.Trunc(f)), nil
		}
		return n, nil
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "DEC"), strings.Contains(t, "NUM"):
		f, ok := numeric.Float(v)
		if !ok {
			return float64(0), nil
		}
		return f, nil
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), t == "STRING", t == "CLOB":
		return toText(v), nil
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BINARY"):
		return []byte(toText(v)), nil
	case strings.Contains(t, "BOOL"):
		return truthy(v), nil
	case t == "DATE":
		tm, ok := parseTime(v)
		if !ok {
			return nil, nil
		}
		return tm.Format(dateLayout), nil
	case t == "DATETIME" || t == "TIMESTAMP":
		tm, ok := parseTime(v)
		if !ok {
			return nil, nil
		}
		return tm.Format(timeLayout), nil
	}
	return nil, evalErrf("unknown type %s in CAST", typ)
}

var timeLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	dateLayout,
	"15:04:05",
}

// parseTime reads a date/time string or a unix timestamp.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, l := range timeLayouts {
			if tm, err := time.Parse(l, s); err == nil {
				return tm, true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	case int64:
		return time.Unix(t, 0).UTC(), true
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}
