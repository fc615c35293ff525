package engine

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/flatSQL/internal/charset"
	"github.com/SimonWaldherr/flatSQL/internal/numeric"
)

// funcDef is one entry of the scalar function whitelist. max < 0 means
// variadic. Volatile functions disable result caching of the statement.
type funcDef struct {
	name     string
	min, max int
	volatile bool
	nullable bool // receives NULL arguments; otherwise any NULL yields NULL
	fn       func(ec *evalCtx, args []any) (any, error)
}

func (f *funcDef) call(ec *evalCtx, args []any) (any, error) {
	if !f.nullable {
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
		}
	}
	return f.fn(ec, args)
}

func (f *funcDef) arityOK(n int) bool {
	return n >= f.min && (f.max < 0 || n <= f.max)
}

// aggregateNames are handled by the grouping stage, not by callNode.
var aggregateNames = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"GROUP_CONCAT": true,
}

var functions = map[string]*funcDef{}

func register(name string, min, max int, fn func(*evalCtx, []any) (any, error)) *funcDef {
	f := &funcDef{name: name, min: min, max: max, fn: fn}
	functions[name] = f
	return f
}

func alias(name, target string) {
	f := *functions[target]
	f.name = name
	functions[name] = &f
}

// lookupFunc resolves a function name against the whitelist.
func lookupFunc(name string) (*funcDef, bool) {
	f, ok := functions[strings.ToUpper(name)]
	return f, ok
}

func init() {
	registerStringFuncs()
	registerMathFuncs()
	registerNullFuncs()
	registerTimeFuncs()
	registerMiscFuncs()
}

func registerStringFuncs() {
	register("LENGTH", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		if b, ok := a[0].([]byte); ok {
			return int64(len(b)), nil
		}
		return int64(charset.Length(toText(a[0]))), nil
	})
	alias("CHAR_LENGTH", "LENGTH")
	alias("CHARACTER_LENGTH", "LENGTH")
	register("OCTET_LENGTH", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return int64(len(toText(a[0]))), nil
	})
	register("UPPER", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return charset.Upper(toText(a[0])), nil
	})
	alias("UCASE", "UPPER")
	register("LOWER", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return charset.Lower(toText(a[0])), nil
	})
	alias("LCASE", "LOWER")
	register("SUBSTRING", 2, 3, func(_ *evalCtx, a []any) (any, error) {
		n := -1
		if len(a) == 3 {
			if n = int(toInt(a[2])); n < 0 {
				return "", nil
			}
		}
		return charset.Substring(toText(a[0]), int(toInt(a[1])), n), nil
	})
	register("TRIM", 1, 3, fnTrim).nullable = true
	register("LTRIM", 1, 2, func(_ *evalCtx, a []any) (any, error) {
		return trimMode(toText(a[0]), trimChars(a, 1), "LEADING"), nil
	})
	register("RTRIM", 1, 2, func(_ *evalCtx, a []any) (any, error) {
		return trimMode(toText(a[0]), trimChars(a, 1), "TRAILING"), nil
	})
	register("CONCAT", 1, -1, func(_ *evalCtx, a []any) (any, error) {
		var b strings.Builder
		for _, v := range a {
			b.WriteString(toText(v))
		}
		return b.String(), nil
	})
	register("CONCAT_WS", 2, -1, func(_ *evalCtx, a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		parts := make([]string, 0, len(a)-1)
		for _, v := range a[1:] {
			if v != nil {
				parts = append(parts, toText(v))
			}
		}
		return strings.Join(parts, toText(a[0])), nil
	}).nullable = true
	register("REPLACE", 3, 3, func(_ *evalCtx, a []any) (any, error) {
		from := toText(a[1])
		if from == "" {
			return toText(a[0]), nil
		}
		return strings.ReplaceAll(toText(a[0]), from, toText(a[2])), nil
	})
	register("LEFT", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		n := int(toInt(a[1]))
		if n <= 0 {
			return "", nil
		}
		return charset.Substring(toText(a[0]), 1, n), nil
	})
	register("RIGHT", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		s := []rune(toText(a[0]))
		n := int(toInt(a[1]))
		if n <= 0 {
			return "", nil
		}
		if n > len(s) {
			n = len(s)
		}
		return string(s[len(s)-n:]), nil
	})
	register("REVERSE", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		r := []rune(toText(a[0]))
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	})
	register("REPEAT", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		n := toInt(a[1])
		s := toText(a[0])
		if n <= 0 || s == "" {
			return "", nil
		}
		if int64(len(s))*n > maxStringResult {
			return nil, fmt.Errorf("result exceeds %d bytes", maxStringResult)
		}
		return strings.Repeat(s, int(n)), nil
	})
	register("SPACE", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		n := toInt(a[0])
		if n <= 0 {
			return "", nil
		}
		if n > maxStringResult {
			return nil, fmt.Errorf("result exceeds %d bytes", maxStringResult)
		}
		return strings.Repeat(" ", int(n)), nil
	})
	register("LPAD", 3, 3, func(_ *evalCtx, a []any) (any, error) {
		return pad(toText(a[0]), int(toInt(a[1])), toText(a[2]), true)
	})
	register("RPAD", 3, 3, func(_ *evalCtx, a []any) (any, error) {
		return pad(toText(a[0]), int(toInt(a[1])), toText(a[2]), false)
	})
	register("POSITION", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		return int64(charset.Position(toText(a[0]), toText(a[1]))), nil
	})
	register("INSTR", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		return int64(charset.Position(toText(a[1]), toText(a[0]))), nil
	})
	register("LOCATE", 2, 3, func(_ *evalCtx, a []any) (any, error) {
		needle, s := toText(a[0]), []rune(toText(a[1]))
		start := 1
		if len(a) == 3 {
			start = int(toInt(a[2]))
		}
		if start < 1 || start > len(s)+1 {
			return int64(0), nil
		}
		p := charset.Position(needle, string(s[start-1:]))
		if p == 0 {
			return int64(0), nil
		}
		return int64(p + start - 1), nil
	})
	register("TRANSLATE", 3, 3, func(_ *evalCtx, a []any) (any, error) {
		from, to := []rune(toText(a[1])), []rune(toText(a[2]))
		m := make(map[rune]int, len(from))
		for i, r := range from {
			if _, seen := m[r]; !seen {
				m[r] = i
			}
		}
		var b strings.Builder
		for _, r := range toText(a[0]) {
			i, ok := m[r]
			switch {
			case !ok:
				b.WriteRune(r)
			case i < len(to):
				b.WriteRune(to[i])
			}
		}
		return b.String(), nil
	})
	register("CONVERT_USING", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		cs := toText(a[1])
		if !charset.Supported(cs) {
			return nil, evalErrf("unknown character set %s", cs)
		}
		return charset.Convert(toText(a[0]), cs, "utf-8")
	})
	register("CHARSET", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		switch v := a[0].(type) {
		case []byte:
			return charset.Detect(v), nil
		case string:
			return charset.Detect([]byte(v)), nil
		}
		return "binary", nil
	})
	register("ASCII", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		s := toText(a[0])
		if s == "" {
			return int64(0), nil
		}
		r, _ := utf8.DecodeRuneInString(s)
		return int64(r), nil
	})
	register("CHAR", 1, -1, func(_ *evalCtx, a []any) (any, error) {
		var b strings.Builder
		for _, v := range a {
			b.WriteRune(rune(toInt(v)))
		}
		return b.String(), nil
	})
	register("HEX", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		if isNumeric(a[0]) {
			return strings.ToUpper(fmt.Sprintf("%x", toInt(a[0]))), nil
		}
		return strings.ToUpper(hex.EncodeToString([]byte(toText(a[0])))), nil
	})
	register("UNHEX", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		b, err := hex.DecodeString(toText(a[0]))
		if err != nil {
			return nil, nil
		}
		return b, nil
	})
}

const maxStringResult = 1 << 24

const defaultTrimChars = " \t\r\n"

func trimChars(a []any, i int) string {
	if i < len(a) && a[i] != nil {
		return toText(a[i])
	}
	return defaultTrimChars
}

// fnTrim takes (s, chars, mode) as produced by the TRIM(... FROM s) form.
// A NULL chars argument means whitespace.
func fnTrim(_ *evalCtx, a []any) (any, error) {
	if a[0] == nil {
		return nil, nil
	}
	mode := "BOTH"
	if len(a) == 3 && a[2] != nil {
		mode = strings.ToUpper(toText(a[2]))
	}
	return trimMode(toText(a[0]), trimChars(a, 1), mode), nil
}

func trimMode(s, chars, mode string) string {
	if chars == defaultTrimChars {
		switch mode {
		case "LEADING":
			return strings.TrimLeft(s, chars)
		case "TRAILING":
			return strings.TrimRight(s, chars)
		}
		return strings.Trim(s, chars)
	}
	// A multi-character argument is trimmed as a whole string.
	if chars == "" {
		return s
	}
	if mode != "TRAILING" {
		for strings.HasPrefix(s, chars) {
			s = s[len(chars):]
		}
	}
	if mode != "LEADING" {
		for strings.HasSuffix(s, chars) {
			s = s[:len(s)-len(chars)]
		}
	}
	return s
}

func pad(s string, n int, with string, left bool) (any, error) {
	if n < 0 {
		return nil, nil
	}
	if n > maxStringResult {
		return nil, fmt.Errorf("result exceeds %d bytes", maxStringResult)
	}
	r := []rune(s)
	if len(r) >= n {
		return string(r[:n]), nil
	}
	if with == "" {
		return nil, nil
	}
	fill := []rune(with)
	out := make([]rune, 0, n)
	need := n - len(r)
	if !left {
		out = append(out, r...)
	}
	for i := 0; i < need; i++ {
		out = append(out, fill[i%len(fill)])
	}
	if left {
		out = append(out, r...)
	}
	return string(out), nil
}

func registerMathFuncs() {
	register("ABS", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		n := toNumber(a[0])
		if c, _ := numeric.Compare(n, int64(0)); c < 0 {
			return numeric.Neg(n)
		}
		return n, nil
	})
	register("ROUND", 1, 2, func(_ *evalCtx, a []any) (any, error) {
		places := 0
		if len(a) == 2 {
			places = int(toInt(a[1]))
		}
		return numeric.Round(toNumber(a[0]), places)
	})
	register("FLOOR", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return roundWith(a[0], math.Floor), nil
	})
	register("CEIL", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return roundWith(a[0], math.Ceil), nil
	})
	alias("CEILING", "CEIL")
	register("TRUNCATE", 1, 2, func(_ *evalCtx, a []any) (any, error) {
		n := toNumber(a[0])
		f, isF := n.(float64)
		if !isF {
			return n, nil
		}
		places := 0
		if len(a) == 2 {
			places = int(toInt(a[1]))
		}
		p := math.Pow(10, float64(places))
		r := math.Trunc(f*p) / p
		if places <= 0 && math.Abs(r) < 1<<62 {
			return int64(r), nil
		}
		return r, nil
	})
	register("MOD", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		return arith("%", a[0], a[1])
	})
	register("POWER", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		return numeric.Pow(toNumber(a[0]), toNumber(a[1]))
	})
	alias("POW", "POWER")
	register("SQRT", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Sqrt(f), f >= 0 }))
	register("EXP", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Exp(f), true }))
	register("LN", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Log(f), f > 0 }))
	register("LOG", 1, 2, func(_ *evalCtx, a []any) (any, error) {
		x, _ := numeric.Float(toNumber(a[len(a)-1]))
		if x <= 0 {
			return nil, nil
		}
		if len(a) == 1 {
			return math.Log(x), nil
		}
		base, _ := numeric.Float(toNumber(a[0]))
		if base <= 0 || base == 1 {
			return nil, nil
		}
		return math.Log(x) / math.Log(base), nil
	})
	register("LOG10", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Log10(f), f > 0 }))
	register("LOG2", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Log2(f), f > 0 }))
	register("SIN", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Sin(f), true }))
	register("COS", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Cos(f), true }))
	register("TAN", 1, 1, floatFunc(func(f float64) (float64, bool) { return math.Tan(f), true }))
	register("SIGN", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		c, err := numeric.Compare(toNumber(a[0]), int64(0))
		return int64(c), err
	})
	register("PI", 0, 0, func(*evalCtx, []any) (any, error) { return math.Pi, nil })
	rnd := register("RAND", 0, 1, func(_ *evalCtx, a []any) (any, error) {
		if len(a) == 1 {
			seed := uint64(toInt(a[0]))
			return rand.New(rand.NewPCG(seed, seed)).Float64(), nil
		}
		return rand.Float64(), nil
	})
	rnd.volatile = true
	alias("RANDOM", "RAND")
	register("GREATEST", 1, -1, func(_ *evalCtx, a []any) (any, error) {
		return extreme(a, 1), nil
	})
	register("LEAST", 1, -1, func(_ *evalCtx, a []any) (any, error) {
		return extreme(a, -1), nil
	})
}

func roundWith(v any, f func(float64) float64) any {
	n := toNumber(v)
	x, isF := n.(float64)
	if !isF {
		return n
	}
	r := f(x)
	if math.Abs(r) < 1<<62 {
		return int64(r)
	}
	return r
}

// floatFunc lifts a float function; ok == false maps to NULL.
func floatFunc(f func(float64) (float64, bool)) func(*evalCtx, []any) (any, error) {
	return func(_ *evalCtx, a []any) (any, error) {
		x, _ := numeric.Float(toNumber(a[0]))
		r, ok := f(x)
		if !ok || math.IsNaN(r) {
			return nil, nil
		}
		return r, nil
	}
}

func extreme(a []any, sign int) any {
	best := a[0]
	for _, v := range a[1:] {
		if compare(v, best)*sign > 0 {
			best = v
		}
	}
	return best
}

func registerNullFuncs() {
	register("COALESCE", 1, -1, func(_ *evalCtx, a []any) (any, error) {
		for _, v := range a {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	}).nullable = true
	alias("NVL", "COALESCE")
	register("IFNULL", 2, 2, functions["COALESCE"].fn).nullable = true
	register("NULLIF", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		if a[0] != nil && a[1] != nil && compare(a[0], a[1]) == 0 {
			return nil, nil
		}
		return a[0], nil
	}).nullable = true
	register("IF", 3, 3, func(_ *evalCtx, a []any) (any, error) {
		if toTri(a[0]) == tvTrue {
			return a[1], nil
		}
		return a[2], nil
	}).nullable = true
	alias("IIF", "IF")
	register("ISNULL", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return a[0] == nil, nil
	}).nullable = true
	register("CAST", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		return castTo(a[0], toText(a[1]))
	}).nullable = true
	register("TYPEOF", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return typeClass(a[0]), nil
	}).nullable = true
}

func registerTimeFuncs() {
	now := register("NOW", 0, 0, func(ec *evalCtx, _ []any) (any, error) {
		return ec.qc.now.Format(timeLayout), nil
	})
	now.volatile = true
	alias("CURRENT_TIMESTAMP", "NOW")
	alias("LOCALTIMESTAMP", "NOW")
	register("CURRENT_DATE", 0, 0, func(ec *evalCtx, _ []any) (any, error) {
		return ec.qc.now.Format(dateLayout), nil
	}).volatile = true
	alias("CURDATE", "CURRENT_DATE")
	register("CURRENT_TIME", 0, 0, func(ec *evalCtx, _ []any) (any, error) {
		return ec.qc.now.Format("15:04:05"), nil
	}).volatile = true
	alias("CURTIME", "CURRENT_TIME")
	register("EXTRACT", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		tm, ok := parseTime(a[1])
		if !ok {
			return nil, nil
		}
		return extractField(strings.ToUpper(toText(a[0])), tm)
	})
	register("DATE", 1, 1, timeFormat(dateLayout))
	register("TIME", 1, 1, timeFormat("15:04:05"))
	register("DATETIME", 1, 1, timeFormat(timeLayout))
	for _, f := range []string{"YEAR", "MONTH", "DAY", "HOUR", "MINUTE", "SECOND", "QUARTER", "WEEK", "DAYOFWEEK", "DAYOFYEAR"} {
		field := f
		register(field, 1, 1, func(_ *evalCtx, a []any) (any, error) {
			tm, ok := parseTime(a[0])
			if !ok {
				return nil, nil
			}
			return extractField(field, tm)
		})
	}
	alias("DAYOFMONTH", "DAY")
	register("UNIX_TIMESTAMP", 0, 1, func(ec *evalCtx, a []any) (any, error) {
		if len(a) == 0 {
			return ec.qc.now.Unix(), nil
		}
		tm, ok := parseTime(a[0])
		if !ok {
			return nil, nil
		}
		return tm.Unix(), nil
	}).volatile = true
	register("FROM_UNIXTIME", 1, 1, func(_ *evalCtx, a []any) (any, error) {
		return time.Unix(toInt(a[0]), 0).UTC().Format(timeLayout), nil
	})
	register("DATEDIFF", 2, 2, func(_ *evalCtx, a []any) (any, error) {
		x, ok1 := parseTime(a[0])
		y, ok2 := parseTime(a[1])
		if !ok1 || !ok2 {
			return nil, nil
		}
		dx := x.Truncate(24 * time.Hour)
		dy := y.Truncate(24 * time.Hour)
		return int64(dx.Sub(dy).Hours() / 24), nil
	})
}

func timeFormat(layout string) func(*evalCtx, []any) (any, error) {
	return func(_ *evalCtx, a []any) (any, error) {
		tm, ok := parseTime(a[0])
		if !ok {
			return nil, nil
		}
		return tm.Format(layout), nil
	}
}

func extractField(field string, tm time.Time) (any, error) {
	switch field {
	case "YEAR":
		return int64(tm.Year()), nil
	case "MONTH":
		return int64(tm.Month()), nil
	case "DAY":
		return int64(tm.Day()), nil
	case "HOUR":
		return int64(tm.Hour()), nil
	case "MINUTE":
		return int64(tm.Minute()), nil
	case "SECOND":
		return int64(tm.Second()), nil
	case "QUARTER":
		return int64((int(tm.Month())-1)/3 + 1), nil
	case "WEEK":
		_, w := tm.ISOWeek()
		return int64(w), nil
	case "DAYOFWEEK", "DOW":
		return int64(tm.Weekday()) + 1, nil
	case "DAYOFYEAR", "DOY":
		return int64(tm.YearDay()), nil
	case "EPOCH":
		return tm.Unix(), nil
	}
	return nil, evalErrf("EXTRACT: unsupported field %s", field)
}

func registerMiscFuncs() {
	register("UUID", 0, 0, func(*evalCtx, []any) (any, error) {
		return uuid.NewString(), nil
	}).volatile = true
	register("DATABASE", 0, 0, func(ec *evalCtx, _ []any) (any, error) {
		return ec.qc.databaseName(), nil
	})
	alias("SCHEMA", "DATABASE")
	register("VERSION", 0, 0, func(*evalCtx, []any) (any, error) {
		return Version, nil
	})
	register("LAST_INSERT_ID", 0, 0, func(ec *evalCtx, _ []any) (any, error) {
		return ec.qc.lastInsertID(), nil
	}).volatile = true
}
