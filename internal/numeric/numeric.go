// Package numeric implements the arithmetic used by the evaluator and the
// aggregate functions.
//
// Values are int64, float64 or *big.Int. Integer operations that overflow
// int64 continue in arbitrary precision and are narrowed back to int64 when
// the result fits again.
package numeric

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ErrDivisionByZero is returned by Div and Mod for a zero divisor.
var ErrDivisionByZero = errors.New("division by zero")

// Parse converts a numeric literal into int64, *big.Int or float64.
func Parse(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if isIntegerText(s) {
		b, ok := new(big.Int).SetString(s, 10)
		if ok {
			return b, true
		}
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if n, err := strconv.ParseInt(s[2:], 16, 64); err == nil {
			return n, true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

func isIntegerText(s string) bool {
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// From coerces a value to a number. Strings are parsed leniently, bools map
// to 0/1. The second result reports whether v had a numeric reading.
func From(v any) (any, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case *big.Int:
		return t, true
	case bool:
		if t {
			return int64(1), true
		}
		return int64(0), true
	case string:
		return Parse(t)
	case []byte:
		return Parse(string(t))
	}
	return nil, false
}

// IsNumber reports whether v is one of the numeric representations.
func IsNumber(v any) bool {
	switch v.(type) {
	case int64, int, float64, *big.Int:
		return true
	}
	return false
}

// Float returns the float64 reading of v.
func Float(v any) (float64, bool) {
	n, ok := From(v)
	if !ok {
		return 0, false
	}
	switch t := n.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(t).Float64()
		return f, true
	}
	return 0, false
}

// Int returns the int64 reading of v, truncating floats.
func Int(v any) (int64, bool) {
	n, ok := From(v)
	if !ok {
		return 0, false
	}
	switch t := n.(type) {
	case int64:
		return t, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case *big.Int:
		if t.IsInt64() {
			return t.Int64(), true
		}
		return 0, false
	}
	return 0, false
}

func bigOf(v any) *big.Int {
	switch t := v.(type) {
	case int64:
		return big.NewInt(t)
	case *big.Int:
		return t
	}
	return nil
}

// Narrow returns b as int64 when it fits.
func Narrow(b *big.Int) any { return narrow(b) }

func narrow(b *big.Int) any {
	if b.IsInt64() {
		return b.Int64()
	}
	return b
}

// operands coerces both sides; isInt reports that both are integral.
func operands(a, b any) (x, y any, isInt bool, err error) {
	var ok bool
	if x, ok = From(a); !ok {
		return nil, nil, false, fmt.Errorf("cannot use %v as a number", a)
	}
	if y, ok = From(b); !ok {
		return nil, nil, false, fmt.Errorf("cannot use %v as a number", b)
	}
	_, xf := x.(float64)
	_, yf := y.(float64)
	return x, y, !xf && !yf, nil
}

// Add returns a+b.
func Add(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isInt {
		if xi, ok := x.(int64); ok {
			if yi, ok := y.(int64); ok {
				s := xi + yi
				if (s > xi) == (yi > 0) {
					return s, nil
				}
			}
		}
		return narrow(new(big.Int).Add(bigOf(x), bigOf(y))), nil
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return xf + yf, nil
}

// Sub returns a-b.
func Sub(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isInt {
		if xi, ok := x.(int64); ok {
			if yi, ok := y.(int64); ok {
				d := xi - yi
				if (d < xi) == (yi > 0) {
					return d, nil
				}
			}
		}
		return narrow(new(big.Int).Sub(bigOf(x), bigOf(y))), nil
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return xf - yf, nil
}

// Mul returns a*b.
func Mul(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isInt {
		if xi, ok := x.(int64); ok {
			if yi, ok := y.(int64); ok {
				if xi == 0 || yi == 0 {
					return int64(0), nil
				}
				p := xi * yi
				if p/yi == xi && !(xi == -1 && yi == math.MinInt64) && !(yi == -1 && xi == math.MinInt64) {
					return p, nil
				}
			}
		}
		return narrow(new(big.Int).Mul(bigOf(x), bigOf(y))), nil
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return xf * yf, nil
}

// Div returns a/b. Integral operands that divide evenly stay integral.
func Div(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isZero(y) {
		return nil, ErrDivisionByZero
	}
	if isInt {
		bx, by := bigOf(x), bigOf(y)
		q, m := new(big.Int).QuoRem(bx, by, new(big.Int))
		if m.Sign() == 0 {
			return narrow(q), nil
		}
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return xf / yf, nil
}

// Mod returns the remainder of a/b with the sign of a.
func Mod(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isZero(y) {
		return nil, ErrDivisionByZero
	}
	if isInt {
		return narrow(new(big.Int).Rem(bigOf(x), bigOf(y))), nil
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return math.Mod(xf, yf), nil
}

// Pow returns a**b. Integral bases with small non-negative integral exponents
// are computed exactly.
func Pow(a, b any) (any, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return nil, err
	}
	if isInt {
		if e, ok := y.(int64); ok && e >= 0 && e <= 1024 {
			return narrow(new(big.Int).Exp(bigOf(x), big.NewInt(e), nil)), nil
		}
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	return math.Pow(xf, yf), nil
}

// Neg returns -a.
func Neg(a any) (any, error) {
	return Sub(int64(0), a)
}

func isZero(v any) bool {
	switch t := v.(type) {
	case int64:
		return t == 0
	case float64:
		return t == 0
	case *big.Int:
		return t.Sign() == 0
	}
	return false
}

// Compare orders two numbers: -1, 0 or 1.
func Compare(a, b any) (int, error) {
	x, y, isInt, err := operands(a, b)
	if err != nil {
		return 0, err
	}
	if isInt {
		if xi, ok := x.(int64); ok {
			if yi, ok := y.(int64); ok {
				switch {
				case xi < yi:
					return -1, nil
				case xi > yi:
					return 1, nil
				}
				return 0, nil
			}
		}
		return bigOf(x).Cmp(bigOf(y)), nil
	}
	if bx := bigOf(x); bx != nil && !bx.IsInt64() {
		yf, _ := Float(y)
		return new(big.Float).SetInt(bx).Cmp(big.NewFloat(yf)), nil
	}
	if by := bigOf(y); by != nil && !by.IsInt64() {
		xf, _ := Float(x)
		return big.NewFloat(xf).Cmp(new(big.Float).SetInt(by)), nil
	}
	xf, _ := Float(x)
	yf, _ := Float(y)
	switch {
	case xf < yf:
		return -1, nil
	case xf > yf:
		return 1, nil
	}
	return 0, nil
}

// Round rounds half away from zero to the given number of decimal places.
// Integral inputs with places >= 0 are returned unchanged.
func Round(v any, places int) (any, error) {
	n, ok := From(v)
	if !ok {
		return nil, fmt.Errorf("cannot round %v", v)
	}
	if _, isFloat := n.(float64); !isFloat && places >= 0 {
		return n, nil
	}
	f, _ := Float(n)
	p := math.Pow(10, float64(places))
	r := math.Round(f*p) / p
	if places <= 0 {
		if math.Abs(r) < 1<<62 {
			return int64(r), nil
		}
	}
	return r, nil
}

// Format renders a number the way results print it: integers without a
// fraction, floats in the shortest exact form.
func Format(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case *big.Int:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
