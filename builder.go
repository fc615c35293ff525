// Package flatsql - Fluent Query Builder API
//
// This file provides a fluent interface for constructing SELECT statements
// programmatically. The builder renders SQL text with ? placeholders and
// the matching argument list, ready for Engine.Query.
package flatsql

import (
	"context"
	"strconv"
	"strings"
)

// ============================================================================
// Query Builder - Fluent API for constructing SQL queries
// ============================================================================

// SelectBuilder provides a fluent interface for building SELECT queries.
type SelectBuilder struct {
	distinct    bool
	projections []ExprBuilder
	from        string
	fromAlias   string
	joins       []joinPart
	where       ExprBuilder
	groupBy     []ExprBuilder
	having      ExprBuilder
	orderBy     []orderPart
	limit       int
	offset      int
}

type joinPart struct {
	kind  string
	table string
	alias string
	on    ExprBuilder
}

type orderPart struct {
	expr ExprBuilder
	desc bool
}

// Select creates a new SELECT query builder with the specified projections.
//
// Example:
//
//	sql, args := flatsql.Select(flatsql.Col("name")).From("users").
//	    Where(flatsql.Gt(flatsql.Col("age"), flatsql.Val(18))).SQL()
func Select(projections ...ExprBuilder) *SelectBuilder {
	return &SelectBuilder{projections: projections, limit: -1}
}

// SelectDistinct creates a SELECT DISTINCT query.
func SelectDistinct(projections ...ExprBuilder) *SelectBuilder {
	sb := Select(projections...)
	sb.distinct = true
	return sb
}

// SelectStar creates a SELECT * query.
func SelectStar() *SelectBuilder { return Select(raw("*")) }

// From specifies the FROM table.
func (sb *SelectBuilder) From(table string) *SelectBuilder {
	sb.from = table
	return sb
}

// FromAs specifies the FROM table with an alias.
func (sb *SelectBuilder) FromAs(table, alias string) *SelectBuilder {
	sb.from, sb.fromAlias = table, alias
	return sb
}

// Where adds a WHERE condition. Repeated calls are joined with AND.
func (sb *SelectBuilder) Where(condition ExprBuilder) *SelectBuilder {
	if sb.where != nil {
		condition = And(sb.where, condition)
	}
	sb.where = condition
	return sb
}

// Join adds an INNER JOIN clause.
func (sb *SelectBuilder) Join(table string, on ExprBuilder) *SelectBuilder {
	return sb.JoinAs(table, "", on)
}

// JoinAs adds an INNER JOIN with an alias.
func (sb *SelectBuilder) JoinAs(table, alias string, on ExprBuilder) *SelectBuilder {
	sb.joins = append(sb.joins, joinPart{kind: "JOIN", table: table, alias: alias, on: on})
	return sb
}

// LeftJoin adds a LEFT OUTER JOIN clause.
func (sb *SelectBuilder) LeftJoin(table string, on ExprBuilder) *SelectBuilder {
	return sb.LeftJoinAs(table, "", on)
}

// LeftJoinAs adds a LEFT OUTER JOIN with an alias.
func (sb *SelectBuilder) LeftJoinAs(table, alias string, on ExprBuilder) *SelectBuilder {
	sb.joins = append(sb.joins, joinPart{kind: "LEFT JOIN", table: table, alias: alias, on: on})
	return sb
}

// GroupBy adds GROUP BY columns.
func (sb *SelectBuilder) GroupBy(columns ...string) *SelectBuilder {
	for _, c := range columns {
		sb.groupBy = append(sb.groupBy, Col(c))
	}
	return sb
}

// GroupByExpr adds GROUP BY expressions.
func (sb *SelectBuilder) GroupByExpr(exprs ...ExprBuilder) *SelectBuilder {
	sb.groupBy = append(sb.groupBy, exprs...)
	return sb
}

// Having adds a HAVING condition.
func (sb *SelectBuilder) Having(condition ExprBuilder) *SelectBuilder {
	sb.having = condition
	return sb
}

// OrderBy adds an ORDER BY clause (ascending).
func (sb *SelectBuilder) OrderBy(column string) *SelectBuilder {
	sb.orderBy = append(sb.orderBy, orderPart{expr: Col(column)})
	return sb
}

// OrderByDesc adds an ORDER BY clause (descending).
func (sb *SelectBuilder) OrderByDesc(column string) *SelectBuilder {
	sb.orderBy = append(sb.orderBy, orderPart{expr: Col(column), desc: true})
	return sb
}

// Limit sets the LIMIT clause.
func (sb *SelectBuilder) Limit(n int) *SelectBuilder {
	sb.limit = n
	return sb
}

// Offset sets the OFFSET clause. It only takes effect together with Limit.
func (sb *SelectBuilder) Offset(n int) *SelectBuilder {
	sb.offset = n
	return sb
}

// SQL renders the statement text and its positional arguments.
func (sb *SelectBuilder) SQL() (string, []any) {
	w := &sqlWriter{}
	w.WriteString("SELECT ")
	if sb.distinct {
		w.WriteString("DISTINCT ")
	}
	if len(sb.projections) == 0 {
		w.WriteString("*")
	}
	w.list(sb.projections)
	if sb.from != "" {
		w.WriteString(" FROM ")
		w.table(sb.from, sb.fromAlias)
	}
	for _, j := range sb.joins {
		w.WriteString(" " + j.kind + " ")
		w.table(j.table, j.alias)
		if j.on != nil {
			w.WriteString(" ON ")
			j.on.writeSQL(w)
		}
	}
	if sb.where != nil {
		w.WriteString(" WHERE ")
		sb.where.writeSQL(w)
	}
	if len(sb.groupBy) > 0 {
		w.WriteString(" GROUP BY ")
		w.list(sb.groupBy)
	}
	if sb.having != nil {
		w.WriteString(" HAVING ")
		sb.having.writeSQL(w)
	}
	for i, o := range sb.orderBy {
		if i == 0 {
			w.WriteString(" ORDER BY ")
		} else {
			w.WriteString(", ")
		}
		o.expr.writeSQL(w)
		if o.desc {
			w.WriteString(" DESC")
		}
	}
	if sb.limit >= 0 {
		w.WriteString(" LIMIT " + strconv.Itoa(sb.limit))
		if sb.offset > 0 {
			w.WriteString(" OFFSET " + strconv.Itoa(sb.offset))
		}
	}
	return w.String(), w.args
}

// String returns the statement text without its arguments.
func (sb *SelectBuilder) String() string {
	s, _ := sb.SQL()
	return s
}

// Query renders the statement and runs it on e.
func (sb *SelectBuilder) Query(ctx context.Context, e *Engine) (*Cursor, error) {
	s, args := sb.SQL()
	return e.Query(ctx, s, args...)
}

// ============================================================================
// Expression Builders
// ============================================================================

// ExprBuilder is an SQL expression fragment.
type ExprBuilder interface {
	writeSQL(w *sqlWriter)
}

type sqlWriter struct {
	strings.Builder
	args []any
}

func (w *sqlWriter) list(exprs []ExprBuilder) {
	for i, e := range exprs {
		if i > 0 {
			w.WriteString(", ")
		}
		e.writeSQL(w)
	}
}

func (w *sqlWriter) table(name, alias string) {
	w.WriteString(quoteIdent(name))
	if alias != "" {
		w.WriteString(" AS " + quoteIdent(alias))
	}
}

type exprFunc func(w *sqlWriter)

func (f exprFunc) writeSQL(w *sqlWriter) { f(w) }

func raw(s string) ExprBuilder {
	return exprFunc(func(w *sqlWriter) { w.WriteString(s) })
}

// quoteIdent backquotes an identifier unless it is a plain word.
func quoteIdent(name string) string {
	plain := name != ""
	for i, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9') {
			plain = false
			break
		}
	}
	if plain {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Col creates a column reference expression. A qualifier is split off at
// the first dot.
//
// Example:
//
//	flatsql.Col("u.name")
func Col(name string) ExprBuilder {
	if tbl, col, ok := strings.Cut(name, "."); ok {
		if col == "*" {
			return raw(quoteIdent(tbl) + ".*")
		}
		return raw(quoteIdent(tbl) + "." + quoteIdent(col))
	}
	return raw(quoteIdent(name))
}

// Val creates a literal value expression bound as a ? placeholder.
//
// Example:
//
//	flatsql.Val(42)
func Val(value any) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("?")
		w.args = append(w.args, value)
	})
}

// Null creates a NULL literal.
func Null() ExprBuilder { return raw("NULL") }

// As gives an expression an output name.
func As(expr ExprBuilder, alias string) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		expr.writeSQL(w)
		w.WriteString(" AS " + quoteIdent(alias))
	})
}

func binary(op string, left, right ExprBuilder) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		left.writeSQL(w)
		w.WriteString(" " + op + " ")
		right.writeSQL(w)
		w.WriteString(")")
	})
}

// ============================================================================
// Comparison Operators
// ============================================================================

// Eq creates an equality comparison (=).
func Eq(left, right ExprBuilder) ExprBuilder { return binary("=", left, right) }

// Ne creates a not-equal comparison (<>).
func Ne(left, right ExprBuilder) ExprBuilder { return binary("<>", left, right) }

// Lt creates a less-than comparison (<).
func Lt(left, right ExprBuilder) ExprBuilder { return binary("<", left, right) }

// Le creates a less-than-or-equal comparison (<=).
func Le(left, right ExprBuilder) ExprBuilder { return binary("<=", left, right) }

// Gt creates a greater-than comparison (>).
func Gt(left, right ExprBuilder) ExprBuilder { return binary(">", left, right) }

// Ge creates a greater-than-or-equal comparison (>=).
func Ge(left, right ExprBuilder) ExprBuilder { return binary(">=", left, right) }

// Like creates a LIKE pattern match.
func Like(expr ExprBuilder, pattern string) ExprBuilder {
	return binary("LIKE", expr, Val(pattern))
}

// In creates an IN list membership test.
func In(expr ExprBuilder, values ...any) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		expr.writeSQL(w)
		w.WriteString(" IN (")
		for i, v := range values {
			if i > 0 {
				w.WriteString(", ")
			}
			Val(v).writeSQL(w)
		}
		w.WriteString("))")
	})
}

// Between creates a BETWEEN range test.
func Between(expr ExprBuilder, low, high any) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		expr.writeSQL(w)
		w.WriteString(" BETWEEN ")
		Val(low).writeSQL(w)
		w.WriteString(" AND ")
		Val(high).writeSQL(w)
		w.WriteString(")")
	})
}

// ============================================================================
// Logical Operators
// ============================================================================

func chain(op string, exprs []ExprBuilder) ExprBuilder {
	switch len(exprs) {
	case 0:
		return raw("TRUE")
	case 1:
		return exprs[0]
	}
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		for i, e := range exprs {
			if i > 0 {
				w.WriteString(" " + op + " ")
			}
			e.writeSQL(w)
		}
		w.WriteString(")")
	})
}

// And creates a logical AND expression.
func And(exprs ...ExprBuilder) ExprBuilder { return chain("AND", exprs) }

// Or creates a logical OR expression.
func Or(exprs ...ExprBuilder) ExprBuilder { return chain("OR", exprs) }

// Not creates a logical NOT expression.
func Not(expr ExprBuilder) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(NOT ")
		expr.writeSQL(w)
		w.WriteString(")")
	})
}

// IsNull creates an IS NULL expression.
func IsNull(expr ExprBuilder) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		expr.writeSQL(w)
		w.WriteString(" IS NULL)")
	})
}

// IsNotNull creates an IS NOT NULL expression.
func IsNotNull(expr ExprBuilder) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString("(")
		expr.writeSQL(w)
		w.WriteString(" IS NOT NULL)")
	})
}

// ============================================================================
// Arithmetic Operators
// ============================================================================

// Add creates an addition expression (+).
func Add(left, right ExprBuilder) ExprBuilder { return binary("+", left, right) }

// Sub creates a subtraction expression (-).
func Sub(left, right ExprBuilder) ExprBuilder { return binary("-", left, right) }

// Mul creates a multiplication expression (*).
func Mul(left, right ExprBuilder) ExprBuilder { return binary("*", left, right) }

// Div creates a division expression (/).
func Div(left, right ExprBuilder) ExprBuilder { return binary("/", left, right) }

// ============================================================================
// Functions and Aggregates
// ============================================================================

// Func calls a scalar function by name.
func Func(name string, args ...ExprBuilder) ExprBuilder {
	return exprFunc(func(w *sqlWriter) {
		w.WriteString(strings.ToUpper(name) + "(")
		w.list(args)
		w.WriteString(")")
	})
}

// Count creates a COUNT aggregate function.
func Count(expr ExprBuilder) ExprBuilder { return Func("COUNT", expr) }

// CountStar creates a COUNT(*) aggregate.
func CountStar() ExprBuilder { return raw("COUNT(*)") }

// Sum creates a SUM aggregate function.
func Sum(expr ExprBuilder) ExprBuilder { return Func("SUM", expr) }

// Avg creates an AVG aggregate function.
func Avg(expr ExprBuilder) ExprBuilder { return Func("AVG", expr) }

// Min creates a MIN aggregate function.
func Min(expr ExprBuilder) ExprBuilder { return Func("MIN", expr) }

// Max creates a MAX aggregate function.
func Max(expr ExprBuilder) ExprBuilder { return Func("MAX", expr) }
