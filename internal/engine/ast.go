package engine

import "github.com/SimonWaldherr/flatSQL/internal/storage"

// ------------------------------ Statements ------------------------------

// Statement is the root interface for all parsed SQL statements.
type Statement interface{ stmtKind() string }

// Select represents one SELECT operand and an optional set operation chain.
type Select struct {
	Distinct bool
	Items    []SelectItem
	From     []FromItem // comma-separated sources, each with its JOIN chain
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    *Limit

	// Text is the normalised source of the operand, used for cache keys.
	Text      string
	// WhereText keys the compiled WHERE clause in the expression memo.
	WhereText string

	SetOp  string
	SetAll bool
	Next   *Select
}

// FromItem is one table or derived table in FROM, followed by its joins.
type FromItem struct {
	Table   string
	Derived *Select
	Alias   string
	Joins   []JoinClause
}

// JoinType enumerates join flavours.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinCross
	JoinLeft
	JoinRight
	JoinFull
)

func (j JoinType) String() string {
	switch j {
	case JoinCross:
		return "CROSS"
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	case JoinFull:
		return "FULL"
	}
	return "INNER"
}

// JoinClause holds a JOIN type with the right side and join condition.
type JoinClause struct {
	Type    JoinType
	Natural bool
	Using   []string
	Right   FromItem
	On      Expr
}

// SelectItem represents a projection item, optionally with alias or *.
type SelectItem struct {
	Expr  Expr
	Alias string
	Star  bool
	Qual  string // t.* qualifier
	Text  string // source text, used as the default column name
}

// OrderItem specifies an ordering key and direction.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Limit holds LIMIT n, LIMIT o,n and LIMIT n OFFSET o.
type Limit struct {
	Count  int64
	Offset int64
}

func (*Select) stmtKind() string { return "SELECT" }

// Insert represents INSERT and REPLACE.
type Insert struct {
	Replace bool
	Table   string
	Cols    []string
	Rows    [][]Expr
	Query   *Select
}

func (s *Insert) stmtKind() string {
	if s.Replace {
		return "REPLACE"
	}
	return "INSERT"
}

// Assignment is one SET column = expr.
type Assignment struct {
	Col  string
	Expr Expr
}

// Update represents an UPDATE statement.
type Update struct {
	Table     string
	Alias     string
	Sets      []Assignment
	Where     Expr
	WhereText string
	OrderBy   []OrderItem
	Limit     *Limit
}

func (*Update) stmtKind() string { return "UPDATE" }

// Delete represents a DELETE statement.
type Delete struct {
	Table     string
	Alias     string
	Where     Expr
	WhereText string
	OrderBy   []OrderItem
	Limit     *Limit
}

func (*Delete) stmtKind() string { return "DELETE" }

// CreateTable represents a CREATE TABLE statement.
type CreateTable struct {
	Schema      *storage.Schema
	IfNotExists bool
	AsSelect    *Select
}

func (*CreateTable) stmtKind() string { return "CREATE TABLE" }

// DropTable represents DROP TABLE.
type DropTable struct {
	Names    []string
	IfExists bool
}

func (*DropTable) stmtKind() string { return "DROP TABLE" }

// CreateDatabase and DropDatabase act on the engine's own file.
type CreateDatabase struct {
	Name        string
	IfNotExists bool
}

func (*CreateDatabase) stmtKind() string { return "CREATE DATABASE" }

type DropDatabase struct {
	Name     string
	IfExists bool
}

func (*DropDatabase) stmtKind() string { return "DROP DATABASE" }

// Describe lists the columns of a table.
type Describe struct{ Table string }

func (*Describe) stmtKind() string { return "DESCRIBE" }

// TxStmt is BEGIN, COMMIT or ROLLBACK.
type TxStmt struct{ Op string }

func (s *TxStmt) stmtKind() string { return s.Op }

// Vacuum compacts the database file.
type Vacuum struct{}

func (*Vacuum) stmtKind() string { return "VACUUM" }

// ------------------------------ Expressions ------------------------------
//
// The parser produces these sugar nodes. The compiler lowers them into the
// closed set of evaluator nodes in eval.go.

// Expr is a parsed expression.
type Expr interface{ exprNode() }

type (
	// Ident refers to a column, optionally qualified.
	Ident struct{ Qual, Name string }
	// Literal holds a constant value.
	Literal struct{ Val any }
	// Unary represents -x, +x, NOT x, ~x, !x.
	Unary struct {
		Op string
		X  Expr
	}
	// Binary represents arithmetic, comparison and logical operators.
	Binary struct {
		Op   string
		L, R Expr
	}
	// FuncCall is a function or aggregate call. COUNT(*) sets Star.
	FuncCall struct {
		Name     string
		Args     []Expr
		Star     bool
		Distinct bool
	}
	// Between is x [NOT] BETWEEN lo AND hi.
	Between struct {
		X, Lo, Hi Expr
		Not       bool
	}
	// InExpr is x [NOT] IN (list) or x [NOT] IN (SELECT …).
	InExpr struct {
		X    Expr
		List []Expr
		Sub  *Select
		Not  bool
	}
	// LikeExpr is LIKE/ILIKE/REGEXP/RLIKE/GLOB with an optional escape.
	LikeExpr struct {
		Op      string // LIKE, REGEXP or GLOB
		X       Expr
		Pattern Expr
		Escape  Expr
		Not     bool
	}
	// CaseExpr is CASE [operand] WHEN … THEN … [ELSE …] END.
	CaseExpr struct {
		Operand Expr
		Whens   []When
		Else    Expr
	}
	// IsExpr is x IS [NOT] y, covering NULL, TRUE, FALSE and values.
	IsExpr struct {
		X, Y Expr
		Not  bool
	}
	// Exists is [NOT] EXISTS (SELECT …).
	Exists struct {
		Sub *Select
		Not bool
	}
	// Quantified is x op ANY|SOME|ALL (list or SELECT).
	Quantified struct {
		Op   string
		X    Expr
		All  bool
		List []Expr
		Sub  *Select
	}
	// Subquery is a scalar subquery.
	Subquery struct{ Select *Select }
	// RowList is a parenthesised list of expressions: (a, b, c).
	RowList struct{ Items []Expr }
)

// When is one WHEN … THEN … arm.
type When struct{ Cond, Then Expr }

func (*Ident) exprNode()      {}
func (*Literal) exprNode()    {}
func (*Unary) exprNode()      {}
func (*Binary) exprNode()     {}
func (*FuncCall) exprNode()   {}
func (*Between) exprNode()    {}
func (*InExpr) exprNode()     {}
func (*LikeExpr) exprNode()   {}
func (*CaseExpr) exprNode()   {}
func (*IsExpr) exprNode()     {}
func (*Exists) exprNode()     {}
func (*Quantified) exprNode() {}
func (*Subquery) exprNode()   {}
func (*RowList) exprNode()    {}
