package engine

import "strings"

// FetchMode selects the shape of a fetched row.
type FetchMode int

const (
	FetchBoth  FetchMode = iota // Assoc and Num
	FetchAssoc                  // column name → value
	FetchNum                    // values by position
)

// Row is one fetched result row. Only the parts the FetchMode asks for are
// populated.
type Row struct {
	Assoc map[string]any
	Num   []any
}

// Cursor walks a materialised result. It is not safe for concurrent use.
type Cursor struct {
	cols     []string
	rows     [][]any
	pos      int
	affected int64
	lastID   int64
	closed   bool
}

func newCursor(set *resultSet, affected, lastID int64) *Cursor {
	c := &Cursor{affected: affected, lastID: lastID}
	if set != nil {
		c.cols = set.cols
		c.rows = set.rows
	}
	return c
}

// Columns returns the result column names.
func (c *Cursor) Columns() []string {
	out := make([]string, len(c.cols))
	copy(out, c.cols)
	return out
}

// RowCount is the number of rows in the result.
func (c *Cursor) RowCount() int { return len(c.rows) }

// RowsAffected is the number of rows changed by the statement.
func (c *Cursor) RowsAffected() int64 { return c.affected }

// LastInsertID is the rowid of the last row inserted by the statement.
func (c *Cursor) LastInsertID() int64 { return c.lastID }

// Fetch returns the next row and advances the cursor. ok is false once
// the rows are exhausted or the cursor is closed.
func (c *Cursor) Fetch(mode FetchMode) (Row, bool) {
	if c.closed || c.pos >= len(c.rows) {
		return Row{}, false
	}
	r := c.shape(c.rows[c.pos], mode)
	c.pos++
	return r, true
}

// FetchAll returns the remaining rows.
func (c *Cursor) FetchAll(mode FetchMode) []Row {
	var out []Row
	for {
		r, ok := c.Fetch(mode)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// FetchColumn returns column i of the next row and advances the cursor.
func (c *Cursor) FetchColumn(i int) (any, bool) {
	if c.closed || c.pos >= len(c.rows) || i < 0 || i >= len(c.cols) {
		return nil, false
	}
	v := c.rows[c.pos][i]
	c.pos++
	return v, true
}

// Column returns every value of the named column, independent of the
// cursor position. Names match case-insensitively.
func (c *Cursor) Column(name string) ([]any, bool) {
	idx := -1
	for i, col := range c.cols {
		if strings.EqualFold(col, name) {
			idx = i
			break
		}
	}
	if idx < 0 || c.closed {
		return nil, false
	}
	out := make([]any, len(c.rows))
	for i, r := range c.rows {
		out[i] = r[idx]
	}
	return out, true
}

// Reset moves the cursor back to the first row.
func (c *Cursor) Reset() { c.pos = 0 }

// Close releases the rows. Further fetches return nothing.
func (c *Cursor) Close() error {
	c.closed = true
	c.rows = nil
	return nil
}

func (c *Cursor) shape(vals []any, mode FetchMode) Row {
	var r Row
	if mode == FetchNum || mode == FetchBoth {
		r.Num = make([]any, len(vals))
		copy(r.Num, vals)
	}
	if mode == FetchAssoc || mode == FetchBoth {
		r.Assoc = make(map[string]any, len(vals))
		for i, col := range c.cols {
			// On duplicate names the first column wins.
			if _, dup := r.Assoc[col]; !dup {
				r.Assoc[col] = vals[i]
			}
		}
	}
	return r
}
