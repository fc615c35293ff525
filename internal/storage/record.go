package storage

import (
	"fmt"
	"strings"
)

// Implicit columns every row carries.
const (
	ColRowID = "rowid"
	ColCTime = "ctime"
	ColUTime = "utime"
)

// ImplicitColumns lists the implicit columns in storage order.
var ImplicitColumns = []string{ColRowID, ColCTime, ColUTime}

// IsImplicit reports whether name is one of the implicit columns.
func IsImplicit(name string) bool {
	switch strings.ToLower(name) {
	case ColRowID, ColCTime, ColUTime:
		return true
	}
	return false
}

// Record is an ordered column → value mapping as stored on disk.
type Record struct {
	Names  []string
	Values []any
}

// NewRecord builds a record, the name and value slices must be equal length.
func NewRecord(names []string, values []any) *Record {
	return &Record{Names: names, Values: values}
}

func (r *Record) index(name string) int {
	for i, n := range r.Names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (any, bool) {
	if i := r.index(name); i >= 0 {
		return r.Values[i], true
	}
	return nil, false
}

// Set replaces or appends a value.
func (r *Record) Set(name string, v any) {
	if i := r.index(name); i >= 0 {
		r.Values[i] = v
		return
	}
	r.Names = append(r.Names, name)
	r.Values = append(r.Values, v)
}

// RowID returns the implicit row id.
func (r *Record) RowID() int64 {
	v, _ := r.Get(ColRowID)
	n, _ := v.(int64)
	return n
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	c := &Record{Names: make([]string, len(r.Names)), Values: make([]any, len(r.Values))}
	copy(c.Names, r.Names)
	copy(c.Values, r.Values)
	return c
}

// KeyRole marks the key constraint of a column.
type KeyRole int

const (
	KeyNone KeyRole = iota
	KeyPrimary
	KeyUnique
)

func (k KeyRole) String() string {
	switch k {
	case KeyPrimary:
		return "PRIMARY KEY"
	case KeyUnique:
		return "UNIQUE"
	}
	return ""
}

// Column is one declared column of a table.
type Column struct {
	Name    string
	Type    string // declared type text, may be empty
	NotNull bool
	Default string // default expression source text, empty for none
	HasDef  bool
	Key     KeyRole
}

// Schema describes a table.
type Schema struct {
	Name       string
	Columns    []Column
	PrimaryKey string
	CreateSQL  string
}

// Key returns the table key of the schema.
func (s *Schema) Key() string { return TableKey(s.Name) }

// Column returns the column with the given name.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (s *Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func (s *Schema) toValue() map[string]any {
	cols := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = map[string]any{
			"name":    c.Name,
			"type":    c.Type,
			"notnull": c.NotNull,
			"default": c.Default,
			"hasdef":  c.HasDef,
			"key":     int64(c.Key),
		}
	}
	return map[string]any{
		"name":    s.Name,
		"columns": cols,
		"pk":      s.PrimaryKey,
		"sql":     s.CreateSQL,
	}
}

func schemaFromValue(v any) (*Schema, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema entry is %T, want map", v)
	}
	s := &Schema{}
	s.Name, _ = m["name"].(string)
	s.PrimaryKey, _ = m["pk"].(string)
	s.CreateSQL, _ = m["sql"].(string)
	if s.Name == "" {
		return nil, fmt.Errorf("schema entry without name")
	}
	cols, _ := m["columns"].([]any)
	for _, cv := range cols {
		cm, ok := cv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("column entry of %s is %T", s.Name, cv)
		}
		var c Column
		c.Name, _ = cm["name"].(string)
		c.Type, _ = cm["type"].(string)
		c.NotNull, _ = cm["notnull"].(bool)
		c.Default, _ = cm["default"].(string)
		c.HasDef, _ = cm["hasdef"].(bool)
		k, _ := cm["key"].(int64)
		c.Key = KeyRole(k)
		s.Columns = append(s.Columns, c)
	}
	return s, nil
}
