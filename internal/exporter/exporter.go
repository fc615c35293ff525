// Package exporter writes query results as CSV, JSON, XML or gob.
//
// Every exporter drains the rows the cursor has left, so a cursor can be
// exported once. Column order is preserved except in JSON objects, whose
// keys encoding/json sorts.
package exporter

import (
	"encoding/csv"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

func init() {
	// Concrete types engine values take when stored behind interface{}.
	gob.Register(new(big.Int))
	gob.Register(time.Time{})
}

// Options controls exporter behavior.
type Options struct {
	PrettyJSON   bool
	CSVNoHeader  bool
	CSVDelimiter rune
}

func valueToString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case *big.Int:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// jsonValue makes values encoding/json would mangle explicit: big
// integers as numbers, blobs as hex strings.
func jsonValue(v any) any {
	switch t := v.(type) {
	case *big.Int:
		return json.Number(t.String())
	case []byte:
		return hex.EncodeToString(t)
	}
	return v
}

func rows(cur *engine.Cursor) [][]any {
	all := cur.FetchAll(engine.FetchNum)
	out := make([][]any, len(all))
	for i, r := range all {
		out[i] = r.Num
	}
	return out
}

// ExportCSV writes the cursor's rows as CSV to w.
func ExportCSV(w io.Writer, cur *engine.Cursor, opts Options) error {
	csvw := csv.NewWriter(w)
	if opts.CSVDelimiter != 0 {
		csvw.Comma = opts.CSVDelimiter
	}
	cols := cur.Columns()
	if !opts.CSVNoHeader {
		if err := csvw.Write(cols); err != nil {
			return err
		}
	}
	for _, r := range rows(cur) {
		row := make([]string, len(cols))
		for i := range cols {
			row[i] = valueToString(r[i])
		}
		if err := csvw.Write(row); err != nil {
			return err
		}
	}
	csvw.Flush()
	return csvw.Error()
}

// ExportJSON writes the cursor's rows as a JSON array of objects.
func ExportJSON(w io.Writer, cur *engine.Cursor, opts Options) error {
	enc := json.NewEncoder(w)
	if opts.PrettyJSON {
		enc.SetIndent("", "  ")
	}
	cols := cur.Columns()
	data := rows(cur)
	out := make([]map[string]any, len(data))
	for i, r := range data {
		m := make(map[string]any, len(cols))
		for j, c := range cols {
			if _, dup := m[c]; !dup {
				m[c] = jsonValue(r[j])
			}
		}
		out[i] = m
	}
	return enc.Encode(out)
}

type xmlField struct {
	XMLName xml.Name
	Null    bool   `xml:"null,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type xmlRow struct {
	Fields []xmlField `xml:",any"`
}

type xmlRows struct {
	XMLName xml.Name `xml:"rows"`
	Rows    []xmlRow `xml:"row"`
}

// ExportXML writes rows as <rows><row><col>value</col>...</row>...</rows>.
// NULL values carry null="true".
func ExportXML(w io.Writer, cur *engine.Cursor) error {
	cols := cur.Columns()
	data := rows(cur)
	xr := xmlRows{XMLName: xml.Name{Local: "rows"}, Rows: make([]xmlRow, 0, len(data))}
	for _, r := range data {
		xrRow := xmlRow{Fields: make([]xmlField, 0, len(cols))}
		for i, c := range cols {
			xrRow.Fields = append(xrRow.Fields, xmlField{
				XMLName: xml.Name{Local: c},
				Null:    r[i] == nil,
				Value:   valueToString(r[i]),
			})
		}
		xr.Rows = append(xr.Rows, xrRow)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(xr); err != nil {
		return err
	}
	return enc.Flush()
}

// GOBResult is the shape ExportGOB encodes.
type GOBResult struct {
	Cols []string
	Rows [][]any
}

// ExportGOB encodes the columns and rows with encoding/gob.
func ExportGOB(w io.Writer, cur *engine.Cursor) error {
	return gob.NewEncoder(w).Encode(GOBResult{Cols: cur.Columns(), Rows: rows(cur)})
}
