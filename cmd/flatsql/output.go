package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
	"github.com/SimonWaldherr/flatSQL/internal/exporter"
)

const (
	formatTable = "table"
	formatCSV   = "csv"
	formatJSON  = "json"
	formatXML   = "xml"
	formatGOB   = "gob"
)

func validFormat(f string) bool {
	switch f {
	case formatTable, formatCSV, formatJSON, formatXML, formatGOB:
		return true
	}
	return false
}

// writeCursor prints a query result. Statements without columns print the
// affected row count instead.
func writeCursor(w io.Writer, cur *engine.Cursor, format string) error {
	if len(cur.Columns()) == 0 {
		_, err := fmt.Fprintf(w, "OK, %d row(s) affected\n", cur.RowsAffected())
		return err
	}
	switch format {
	case formatCSV:
		return exporter.ExportCSV(w, cur, exporter.Options{})
	case formatJSON:
		return exporter.ExportJSON(w, cur, exporter.Options{PrettyJSON: true})
	case formatXML:
		return exporter.ExportXML(w, cur)
	case formatGOB:
		return exporter.ExportGOB(w, cur)
	}
	return writeTable(w, cur)
}

func writeTable(w io.Writer, cur *engine.Cursor) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(cur.Columns())
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	for row, ok := cur.Fetch(engine.FetchNum); ok; row, ok = cur.Fetch(engine.FetchNum) {
		cells := make([]string, len(row.Num))
		for i, v := range row.Num {
			cells[i] = cellText(v)
		}
		tw.Append(cells)
	}
	tw.Render()
	_, err := fmt.Fprintf(w, "(%d row(s))\n", cur.RowCount())
	return err
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return "x'" + hex.EncodeToString(x) + "'"
	case *big.Int:
		return x.String()
	}
	return fmt.Sprint(v)
}
