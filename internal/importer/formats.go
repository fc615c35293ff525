package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// ============================================================================
// File Format Detection and Import
// ============================================================================

// ImportFile detects the file format and imports it into a table.
// Supports: CSV, TSV, JSON (array or JSON Lines), GeoJSON, KML and ESRI
// shapefiles, chosen by extension with a content sniff as fallback.
//
// Parameters:
//   - ctx: Context for cancellation
//   - e: Target engine
//   - tableName: Target table name (if empty, derived from filename)
//   - filePath: Path to the file to import
//   - opts: Optional configuration (nil uses sensible defaults)
func ImportFile(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	filePath string,
	opts *ImportOptions,
) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	if tableName == "" {
		tableName = opts.TableName
	}
	if tableName == "" {
		base := filepath.Base(filePath)
		base = strings.TrimSuffix(base, ".gz")
		tableName = sanitizeTableName(strings.TrimSuffix(base, filepath.Ext(base)))
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == ".gz" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(filePath, filepath.Ext(filePath))))
	}

	// go-shp opens the .shp/.dbf pair itself.
	if ext == ".shp" {
		return ImportShapefile(ctx, e, tableName, filePath, opts)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	switch ext {
	case ".csv":
		if len(opts.DelimiterCandidates) == 0 {
			opts.DelimiterCandidates = []rune{','}
		}
		return ImportCSV(ctx, e, tableName, f, opts)
	case ".tsv", ".tab":
		opts.DelimiterCandidates = []rune{'\t'}
		return ImportCSV(ctx, e, tableName, f, opts)
	case ".json", ".jsonl", ".ndjson":
		return ImportJSON(ctx, e, tableName, maybeGzip(f), opts)
	case ".geojson":
		return ImportGeoJSON(ctx, e, tableName, maybeGzip(f), opts)
	case ".kml":
		return ImportKML(ctx, e, tableName, maybeGzip(f), opts)
	}
	return importByContent(ctx, e, tableName, f, opts)
}

// importByContent detects the format by examining the first bytes.
func importByContent(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	src io.Reader,
	opts *ImportOptions,
) (*ImportResult, error) {
	br := bufio.NewReader(maybeGzip(src))
	peek, _ := br.Peek(512)
	trimmed := strings.TrimSpace(string(bytes.TrimPrefix(peek, []byte{0xEF, 0xBB, 0xBF})))

	switch {
	case strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"FeatureCollection"`):
		return ImportGeoJSON(ctx, e, tableName, br, opts)
	case strings.HasPrefix(trimmed, "{"), strings.HasPrefix(trimmed, "["):
		return ImportJSON(ctx, e, tableName, br, opts)
	case strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, "<kml"):
		return ImportKML(ctx, e, tableName, br, opts)
	case strings.HasPrefix(trimmed, "<"):
		return nil, errors.New("XML import is not supported: convert to CSV or JSON first")
	}
	return ImportCSV(ctx, e, tableName, br, opts)
}

// sanitizeTableName converts a filename to a valid table name.
func sanitizeTableName(name string) string {
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)

	name = strings.TrimLeftFunc(name, func(r rune) bool {
		return r >= '0' && r <= '9'
	})

	if name == "" {
		name = "imported_table"
	}
	return name
}

// ============================================================================
// JSON Import
// ============================================================================

// ImportJSON imports JSON data from a reader into a table.
// Supports:
//   - Array of objects: [{"id": 1, "name": "Alice"}, ...]
//   - JSON Lines: {"id": 1, "name": "Alice"}\n{"id": 2, "name": "Bob"}
//   - Single object: {"id": 1, "name": "Alice"} (one row)
//
// Columns are the union of keys in order of first appearance. Nested
// objects and arrays are stored as their JSON text.
func ImportJSON(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	src io.Reader,
	opts *ImportOptions,
) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	applyDefaults(opts)
	if opts.TableName != "" {
		tableName = opts.TableName
	}

	result := &ImportResult{Encoding: "utf-8", Errors: make([]string, 0)}

	records, errs, err := decodeJSONObjects(src)
	if err != nil {
		return nil, err
	}
	result.Errors = append(result.Errors, errs...)
	if len(records) == 0 {
		return nil, errors.New("no records found in JSON")
	}

	keys := objectKeys(records)
	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(keys))
		for j, k := range keys {
			row[j] = jsonText(rec[k])
		}
		rows[i] = row
	}
	return loadStringRecords(ctx, e, tableName, sanitizeColumnNames(keys), nil, rows, opts, result)
}

// decodeJSONObjects reads an array of objects or a stream of objects.
// Elements that are not objects are reported and skipped.
func decodeJSONObjects(src io.Reader) ([]map[string]any, []string, error) {
	br := bufio.NewReader(src)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, nil, fmt.Errorf("read JSON: %w", err)
	}
	dec := json.NewDecoder(br)
	dec.UseNumber()

	var (
		records []map[string]any
		errs    []string
	)
	add := func(n int, v any) {
		if m, ok := v.(map[string]any); ok {
			records = append(records, m)
			return
		}
		errs = append(errs, fmt.Sprintf("record %d: not an object (skipped)", n))
	}

	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return nil, nil, fmt.Errorf("read JSON: %w", err)
		}
		for n := 1; dec.More(); n++ {
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, nil, fmt.Errorf("decode record %d: %w", n, err)
			}
			add(n, v)
		}
		return records, errs, nil
	}

	for n := 1; ; n++ {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return records, errs, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode record %d: %w", n, err)
		}
		add(n, v)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n', 0xEF, 0xBB, 0xBF:
			continue
		}
		return b, br.UnreadByte()
	}
}

// objectKeys returns the union of keys, first record's keys sorted first,
// later additions in the order they appear.
func objectKeys(records []map[string]any) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, rec := range records {
		var fresh []string
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				fresh = append(fresh, k)
			}
		}
		sort.Strings(fresh)
		keys = append(keys, fresh...)
	}
	return keys
}

// jsonText renders a decoded JSON value the way the type detector expects:
// scalars as plain text, containers as JSON.
func jsonText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// loadStringRecords runs type inference unless fixed types are given,
// prepares the table and inserts rows.
func loadStringRecords(
	ctx context.Context,
	e *engine.Engine,
	tableName string,
	colNames []string,
	fixed map[int]string,
	rows [][]string,
	opts *ImportOptions,
	result *ImportResult,
) (*ImportResult, error) {
	if tableName == "" {
		return nil, errors.New("table name is required")
	}
	colTypes := textTypes(len(colNames))
	if opts.TypeInference {
		sample := rows
		if len(sample) > opts.SampleRecords {
			sample = sample[:opts.SampleRecords]
		}
		colTypes = inferColumnTypes(sample, len(colNames), opts)
	}
	for i, t := range fixed {
		colTypes[i] = t
	}
	result.ColumnNames = colNames
	result.ColumnTypes = colTypes

	if err := prepareTable(ctx, e, tableName, colNames, colTypes, opts); err != nil {
		return nil, err
	}
	inserted, skipped, errs := insertAllRecords(ctx, e, tableName, colNames, colTypes, rows, opts)
	result.RowsInserted = inserted
	result.RowsSkipped = skipped
	result.Errors = append(result.Errors, errs...)
	return result, nil
}

// ============================================================================
// OpenFile - Convenience function to query files directly
// ============================================================================

// OpenFile imports a data file into the database at dbPath, creating it if
// needed, and returns the engine with the table name the data landed in.
//
//	e, table, _ := importer.OpenFile(ctx, "scratch.fsql", "data.csv", nil)
//	cur, _ := e.Query(ctx, "SELECT COUNT(*) FROM "+table)
func OpenFile(ctx context.Context, dbPath, filePath string, opts *ImportOptions, engOpts ...engine.Option) (*engine.Engine, string, error) {
	e, err := engine.Open(dbPath, engOpts...)
	if err != nil {
		return nil, "", err
	}
	tableName := ""
	if opts != nil {
		tableName = opts.TableName
	}
	if tableName == "" {
		base := strings.TrimSuffix(filepath.Base(filePath), ".gz")
		tableName = sanitizeTableName(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	if _, err := ImportFile(ctx, e, tableName, filePath, opts); err != nil {
		_ = e.Close(context.WithoutCancel(ctx))
		return nil, "", err
	}
	return e, tableName, nil
}
