// Package importer loads delimited, JSON and geographic files into flatSQL
// tables. It detects delimiters, headers, encodings and column types, creates
// the target table through SQL and inserts rows in batched INSERT statements
// inside one transaction.
//
// Features:
//   - Auto-detect delimiter: ',', ';', '\t', '|' (configurable)
//   - Auto-detect header row (configurable override)
//   - Encoding: UTF-8, UTF-8 BOM, UTF-16LE/BE and legacy code pages
//   - Transparent GZIP input
//   - Type inference (INTEGER, REAL, BOOLEAN, DATETIME, TEXT)
//   - Optional CREATE TABLE and truncation
//
// Example:
//
//	e, _ := engine.Open("data.fsql")
//	f, _ := os.Open("data.csv")
//	result, err := importer.ImportCSV(ctx, e, "mytable", f, nil)
//	fmt.Printf("Imported %d rows with %d columns\n", result.RowsInserted, len(result.ColumnNames))
package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// ImportOptions configures the importer behavior. All fields are optional.
type ImportOptions struct {
	// BatchSize controls how many rows go into one INSERT (default 500).
	BatchSize int

	// NullLiterals are treated as SQL NULL (case-insensitive, trimmed).
	// Defaults: "", "null", "na", "n/a", "none", "#n/a"
	NullLiterals []string

	// CreateTable creates a missing table from the inferred column types.
	// It is on unless only Truncate is set.
	CreateTable bool

	// Truncate clears the table before import (default false).
	Truncate bool

	// HeaderMode is "auto" (default), "present" or "absent". Without a
	// header the columns are named col_1, col_2, ...
	HeaderMode string

	// DelimiterCandidates tested during auto-detection. Default: , ; \t |
	DelimiterCandidates []rune

	// TableName overrides the target table name.
	TableName string

	// Encoding names the source character set. Empty means BOM sniffing
	// with a UTF-8 fallback; "auto" also guesses legacy code pages.
	Encoding string

	// SampleBytes caps the amount of data used for detection (default 128KB).
	SampleBytes int

	// SampleRecords caps the number of records analyzed for detection (default 500).
	SampleRecords int

	// TypeInference controls automatic type detection (default true).
	// When disabled, all columns are TEXT.
	TypeInference bool

	// DateTimeFormats lists datetime layouts tried during type detection.
	DateTimeFormats []string

	// StrictTypes aborts the import on the first value that does not match
	// its column type. Otherwise the raw text is stored.
	StrictTypes bool
}

// ImportResult describes a finished import.
type ImportResult struct {
	RowsInserted int64
	RowsSkipped  int64
	Delimiter    rune
	HadHeader    bool
	// Encoding is "utf-8", "utf-8-bom", "utf-16le", "utf-16be" or the
	// lower-cased name of a legacy code page.
	Encoding    string
	ColumnNames []string
	ColumnTypes []string
	// Errors collects problems that did not stop the import.
	Errors []string
}

// ImportCSV imports delimited data (CSV/TSV) from src into tableName.
//
// The table is created when missing (CreateTable) and emptied first when
// Truncate is set. Rows are inserted in batches inside a transaction, so a
// failed import leaves the table as it was.
func ImportCSV(
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
	if tableName == "" {
		return nil, errors.New("table name is required")
	}

	text, enc, err := toUTF8(maybeGzip(src), opts)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(text, opts.SampleBytes)
	sample, _ := br.Peek(opts.SampleBytes)

	res := &ImportResult{
		Encoding:  enc,
		Delimiter: detectDelimiter(sampleLines(sample, len(sample) == opts.SampleBytes), candidateDelims(opts.DelimiterCandidates)),
	}

	cr := csv.NewReader(br)
	cr.Comma = res.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	records, skipped, err := readRecords(ctx, cr)
	if err != nil {
		return nil, err
	}
	res.Errors = skipped
	if len(records) == 0 {
		return nil, errors.New("empty input")
	}

	res.HadHeader = decideHeader(records[:min(len(records), opts.SampleRecords)], opts.HeaderMode)
	if res.HadHeader {
		res.ColumnNames = sanitizeColumnNames(records[0])
		records = records[1:]
	} else {
		res.ColumnNames = generateColumnNames(len(records[0]))
	}

	res.ColumnTypes = textTypes(len(res.ColumnNames))
	if opts.TypeInference {
		res.ColumnTypes = inferColumnTypes(records[:min(len(records), opts.SampleRecords)], len(res.ColumnNames), opts)
	}

	if err := prepareTable(ctx, e, tableName, res.ColumnNames, res.ColumnTypes, opts); err != nil {
		return nil, err
	}
	n, dropped, errs := insertAllRecords(ctx, e, tableName, res.ColumnNames, res.ColumnTypes, records, opts)
	res.RowsInserted = n
	res.RowsSkipped = dropped
	res.Errors = append(res.Errors, errs...)
	return res, nil
}

// readRecords reads every record. Malformed records are reported and
// skipped; read failures abort.
func readRecords(ctx context.Context, cr *csv.Reader) ([][]string, []string, error) {
	var (
		out  [][]string
		msgs []string
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, msgs, nil
		}
		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			msgs = append(msgs, fmt.Sprintf("line %d: %v", perr.Line, perr.Err))
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("read record: %w", err)
		}
		out = append(out, rec)
		if len(out)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
	}
}

// prepareTable runs the CreateTable and Truncate steps.
func prepareTable(ctx context.Context, e *engine.Engine, tableName string, colNames, colTypes []string, opts *ImportOptions) error {
	if opts.CreateTable {
		if err := createTable(ctx, e, tableName, colNames, colTypes); err != nil {
			return err
		}
	}
	if opts.Truncate {
		return truncateTable(ctx, e, tableName)
	}
	return nil
}

func applyDefaults(o *ImportOptions) {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if len(o.NullLiterals) == 0 {
		o.NullLiterals = []string{"", "null", "na", "n/a", "none", "#n/a"}
	}
	if o.HeaderMode == "" {
		o.HeaderMode = "auto"
	}
	if len(o.DelimiterCandidates) == 0 {
		o.DelimiterCandidates = []rune{',', ';', '\t', '|'}
	}
	if o.SampleBytes <= 0 {
		o.SampleBytes = 128 << 10
	}
	if o.SampleRecords <= 0 {
		o.SampleRecords = 500
	}
	if len(o.DateTimeFormats) == 0 {
		o.DateTimeFormats = []string{
			time.RFC3339,
			time.RFC3339Nano,
			time.DateTime,
			"2006-01-02T15:04:05",
			"01/02/2006 15:04:05",
			"02.01.2006 15:04:05",
		}
	}
	if !o.CreateTable && !o.Truncate {
		o.CreateTable = true
	}
	if o.CreateTable {
		o.TypeInference = true
	}
}
