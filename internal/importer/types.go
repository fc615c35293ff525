package importer

import (
	"strconv"
	"strings"
	"time"
)

// Declared column types the importer emits in CREATE TABLE.
const (
	TypeBoolean  = "BOOLEAN"
	TypeInteger  = "INTEGER"
	TypeReal     = "REAL"
	TypeDateTime = "DATETIME"
	TypeText     = "TEXT"
)

// storedTimeLayout is the text form DATETIME values are inserted as.
const storedTimeLayout = "2006-01-02 15:04:05"

// ============================================================================
// Type Inference - Detect column types from sample data
// ============================================================================

// inferColumnTypes analyzes sample data to determine the best declared type
// for each column. It tries in order: BOOLEAN → INTEGER → REAL → DATETIME → TEXT.
func inferColumnTypes(sampleData [][]string, numCols int, opts *ImportOptions) []string {
	types := make([]string, numCols)

	votes := make([]map[string]int, numCols)
	for i := range votes {
		votes[i] = make(map[string]int)
	}

	for _, row := range sampleData {
		for colIdx := 0; colIdx < numCols; colIdx++ {
			var val string
			if colIdx < len(row) {
				val = strings.TrimSpace(row[colIdx])
			}
			// NULLs don't vote
			if isNullValue(val, opts.NullLiterals) {
				continue
			}
			votes[colIdx][detectValueType(val, opts.DateTimeFormats)]++
		}
	}

	for colIdx := 0; colIdx < numCols; colIdx++ {
		types[colIdx] = determineColumnType(votes[colIdx])
	}
	return types
}

// textTypes returns n TEXT column types.
func textTypes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = TypeText
	}
	return out
}

// detectValueType returns the most specific type a single value parses as.
func detectValueType(val string, dateFormats []string) string {
	if val == "" {
		return TypeText
	}

	// Single digits are numbers, not booleans.
	switch strings.ToLower(val) {
	case "true", "false", "yes", "no", "t", "f", "y", "n":
		return TypeBoolean
	}

	if _, err := strconv.ParseInt(val, 10, 64); err == nil {
		return TypeInteger
	}
	if _, err := strconv.ParseFloat(val, 64); err == nil {
		return TypeReal
	}
	for _, layout := range dateFormats {
		if _, err := time.Parse(layout, val); err == nil {
			return TypeDateTime
		}
	}
	return TypeText
}

// determineColumnType picks the most specific type that covers at least 80%
// of the non-null values, else TEXT.
func determineColumnType(votes map[string]int) string {
	totalVotes := 0
	for _, count := range votes {
		totalVotes += count
	}
	if totalVotes == 0 {
		return TypeText
	}

	threshold := float64(totalVotes) * 0.80
	intCount := votes[TypeInteger]
	floatCount := votes[TypeReal]

	switch {
	case float64(votes[TypeBoolean]) >= threshold:
		return TypeBoolean
	case float64(votes[TypeDateTime]) >= threshold:
		return TypeDateTime
	case float64(intCount) >= threshold && floatCount == 0:
		return TypeInteger
	case float64(intCount+floatCount) >= threshold:
		// INT is promoted to REAL if mixed
		return TypeReal
	}
	return TypeText
}

// isNullValue checks if a value should be treated as NULL.
func isNullValue(val string, nullLiterals []string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(val))
	for _, nl := range nullLiterals {
		if trimmed == strings.ToLower(strings.TrimSpace(nl)) {
			return true
		}
	}
	return false
}

// convertValue converts a string value to the engine value for colType.
func convertValue(val, colType string, dateFormats, nullLiterals []string) (any, error) {
	val = strings.TrimSpace(val)
	if isNullValue(val, nullLiterals) {
		return nil, nil
	}

	switch colType {
	case TypeBoolean:
		return parseBool(val)
	case TypeInteger:
		return strconv.ParseInt(val, 10, 64)
	case TypeReal:
		return strconv.ParseFloat(val, 64)
	case TypeDateTime:
		t, err := parseDateTime(val, dateFormats)
		if err != nil {
			return nil, err
		}
		return t.Format(storedTimeLayout), nil
	default:
		return val, nil
	}
}

// parseBool handles various boolean representations.
func parseBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	default:
		return strconv.ParseBool(val)
	}
}

// parseDateTime tries multiple datetime formats.
func parseDateTime(val string, formats []string) (time.Time, error) {
	for _, layout := range formats {
		if t, err := time.Parse(layout, val); err == nil {
			return t, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}
