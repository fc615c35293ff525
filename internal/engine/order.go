package engine

import "sort"

// orderKey is one compiled ORDER BY term.
type orderKey struct {
	n    node
	desc bool
}

// sortedRow pairs an output row with its evaluated sort keys.
type sortedRow struct {
	vals []any
	keys []any
}

// sortRows orders rows stably by their keys; NULLs sort first ascending.
func sortRows(rows []sortedRow, order []orderKey) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].keys, rows[j].keys
		for k, o := range order {
			c := compareForOrder(a[k], b[k])
			if c == 0 {
				continue
			}
			if o.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// applyLimit cuts rows to LIMIT/OFFSET. A negative count means no limit.
func applyLimit[T any](rows []T, lim *Limit) []T {
	if lim == nil {
		return rows
	}
	off := lim.Offset
	if off < 0 {
		off = 0
	}
	if off >= int64(len(rows)) {
		return rows[:0]
	}
	rows = rows[off:]
	if lim.Count >= 0 && lim.Count < int64(len(rows)) {
		rows = rows[:lim.Count]
	}
	return rows
}

// distinctSorted drops rows whose values repeat an earlier row.
func distinctSorted(rows []sortedRow) []sortedRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		k := rowKey(r.vals)
		if !seen[k] {
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}
