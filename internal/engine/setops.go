package engine

// Set operations compare whole rows by value; rowKey gives equal values of
// different representations (1, 1.0, TRUE) the same signature.

func applySetOp(op string, all bool, left, right [][]any) [][]any {
	switch op {
	case "UNION":
		out := append(append([][]any{}, left...), right...)
		if all {
			return out
		}
		return distinctRows(out)
	case "INTERSECT":
		return intersectRows(left, right, all)
	case "EXCEPT":
		return exceptRows(left, right, all)
	}
	return left
}

func distinctRows(rows [][]any) [][]any {
	seen := make(map[string]bool, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		k := rowKey(r)
		if !seen[k] {
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}

// intersectRows keeps left rows that also appear on the right. With all,
// a row appears min(left count, right count) times.
func intersectRows(leftRows, rightRows [][]any, all bool) [][]any {
	rightCount := make(map[string]int, len(rightRows))
	for _, r := range rightRows {
		rightCount[rowKey(r)]++
	}
	var result [][]any
	seen := make(map[string]bool)
	for _, l := range leftRows {
		key := rowKey(l)
		if rightCount[key] == 0 {
			continue
		}
		if all {
			rightCount[key]--
			result = append(result, l)
			continue
		}
		if !seen[key] {
			seen[key] = true
			result = append(result, l)
		}
	}
	return result
}

// exceptRows keeps left rows that do not appear on the right. With all,
// each right row cancels one matching left row.
func exceptRows(leftRows, rightRows [][]any, all bool) [][]any {
	rightCount := make(map[string]int, len(rightRows))
	for _, r := range rightRows {
		rightCount[rowKey(r)]++
	}
	var result [][]any
	seen := make(map[string]bool)
	for _, l := range leftRows {
		key := rowKey(l)
		if all {
			if rightCount[key] > 0 {
				rightCount[key]--
				continue
			}
			result = append(result, l)
			continue
		}
		if rightCount[key] == 0 && !seen[key] {
			seen[key] = true
			result = append(result, l)
		}
	}
	return result
}
