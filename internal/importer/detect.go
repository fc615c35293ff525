package importer

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/charset"
)

var defaultDelims = []rune{',', ';', '\t', '|'}

// maybeGzip transparently decompresses gzip input.
func maybeGzip(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if magic, _ := br.Peek(2); bytes.Equal(magic, []byte{0x1F, 0x8B}) {
		if gr, err := gzip.NewReader(br); err == nil {
			return gr
		}
	}
	return br
}

// detectEncoding reports the encoding announced by a byte order mark.
func detectEncoding(b []byte) (enc string, hasUTF8BOM bool) {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8-bom", true
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		return "utf-16le", false
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return "utf-16be", false
	}
	return "utf-8", false
}

// toUTF8 wraps r so it yields UTF-8 and reports the source encoding. A BOM
// wins over opts.Encoding; "auto" guesses a legacy code page when the
// sample is not valid UTF-8.
func toUTF8(r io.Reader, opts *ImportOptions) (io.Reader, string, error) {
	br := bufio.NewReader(r)
	sample, _ := br.Peek(max(opts.SampleBytes, 16))
	enc, hasBOM := detectEncoding(sample)

	var from string
	switch {
	case strings.HasPrefix(enc, "utf-16"):
		from = enc
	case hasBOM:
	case opts.Encoding == "auto":
		if guess := charset.Detect(sample); guess != "UTF-8" && guess != "ASCII" {
			from, enc = guess, strings.ToLower(guess)
		}
	case opts.Encoding != "":
		from, enc = opts.Encoding, strings.ToLower(opts.Encoding)
	}

	if from == "" {
		if hasBOM {
			_, _ = br.Discard(3)
		}
		return br, enc, nil
	}
	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, "", fmt.Errorf("read %s input: %w", enc, err)
	}
	if enc == "utf-16le" {
		raw = bytes.TrimPrefix(raw, []byte{0xFF, 0xFE})
	}
	text, err := charset.ToInternal(string(raw), from)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", enc, err)
	}
	return strings.NewReader(text), enc, nil
}

// candidateDelims drops zero runes and falls back to the default set.
func candidateDelims(c []rune) []rune {
	var out []rune
	for _, r := range c {
		if r != 0 {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return append([]rune(nil), defaultDelims...)
	}
	return out
}

// sampleLines returns the non-blank lines of a detection sample. A
// truncated sample loses its last line, which may be partial.
func sampleLines(b []byte, truncated bool) []string {
	s := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(string(b))
	lines := strings.Split(s, "\n")
	if truncated && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// detectDelimiter parses the sample once per candidate and picks the one
// that splits the most records into the same number of fields (at least
// two). Ties go to the wider layout, then to candidate order. Without a
// winner the delimiter is a comma.
func detectDelimiter(lines []string, cands []rune) rune {
	const maxRecords = 200
	src := strings.Join(lines, "\n")
	best, bestShare, bestWidth := ',', 0.0, 0
	for _, cand := range cands {
		cr := csv.NewReader(strings.NewReader(src))
		cr.Comma = cand
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		widths := map[int]int{}
		total := 0
		for total < maxRecords {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// An invalid delimiter or a broken record.
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					continue
				}
				break
			}
			widths[len(rec)]++
			total++
		}
		if total == 0 {
			continue
		}
		width, count := 0, 0
		for w, c := range widths {
			if c > count || (c == count && w > width) {
				width, count = w, c
			}
		}
		if width < 2 {
			continue
		}
		share := float64(count) / float64(total)
		if share > bestShare || (share == bestShare && width > bestWidth) {
			best, bestShare, bestWidth = cand, share, width
		}
	}
	return best
}

// decideHeader applies HeaderMode. In auto mode the first record is a
// header when at least half of its columns hold text above mostly
// numeric data.
func decideHeader(records [][]string, mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "present":
		return true
	case "absent":
		return false
	}
	if len(records) < 2 || len(records[0]) == 0 {
		return false
	}
	head, body := records[0], records[1:]
	votes := 0
	for c, cell := range head {
		if looksNumeric(cell) {
			continue
		}
		numeric, seen := 0, 0
		for _, rec := range body {
			if c < len(rec) {
				seen++
				if looksNumeric(rec[c]) {
					numeric++
				}
			}
		}
		if seen > 0 && numeric*10 > seen*6 {
			votes++
		}
	}
	return votes*2 >= len(head)
}

func looksNumeric(s string) bool {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// sanitizeColumnNames maps header cells to identifiers: anything outside
// [A-Za-z0-9_] becomes an underscore and blanks become col_N.
func sanitizeColumnNames(h []string) []string {
	out := make([]string, len(h))
	for i, s := range h {
		s = strings.TrimSpace(s)
		if s == "" {
			out[i] = fmt.Sprintf("col_%d", i+1)
			continue
		}
		out[i] = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			}
			return '_'
		}, s)
	}
	return out
}

func generateColumnNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("col_%d", i+1)
	}
	return out
}
