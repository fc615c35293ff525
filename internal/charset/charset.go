// Package charset holds the text helpers the function library calls:
// encoding detection and conversion backed by golang.org/x/text, and
// rune-aware length, substring, position and case mapping.
package charset

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
)

// Internal is the encoding every stored string uses.
const Internal = "UTF-8"

// lookup resolves an encoding label (WHATWG names and common aliases).
func lookup(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "utf8", "utf-8", "utf8mb4":
		return unicode.UTF8, nil
	case "ascii", "us-ascii":
		n = "windows-1252"
	case "latin1", "iso8859-1", "iso-8859-1":
		n = "iso-8859-1"
	case "sjis", "shift-jis", "shift_jis", "cp932":
		return japanese.ShiftJIS, nil
	case "eucjp", "euc-jp", "ujis":
		return japanese.EUCJP, nil
	case "utf16le", "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case "utf16be", "utf-16be", "utf16", "utf-16":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("unknown character set %q", name)
	}
	return enc, nil
}

// Supported reports whether name is a known character set label.
func Supported(name string) bool {
	_, err := lookup(name)
	return err == nil
}

// Convert transcodes s from one character set to another. The source is
// interpreted as raw bytes in from and the result is encoded as to.
func Convert(s, to, from string) (string, error) {
	src, err := lookup(from)
	if err != nil {
		return "", err
	}
	dst, err := lookup(to)
	if err != nil {
		return "", err
	}
	decoded, _, err := transform.String(src.NewDecoder(), s)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", from, err)
	}
	out, _, err := transform.String(dst.NewEncoder(), decoded)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", to, err)
	}
	return out, nil
}

// ToInternal converts s from the given character set to UTF-8.
func ToInternal(s, from string) (string, error) {
	return Convert(s, Internal, from)
}

var candidates = []string{"shift_jis", "euc-jp", "windows-1252"}

// Detect guesses the character set of b: BOMs first, then UTF-8 validity,
// then the first candidate that decodes without replacement characters.
func Detect(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return "UTF-8"
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		return "UTF-16LE"
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return "UTF-16BE"
	}
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return "ASCII"
	}
	if utf8.Valid(b) {
		return "UTF-8"
	}
	for _, name := range candidates {
		enc, err := lookup(name)
		if err != nil {
			continue
		}
		out, err := enc.NewDecoder().Bytes(b)
		if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return strings.ToUpper(name)
		}
	}
	return "ISO-8859-1"
}

// Length counts runes.
func Length(s string) int { return utf8.RuneCountInString(s) }

// Substring returns n runes of s starting at the 1-based rune position
// start. A negative start counts from the end; n < 0 means "to the end".
func Substring(s string, start, n int) string {
	r := []rune(s)
	if start < 0 {
		start = len(r) + start + 1
		if start < 1 {
			start = 1
		}
	}
	if start == 0 {
		start = 1
	}
	from := start - 1
	if from >= len(r) {
		return ""
	}
	to := len(r)
	if n >= 0 && from+n < to {
		to = from + n
	}
	return string(r[from:to])
}

// Position returns the 1-based rune index of needle in s, 0 if absent.
func Position(needle, s string) int {
	i := strings.Index(s, needle)
	if i < 0 {
		return 0
	}
	return utf8.RuneCountInString(s[:i]) + 1
}

// Upper maps s to upper case using Unicode case mapping.
func Upper(s string) string { return cases.Upper(language.Und).String(s) }

// Lower maps s to lower case using Unicode case mapping.
func Lower(s string) string { return cases.Lower(language.Und).String(s) }
