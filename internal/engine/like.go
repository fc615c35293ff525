package engine

import (
	"regexp"
	"strings"
	"sync"
)

// likeToRegexp translates a LIKE pattern: % matches any run, _ one
// character, and esc (if non-zero) makes the next character literal.
// Matching is case-insensitive and anchored.
func likeToRegexp(pattern string, esc rune) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?is)\A`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case esc != 0 && r == esc:
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, compileErrf("LIKE pattern %q ends with the escape character", pattern)
	}
	b.WriteString(`\z`)
	return regexp.Compile(b.String())
}

// globToRegexp translates a GLOB pattern: * any run, ? one character,
// [...] a character class. Matching is case-sensitive.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)\A`)
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := i + 1
			if end < len(rs) && rs[end] == '^' {
				end++
			}
			if end < len(rs) && rs[end] == ']' {
				end++
			}
			for end < len(rs) && rs[end] != ']' {
				end++
			}
			if end >= len(rs) {
				b.WriteString(`\[`)
				continue
			}
			class := string(rs[i+1 : end])
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`\z`)
	return regexp.Compile(b.String())
}

// patternCache holds regexps for patterns only known at run time.
type patternCache struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}

const maxRuntimePatterns = 256

func (c *patternCache) get(kind, pattern string, esc rune) (*regexp.Regexp, error) {
	key := kind + "\x00" + string(esc) + "\x00" + pattern
	c.mu.Lock()
	re, ok := c.m[key]
	c.mu.Unlock()
	if ok {
		return re, nil
	}
	re, err := buildPattern(kind, pattern, esc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.m == nil || len(c.m) >= maxRuntimePatterns {
		c.m = make(map[string]*regexp.Regexp)
	}
	c.m[key] = re
	c.mu.Unlock()
	return re, nil
}

func buildPattern(kind, pattern string, esc rune) (*regexp.Regexp, error) {
	switch kind {
	case "LIKE":
		return likeToRegexp(pattern, esc)
	case "GLOB":
		return globToRegexp(pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, compileErrf("invalid regular expression %q: %v", pattern, err)
	}
	return re, nil
}

var runtimePatterns patternCache
