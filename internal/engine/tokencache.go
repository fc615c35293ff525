package engine

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// tokenCache memoises Tokenize output keyed by an FNV-64a hash of the
// statement text. It is bounded by entry count and by the summed length of
// the cached statements; the oldest entry goes first.
type tokenCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int
	bytes      int
	order      *list.List // of *tokenEntry, oldest at the front
	entries    map[uint64]*list.Element
	hits       int
	misses     int
}

type tokenEntry struct {
	key    uint64
	text   string
	tokens []Token
}

func newTokenCache(maxEntries, maxBytes int) *tokenCache {
	return &tokenCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[uint64]*list.Element),
	}
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// tokenize returns cached tokens for sql or tokenizes and stores them. The
// returned slice must not be modified.
func (c *tokenCache) tokenize(sql string) []Token {
	if c == nil || c.maxEntries <= 0 {
		return Tokenize(sql)
	}
	key := hashText(sql)
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*tokenEntry)
		if e.text == sql {
			c.hits++
			c.mu.Unlock()
			return e.tokens
		}
	}
	c.misses++
	c.mu.Unlock()

	toks := Tokenize(sql)
	if c.maxBytes > 0 && len(sql) > c.maxBytes {
		return toks
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	c.entries[key] = c.order.PushBack(&tokenEntry{key: key, text: sql, tokens: toks})
	c.bytes += len(sql)
	for c.order.Len() > c.maxEntries || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.remove(c.order.Front())
	}
	return toks
}

func (c *tokenCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*tokenEntry)
	delete(c.entries, e.key)
	c.bytes -= len(e.text)
}

// stats returns entry count, cached bytes, hits and misses.
func (c *tokenCache) stats() (entries, bytes, hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.bytes, c.hits, c.misses
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[uint64]*list.Element)
	c.bytes = 0
}
