package engine

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// resultCache keeps encoded SELECT results keyed by the normalised query
// text. An entry stays valid while its timestamp is strictly greater than
// the modification time of every table it read. Each table keeps at most
// maxRows entries; the oldest is evicted first.
type resultCache struct {
	mu      sync.Mutex
	maxRows int
	codec   storage.Codec
	entries map[string]*cacheEntry
	byTable map[string]*list.List // table → queries, oldest at the front
	hits    int
	misses  int
}

type cacheEntry struct {
	query  string
	tables []string
	ts     int64
	cols   []string
	rows   []byte
}

func newResultCache(maxRows int, codec storage.Codec) *resultCache {
	if codec == nil {
		codec = storage.BinaryCodec{}
	}
	return &resultCache{
		maxRows: maxRows,
		codec:   codec,
		entries: make(map[string]*cacheEntry),
		byTable: make(map[string]*list.List),
	}
}

func (c *resultCache) enabled() bool { return c != nil && c.maxRows > 0 }

// get returns the cached result of query. mtime reports the current
// modification times of the entry's tables.
func (c *resultCache) get(query string, mtime func([]string) (map[string]int64, error)) (*resultSet, bool) {
	if !c.enabled() {
		return nil, false
	}
	c.mu.Lock()
	e, ok := c.entries[query]
	c.mu.Unlock()
	if !ok {
		c.count(false)
		return nil, false
	}
	times, err := mtime(e.tables)
	if err != nil {
		c.count(false)
		return nil, false
	}
	for _, t := range e.tables {
		m, found := times[t]
		if !found || e.ts <= m {
			c.mu.Lock()
			c.drop(e)
			c.mu.Unlock()
			c.count(false)
			return nil, false
		}
	}
	rows, err := c.decode(e.rows)
	if err != nil {
		c.count(false)
		return nil, false
	}
	c.count(true)
	return &resultSet{cols: e.cols, rows: rows}, true
}

func (c *resultCache) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// put stores rs for query, read from tables at time ts.
func (c *resultCache) put(query string, tables []string, ts int64, rs *resultSet) error {
	if !c.enabled() || len(tables) == 0 {
		return nil
	}
	enc, err := c.encode(rs.rows)
	if err != nil {
		return err
	}
	sort.Strings(tables)
	e := &cacheEntry{query: query, tables: tables, ts: ts, cols: rs.cols, rows: enc}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[query]; ok {
		c.drop(old)
	}
	c.entries[query] = e
	for _, t := range tables {
		l := c.byTable[t]
		if l == nil {
			l = list.New()
			c.byTable[t] = l
		}
		l.PushBack(query)
		for l.Len() > c.maxRows {
			oldest := l.Front().Value.(string)
			if victim, ok := c.entries[oldest]; ok {
				c.drop(victim)
			} else {
				l.Remove(l.Front())
			}
		}
	}
	return nil
}

// drop removes e from every index. The caller holds mu.
func (c *resultCache) drop(e *cacheEntry) {
	delete(c.entries, e.query)
	for _, t := range e.tables {
		l := c.byTable[t]
		if l == nil {
			continue
		}
		for el := l.Front(); el != nil; {
			nx := el.Next()
			if el.Value.(string) == e.query {
				l.Remove(el)
			}
			el = nx
		}
		if l.Len() == 0 {
			delete(c.byTable, t)
		}
	}
}

func (c *resultCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.byTable = make(map[string]*list.List)
}

func (c *resultCache) stats() (entries, hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.hits, c.misses
}

func (c *resultCache) encode(rows [][]any) ([]byte, error) {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return c.codec.Encode(list)
}

func (c *resultCache) decode(b []byte) ([][]any, error) {
	v, err := c.codec.Decode(b)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cached rows hold %T", v)
	}
	rows := make([][]any, len(list))
	for i, r := range list {
		row, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("cached row holds %T", r)
		}
		rows[i] = row
	}
	return rows, nil
}

// cacheKey normalises a statement for the cache.
func cacheKey(tokens []Token) string {
	return strings.TrimSuffix(Join(tokens), ";")
}
