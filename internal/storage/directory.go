package storage

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TableEntry is one table's slot in the lock/sequence directory (line 2).
// A dropped table leaves its slot behind as a tombstone so line 2 keeps its
// length; vacuum removes tombstones.
type TableEntry struct {
	Key       string
	Lock      LockRecord
	NextRowID int64
	MTime     int64
	Dropped   bool

	off int // byte offset of the entry inside line 2
}

// tombstone replaces the lock mode byte of a dropped entry.
const tombstone = '-'

func (e TableEntry) format() (string, error) {
	next, err := formatNumber(e.NextRowID)
	if err != nil {
		return "", fmt.Errorf("table %s row id: %w", e.Key, err)
	}
	mtime, err := formatNumber(e.MTime)
	if err != nil {
		return "", fmt.Errorf("table %s mtime: %w", e.Key, err)
	}
	lock := e.Lock.format()
	if e.Dropped {
		lock = string(tombstone) + lock[1:]
	}
	return e.Key + ":" + lock + "#" + next + "@" + mtime + ";", nil
}

func (e TableEntry) width() int { return len(e.Key) + 1 + lockWidth + 1 + numberWidth + 1 + numberWidth + 1 }

func (e TableEntry) lockOffset() int  { return e.off + len(e.Key) + 1 }
func (e TableEntry) rowIDOffset() int { return e.lockOffset() + lockWidth + 1 }
func (e TableEntry) mtimeOffset() int { return e.rowIDOffset() + numberWidth + 1 }

// Directory is the parsed line 2.
type Directory struct {
	Entries []TableEntry
}

func parseDirectory(line string) (*Directory, error) {
	d := &Directory{}
	off := 0
	for off < len(line) {
		end := strings.IndexByte(line[off:], ';')
		if end < 0 {
			return nil, fmt.Errorf("directory entry at %d is not terminated", off)
		}
		raw := line[off : off+end]
		colon := strings.IndexByte(raw, ':')
		want := lockWidth + 1 + numberWidth + 1 + numberWidth
		if colon <= 0 || len(raw)-colon-1 != want {
			return nil, fmt.Errorf("malformed directory entry %q", raw)
		}
		e := TableEntry{Key: raw[:colon], off: off}
		fields := raw[colon+1:]
		lockField := fields[:lockWidth]
		if lockField[0] == tombstone {
			e.Dropped = true
			lockField = string(LockNone) + lockField[1:]
		}
		lock, err := parseLockRecord(lockField)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", e.Key, err)
		}
		e.Lock = lock
		rest := fields[lockWidth:]
		if rest[0] != '#' || rest[1+numberWidth] != '@' {
			return nil, fmt.Errorf("malformed directory counters %q", rest)
		}
		if e.NextRowID, err = strconv.ParseInt(rest[1:1+numberWidth], 10, 64); err != nil {
			return nil, fmt.Errorf("table %s row id: %w", e.Key, err)
		}
		if e.MTime, err = strconv.ParseInt(rest[2+numberWidth:], 10, 64); err != nil {
			return nil, fmt.Errorf("table %s mtime: %w", e.Key, err)
		}
		d.Entries = append(d.Entries, e)
		off += end + 1
	}
	return d, nil
}

func (d *Directory) format() (string, error) {
	var b strings.Builder
	for _, e := range d.Entries {
		s, err := e.format()
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// Live returns the entries of existing tables.
func (d *Directory) Live() []TableEntry {
	out := make([]TableEntry, 0, len(d.Entries))
	for _, e := range d.Entries {
		if !e.Dropped {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entry for a table key. Tombstones are not found.
func (d *Directory) Find(key string) (TableEntry, bool) {
	for _, e := range d.Entries {
		if e.Key == key && !e.Dropped {
			return e, true
		}
	}
	return TableEntry{}, false
}

// put stores e, reusing the tombstone of an earlier table with the same
// key.
func (d *Directory) put(e TableEntry) {
	for i := range d.Entries {
		if d.Entries[i].Key == e.Key {
			e.off = d.Entries[i].off
			d.Entries[i] = e
			return
		}
	}
	d.Entries = append(d.Entries, e)
	d.reindex()
}

// prune drops the tombstones.
func (d *Directory) prune() {
	d.Entries = d.Live()
	d.reindex()
}

func (d *Directory) reindex() {
	off := 0
	for i := range d.Entries {
		d.Entries[i].off = off
		off += d.Entries[i].width()
	}
}

func encodeSchemas(c Codec, schemas []*Schema) (string, error) {
	list := make([]any, len(schemas))
	for i, s := range schemas {
		list[i] = s.toValue()
	}
	b, err := c.Encode(list)
	if err != nil {
		return "", fmt.Errorf("encode schema directory: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeSchemas(c Codec, line string) ([]*Schema, error) {
	if line == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	v, err := c.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("schema directory holds %T, want list", v)
	}
	out := make([]*Schema, 0, len(list))
	for _, e := range list {
		s, err := schemaFromValue(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Catalog is a consistent snapshot of the three structural lines.
type Catalog struct {
	Global  LockRecord
	Dir     *Directory
	schemas map[string]*Schema

	Lines    [3]string
	line2Off int64
}

// Schema returns the schema of a table by name.
func (c *Catalog) Schema(name string) (*Schema, bool) {
	key := TableKey(name)
	if _, ok := c.Dir.Find(key); !ok {
		return nil, false
	}
	s, ok := c.schemas[key]
	return s, ok
}

// Entry returns the directory entry of a table by name.
func (c *Catalog) Entry(name string) (TableEntry, bool) {
	return c.Dir.Find(TableKey(name))
}

// Tables returns every schema sorted by name.
func (c *Catalog) Tables() []*Schema {
	out := make([]*Schema, 0, len(c.schemas))
	for _, e := range c.Dir.Live() {
		if s, ok := c.schemas[e.Key]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Keys returns the key of every existing table.
func (c *Catalog) Keys() []string {
	live := c.Dir.Live()
	out := make([]string, len(live))
	for i, e := range live {
		out[i] = e.Key
	}
	return out
}

// orderedSchemas lists the schemas in directory order, tombstoned tables
// included so line 3 keeps its content until vacuum.
func (c *Catalog) orderedSchemas() []*Schema {
	out := make([]*Schema, 0, len(c.Dir.Entries))
	for _, e := range c.Dir.Entries {
		if s, ok := c.schemas[e.Key]; ok {
			out = append(out, s)
		}
	}
	return out
}

func parseCatalog(codec Codec, lines [3]string) (*Catalog, error) {
	global, err := parseHeader(lines[0])
	if err != nil {
		return nil, err
	}
	dir, err := parseDirectory(lines[1])
	if err != nil {
		return nil, err
	}
	schemas, err := decodeSchemas(codec, lines[2])
	if err != nil {
		return nil, err
	}
	c := &Catalog{Global: global, Dir: dir, schemas: make(map[string]*Schema, len(schemas)), Lines: lines}
	for _, s := range schemas {
		c.schemas[s.Key()] = s
	}
	c.line2Off = int64(len(lines[0]) + 1)
	return c, nil
}
