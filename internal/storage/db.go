package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"
)

var (
	ErrNoTable     = errors.New("no such table")
	ErrTableExists = errors.New("table already exists")
	ErrDBExists    = errors.New("database file already exists")
	ErrNoDB        = errors.New("database file does not exist")
	ErrNestedTx    = errors.New("transaction already active")
	ErrNoTx        = errors.New("no active transaction")
	ErrInTx        = errors.New("not allowed inside a transaction")
	ErrRowIDRange  = errors.New("row id exhausted")
	// ErrTxBroken reports a transaction whose locks were reclaimed by
	// another handle; its changes were rolled back there.
	ErrTxBroken = errors.New("transaction lost its locks")
)

// maxRowID is the largest value the fixed-width counter field can hold.
const maxRowID = 9999999999

// Options tunes a DB handle. Zero fields take defaults.
type Options struct {
	PollInterval    time.Duration
	DeadlockTimeout time.Duration
	Codec           Codec
	Logger          *slog.Logger
	// Now supplies row timestamps and table modification times.
	Now func() time.Time
	// Holder overrides the random instance id, mainly for tests.
	Holder string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.DeadlockTimeout <= 0 {
		o.DeadlockTimeout = 10 * time.Second
	}
	if o.Codec == nil {
		o.Codec = BinaryCodec{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Holder == "" {
		o.Holder = NewHolderID()
	}
	return o
}

// DB is one engine instance's handle on a database file. It is not safe for
// concurrent use; separate handles (in this or other processes) coordinate
// through the lock fields.
type DB struct {
	file  *File
	opts  Options
	codec Codec
	log   *slog.Logger
	locks *LockManager
	tx    *txState
}

// Create writes a new, empty database file and opens it.
func Create(path string, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, path)
	}
	opts = opts.withDefaults()
	schemas, err := encodeSchemas(opts.Codec, nil)
	if err != nil {
		return nil, err
	}
	content := formatHeader(LockRecord{Mode: LockNone, Holder: NoHolder}) + "\n\n" + schemas + "\n"
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDBExists, path)
		}
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.WriteString(fh, content); err != nil {
		fh.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", path, err)
	}
	opts.Logger.Info("database created", "path", path)
	return open(path, opts)
}

// Open opens an existing database file after validating its header.
func Open(path string, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDB, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return open(path, opts.withDefaults())
}

func open(path string, opts Options) (*DB, error) {
	db := &DB{
		file:  NewFile(path),
		opts:  opts,
		codec: opts.Codec,
		log:   opts.Logger,
	}
	head, err := db.file.Head()
	if err != nil {
		return nil, err
	}
	if _, err := parseCatalog(db.codec, head); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.locks = newLockManager(db.file, opts.Holder, opts)
	db.locks.recover = func(ctx context.Context, holder string) error {
		found, err := db.rollbackHolder(ctx, holder)
		if found {
			db.log.Warn("rolled back abandoned transaction", "holder", holder)
		}
		return err
	}
	return db, nil
}

// Remove deletes a database file, its mutex directory and its holder
// directory.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoDB, path)
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.Remove(path + ".lockdir"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock directory: %w", err)
	}
	if err := os.RemoveAll(newHolderDir(path).path); err != nil {
		return fmt.Errorf("remove holder directory: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.file.Path() }

// File returns the line-level view of the database file.
func (db *DB) File() *File { return db.file }

// Locks returns the lock manager.
func (db *DB) Locks() *LockManager { return db.locks }

// Holder returns this handle's lock holder id.
func (db *DB) Holder() string { return db.locks.holder }

// Now returns the handle's clock reading.
func (db *DB) Now() time.Time { return db.opts.Now() }

// InTx reports whether a transaction is active.
func (db *DB) InTx() bool { return db.tx != nil }

// Close rolls back an open transaction and releases every lock still held.
func (db *DB) Close(ctx context.Context) error {
	if db.tx != nil {
		if err := db.Rollback(ctx); err != nil {
			return err
		}
	}
	if len(db.locks.held) > 0 {
		return db.locks.releaseAll(ctx)
	}
	return nil
}

// Catalog reads the structural lines.
func (db *DB) Catalog() (*Catalog, error) {
	head, err := db.file.Head()
	if err != nil {
		return nil, err
	}
	return parseCatalog(db.codec, head)
}

// CreateTable adds a table to both directories. The caller holds the global
// exclusive lock.
func (db *DB) CreateTable(ctx context.Context, s *Schema) error {
	if err := db.checkTx(); err != nil {
		return err
	}
	key := s.Key()
	return db.rewriteHead(ctx, func(cat *Catalog) error {
		if _, ok := cat.Dir.Find(key); ok {
			return fmt.Errorf("%w: %s", ErrTableExists, s.Name)
		}
		lock := LockRecord{Mode: LockNone, Holder: NoHolder}
		if db.tx != nil {
			lock = LockRecord{Mode: LockExclusive, Holder: db.Holder()}
		}
		cat.Dir.put(TableEntry{Key: key, Lock: lock, NextRowID: 1, MTime: db.opts.Now().Unix()})
		cat.schemas[key] = s
		return nil
	})
}

// DropTable blanks every row of the table and turns its directory entry
// into a tombstone in place, so lines 2 and 3 keep their length. The caller
// holds the global exclusive lock.
func (db *DB) DropTable(ctx context.Context, name string) error {
	if err := db.checkTx(); err != nil {
		return err
	}
	key := TableKey(name)
	cat, err := db.Catalog()
	if err != nil {
		return err
	}
	if _, ok := cat.Dir.Find(key); !ok {
		return fmt.Errorf("%w: %s", ErrNoTable, name)
	}
	var refs []RowRef
	err = db.scanKey(ctx, key, false, func(r RowRef) (bool, error) {
		refs = append(refs, r)
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := db.blank(refs); err != nil {
		return err
	}
	return db.locks.mutex.With(ctx, func() error {
		cat, err := db.Catalog()
		if err != nil {
			return err
		}
		e, ok := cat.Dir.Find(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoTable, name)
		}
		field := string(tombstone) + "@" + NoHolder
		return db.file.WriteAt(cat.line2Off+int64(e.lockOffset()), []byte(field))
	})
}

// rewriteHead re-reads lines 1-3 under the mutex, lets fn edit the catalog
// and rewrites lines 2 and 3 in one pass.
func (db *DB) rewriteHead(ctx context.Context, fn func(cat *Catalog) error) error {
	return db.locks.mutex.With(ctx, func() error {
		cat, err := db.Catalog()
		if err != nil {
			return err
		}
		if err := fn(cat); err != nil {
			return err
		}
		line3, err := encodeSchemas(db.codec, cat.orderedSchemas())
		if err != nil {
			return err
		}
		line2, err := cat.Dir.format()
		if err != nil {
			return err
		}
		return db.file.Rewrite(ctx, func(l Line, w *bufio.Writer) error {
			switch l.No {
			case 2:
				return writeLine(w, []byte(line2))
			case 3:
				return writeLine(w, []byte(line3))
			}
			return writeLine(w, l.Text)
		})
	})
}

// RowRef locates a decoded row in the file.
type RowRef struct {
	Line   int
	Off    int64
	Len    int
	Raw    []byte
	Record *Record
}

func (r RowRef) span() Span { return Span{Off: r.Off, Len: r.Len} }

// Scan streams the rows of table name. fn returns false to stop.
func (db *DB) Scan(ctx context.Context, name string, fn func(RowRef) (bool, error)) error {
	return db.scanKey(ctx, TableKey(name), true, fn)
}

func (db *DB) scanKey(ctx context.Context, key string, decode bool, fn func(RowRef) (bool, error)) error {
	prefix := []byte(key + ":")
	return db.file.Scan(ctx, func(l Line) error {
		if l.No <= 3 || !bytes.HasPrefix(l.Text, prefix) {
			return nil
		}
		ref := RowRef{Line: l.No, Off: l.Off, Len: len(l.Text), Raw: append([]byte(nil), l.Text...)}
		if decode {
			rec, err := db.decodeRow(l.Text[len(prefix):])
			if err != nil {
				return fmt.Errorf("line %d: %w", l.No, err)
			}
			ref.Record = rec
		}
		more, err := fn(ref)
		if err != nil {
			return err
		}
		if !more {
			return errStop
		}
		return nil
	})
}

func (db *DB) decodeRow(payload []byte) (*Record, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return nil, fmt.Errorf("row payload: %w", err)
	}
	v, err := db.codec.Decode(raw[:n])
	if err != nil {
		return nil, err
	}
	rec, ok := v.(*Record)
	if !ok {
		return nil, fmt.Errorf("row payload holds %T, want record", v)
	}
	return rec, nil
}

func (db *DB) encodeRow(key string, rec *Record) ([]byte, error) {
	b, err := db.codec.Encode(rec)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(key)+1+base64.StdEncoding.EncodedLen(len(b)))
	out = append(out, key...)
	out = append(out, ':')
	return base64.StdEncoding.AppendEncode(out, b), nil
}

// Insert assigns the implicit columns and appends the records. A record
// that already carries a positive rowid keeps it. The caller holds the
// table's exclusive lock. It returns the assigned row ids.
func (db *DB) Insert(ctx context.Context, name string, recs []*Record) ([]int64, error) {
	if err := db.checkTx(); err != nil {
		return nil, err
	}
	key := TableKey(name)
	now := db.opts.Now().Unix()
	ids := make([]int64, len(recs))
	err := db.locks.mutex.With(ctx, func() error {
		cat, err := db.Catalog()
		if err != nil {
			return err
		}
		e, ok := cat.Dir.Find(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoTable, name)
		}
		next := e.NextRowID
		for i, rec := range recs {
			id := rec.RowID()
			if id <= 0 {
				id = next
			}
			if id > maxRowID {
				return fmt.Errorf("%w: table %s", ErrRowIDRange, name)
			}
			if id >= next {
				next = id + 1
			}
			rec.Set(ColRowID, id)
			if v, _ := rec.Get(ColCTime); v == nil {
				rec.Set(ColCTime, now)
			}
			rec.Set(ColUTime, now)
			ids[i] = id
		}
		return db.writeCounters(cat, e, next, now)
	})
	if err != nil {
		return nil, err
	}
	lines := make([][]byte, len(recs))
	for i, rec := range recs {
		if lines[i], err = db.encodeRow(key, rec); err != nil {
			return nil, err
		}
	}
	if _, err := db.file.Append(lines...); err != nil {
		return nil, err
	}
	return ids, nil
}

// writeCounters overwrites the fixed-width rowid and mtime fields of e.
// The caller holds the mutex.
func (db *DB) writeCounters(cat *Catalog, e TableEntry, next, mtime int64) error {
	base := cat.line2Off
	if next != e.NextRowID {
		s, err := formatNumber(next)
		if err != nil {
			return fmt.Errorf("row id counter: %w", err)
		}
		if err := db.file.WriteAt(base+int64(e.rowIDOffset()), []byte(s)); err != nil {
			return err
		}
	}
	s, err := formatNumber(mtime)
	if err != nil {
		return fmt.Errorf("modification time: %w", err)
	}
	return db.file.WriteAt(base+int64(e.mtimeOffset()), []byte(s))
}

// Update replaces the rows at refs with recs (same order): the old lines
// are blanked and the new ones appended. utime is refreshed. The caller
// holds the table's exclusive lock.
func (db *DB) Update(ctx context.Context, name string, refs []RowRef, recs []*Record) error {
	if len(refs) != len(recs) {
		return fmt.Errorf("update: %d rows but %d records", len(refs), len(recs))
	}
	if err := db.checkTx(); err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	key := TableKey(name)
	now := db.opts.Now().Unix()
	lines := make([][]byte, len(recs))
	for i, rec := range recs {
		rec.Set(ColUTime, now)
		var err error
		if lines[i], err = db.encodeRow(key, rec); err != nil {
			return err
		}
	}
	if err := db.blank(refs); err != nil {
		return err
	}
	if _, err := db.file.Append(lines...); err != nil {
		return err
	}
	return db.Touch(ctx, name)
}

// Delete blanks the rows at refs. The caller holds the table's exclusive
// lock.
func (db *DB) Delete(ctx context.Context, name string, refs []RowRef) error {
	if len(refs) == 0 {
		return nil
	}
	if err := db.checkTx(); err != nil {
		return err
	}
	if err := db.blank(refs); err != nil {
		return err
	}
	return db.Touch(ctx, name)
}

func (db *DB) blank(refs []RowRef) error {
	if err := db.logOriginals(refs); err != nil {
		return err
	}
	spans := make([]Span, len(refs))
	for i, r := range refs {
		spans[i] = r.span()
	}
	return db.file.BlankSpans(spans)
}

// Touch sets the modification time of a table to now.
func (db *DB) Touch(ctx context.Context, name string) error {
	key := TableKey(name)
	return db.locks.mutex.With(ctx, func() error {
		cat, err := db.Catalog()
		if err != nil {
			return err
		}
		e, ok := cat.Dir.Find(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoTable, name)
		}
		return db.writeCounters(cat, e, e.NextRowID, db.opts.Now().Unix())
	})
}

// MTimeShared is MTime read under a shared lock on every named table, so
// the times cannot change while they are compared.
func (db *DB) MTimeShared(ctx context.Context, names []string) (map[string]int64, error) {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, TableKey(n))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	var locked []string
	defer func() {
		for _, k := range locked {
			db.locks.UnlockTable(k)
		}
	}()
	for _, k := range keys {
		if err := db.locks.LockTable(ctx, k, LockShared); err != nil {
			return nil, err
		}
		locked = append(locked, k)
	}
	return db.MTime(names)
}

// MTime returns the modification time of each named table (unix seconds).
func (db *DB) MTime(names []string) (map[string]int64, error) {
	cat, err := db.Catalog()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(names))
	for _, n := range names {
		e, ok := cat.Entry(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoTable, n)
		}
		out[n] = e.MTime
	}
	return out, nil
}
