package storage

import (
	"bufio"
	"bytes"
	"context"
	"time"
)

// VacuumStats summarises one compaction.
type VacuumStats struct {
	LinesBefore int
	LinesAfter  int
	BytesBefore int64
	BytesAfter  int64
	Took        time.Duration
}

// Vacuum compacts the file: blank lines, rows of tables that no longer
// exist, tombstones of dropped tables and leftover log lines of this holder
// are dropped. Log lines of
// other holders are kept so their transactions can still be recovered.
func (db *DB) Vacuum(ctx context.Context) (VacuumStats, error) {
	var st VacuumStats
	if db.tx != nil {
		return st, ErrInTx
	}
	start := time.Now()
	if err := db.locks.LockGlobal(ctx, LockExclusive); err != nil {
		return st, err
	}
	defer db.locks.UnlockGlobal()
	own := []byte(txKey(db.Holder()) + ":")
	err := db.locks.mutex.With(ctx, func() error {
		cat, err := db.Catalog()
		if err != nil {
			return err
		}
		cat.Dir.prune()
		keys := make(map[string]bool, len(cat.Dir.Entries))
		for _, e := range cat.Dir.Entries {
			keys[e.Key] = true
		}
		line2, err := cat.Dir.format()
		if err != nil {
			return err
		}
		line3, err := encodeSchemas(db.codec, cat.orderedSchemas())
		if err != nil {
			return err
		}
		if st.BytesBefore, err = db.file.Size(); err != nil {
			return err
		}
		err = db.file.Rewrite(ctx, func(l Line, w *bufio.Writer) error {
			st.LinesBefore++
			if l.No > 3 && !keepLine(l.Text, keys, own) {
				return nil
			}
			st.LinesAfter++
			switch l.No {
			case 2:
				return writeLine(w, []byte(line2))
			case 3:
				return writeLine(w, []byte(line3))
			}
			return writeLine(w, l.Text)
		})
		if err != nil {
			return err
		}
		st.BytesAfter, err = db.file.Size()
		return err
	})
	if err != nil {
		return st, err
	}
	st.Took = time.Since(start)
	db.log.Info("vacuum finished", "path", db.Path(), "lines_before", st.LinesBefore, "lines_after", st.LinesAfter, "bytes_before", st.BytesBefore, "bytes_after", st.BytesAfter)
	return st, nil
}

func keepLine(text []byte, keys map[string]bool, own []byte) bool {
	if isBlank(text) {
		return false
	}
	if text[0] == txPrefix[0] {
		return !bytes.HasPrefix(text, own)
	}
	colon := bytes.IndexByte(text, ':')
	return colon > 0 && keys[string(text[:colon])]
}
