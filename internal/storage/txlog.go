package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// txState tracks an open transaction of this handle.
type txState struct {
	beginLines int
	logged     map[int]bool
}

// Begin locks the whole database and appends the BEGIN marker with
// snapshots of lines 1-3 and the current line count.
func (db *DB) Begin(ctx context.Context) error {
	if db.tx != nil {
		return ErrNestedTx
	}
	if err := db.locks.lockAll(ctx); err != nil {
		return err
	}
	var head [3]string
	count := 0
	err := db.file.Scan(ctx, func(l Line) error {
		if l.No <= 3 {
			head[l.No-1] = string(l.Text)
		}
		count = l.No
		return nil
	})
	if err == nil {
		marker := txKey(db.Holder()) + ":B:" + strconv.Itoa(count)
		for _, h := range head {
			marker += ":" + base64.StdEncoding.EncodeToString([]byte(h))
		}
		_, err = db.file.Append([]byte(marker))
	}
	if err != nil {
		db.locks.releaseAll(ctx)
		return err
	}
	db.tx = &txState{beginLines: count, logged: make(map[int]bool)}
	db.log.Info("transaction started", "holder", db.Holder(), "lines", count)
	return nil
}

// logOriginals appends an undo entry for every line in refs that existed
// at BEGIN and has not been logged yet.
func (db *DB) logOriginals(refs []RowRef) error {
	if db.tx == nil {
		return nil
	}
	var entries [][]byte
	prefix := txKey(db.Holder()) + ":L:"
	for _, r := range refs {
		if r.Line > db.tx.beginLines || db.tx.logged[r.Line] {
			continue
		}
		entries = append(entries, []byte(prefix+strconv.Itoa(r.Line)+":"+base64.StdEncoding.EncodeToString(r.Raw)))
		db.tx.logged[r.Line] = true
	}
	if len(entries) == 0 {
		return nil
	}
	_, err := db.file.Append(entries...)
	return err
}

// lostOwnership explains why line 1 no longer shows this handle's
// transaction, or returns "".
func (db *DB) lostOwnership(line1 string) (string, error) {
	global, err := parseHeader(line1)
	if err != nil {
		return "", err
	}
	if global.Mode == LockExclusive && global.Holder == db.Holder() {
		return "", nil
	}
	return fmt.Sprintf("database lock is %s by %s", global.Mode, global.Holder), nil
}

// checkTx makes sure an open transaction still owns the database before
// it writes. A transaction whose locks were reclaimed is dropped.
func (db *DB) checkTx() error {
	if db.tx == nil {
		return nil
	}
	head, err := db.file.Head()
	if err != nil {
		return err
	}
	reason, err := db.lostOwnership(head[0])
	if err != nil || reason == "" {
		return err
	}
	return db.abandonTx(reason)
}

// abandonTx forgets a transaction that another handle already rolled back.
func (db *DB) abandonTx(reason string) error {
	db.tx = nil
	db.locks.forgetAll()
	db.log.Error("transaction lost its locks", "holder", db.Holder(), "reason", reason)
	return fmt.Errorf("%w: %s", ErrTxBroken, reason)
}

// hasMarker reports whether the BEGIN marker of holder is in the file.
func (db *DB) hasMarker(ctx context.Context, holder string) (bool, error) {
	prefix := []byte(txKey(holder) + ":B:")
	found := false
	err := db.file.Scan(ctx, func(l Line) error {
		if l.No > 3 && bytes.HasPrefix(l.Text, prefix) {
			found = true
			return errStop
		}
		return nil
	})
	return found, err
}

// Commit makes the transaction's changes permanent by compacting away the
// log lines, then releases every lock.
func (db *DB) Commit(ctx context.Context) error {
	if db.tx == nil {
		return ErrNoTx
	}
	if err := db.checkTx(); err != nil {
		return err
	}
	logPrefix := []byte(txKey(db.Holder()) + ":")
	var lost string
	err := db.locks.mutex.With(ctx, func() error {
		head, err := db.file.Head()
		if err != nil {
			return err
		}
		if lost, err = db.lostOwnership(head[0]); err != nil || lost != "" {
			return err
		}
		found, err := db.hasMarker(ctx, db.Holder())
		if err != nil {
			return err
		}
		if !found {
			lost = "transaction marker missing"
			return nil
		}
		line1, line2, err := releaseHolder(head[0], head[1], db.Holder())
		if err != nil {
			return err
		}
		return db.file.Rewrite(ctx, func(l Line, w *bufio.Writer) error {
			switch {
			case l.No == 1:
				return writeLine(w, []byte(line1))
			case l.No == 2:
				return writeLine(w, []byte(line2))
			case l.No == 3:
				return writeLine(w, l.Text)
			case isBlank(l.Text), bytes.HasPrefix(l.Text, logPrefix):
				return nil
			}
			return writeLine(w, l.Text)
		})
	})
	if err != nil {
		return err
	}
	if lost != "" {
		return db.abandonTx(lost)
	}
	db.tx = nil
	db.locks.forgetAll()
	db.log.Info("transaction committed", "holder", db.Holder())
	return nil
}

// Rollback restores the file as it was at BEGIN and releases every lock.
func (db *DB) Rollback(ctx context.Context) error {
	if db.tx == nil {
		return ErrNoTx
	}
	if err := db.checkTx(); err != nil {
		return err
	}
	err := db.locks.mutex.With(ctx, func() error {
		found, err := db.rollbackHolder(ctx, db.Holder())
		if err == nil && !found {
			err = fmt.Errorf("transaction marker of %s missing", db.Holder())
		}
		return err
	})
	if err != nil {
		return err
	}
	db.tx = nil
	db.locks.forgetAll()
	db.log.Info("transaction rolled back", "holder", db.Holder())
	return nil
}

// txMarker is a parsed BEGIN marker.
type txMarker struct {
	lines int
	head  [3]string
}

func parseMarker(rest string) (txMarker, error) {
	parts := strings.Split(rest, ":")
	if len(parts) != 4 {
		return txMarker{}, fmt.Errorf("malformed transaction marker")
	}
	var m txMarker
	var err error
	if m.lines, err = strconv.Atoi(parts[0]); err != nil {
		return txMarker{}, fmt.Errorf("transaction marker line count: %w", err)
	}
	for i := range m.head {
		b, err := base64.StdEncoding.DecodeString(parts[i+1])
		if err != nil {
			return txMarker{}, fmt.Errorf("transaction marker snapshot: %w", err)
		}
		m.head[i] = string(b)
	}
	return m, nil
}

// rollbackHolder undoes the logged transaction of holder, if the file
// carries one. Lines past the BEGIN line count are dropped, logged lines
// get their original content back and lines 1-3 are restored from the
// snapshot with holder's locks cleared. The caller holds the mutex.
func (db *DB) rollbackHolder(ctx context.Context, holder string) (bool, error) {
	markerPrefix := txKey(holder) + ":B:"
	undoPrefix := txKey(holder) + ":L:"
	var marker *txMarker
	originals := make(map[int][]byte)
	err := db.file.Scan(ctx, func(l Line) error {
		if l.No <= 3 || len(l.Text) == 0 || l.Text[0] != txPrefix[0] {
			return nil
		}
		text := string(l.Text)
		switch {
		case strings.HasPrefix(text, markerPrefix):
			m, err := parseMarker(text[len(markerPrefix):])
			if err != nil {
				return fmt.Errorf("line %d: %w", l.No, err)
			}
			marker = &m
		case strings.HasPrefix(text, undoPrefix):
			rest := text[len(undoPrefix):]
			colon := strings.IndexByte(rest, ':')
			if colon < 0 {
				return fmt.Errorf("line %d: malformed undo entry", l.No)
			}
			n, err := strconv.Atoi(rest[:colon])
			if err != nil {
				return fmt.Errorf("line %d: undo line number: %w", l.No, err)
			}
			orig, err := base64.StdEncoding.DecodeString(rest[colon+1:])
			if err != nil {
				return fmt.Errorf("line %d: undo payload: %w", l.No, err)
			}
			if _, seen := originals[n]; !seen {
				originals[n] = orig
			}
		}
		return nil
	})
	if err != nil || marker == nil {
		return false, err
	}
	line1, line2, err := releaseHolder(marker.head[0], marker.head[1], holder)
	if err != nil {
		return true, err
	}
	head := [3]string{line1, line2, marker.head[2]}
	return true, db.file.Rewrite(ctx, func(l Line, w *bufio.Writer) error {
		switch {
		case l.No <= 3:
			return writeLine(w, []byte(head[l.No-1]))
		case l.No > marker.lines:
			return nil
		}
		if orig, ok := originals[l.No]; ok {
			return writeLine(w, orig)
		}
		return writeLine(w, l.Text)
	})
}
