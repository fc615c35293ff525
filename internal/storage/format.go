// Package storage implements the single-file database format of flatSQL.
//
// What: one line-oriented file holds everything. Line 1 is the header with
// the format magic and the global lock field, line 2 the lock/sequence
// directory (one fixed-width entry per table), line 3 the schema directory
// and every following line a row, a blanked row or a transaction log entry.
// How: rows are never rewritten in place. Updates blank the old line with
// spaces and append the new content, deletes only blank. Fixed-width fields
// in lines 1 and 2 are overwritten in place; anything that changes the
// length of a structural line rewrites the file through a temporary copy
// and an atomic rename. Cross-process coordination uses lock fields plus a
// directory-creation mutex (see lock.go and mutex.go).
// Why: the format stays append-friendly and human-inspectable, readers can
// stream it without page management, and the only platform primitives
// needed are append, positional write, mkdir and rename.
package storage

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// EngineName and FormatVersion make up the header magic.
	EngineName    = "FlatSQL"
	FormatVersion = "1.00"
	// guardCode keeps the file inert when served or included as markup.
	guardCode = "<!--#-->"

	// Magic is the fixed prefix of line 1.
	Magic = EngineName + FormatVersion + " format" + guardCode

	lockTag = "#LOCK="

	// NoHolder marks a lock field nobody owns.
	NoHolder = "00000000"

	holderWidth  = 8
	lockWidth    = 1 + 1 + holderWidth // mode '@' holder
	numberWidth  = 10
	headerLength = len(Magic) + len(lockTag) + lockWidth

	txPrefix = "!"
)

// LockMode is the state of a lock field.
type LockMode byte

const (
	LockNone      LockMode = '0'
	LockShared    LockMode = '1'
	LockExclusive LockMode = '2'
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	}
	return "invalid"
}

// LockRecord is the (mode, holder) pair stored in every lock field.
type LockRecord struct {
	Mode   LockMode
	Holder string
}

// Free reports whether the record is unlocked.
func (r LockRecord) Free() bool { return r.Mode == LockNone }

func (r LockRecord) format() string {
	h := r.Holder
	if h == "" {
		h = NoHolder
	}
	return string(r.Mode) + "@" + h
}

func parseLockRecord(s string) (LockRecord, error) {
	if len(s) != lockWidth || s[1] != '@' {
		return LockRecord{}, fmt.Errorf("malformed lock field %q", s)
	}
	m := LockMode(s[0])
	switch m {
	case LockNone, LockShared, LockExclusive:
	default:
		return LockRecord{}, fmt.Errorf("unknown lock mode %q", s[0])
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return LockRecord{}, fmt.Errorf("malformed lock holder %q", s[2:])
	}
	return LockRecord{Mode: m, Holder: s[2:]}, nil
}

// NewHolderID returns a fresh 8-hex-digit process instance identifier.
func NewHolderID() string {
	u := uuid.New()
	id := hex.EncodeToString(u[:4])
	if id == NoHolder {
		return "00000001"
	}
	return id
}

// TableKey returns the reversible line prefix for a table name. Names are
// case-insensitive, so the key encodes the lower-cased name.
func TableKey(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(name)))
}

// TableName decodes a key produced by TableKey.
func TableName(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("invalid table key %q: %w", key, err)
	}
	return string(b), nil
}

func formatHeader(global LockRecord) string {
	return Magic + lockTag + global.format()
}

func parseHeader(line string) (LockRecord, error) {
	if !strings.HasPrefix(line, Magic) {
		return LockRecord{}, fmt.Errorf("not a %s %s database file", EngineName, FormatVersion)
	}
	rest := line[len(Magic):]
	if !strings.HasPrefix(rest, lockTag) {
		return LockRecord{}, fmt.Errorf("header lock field missing")
	}
	return parseLockRecord(rest[len(lockTag):])
}

// globalLockOffset is the byte offset of the global lock field in line 1.
func globalLockOffset() int64 { return int64(len(Magic) + len(lockTag)) }

// ErrNumberWidth reports a counter that does not fit its fixed-width field.
var ErrNumberWidth = errors.New("number exceeds field width")

func formatNumber(n int64) (string, error) {
	s := strconv.FormatInt(n, 10)
	if n < 0 || len(s) > numberWidth {
		return "", fmt.Errorf("%w: %d", ErrNumberWidth, n)
	}
	return strings.Repeat("0", numberWidth-len(s)) + s, nil
}

func txKey(holder string) string { return txPrefix + holder }

// isBlank reports whether a line holds only spaces, tabs or carriage returns.
func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}
