package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// holderDir is the side directory next to a database file that records
// which holders are alive and which of them read a lock unit. A lock field
// names one holder only; shared units can have many, so every reader
// leaves a marker file <holder>.<unit>. The file <holder> itself is the
// liveness beacon, refreshed while the holder owns any lock.
type holderDir struct {
	path string
}

func newHolderDir(dbPath string) holderDir {
	return holderDir{path: dbPath + ".holders"}
}

func unitTag(unit string) string {
	if unit == globalUnit {
		return "db"
	}
	return "t." + unit
}

func tagUnit(tag string) (string, bool) {
	switch {
	case tag == "db":
		return globalUnit, true
	case strings.HasPrefix(tag, "t.") && len(tag) > 2:
		return tag[2:], true
	}
	return "", false
}

func (h holderDir) beacon(holder string) string {
	return filepath.Join(h.path, holder)
}

func (h holderDir) marker(holder, unit string) string {
	return filepath.Join(h.path, holder+"."+unitTag(unit))
}

// touch creates or refreshes the liveness beacon of holder.
func (h holderDir) touch(holder string) error {
	p := h.beacon(holder)
	now := time.Now()
	if err := os.Chtimes(p, now, now); err == nil {
		return nil
	}
	if err := os.MkdirAll(h.path, 0o755); err != nil {
		return fmt.Errorf("create holder directory: %w", err)
	}
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		return fmt.Errorf("write liveness beacon: %w", err)
	}
	return nil
}

// age reports how long ago holder last refreshed its beacon.
func (h holderDir) age(holder string) (time.Duration, bool) {
	st, err := os.Stat(h.beacon(holder))
	if err != nil {
		return 0, false
	}
	return time.Since(st.ModTime()), true
}

func (h holderDir) addReader(holder, unit string) error {
	if err := os.MkdirAll(h.path, 0o755); err != nil {
		return fmt.Errorf("create holder directory: %w", err)
	}
	if err := os.WriteFile(h.marker(holder, unit), nil, 0o644); err != nil {
		return fmt.Errorf("write reader marker: %w", err)
	}
	return nil
}

func (h holderDir) removeReader(holder, unit string) error {
	if err := os.Remove(h.marker(holder, unit)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove reader marker: %w", err)
	}
	return nil
}

// readers lists the reader markers per unit, skipping those of exclude.
// Holders come back in name order.
func (h holderDir) readers(exclude string) (map[string][]string, error) {
	ents, err := os.ReadDir(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read holder directory: %w", err)
	}
	out := make(map[string][]string)
	for _, ent := range ents {
		holder, tag, ok := strings.Cut(ent.Name(), ".")
		if !ok || holder == exclude {
			continue
		}
		if unit, ok := tagUnit(tag); ok {
			out[unit] = append(out[unit], holder)
		}
	}
	for _, hs := range out {
		sort.Strings(hs)
	}
	return out, nil
}

// purge removes the beacon and every marker of holder.
func (h holderDir) purge(holder string) error {
	ents, err := os.ReadDir(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read holder directory: %w", err)
	}
	for _, ent := range ents {
		name := ent.Name()
		if name != holder && !strings.HasPrefix(name, holder+".") {
			continue
		}
		if err := os.Remove(filepath.Join(h.path, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}
