package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Mutex is a cross-process mutex built on atomic directory creation. It
// guards short read-modify-write sections on lock and header fields. A
// directory older than the dead-lock timeout is treated as abandoned and
// removed.
type Mutex struct {
	dir     string
	poll    time.Duration
	timeout time.Duration
	log     *slog.Logger
}

func newMutex(dbPath string, poll, timeout time.Duration, log *slog.Logger) *Mutex {
	return &Mutex{dir: dbPath + ".lockdir", poll: poll, timeout: timeout, log: log}
}

// Dir returns the mutex directory path.
func (m *Mutex) Dir() string { return m.dir }

// Lock spins until the directory could be created.
func (m *Mutex) Lock(ctx context.Context) error {
	for {
		err := os.Mkdir(m.dir, 0o755)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock directory: %w", err)
		}
		if st, serr := os.Stat(m.dir); serr == nil && time.Since(st.ModTime()) > m.timeout {
			m.log.Warn("removing stale lock directory", "dir", m.dir, "age", time.Since(st.ModTime()).Round(time.Millisecond))
			if rerr := os.Remove(m.dir); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				return fmt.Errorf("remove stale lock directory: %w", rerr)
			}
			continue
		}
		if err := sleepCtx(ctx, m.poll); err != nil {
			return fmt.Errorf("%w: waiting for %s: %w", ErrLockTimeout, m.dir, err)
		}
	}
}

// Unlock removes the directory.
func (m *Mutex) Unlock() error {
	if err := os.Remove(m.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock directory: %w", err)
	}
	return nil
}

// With runs fn while holding the mutex.
func (m *Mutex) With(ctx context.Context, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	ferr := fn()
	if err := m.Unlock(); err != nil && ferr == nil {
		return err
	}
	return ferr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
