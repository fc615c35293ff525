package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrLockTimeout reports a lock that could not be obtained even after
	// reclaiming a dead holder.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrLockUpgrade reports an attempt to go from shared to exclusive
	// without releasing first.
	ErrLockUpgrade = errors.New("lock upgrade requires release")
)

// globalUnit names the file-wide lock in the bookkeeping maps.
const globalUnit = ""

type heldLock struct {
	mode LockMode
	n    int
}

// LockManager implements shared/exclusive locks per table and for the whole
// file. Lock fields are written under the directory mutex and re-read to
// confirm ownership; every shared holder also leaves a reader marker so a
// unit stays shared until its last reader is gone. While it owns a lock the
// manager refreshes its liveness beacon. Waiters poll, and a blocker whose
// beacon is older than the dead-lock timeout is reclaimed once.
type LockManager struct {
	file    *File
	mutex   *Mutex
	holders holderDir
	holder  string
	poll    time.Duration
	timeout time.Duration
	log     *slog.Logger

	held map[string]*heldLock
	inTx bool
	beat *heartbeat

	// recover rolls back an abandoned transaction of holder. It runs while
	// the mutex is held.
	recover func(ctx context.Context, holder string) error
}

type heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

func newLockManager(file *File, holder string, opts Options) *LockManager {
	return &LockManager{
		file:    file,
		mutex:   newMutex(file.Path(), opts.PollInterval, opts.DeadlockTimeout, opts.Logger),
		holders: newHolderDir(file.Path()),
		holder:  holder,
		poll:    opts.PollInterval,
		timeout: opts.DeadlockTimeout,
		log:     opts.Logger,
		held:    make(map[string]*heldLock),
	}
}

// Holder returns the id written into lock fields.
func (lm *LockManager) Holder() string { return lm.holder }

// InTransaction reports whether every lock is currently owned by an open
// transaction.
func (lm *LockManager) InTransaction() bool { return lm.inTx }

// Mutex exposes the directory mutex.
func (lm *LockManager) Mutex() *Mutex { return lm.mutex }

func (lm *LockManager) readLocks() (LockRecord, *Directory, error) {
	head, err := lm.file.Head()
	if err != nil {
		return LockRecord{}, nil, err
	}
	global, err := parseHeader(head[0])
	if err != nil {
		return LockRecord{}, nil, err
	}
	dir, err := parseDirectory(head[1])
	if err != nil {
		return LockRecord{}, nil, err
	}
	return global, dir, nil
}

func (lm *LockManager) writeGlobal(rec LockRecord) error {
	return lm.file.WriteAt(globalLockOffset(), []byte(rec.format()))
}

func (lm *LockManager) writeTable(e TableEntry, rec LockRecord) error {
	return lm.file.WriteAt(int64(headerLength+1+e.lockOffset()), []byte(rec.format()))
}

// Status returns the current lock records: the global one and one per
// table key.
func (lm *LockManager) Status() (LockRecord, map[string]LockRecord, error) {
	global, dir, err := lm.readLocks()
	if err != nil {
		return LockRecord{}, nil, err
	}
	out := make(map[string]LockRecord, len(dir.Entries))
	for _, e := range dir.Live() {
		out[e.Key] = e.Lock
	}
	return global, out, nil
}

// LockTable acquires a table lock. Repeated acquisitions by the same
// manager nest; inside a transaction it returns immediately.
func (lm *LockManager) LockTable(ctx context.Context, key string, mode LockMode) error {
	return lm.lock(ctx, key, mode)
}

// UnlockTable releases one level of a table lock.
func (lm *LockManager) UnlockTable(key string) error {
	return lm.unlock(key)
}

// LockGlobal acquires the file-wide lock. Exclusive mode waits until no
// other holder owns any table.
func (lm *LockManager) LockGlobal(ctx context.Context, mode LockMode) error {
	return lm.lock(ctx, globalUnit, mode)
}

// UnlockGlobal releases one level of the file-wide lock.
func (lm *LockManager) UnlockGlobal() error {
	return lm.unlock(globalUnit)
}

func (lm *LockManager) lock(ctx context.Context, unit string, mode LockMode) error {
	if lm.inTx {
		return nil
	}
	if h := lm.held[unit]; h != nil {
		if h.mode == LockExclusive || h.mode == mode {
			h.n++
			return nil
		}
		return fmt.Errorf("%w: %s", ErrLockUpgrade, unitName(unit))
	}
	if err := lm.acquire(ctx, unit, mode); err != nil {
		if mode == LockShared {
			lm.holders.removeReader(lm.holder, unit)
		}
		lm.retireIfIdle()
		return err
	}
	lm.held[unit] = &heldLock{mode: mode, n: 1}
	return nil
}

func (lm *LockManager) unlock(unit string) error {
	if lm.inTx {
		return nil
	}
	h := lm.held[unit]
	if h == nil {
		return nil
	}
	h.n--
	if h.n > 0 {
		return nil
	}
	delete(lm.held, unit)
	defer lm.retireIfIdle()
	return lm.mutex.With(context.Background(), func() error {
		if h.mode == LockShared {
			if err := lm.holders.removeReader(lm.holder, unit); err != nil {
				return err
			}
		}
		global, dir, err := lm.readLocks()
		if err != nil {
			return err
		}
		rec := global
		var e TableEntry
		if unit != globalUnit {
			var ok bool
			if e, ok = dir.Find(unit); !ok {
				return nil
			}
			rec = e.Lock
		}
		if rec.Holder != lm.holder || rec.Free() {
			return nil
		}
		readers, err := lm.holders.readers(lm.holder)
		if err != nil {
			return err
		}
		next := handOver(rec, readers[unit])
		if unit == globalUnit {
			return lm.writeGlobal(next)
		}
		return lm.writeTable(e, next)
	})
}

// handOver returns what a field becomes when its holder lets go: a shared
// field passes to one of the remaining readers, anything else is freed.
func handOver(rec LockRecord, readers []string) LockRecord {
	if rec.Mode == LockShared && len(readers) > 0 {
		return LockRecord{Mode: LockShared, Holder: readers[0]}
	}
	return LockRecord{Mode: LockNone, Holder: NoHolder}
}

func unitName(unit string) string {
	if unit == globalUnit {
		return "database"
	}
	if name, err := TableName(unit); err == nil {
		return "table " + name
	}
	return "table " + unit
}

// blocker identifies what an acquisition is waiting on.
type blocker struct {
	unit string
	rec  LockRecord
}

func (lm *LockManager) acquire(ctx context.Context, unit string, mode LockMode) error {
	if err := lm.startBeat(); err != nil {
		return err
	}
	var waitingOn, reclaimed blocker
	var since time.Time
	for {
		got := false
		var blk blocker
		err := lm.mutex.With(ctx, func() error {
			global, dir, err := lm.readLocks()
			if err != nil {
				return err
			}
			readers, err := lm.holders.readers(lm.holder)
			if err != nil {
				return err
			}
			if unit == globalUnit {
				if got, blk = lm.decideGlobal(global, dir, readers, mode); got {
					return lm.take(unit, global, TableEntry{}, mode)
				}
				return nil
			}
			e, ok := dir.Find(unit)
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoTable, unitName(unit))
			}
			if got, blk = lm.decideTable(global, e, readers, mode); got {
				return lm.take(unit, e.Lock, e, mode)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if got {
			ok, err := lm.confirm(unit, mode)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		if blk != waitingOn {
			waitingOn = blk
			since = time.Now()
		}
		if lm.dead(blk.rec.Holder, since) {
			if blk == reclaimed {
				return fmt.Errorf("%w: %s held %s by %s", ErrLockTimeout, unitName(blk.unit), blk.rec.Mode, blk.rec.Holder)
			}
			if err := lm.reclaim(ctx, blk, since); err != nil {
				return err
			}
			reclaimed = blk
			waitingOn = blocker{}
			continue
		}
		if err := sleepCtx(ctx, lm.poll); err != nil {
			return fmt.Errorf("%w: waiting for %s: %w", ErrLockTimeout, unitName(unit), err)
		}
	}
}

// take writes the granted lock. A shared grant leaves a field already
// naming another reader alone and records this holder's marker. The caller
// holds the mutex.
func (lm *LockManager) take(unit string, cur LockRecord, e TableEntry, mode LockMode) error {
	rec := LockRecord{Mode: mode, Holder: lm.holder}
	if mode == LockShared {
		if err := lm.holders.addReader(lm.holder, unit); err != nil {
			return err
		}
		if lm.foreign(cur) {
			return nil
		}
	}
	if unit == globalUnit {
		return lm.writeGlobal(rec)
	}
	return lm.writeTable(e, rec)
}

// confirm re-reads the field after writing: last writer wins, the check
// tells whether that was us.
func (lm *LockManager) confirm(unit string, mode LockMode) (bool, error) {
	global, dir, err := lm.readLocks()
	if err != nil {
		return false, err
	}
	rec := global
	if unit != globalUnit {
		e, ok := dir.Find(unit)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrNoTable, unitName(unit))
		}
		rec = e.Lock
	}
	if mode == LockShared {
		return rec.Mode == LockShared || (rec.Mode == LockExclusive && rec.Holder == lm.holder), nil
	}
	return rec.Mode == mode && rec.Holder == lm.holder, nil
}

func (lm *LockManager) foreign(rec LockRecord) bool {
	return !rec.Free() && rec.Holder != lm.holder
}

func sharedBy(holder string) LockRecord {
	return LockRecord{Mode: LockShared, Holder: holder}
}

// decideGlobal grants the file-wide lock. Shared only conflicts with a
// foreign exclusive field; exclusive needs every field and reader marker
// to be this holder's.
func (lm *LockManager) decideGlobal(global LockRecord, dir *Directory, readers map[string][]string, mode LockMode) (bool, blocker) {
	if lm.foreign(global) && !(global.Mode == LockShared && mode == LockShared) {
		return false, blocker{unit: globalUnit, rec: global}
	}
	if mode == LockShared {
		return true, blocker{}
	}
	if r := readers[globalUnit]; len(r) > 0 {
		return false, blocker{unit: globalUnit, rec: sharedBy(r[0])}
	}
	for _, e := range dir.Live() {
		if lm.foreign(e.Lock) {
			return false, blocker{unit: e.Key, rec: e.Lock}
		}
		if r := readers[e.Key]; len(r) > 0 {
			return false, blocker{unit: e.Key, rec: sharedBy(r[0])}
		}
	}
	return true, blocker{}
}

func (lm *LockManager) decideTable(global LockRecord, e TableEntry, readers map[string][]string, mode LockMode) (bool, blocker) {
	if lm.foreign(global) && global.Mode == LockExclusive {
		return false, blocker{unit: globalUnit, rec: global}
	}
	if mode == LockShared {
		if lm.foreign(e.Lock) && e.Lock.Mode == LockExclusive {
			return false, blocker{unit: e.Key, rec: e.Lock}
		}
		return true, blocker{}
	}
	if lm.foreign(e.Lock) {
		return false, blocker{unit: e.Key, rec: e.Lock}
	}
	if r := readers[e.Key]; len(r) > 0 {
		return false, blocker{unit: e.Key, rec: sharedBy(r[0])}
	}
	return true, blocker{}
}

// dead reports whether holder stopped refreshing its beacon for longer than
// the dead-lock timeout. A holder without a beacon counts as dead once the
// waiter has seen it unchanged for that long.
func (lm *LockManager) dead(holder string, since time.Time) bool {
	if holder == lm.holder || holder == NoHolder {
		return false
	}
	if age, ok := lm.holders.age(holder); ok {
		return age > lm.timeout
	}
	return time.Since(since) > lm.timeout
}

// reclaim takes every lock away from a dead holder. A dead holder owning
// the global exclusive lock may have left a transaction, which is rolled
// back first.
func (lm *LockManager) reclaim(ctx context.Context, blk blocker, since time.Time) error {
	holder := blk.rec.Holder
	return lm.mutex.With(ctx, func() error {
		if !lm.dead(holder, since) {
			return nil
		}
		lm.log.Warn("reclaiming dead lock", "unit", unitName(blk.unit), "mode", blk.rec.Mode.String(), "holder", holder, "timeout", lm.timeout)
		global, _, err := lm.readLocks()
		if err != nil {
			return err
		}
		if global.Holder == holder && global.Mode == LockExclusive && lm.recover != nil {
			if err := lm.recover(ctx, holder); err != nil {
				return fmt.Errorf("recover abandoned transaction of %s: %w", holder, err)
			}
		}
		if err := lm.holders.purge(holder); err != nil {
			return err
		}
		return lm.release(holder)
	})
}

// release rewrites every field owned by holder, handing shared fields to
// a remaining reader. The caller holds the mutex.
func (lm *LockManager) release(holder string) error {
	global, dir, err := lm.readLocks()
	if err != nil {
		return err
	}
	readers, err := lm.holders.readers(holder)
	if err != nil {
		return err
	}
	for _, e := range dir.Live() {
		if e.Lock.Holder == holder && !e.Lock.Free() {
			if err := lm.writeTable(e, handOver(e.Lock, readers[e.Key])); err != nil {
				return err
			}
		}
	}
	if global.Holder == holder && !global.Free() {
		return lm.writeGlobal(handOver(global, readers[globalUnit]))
	}
	return nil
}

// lockAll takes the global and every table lock exclusively for a
// transaction. The caller writes nothing else until it returns.
func (lm *LockManager) lockAll(ctx context.Context) error {
	if err := lm.LockGlobal(ctx, LockExclusive); err != nil {
		return err
	}
	err := lm.mutex.With(ctx, func() error {
		_, dir, err := lm.readLocks()
		if err != nil {
			return err
		}
		for _, e := range dir.Live() {
			if err := lm.writeTable(e, LockRecord{Mode: LockExclusive, Holder: lm.holder}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		lm.UnlockGlobal()
		return err
	}
	lm.inTx = true
	return nil
}

// forgetAll drops the in-memory bookkeeping after a transaction ended and
// its lock fields were cleared.
func (lm *LockManager) forgetAll() {
	lm.inTx = false
	lm.held = make(map[string]*heldLock)
	lm.retireIfIdle()
}

// releaseAll clears every field and marker owned by this manager.
func (lm *LockManager) releaseAll(ctx context.Context) error {
	defer lm.forgetAll()
	return lm.mutex.With(ctx, func() error {
		if err := lm.holders.purge(lm.holder); err != nil {
			return err
		}
		return lm.release(lm.holder)
	})
}

// startBeat refreshes the liveness beacon and keeps refreshing it in the
// background until the manager holds nothing.
func (lm *LockManager) startBeat() error {
	if err := lm.holders.touch(lm.holder); err != nil {
		return err
	}
	if lm.beat != nil {
		return nil
	}
	hb := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	lm.beat = hb
	interval := max(lm.timeout/4, lm.poll)
	go func() {
		defer close(hb.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-hb.stop:
				return
			case <-t.C:
				if err := lm.holders.touch(lm.holder); err != nil {
					lm.log.Warn("liveness refresh failed", "holder", lm.holder, "err", err)
				}
			}
		}
	}()
	return nil
}

// halt stops the heartbeat and leaves the beacon to age.
func (lm *LockManager) halt() {
	if lm.beat == nil {
		return
	}
	close(lm.beat.stop)
	<-lm.beat.done
	lm.beat = nil
}

// retireIfIdle stops the heartbeat and removes this holder's files once
// nothing is held.
func (lm *LockManager) retireIfIdle() {
	if len(lm.held) > 0 || lm.inTx {
		return
	}
	lm.halt()
	if err := lm.holders.purge(lm.holder); err != nil {
		lm.log.Warn("remove holder files", "holder", lm.holder, "err", err)
	}
}

// releaseHolder rewrites the lock fields of holder to none in the given
// structural lines and returns the new lines. Used when the file is rebuilt.
func releaseHolder(line1, line2, holder string) (string, string, error) {
	global, err := parseHeader(line1)
	if err != nil {
		return "", "", err
	}
	if global.Holder == holder {
		global = LockRecord{Mode: LockNone, Holder: NoHolder}
	}
	dir, err := parseDirectory(line2)
	if err != nil {
		return "", "", err
	}
	for i := range dir.Entries {
		if dir.Entries[i].Lock.Holder == holder {
			dir.Entries[i].Lock = LockRecord{Mode: LockNone, Holder: NoHolder}
		}
	}
	line2, err = dir.format()
	if err != nil {
		return "", "", err
	}
	return formatHeader(global), line2, nil
}
