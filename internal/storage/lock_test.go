package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func openSecond(t *testing.T, db *DB, timeout time.Duration) *DB {
	t.Helper()
	opts := testOptions()
	opts.DeadlockTimeout = timeout
	other, err := Open(db.Path(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if other.Holder() == db.Holder() {
		t.Fatal("holder ids collide")
	}
	t.Cleanup(func() { other.Close(context.Background()) })
	return other
}

func TestExclusiveTableLockBlocksOtherHolder(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, time.Minute)
	key := TableKey("users")
	ctx := context.Background()

	if err := a.Locks().LockTable(ctx, key, LockExclusive); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Locks().LockTable(wctx, key, LockShared)
	if !errors.Is(err, ErrLockTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder got %v", err)
	}

	if err := a.Locks().UnlockTable(key); err != nil {
		t.Fatal(err)
	}
	if err := b.Locks().LockTable(ctx, key, LockExclusive); err != nil {
		t.Fatalf("after release: %v", err)
	}
	_, tables, _ := a.Locks().Status()
	if r := tables[key]; r.Mode != LockExclusive || r.Holder != b.Holder() {
		t.Fatalf("lock field = %+v", r)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, time.Minute)
	c := openSecond(t, a, time.Minute)
	key := TableKey("users")
	ctx := context.Background()

	if err := a.Locks().LockTable(ctx, key, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := b.Locks().LockTable(ctx, key, LockShared); err != nil {
		t.Fatal(err)
	}
	tryExclusive := func() error {
		wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		return c.Locks().LockTable(wctx, key, LockExclusive)
	}

	// b never owned the field; its release must not free the table while
	// a still reads.
	b.Locks().UnlockTable(key)
	_, tables, _ := a.Locks().Status()
	if r := tables[key]; r.Mode != LockShared || r.Holder != a.Holder() {
		t.Fatalf("lock field = %+v", r)
	}
	if err := tryExclusive(); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("exclusive while a reads: %v", err)
	}

	// The field owner leaving first hands the field to the remaining reader.
	if err := b.Locks().LockTable(ctx, key, LockShared); err != nil {
		t.Fatal(err)
	}
	a.Locks().UnlockTable(key)
	_, tables, _ = a.Locks().Status()
	if r := tables[key]; r.Mode != LockShared || r.Holder != b.Holder() {
		t.Fatalf("lock field after owner left = %+v", r)
	}
	if err := tryExclusive(); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("exclusive while b reads: %v", err)
	}

	b.Locks().UnlockTable(key)
	_, tables, _ = a.Locks().Status()
	if !tables[key].Free() {
		t.Fatalf("lock field = %+v", tables[key])
	}
	if err := tryExclusive(); err != nil {
		t.Fatalf("exclusive after every reader left: %v", err)
	}
	c.Locks().UnlockTable(key)
}

func TestReaderMarkersBlockGlobalExclusive(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, time.Minute)
	c := openSecond(t, a, time.Minute)
	ctx := context.Background()

	for _, db := range []*DB{a, b} {
		if err := db.Locks().LockGlobal(ctx, LockShared); err != nil {
			t.Fatal(err)
		}
	}
	a.Locks().UnlockGlobal()
	wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := c.Locks().LockGlobal(wctx, LockExclusive); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("global exclusive while b reads: %v", err)
	}
	b.Locks().UnlockGlobal()
	if err := c.Locks().LockGlobal(ctx, LockExclusive); err != nil {
		t.Fatal(err)
	}
	c.Locks().UnlockGlobal()
	if ents, _ := os.ReadDir(a.Path() + ".holders"); len(ents) != 0 {
		t.Errorf("holder files left behind: %d", len(ents))
	}
}

func TestGlobalExclusiveWaitsForTableLocks(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, time.Minute)
	ctx := context.Background()

	if err := a.Locks().LockTable(ctx, TableKey("users"), LockShared); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := b.Locks().LockGlobal(wctx, LockExclusive); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("global exclusive over a table lock: %v", err)
	}
	if err := b.Locks().LockGlobal(ctx, LockShared); err != nil {
		t.Fatalf("global shared: %v", err)
	}
	b.Locks().UnlockGlobal()
	a.Locks().UnlockTable(TableKey("users"))
	if err := b.Locks().LockGlobal(ctx, LockExclusive); err != nil {
		t.Fatal(err)
	}
	wctx2, cancel2 := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel2()
	if err := a.Locks().LockTable(wctx2, TableKey("users"), LockShared); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("table lock under foreign global exclusive: %v", err)
	}
}

func TestLockNestingAndUpgrade(t *testing.T) {
	db := newTestDB(t)
	createUsers(t, db)
	lm := db.Locks()
	key := TableKey("users")
	ctx := context.Background()

	if err := lm.LockTable(ctx, key, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := lm.LockTable(ctx, key, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := lm.LockTable(ctx, key, LockExclusive); !errors.Is(err, ErrLockUpgrade) {
		t.Fatalf("upgrade: %v", err)
	}
	lm.UnlockTable(key)
	if _, tables, _ := lm.Status(); tables[key].Free() {
		t.Fatal("released after first of two unlocks")
	}
	lm.UnlockTable(key)
	if _, tables, _ := lm.Status(); !tables[key].Free() {
		t.Fatal("still held after final unlock")
	}
	if err := lm.LockTable(ctx, TableKey("nope"), LockShared); !errors.Is(err, ErrNoTable) {
		t.Fatalf("unknown table: %v", err)
	}
}

func TestDeadLockIsReclaimed(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, 40*time.Millisecond)
	key := TableKey("users")
	ctx := context.Background()

	start := time.Now()
	if err := a.Locks().LockTable(ctx, key, LockExclusive); err != nil {
		t.Fatal(err)
	}
	// a stops refreshing its beacon as if its process died.
	a.Locks().halt()
	if err := b.Locks().LockTable(ctx, key, LockExclusive); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("lock was taken before the dead-lock timeout")
	}
	if _, ok := b.Locks().holders.age(a.Holder()); ok {
		t.Error("beacon of the dead holder survived")
	}
}

func TestLiveHolderIsNotReclaimed(t *testing.T) {
	a := newTestDB(t)
	createUsers(t, a)
	b := openSecond(t, a, 200*time.Millisecond)
	key := TableKey("users")
	ctx := context.Background()

	if err := a.Locks().LockTable(ctx, key, LockExclusive); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
	defer cancel()
	if err := b.Locks().LockTable(wctx, key, LockShared); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting on a live holder: %v", err)
	}
	_, tables, _ := a.Locks().Status()
	if r := tables[key]; r.Mode != LockExclusive || r.Holder != a.Holder() {
		t.Fatalf("live lock was taken away: %+v", r)
	}
}

func TestStaleMutexDirectoryIsRemoved(t *testing.T) {
	db := newTestDB(t)
	createUsers(t, db)
	dir := db.Path() + ".lockdir"
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(dir, old, old)
	if err := db.Locks().LockTable(context.Background(), TableKey("users"), LockShared); err != nil {
		t.Fatalf("lock with stale mutex: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("mutex directory left behind: %v", err)
	}
}

func TestTransactionShortCircuitsLocks(t *testing.T) {
	db := newTestDB(t)
	createUsers(t, db)
	ctx := context.Background()
	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	global, tables, _ := db.Locks().Status()
	if global.Mode != LockExclusive || tables[TableKey("users")].Mode != LockExclusive {
		t.Fatalf("begin did not lock everything: %+v %+v", global, tables)
	}
	if err := db.Locks().LockTable(ctx, TableKey("users"), LockShared); err != nil {
		t.Fatal(err)
	}
	db.Locks().UnlockTable(TableKey("users"))
	if _, tables, _ := db.Locks().Status(); tables[TableKey("users")].Mode != LockExclusive {
		t.Fatal("unlock inside a transaction released the table")
	}
	db.Commit(ctx)
}
