package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler("not a cron line", nil, 0, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSchedulerRunNow(t *testing.T) {
	db := newTestDB(t)
	createUsers(t, db)
	ctx := context.Background()
	db.Insert(ctx, "users", []*Record{user(1, "a"), user(2, "b")})
	db.Delete(ctx, "users", scanAll(t, db, "users")[:1])

	s, err := NewScheduler("@every 1h", db.Vacuum, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	ran, err := s.RunNow(ctx)
	if !ran || err != nil {
		t.Fatalf("RunNow = %v, %v", ran, err)
	}
	st, err := s.Last()
	if err != nil || st.LinesAfter != 4 {
		t.Fatalf("last = %+v, %v", st, err)
	}
	if s.Runs() != 1 {
		t.Errorf("runs = %d", s.Runs())
	}
	if s.Next().Before(time.Now()) {
		t.Errorf("next run %v is in the past", s.Next())
	}
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	done := make(chan struct{}, 8)
	run := func(ctx context.Context) (VacuumStats, error) {
		done <- struct{}{}
		return VacuumStats{}, errors.New("boom")
	}
	s, err := NewScheduler("@every 1s", run, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := s.Last(); err == nil {
		t.Error("run error not recorded")
	}
}
