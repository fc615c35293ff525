package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ==================== Auto-vacuum Scheduler ====================
// Runs compaction on a CRON schedule

// VacuumFunc performs one compaction. Engines pass a function that
// serialises with their own statement execution.
type VacuumFunc func(ctx context.Context) (VacuumStats, error)

// Scheduler triggers VacuumFunc on a CRON expression. Overlapping runs are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	run     VacuumFunc
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	busy    bool
	cancel  context.CancelFunc
	runs    int
	last    VacuumStats
	lastErr error
	next    time.Time
	entry   cron.EntryID
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates spec and prepares a scheduler. Start begins
// firing. A zero timeout lets a run take as long as it needs.
func NewScheduler(spec string, run VacuumFunc, timeout time.Duration, log *slog.Logger) (*Scheduler, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid CRON expression %q: %w", spec, err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser)),
		run:     run,
		log:     log,
		timeout: timeout,
	}
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(s.fire))
	s.next = schedule.Next(time.Now().UTC())
	return s, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("auto-vacuum scheduler started", "next", s.Next())
}

// Stop halts the scheduler, cancels a running compaction and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.log.Info("auto-vacuum scheduler stopped", "runs", s.Runs())
}

func (s *Scheduler) fire() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.log.Warn("auto-vacuum failed", "err", err)
	}
}

// RunNow performs a compaction immediately unless one is in progress, in
// which case it returns (false, nil).
func (s *Scheduler) RunNow(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.log.Debug("auto-vacuum skipped, previous run still active")
		return false, nil
	}
	s.busy = true
	if s.timeout > 0 {
		ctx, s.cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, s.cancel = context.WithCancel(ctx)
	}
	cancel := s.cancel
	s.mu.Unlock()

	st, err := s.run(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.cancel = nil
	s.runs++
	s.last, s.lastErr = st, err
	if e := s.cron.Entry(s.entry); e.Valid() && !e.Next.IsZero() {
		s.next = e.Next
	}
	return true, err
}

// Runs returns the number of completed runs.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Last returns the outcome of the latest run.
func (s *Scheduler) Last() (VacuumStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// Next returns the next planned run time.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.cron.Entry(s.entry); e.Valid() && !e.Next.IsZero() {
		return e.Next
	}
	return s.next
}
