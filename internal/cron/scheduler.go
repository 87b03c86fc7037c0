// Package cron runs ledger retention on a cron schedule: old turn records
// and audit rows are purged from the analyst store.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/sdoh-analyst/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// lastRunKey records the last completed retention run in kv_store.
const lastRunKey = "retention.last_run"

// DefaultSpec runs retention daily at 03:00 local time.
const DefaultSpec = "0 3 * * *"

// Store is what the scheduler needs from persistence.
type Store interface {
	RunRetention(ctx context.Context, turnDays, auditLogDays int) (persistence.RetentionResult, error)
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store     Store
	Logger    *slog.Logger
	Spec      string        // cron expression; DefaultSpec when empty
	TurnDays  int           // 0 keeps turn records forever
	AuditDays int           // 0 keeps audit rows forever
	Interval  time.Duration // tick interval; defaults to 1 minute if zero

	now func() time.Time
}

// Scheduler periodically checks whether retention is due and runs it.
type Scheduler struct {
	store     Store
	logger    *slog.Logger
	interval  time.Duration
	schedule  cronlib.Schedule
	turnDays  int
	auditDays int
	now       func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger.With("component", "retention"),
		interval:  interval,
		schedule:  sched,
		turnDays:  cfg.TurnDays,
		auditDays: cfg.AuditDays,
		now:       now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun = s.firstRun(ctx)
	next := s.nextRun
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "interval", s.interval, "next_run_at", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun reports when retention will next fire.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// firstRun picks up from the last recorded run so a restart after a missed
// window catches up immediately.
func (s *Scheduler) firstRun(ctx context.Context) time.Time {
	now := s.now()
	raw, err := s.store.KVGet(ctx, lastRunKey)
	if err != nil || raw == "" {
		return s.schedule.Next(now)
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("ignoring unreadable last retention run", "value", raw)
		return s.schedule.Next(now)
	}
	return s.schedule.Next(last)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires retention when the next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	s.mu.Unlock()
	if !due {
		return
	}
	s.fire(ctx, now)
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	res, err := s.store.RunRetention(ctx, s.turnDays, s.auditDays)

	s.mu.Lock()
	s.nextRun = s.schedule.Next(now)
	next := s.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention run failed", "error", err, "next_run_at", next)
		return
	}
	if err := s.store.KVSet(ctx, lastRunKey, now.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn("record retention run failed", "error", err)
	}
	s.logger.Info("retention run complete",
		"purged_turns", res.PurgedTurns,
		"purged_audit_logs", res.PurgedAuditLogs,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
