package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/sdoh-analyst/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeStore struct {
	mu    sync.Mutex
	runs  [][2]int
	kv    map[string]string
	fail  error
	calls int
}

func (f *fakeStore) RunRetention(_ context.Context, turnDays, auditDays int) (persistence.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return persistence.RetentionResult{}, f.fail
	}
	f.runs = append(f.runs, [2]int{turnDays, auditDays})
	return persistence.RetentionResult{PurgedTurns: 3, PurgedAuditLogs: 7}, nil
}

func (f *fakeStore) KVGet(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv[key], nil
}

func (f *fakeStore) KVSet(_ context.Context, key, val string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv == nil {
		f.kv = map[string]string{}
	}
	f.kv[key] = val
	return nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewScheduler_Validation(t *testing.T) {
	if _, err := NewScheduler(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewScheduler(Config{Store: &fakeStore{}, Spec: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewScheduler(Config{Store: &fakeStore{}, Spec: "@daily"}); err != nil {
		t.Fatalf("descriptor spec: %v", err)
	}
}

func TestScheduler_CatchesUpMissedRun(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{kv: map[string]string{
		lastRunKey: now.Add(-48 * time.Hour).Format(time.RFC3339),
	}}
	s, err := NewScheduler(Config{
		Store:     store,
		Spec:      "0 3 * * *",
		TurnDays:  90,
		AuditDays: 30,
		Interval:  10 * time.Millisecond,
		now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.callCount() >= 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.runs[0] != [2]int{90, 30} {
		t.Fatalf("retention args = %v", store.runs[0])
	}
	if store.kv[lastRunKey] != now.Format(time.RFC3339) {
		t.Fatalf("last run = %q", store.kv[lastRunKey])
	}
}

func TestScheduler_NotDueDoesNothing(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	s, err := NewScheduler(Config{
		Store:    store,
		Spec:     "0 3 * * *",
		Interval: 10 * time.Millisecond,
		now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if store.callCount() != 0 {
		t.Fatalf("retention ran %d times before it was due", store.callCount())
	}
	want := time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC)
	if !s.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRun(), want)
	}
}

func TestScheduler_FailureStillAdvances(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{fail: errors.New("database is locked")}
	s, err := NewScheduler(Config{Store: store, Spec: "0 3 * * *", now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.nextRun = now.Add(-time.Minute)
	s.tick(context.Background())
	s.tick(context.Background())

	if store.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", store.callCount())
	}
	if _, ok := store.kv[lastRunKey]; ok {
		t.Fatal("failed run must not be recorded")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error")
	}
}
