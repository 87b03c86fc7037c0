package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":            {nil, false},
		"unrelated":      {errors.New("no such table: turns"), false},
		"typed busy":     {sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		"typed locked":   {sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		"typed other":    {sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		"wrapped typed":  {fmt.Errorf("record turn: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		"flattened text": {fmt.Errorf("purge turns: %v", "database is locked"), true},
	}
	for name, tc := range cases {
		if got := isBusy(tc.err); got != tc.want {
			t.Errorf("%s: isBusy = %v, want %v", name, got, tc.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	cases := []struct {
		name      string
		attempts  int
		failFirst int // calls that return err before succeeding
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "busy then ok", attempts: 3, failFirst: 2, err: busy, wantCalls: 3},
		{name: "busy exhausts", attempts: 2, failFirst: 10, err: busy, wantCalls: 2, wantErr: true},
		{name: "non-busy stops", attempts: 5, failFirst: 10, err: errors.New("disk I/O error"), wantCalls: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.attempts, func() error {
				calls++
				if calls <= tc.failFirst {
					return tc.err
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
