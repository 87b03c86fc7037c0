package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/sdoh-analyst/internal/config"
)

func TestWatcher_DetectsDictionaryChange(t *testing.T) {
	homeDir := t.TempDir()

	dictPath := filepath.Join(homeDir, "dictionary.csv")
	if err := os.WriteFile(dictPath, []byte("table,column,description\n"), 0o644); err != nil {
		t.Fatalf("write initial dictionary: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	body := []byte("table,column,description\nacs,median_income,Median household income\n")
	if err := os.WriteFile(dictPath, body, 0o644); err != nil {
		t.Fatalf("write updated dictionary: %v", err)
	}

	select {
	case ev := <-w.Events():
		if !ev.IsDictionary(dictPath) {
			t.Fatalf("expected dictionary event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for dictionary change event")
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}

func TestWatcher_CoalescesBurstAndIgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("allow_domains: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(policyPath, []byte("allow_domains: [overpass-api.de]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "policy.yaml" {
			t.Fatalf("unexpected event for %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for policy change event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(600 * time.Millisecond):
	}
}
