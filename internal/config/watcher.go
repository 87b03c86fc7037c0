package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a file must stay quiet before its change is
// reported. Editors and CSV exporters often write a file in several steps.
const settleDelay = 250 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml, policy.yaml and the data
// dictionary. It watches the parent directories so files replaced by rename
// keep being tracked. Events are dropped when the consumer falls behind.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches the standard files under homeDir plus extra paths.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := []string{
		filepath.Join(homeDir, "config.yaml"),
		filepath.Join(homeDir, "policy.yaml"),
		filepath.Join(homeDir, "dictionary.csv"),
	}
	return &Watcher{
		files:  append(files, extra...),
		logger: logger.With("component", "config-watcher"),
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. The events channel is closed when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(w.files))
	dirs := make(map[string]bool)
	for _, f := range w.files {
		f = filepath.Clean(f)
		wanted[f] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("directory not watched", "dir", dir, "error", err)
		}
	}
	go w.run(ctx, fsw, wanted)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, wanted map[string]bool) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]fsnotify.Op)
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if !wanted[name] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[name] |= ev.Op
			settle.Reset(settleDelay)
		case <-settle.C:
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				default:
					w.logger.Warn("reload event dropped", "path", path)
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// IsDictionary reports whether ev concerns the data dictionary file.
func (ev ReloadEvent) IsDictionary(dictPath string) bool {
	return filepath.Clean(ev.Path) == filepath.Clean(dictPath) || filepath.Base(ev.Path) == "dictionary.csv"
}
