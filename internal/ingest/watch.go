package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/v3ct0r/techrag-go/internal/research"
)

const defaultDebounce = 2 * time.Second

// Watcher re-ingests files as they change on disk. Events are debounced so
// editors that write in several steps trigger one refresh, not many.
type Watcher struct {
	pipeline *Pipeline
	log      *slog.Logger
	debounce time.Duration
}

// NewWatcher wraps a pipeline for continuous ingestion. debounce <= 0 uses
// the 2s default.
func NewWatcher(p *Pipeline, debounce time.Duration, log *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{pipeline: p, log: log, debounce: debounce}
}

// Watch ingests changed files under the given directories until ctx ends.
// Subdirectories are watched recursively, including ones created while
// watching. Hidden directories are skipped.
func (w *Watcher) Watch(ctx context.Context, roots []string) error {
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("ingest: watch %s: %w", root, err)
		}
		if !info.IsDir() {
			return &research.ValidationError{Field: "watch", Reason: fmt.Sprintf("%s is not a directory", root)}
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watcher: %w", err)
	}
	defer fw.Close()
	for _, root := range roots {
		if err := addTree(fw, root); err != nil {
			return err
		}
	}
	w.log.Info("watching for changes", "roots", strings.Join(roots, ", "), "debounce", w.debounce)

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event, pending)
			if len(pending) > 0 {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		case <-timer.C:
			w.flush(ctx, pending)
			clear(pending)
		}
	}
}

// handle classifies one event into the pending set. Directory creations
// extend the watch; chmods and ineligible files are ignored.
func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event, pending map[string]fsnotify.Op) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := addTree(fw, event.Name); err != nil {
					w.log.Warn("could not watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}
	if !eligible(event.Name) {
		return
	}
	pending[event.Name] |= event.Op
}

// flush applies the debounced events: removals drop the document, everything
// else re-ingests the current file content.
func (w *Watcher) flush(ctx context.Context, pending map[string]fsnotify.Op) {
	for path, op := range pending {
		// A rename or remove followed by nothing means the file is gone; a
		// later create or write wins because the file exists again.
		if _, err := os.Stat(path); err != nil || op&(fsnotify.Remove|fsnotify.Rename) != 0 && op&(fsnotify.Create|fsnotify.Write) == 0 {
			if err := w.pipeline.Remove(ctx, path); err != nil {
				w.log.Warn("remove failed", "path", path, "error", err)
				continue
			}
			w.log.Info("document removed from index", "path", path)
			continue
		}
		n, err := w.pipeline.Refresh(ctx, path)
		if err != nil {
			w.log.Warn("refresh failed", "path", path, "error", err)
			continue
		}
		w.log.Info("document refreshed", "path", path, "chunks", n)
	}
}

// addTree watches root and every non-hidden directory below it.
func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("ingest: watch %s: %w", path, err)
		}
		return nil
	})
}
