package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/v3ct0r/techrag-go/internal/research"
)

func newTestWatcher(t *testing.T, p *Pipeline) *Watcher {
	t.Helper()
	return NewWatcher(p, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func Test_Watcher_HandleClassifiesEvents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, _ := openTestPipeline(t, nil)
	w := newTestWatcher(t, p)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("fsnotify: %v", err)
	}
	t.Cleanup(func() { _ = fw.Close() })

	pending := map[string]fsnotify.Op{}
	doc := filepath.Join(dir, "notes.md")

	w.handle(fw, fsnotify.Event{Name: doc, Op: fsnotify.Chmod}, pending)
	w.handle(fw, fsnotify.Event{Name: filepath.Join(dir, "image.png"), Op: fsnotify.Write}, pending)
	w.handle(fw, fsnotify.Event{Name: filepath.Join(dir, ".hidden.md"), Op: fsnotify.Write}, pending)
	if len(pending) != 0 {
		t.Errorf("want chmod and ineligible files ignored, got %v", pending)
	}

	w.handle(fw, fsnotify.Event{Name: doc, Op: fsnotify.Write}, pending)
	if pending[doc]&fsnotify.Write == 0 {
		t.Errorf("want write recorded for %s, got %v", doc, pending)
	}
	w.handle(fw, fsnotify.Event{Name: doc, Op: fsnotify.Remove}, pending)
	if op := pending[doc]; op&fsnotify.Write == 0 || op&fsnotify.Remove == 0 {
		t.Errorf("want ops accumulated, got %v", op)
	}

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w.handle(fw, fsnotify.Event{Name: sub, Op: fsnotify.Create}, pending)
	if _, ok := pending[sub]; ok {
		t.Errorf("want directory create kept out of pending, got %v", pending)
	}
	if !slices.Contains(fw.WatchList(), sub) {
		t.Errorf("want new directory watched, got %v", fw.WatchList())
	}
}

func Test_Watcher_FlushAppliesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := writeFile(t, dir, "doc.md", "The first revision.")

	p, st := openTestPipeline(t, nil)
	w := newTestWatcher(t, p)
	ctx := context.Background()

	w.flush(ctx, map[string]fsnotify.Op{doc: fsnotify.Write})
	if n, _ := st.Count(ctx); n != 1 {
		t.Fatalf("want 1 chunk after write, got %d", n)
	}

	writeFile(t, dir, "doc.md", "The second revision, rewritten in place.")
	w.flush(ctx, map[string]fsnotify.Op{doc: fsnotify.Write})
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("want the edit to replace, not append, got %d chunks", n)
	}

	// Remove followed by create means the file is back: refresh, not drop.
	w.flush(ctx, map[string]fsnotify.Op{doc: fsnotify.Remove | fsnotify.Create})
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("want recreated file refreshed, got %d chunks", n)
	}

	if err := os.Remove(doc); err != nil {
		t.Fatalf("remove: %v", err)
	}
	w.flush(ctx, map[string]fsnotify.Op{doc: fsnotify.Remove})
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("want index emptied after remove, got %d chunks", n)
	}
}

func Test_Watcher_WatchRejectsFileRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := writeFile(t, dir, "doc.md", "content")

	p, _ := openTestPipeline(t, nil)
	w := newTestWatcher(t, p)

	err := w.Watch(context.Background(), []string{doc})
	if !research.IsValidation(err) {
		t.Errorf("want validation error for a file root, got %v", err)
	}
}
