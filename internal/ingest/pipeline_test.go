package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/v3ct0r/techrag-go/internal/rag"
)

// fakeEmbedder returns deterministic vectors derived from text length.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)%17) + 1, 1, 0.5, float32(len(text) % 5)}
	}
	return out, nil
}

func openTestPipeline(t *testing.T, cfg *Config) (*Pipeline, *rag.SQLiteStore) {
	t.Helper()
	st, err := rag.NewSQLiteStore(rag.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open in-memory vector store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p, err := NewPipeline(&fakeEmbedder{}, st, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, st
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func Test_Expand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	notes := writeFile(t, dir, "notes.md", "notes")
	sub := writeFile(t, dir, filepath.Join("deep", "sub.txt"), "sub")
	image := writeFile(t, dir, "image.png", "binary")
	writeFile(t, dir, ".hidden.md", "hidden")

	got, err := Expand([]string{dir})
	if err != nil {
		t.Fatalf("expand dir: %v", err)
	}
	want := []string{sub, notes}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("want %v, got %v", want, got)
	}

	got, err = Expand([]string{filepath.Join(dir, "**", "*.md")})
	if err != nil {
		t.Fatalf("expand glob: %v", err)
	}
	if len(got) != 1 || got[0] != notes {
		t.Errorf("want only %s, got %v", notes, got)
	}

	// Explicitly named files skip the extension filter.
	got, err = Expand([]string{image})
	if err != nil {
		t.Fatalf("expand explicit file: %v", err)
	}
	if len(got) != 1 || got[0] != image {
		t.Errorf("want %s taken as given, got %v", image, got)
	}

	if _, err := Expand([]string{filepath.Join(dir, "*.doc")}); err == nil {
		t.Error("want error for a glob matching nothing")
	}
}

func Test_Pipeline_IngestTagsChunks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "injection.md",
		"T1055 process injection is abused on Windows.\n\n"+
			"Patched in response to CVE-2024-1234, tracked in MITRE ATT&CK.")

	p, st := openTestPipeline(t, &Config{Platform: "Windows", ChunkSize: 64})
	ctx := context.Background()

	n, err := p.File(ctx, path)
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 chunks, got %d", n)
	}

	query := []float32{1, 1, 0.5, 1}
	hits, err := st.Search(ctx, query, 10, map[string]string{rag.MetaTechnique: "T1055"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want both chunks tagged with the technique, got %d", len(hits))
	}
	for _, h := range hits {
		if h.Metadata[rag.MetaPlatform] != "windows" {
			t.Errorf("want normalized platform windows, got %q", h.Metadata[rag.MetaPlatform])
		}
		if h.Metadata[rag.MetaSource] != docID(path) {
			t.Errorf("want source %q, got %q", docID(path), h.Metadata[rag.MetaSource])
		}
		if h.DocumentID != docID(path) {
			t.Errorf("want document id %q, got %q", docID(path), h.DocumentID)
		}
	}

	// The CVE lives in the second paragraph only.
	tagged := 0
	for _, h := range hits {
		if strings.Contains(h.Metadata["cves"], "CVE-2024-1234") {
			tagged++
		}
	}
	if tagged != 1 {
		t.Errorf("want exactly 1 chunk carrying the CVE tag, got %d", tagged)
	}
}

func Test_Pipeline_ReingestIsNoOp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.md", "Stable content that does not change.")

	p, st := openTestPipeline(t, nil)
	ctx := context.Background()

	if _, err := p.File(ctx, path); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if _, err := p.File(ctx, path); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	after, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if before != after {
		t.Errorf("want unchanged chunk count, got %d then %d", before, after)
	}
}

func Test_Pipeline_RefreshReplacesDocument(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.md", "The original revision.")

	p, st := openTestPipeline(t, nil)
	ctx := context.Background()

	if _, err := p.File(ctx, path); err != nil {
		t.Fatalf("ingest v1: %v", err)
	}
	writeFile(t, dir, "doc.md", "The rewritten revision replaces everything.")

	n, err := p.Refresh(ctx, path)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 chunk from v2, got %d", n)
	}
	count, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("want stale chunks gone after refresh, got %d total", count)
	}

	hits, err := st.Search(ctx, []float32{1, 1, 0.5, 1}, 5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Text, "rewritten") {
		t.Errorf("want only the new revision indexed, got %+v", hits)
	}
}

func Test_Pipeline_RunSummary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "First document.")
	writeFile(t, dir, "b.md", "Second document.")

	p, _ := openTestPipeline(t, nil)
	files, err := Expand([]string{dir})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	var seen []string
	sum, err := p.Run(context.Background(), files, func(path string, chunks int, err error) {
		seen = append(seen, path)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Files != 2 || sum.Failed != 0 {
		t.Errorf("want 2 files ingested cleanly, got %+v", sum)
	}
	if sum.Chunks != 2 {
		t.Errorf("want 2 chunks total, got %d", sum.Chunks)
	}
	if len(seen) != 2 {
		t.Errorf("want progress for every file, got %v", seen)
	}
}

func Test_Pipeline_EmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.md", "   \n\n ")

	p, st := openTestPipeline(t, nil)
	n, err := p.File(context.Background(), path)
	if err != nil {
		t.Fatalf("ingest empty file: %v", err)
	}
	if n != 0 {
		t.Errorf("want 0 chunks, got %d", n)
	}
	count, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("want empty index, got %d chunks", count)
	}
}
