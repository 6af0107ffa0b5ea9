package rag

import (
	"context"
	"testing"

	"github.com/v3ct0r/techrag-go/internal/research"
)

func openTestIndex(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(doc, text string, platform string, emb []float32) Chunk {
	return Chunk{
		DocumentID: doc,
		Text:       text,
		Metadata:   map[string]string{MetaPlatform: platform, MetaSource: "https://example.test/" + doc},
		Embedding:  emb,
	}
}

func Test_RAG_ChunkIDDeterministic(t *testing.T) {
	t.Parallel()

	a := ChunkID("process injection via CreateRemoteThread")
	b := ChunkID("process injection via CreateRemoteThread")
	c := ChunkID("credential dumping from lsass")

	if a != b {
		t.Fatalf("same text produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different texts produced the same id: %s", a)
	}
	if len(a) != 32 {
		t.Fatalf("want 32-char id, got %d (%s)", len(a), a)
	}
}

func Test_RAG_SQLiteUpsertAndSearch(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []Chunk{
		testChunk("doc-a", "remote thread injection into explorer", "windows", []float32{1, 0, 0}),
		testChunk("doc-b", "scheduled task persistence", "windows", []float32{0, 1, 0}),
		testChunk("doc-c", "cron job persistence", "linux", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, []float32{0.9, 0.1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits, got %d", len(hits))
	}
	if hits[0].DocumentID != "doc-a" {
		t.Errorf("want doc-a first, got %s", hits[0].DocumentID)
	}
	if hits[1].DocumentID != "doc-b" {
		t.Errorf("want doc-b second, got %s", hits[1].DocumentID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("want descending scores, got %f then %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].Metadata[MetaPlatform] != "windows" {
		t.Errorf("want metadata round-tripped, got %v", hits[0].Metadata)
	}
}

func Test_RAG_SQLiteSearchTieBreak(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	// Identical embeddings score identically, so order must come from
	// insertion order alone.
	same := []float32{0.5, 0.5, 0}
	err := s.Upsert(ctx, []Chunk{
		testChunk("doc-first", "first indexed chunk", "windows", same),
		testChunk("doc-second", "second indexed chunk", "windows", same),
		testChunk("doc-third", "third indexed chunk", "windows", same),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, same, 3, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{"doc-first", "doc-second", "doc-third"}
	for i, w := range want {
		if hits[i].DocumentID != w {
			t.Errorf("position %d: want %s, got %s", i, w, hits[i].DocumentID)
		}
	}
}

func Test_RAG_SQLiteUpsertIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	first := testChunk("doc-a", "duplicate detection content", "windows", []float32{1, 0, 0})
	if err := s.Upsert(ctx, []Chunk{first}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-index the identical content alongside a new chunk. The duplicate
	// must be skipped and keep its original insertion order.
	err := s.Upsert(ctx, []Chunk{
		testChunk("doc-b", "fresh content", "windows", []float32{1, 0, 0}),
		first,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 chunks after re-index, got %d", n)
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].DocumentID != "doc-a" {
		t.Errorf("re-indexed chunk lost its insertion order: got %s first", hits[0].DocumentID)
	}
}

func Test_RAG_SQLiteSearchFilters(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	win := testChunk("doc-win", "windows detection guidance", "windows", []float32{1, 0, 0})
	win.Metadata[MetaTechnique] = "T1055"
	lin := testChunk("doc-lin", "linux detection guidance", "linux", []float32{1, 0, 0})
	lin.Metadata[MetaTechnique] = "T1055"
	other := testChunk("doc-other", "unrelated windows content", "windows", []float32{1, 0, 0})
	other.Metadata[MetaTechnique] = "T1003"

	if err := s.Upsert(ctx, []Chunk{win, lin, other}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, map[string]string{MetaPlatform: "linux"})
	if err != nil {
		t.Fatalf("platform filter: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-lin" {
		t.Fatalf("want only doc-lin for linux, got %+v", hits)
	}

	hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, map[string]string{
		MetaPlatform:  "windows",
		MetaTechnique: "T1055",
	})
	if err != nil {
		t.Fatalf("combined filter: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-win" {
		t.Fatalf("want only doc-win for windows+T1055, got %+v", hits)
	}

	// Free-form metadata keys filter through the JSON column.
	hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, map[string]string{
		MetaSource: "https://example.test/doc-other",
	})
	if err != nil {
		t.Fatalf("metadata filter: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-other" {
		t.Fatalf("want only doc-other for source filter, got %+v", hits)
	}
}

func Test_RAG_SQLiteDeleteDocument(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []Chunk{
		testChunk("doc-a", "first chunk of doc-a", "windows", []float32{1, 0, 0}),
		testChunk("doc-a", "second chunk of doc-a", "windows", []float32{0, 1, 0}),
		testChunk("doc-b", "only chunk of doc-b", "windows", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.DeleteDocument(ctx, "doc-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-b" {
		t.Fatalf("want only doc-b after delete, got %+v", hits)
	}
}

func Test_RAG_SQLiteDimensionMismatch(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, []Chunk{testChunk("doc-a", "three dims", "windows", []float32{1, 0, 0})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := s.Upsert(ctx, []Chunk{testChunk("doc-b", "four dims", "windows", []float32{1, 0, 0, 0})})
	if !research.IsValidation(err) {
		t.Fatalf("want validation error for mismatched dimensions, got %v", err)
	}
}

func Test_RAG_SQLiteEmptyEmbeddingRejected(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)

	err := s.Upsert(context.Background(), []Chunk{testChunk("doc-a", "no vector", "windows", nil)})
	if !research.IsValidation(err) {
		t.Fatalf("want validation error for empty embedding, got %v", err)
	}
}

func Test_RAG_CosineKnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cosine(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("want %f, got %f", tc.want, got)
			}
		})
	}
}

func Test_RAG_VectorCodecRoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0.25, -1.5, 3.14159, 0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("want %d values, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d: want %f, got %f", i, in[i], out[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("want error for blob not divisible by 4")
	}
}
