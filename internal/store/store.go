// Package store provides the SQLite-backed research output store. Outputs
// are keyed by (technique, platform), merged on write so concurrent partial
// updates never clobber each other, scored on every write, and indexed in
// FTS5 for full-text search. Archived outputs move to a separate table and
// drop out of search and analytics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/v3ct0r/techrag-go/internal/research"
)

// SearchFilters narrows Search results. Zero values mean "no constraint".
type SearchFilters struct {
	// Platform keeps only outputs for this platform.
	Platform string
	// Tag keeps only outputs carrying this tag.
	Tag string
	// MinQuality keeps only outputs at or above this quality score.
	MinQuality float64
	// HasSection keeps only outputs where the named section is non-empty.
	HasSection research.Section
	// Limit caps the result count. Defaults to 20, capped at 100.
	Limit int
}

// Analytics summarizes the output corpus.
type Analytics struct {
	TotalOutputs       int            `json:"total_outputs"`
	AvgQuality         float64        `json:"avg_quality_score"`
	AvgCompleteness    float64        `json:"avg_completeness_score"`
	CompleteOutputs    int            `json:"complete_outputs"`
	HighQualityOutputs int            `json:"high_quality_outputs"`
	Platforms          map[string]int `json:"platforms"`
	ArchivedOutputs    int            `json:"archived_outputs"`
}

// OutputStore persists research outputs. Implementations must be safe for
// concurrent use; readers must never observe a half-merged document.
type OutputStore interface {
	// Upsert merges the patch into the stored document (creating it if
	// absent), recomputes scores, and persists the result atomically. The
	// merged document is returned.
	Upsert(ctx context.Context, patch research.Output) (*research.Output, error)
	// Get returns the output for the pair, or research.ErrNotFound.
	Get(ctx context.Context, techniqueID, platform string) (*research.Output, error)
	// Search runs a ranked full-text query over section text. An empty
	// query lists by descending quality instead.
	Search(ctx context.Context, query string, f SearchFilters) ([]*research.Output, error)
	// Archive moves the output to the archive table, removing it from the
	// primary collection and the search index.
	Archive(ctx context.Context, techniqueID, platform string) error
	// Analytics aggregates corpus statistics.
	Analytics(ctx context.Context) (*Analytics, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is an OutputStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the research output database.
// It resolves to ~/.techrag/research.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".techrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "research.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS outputs (
    technique_id     TEXT NOT NULL,
    platform         TEXT NOT NULL,
    technique_name   TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    detection        TEXT NOT NULL DEFAULT '',
    mitigation       TEXT NOT NULL DEFAULT '',
    playbook         TEXT NOT NULL DEFAULT '',
    refs             TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    confidence       REAL NOT NULL DEFAULT 0,
    quality          REAL NOT NULL DEFAULT 0,
    completeness     REAL NOT NULL DEFAULT 0,
    sources          TEXT NOT NULL DEFAULT '[]',
    tags             TEXT NOT NULL DEFAULT '[]',
    related          TEXT NOT NULL DEFAULT '[]',
    research_context TEXT NOT NULL DEFAULT '',
    custom           TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,  -- Unix milliseconds
    updated_at       INTEGER NOT NULL,
    PRIMARY KEY (technique_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_outputs_platform ON outputs (platform);
CREATE INDEX IF NOT EXISTS idx_outputs_quality  ON outputs (quality);

-- Archive keeps every archived revision; re-archiving a rewritten document
-- appends a new row.
CREATE TABLE IF NOT EXISTS outputs_archive (
    technique_id     TEXT NOT NULL,
    platform         TEXT NOT NULL,
    technique_name   TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    detection        TEXT NOT NULL DEFAULT '',
    mitigation       TEXT NOT NULL DEFAULT '',
    playbook         TEXT NOT NULL DEFAULT '',
    refs             TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    confidence       REAL NOT NULL DEFAULT 0,
    quality          REAL NOT NULL DEFAULT 0,
    completeness     REAL NOT NULL DEFAULT 0,
    sources          TEXT NOT NULL DEFAULT '[]',
    tags             TEXT NOT NULL DEFAULT '[]',
    related          TEXT NOT NULL DEFAULT '[]',
    research_context TEXT NOT NULL DEFAULT '',
    custom           TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    archived_at      INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS outputs_fts USING fts5(
    technique_id UNINDEXED,
    platform     UNINDEXED,
    body
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Upsert merges the patch into the stored document and persists row and
// search index in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, patch research.Output) (*research.Output, error) {
	patch.TechniqueID = research.NormalizeTechnique(patch.TechniqueID)
	patch.Platform = research.NormalizePlatform(patch.Platform)
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, research.Transient("store: upsert begin", err)
	}
	defer tx.Rollback()

	old, _, err := getOutput(ctx, tx, patch.TechniqueID, patch.Platform)
	if err != nil {
		return nil, err
	}

	merged := research.Merge(old, patch)
	now := time.Now()
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = now
	}
	merged.UpdatedAt = now

	const upsert = `
INSERT OR REPLACE INTO outputs (
    technique_id, platform, technique_name, category,
    description, detection, mitigation, playbook, refs, notes,
    confidence, quality, completeness,
    sources, tags, related, research_context, custom,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, upsert,
		merged.TechniqueID, merged.Platform, merged.TechniqueName, merged.Category,
		merged.Description, merged.Detection, merged.Mitigation, merged.Playbook,
		merged.References, merged.Notes,
		merged.Confidence, merged.Quality, merged.Completeness,
		marshalList(merged.Sources), marshalList(merged.Tags), marshalList(merged.Related),
		merged.ResearchContext, marshalMap(merged.Custom),
		merged.CreatedAt.UnixMilli(), merged.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, research.Transient("store: upsert", err)
	}

	// Keep the FTS index in step inside the same transaction.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outputs_fts WHERE technique_id = ? AND platform = ?`,
		merged.TechniqueID, merged.Platform); err != nil {
		return nil, research.Transient("store: upsert fts delete", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outputs_fts (technique_id, platform, body) VALUES (?, ?, ?)`,
		merged.TechniqueID, merged.Platform, ftsBody(&merged)); err != nil {
		return nil, research.Transient("store: upsert fts insert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, research.Transient("store: upsert commit", err)
	}
	return &merged, nil
}

// Get returns the output for the pair.
func (s *SQLiteStore) Get(ctx context.Context, techniqueID, platform string) (*research.Output, error) {
	techniqueID = research.NormalizeTechnique(techniqueID)
	platform = research.NormalizePlatform(platform)

	out, found, err := getOutput(ctx, s.db, techniqueID, platform)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("store: output %s/%s: %w", techniqueID, platform, research.ErrNotFound)
	}
	return &out, nil
}

// Search runs a ranked full-text query. With a query, results order by bm25
// relevance; without one, by descending quality.
func (s *SQLiteStore) Search(ctx context.Context, query string, f SearchFilters) ([]*research.Output, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var (
		sb   strings.Builder
		args []any
	)
	match := ftsQuery(query)
	if match != "" {
		sb.WriteString(`
SELECT ` + prefixedOutputColumns + `
FROM   outputs_fts
JOIN   outputs o ON o.technique_id = outputs_fts.technique_id
               AND o.platform = outputs_fts.platform
WHERE  outputs_fts MATCH ?`)
		args = append(args, match)
	} else {
		sb.WriteString(`
SELECT ` + prefixedOutputColumns + `
FROM   outputs o
WHERE  1 = 1`)
	}

	if f.Platform != "" {
		sb.WriteString(` AND o.platform = ?`)
		args = append(args, research.NormalizePlatform(f.Platform))
	}
	if f.Tag != "" {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM json_each(o.tags) WHERE json_each.value = ?)`)
		args = append(args, f.Tag)
	}
	if f.MinQuality > 0 {
		sb.WriteString(` AND o.quality >= ?`)
		args = append(args, f.MinQuality)
	}
	if f.HasSection != "" {
		col, err := sectionColumn(f.HasSection)
		if err != nil {
			return nil, err
		}
		sb.WriteString(` AND TRIM(o.` + col + `) <> ''`)
	}

	if match != "" {
		sb.WriteString(` ORDER BY bm25(outputs_fts) ASC`)
	} else {
		sb.WriteString(` ORDER BY o.quality DESC, o.technique_id ASC, o.platform ASC`)
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, research.Transient("store: search", err)
	}
	defer rows.Close()

	var outs []*research.Output
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("store: search scan: %w", err)
		}
		outs = append(outs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search rows: %w", err)
	}
	return outs, nil
}

// Archive moves the output into the archive table.
func (s *SQLiteStore) Archive(ctx context.Context, techniqueID, platform string) error {
	techniqueID = research.NormalizeTechnique(techniqueID)
	platform = research.NormalizePlatform(platform)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return research.Transient("store: archive begin", err)
	}
	defer tx.Rollback()

	const move = `
INSERT INTO outputs_archive (` + outputColumns + `, archived_at)
SELECT ` + outputColumns + `, ? FROM outputs WHERE technique_id = ? AND platform = ?`
	res, err := tx.ExecContext(ctx, move, time.Now().UnixMilli(), techniqueID, platform)
	if err != nil {
		return research.Transient("store: archive", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store: archive: %w", err)
	} else if n == 0 {
		return fmt.Errorf("store: archive %s/%s: %w", techniqueID, platform, research.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outputs WHERE technique_id = ? AND platform = ?`, techniqueID, platform); err != nil {
		return research.Transient("store: archive delete", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outputs_fts WHERE technique_id = ? AND platform = ?`, techniqueID, platform); err != nil {
		return research.Transient("store: archive fts delete", err)
	}

	if err := tx.Commit(); err != nil {
		return research.Transient("store: archive commit", err)
	}
	return nil
}

// Analytics aggregates corpus statistics over the primary collection.
func (s *SQLiteStore) Analytics(ctx context.Context) (*Analytics, error) {
	a := &Analytics{Platforms: map[string]int{}}

	const agg = `
SELECT COUNT(*),
       COALESCE(AVG(quality), 0),
       COALESCE(AVG(completeness), 0),
       COALESCE(SUM(CASE WHEN completeness >= 1.0 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN quality >= ? THEN 1 ELSE 0 END), 0)
FROM   outputs`
	err := s.db.QueryRowContext(ctx, agg, research.HighQualityThreshold).Scan(
		&a.TotalOutputs, &a.AvgQuality, &a.AvgCompleteness,
		&a.CompleteOutputs, &a.HighQualityOutputs)
	if err != nil {
		return nil, research.Transient("store: analytics", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT platform, COUNT(*) FROM outputs GROUP BY platform`)
	if err != nil {
		return nil, research.Transient("store: analytics platforms", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("store: analytics scan: %w", err)
		}
		a.Platforms[platform] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: analytics rows: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outputs_archive`).Scan(&a.ArchivedOutputs); err != nil {
		return nil, research.Transient("store: analytics archive", err)
	}
	return a, nil
}

// Stale lists outputs that no longer pass the currency check, least recently
// updated first. The staleness refresher feeds these back into the queue.
func (s *SQLiteStore) Stale(ctx context.Context, limit int) ([]*research.Output, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().Add(-research.CurrentMaxAge).UnixMilli()

	const sel = `
SELECT ` + outputColumns + `
FROM   outputs
WHERE  updated_at < ? OR quality < ? OR completeness < ?
ORDER  BY updated_at ASC
LIMIT  ?`
	rows, err := s.db.QueryContext(ctx, sel,
		cutoff, research.CurrentMinQuality, research.CurrentMinCompleteness, limit)
	if err != nil {
		return nil, research.Transient("store: stale", err)
	}
	defer rows.Close()

	var outs []*research.Output
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("store: stale scan: %w", err)
		}
		outs = append(outs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stale rows: %w", err)
	}
	return outs, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

const outputColumns = `technique_id, platform, technique_name, category,
    description, detection, mitigation, playbook, refs, notes,
    confidence, quality, completeness,
    sources, tags, related, research_context, custom,
    created_at, updated_at`

const prefixedOutputColumns = `o.technique_id, o.platform, o.technique_name, o.category,
    o.description, o.detection, o.mitigation, o.playbook, o.refs, o.notes,
    o.confidence, o.quality, o.completeness,
    o.sources, o.tags, o.related, o.research_context, o.custom,
    o.created_at, o.updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOutput(ctx context.Context, q querier, techniqueID, platform string) (research.Output, bool, error) {
	const sel = `SELECT ` + outputColumns + ` FROM outputs WHERE technique_id = ? AND platform = ?`
	out, err := scanOutput(q.QueryRowContext(ctx, sel, techniqueID, platform))
	if err == sql.ErrNoRows {
		return research.Output{}, false, nil
	}
	if err != nil {
		return research.Output{}, false, research.Transient("store: get", err)
	}
	return *out, true, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutput(row rowScanner) (*research.Output, error) {
	var (
		o                      research.Output
		sources, tags, related string
		custom                 string
		created, updated       int64
	)
	err := row.Scan(&o.TechniqueID, &o.Platform, &o.TechniqueName, &o.Category,
		&o.Description, &o.Detection, &o.Mitigation, &o.Playbook, &o.References, &o.Notes,
		&o.Confidence, &o.Quality, &o.Completeness,
		&sources, &tags, &related, &o.ResearchContext, &custom,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	o.Sources = unmarshalList(sources)
	o.Tags = unmarshalList(tags)
	o.Related = unmarshalList(related)
	o.Custom = unmarshalMap(custom)
	o.CreatedAt = time.UnixMilli(created)
	o.UpdatedAt = time.UnixMilli(updated)
	return &o, nil
}

// ftsBody concatenates the searchable text of a document.
func ftsBody(o *research.Output) string {
	parts := []string{o.TechniqueID, o.TechniqueName, o.Category}
	for _, s := range research.RequiredSections {
		parts = append(parts, o.SectionText(s))
	}
	parts = append(parts, strings.Join(o.Tags, " "))
	return strings.Join(parts, "\n")
}

// ftsQuery turns free-form user input into a safe FTS5 MATCH expression by
// quoting each term. Returns "" when the input has no searchable terms.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

func sectionColumn(s research.Section) (string, error) {
	switch s {
	case research.SectionDescription:
		return "description", nil
	case research.SectionDetection:
		return "detection", nil
	case research.SectionMitigation:
		return "mitigation", nil
	case research.SectionPlaybook:
		return "playbook", nil
	case research.SectionReferences:
		return "refs", nil
	case research.SectionNotes:
		return "notes", nil
	}
	return "", &research.ValidationError{Field: "has_section", Reason: fmt.Sprintf("unknown section %q", s)}
}

func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalMap(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
