package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteIndex is a local full-text passage index. Ingestion scripts fill it
// through Add; Loom only queries it.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// OpenSQLiteIndex opens (creating if needed) the index at path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// One connection keeps :memory: databases coherent and avoids
	// writer contention on the file.
	db.SetMaxOpenConns(1)

	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrent reads
		"PRAGMA synchronous = NORMAL", // Balance safety and performance
		"PRAGMA foreign_keys = ON",    // Enforce referential integrity
		"PRAGMA busy_timeout = 5000",  // Wait 5 seconds if locked
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS passages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT    NOT NULL,
			text       TEXT    NOT NULL,
			metadata   TEXT    NOT NULL DEFAULT '{}',
			created_at TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS passage_tags (
			passage_id INTEGER NOT NULL,
			tag        TEXT    NOT NULL,
			PRIMARY KEY (passage_id, tag),
			FOREIGN KEY (passage_id) REFERENCES passages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_passages_collection ON passages(collection);
		CREATE INDEX IF NOT EXISTS idx_passage_tags_tag    ON passage_tags(tag);

		CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
			text,
			content='passages',
			content_rowid='id'
		);

		CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
			INSERT INTO passages_fts(rowid, text) VALUES (new.id, new.text);
		END;

		CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
			INSERT INTO passages_fts(passages_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// Add stores a passage under collection with tags and returns its id.
func (s *SQLiteIndex) Add(ctx context.Context, collection, text string, tags []string, metadata map[string]string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("passage text is empty")
	}
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO passages (collection, text, metadata) VALUES (?, ?, ?)`, collection, text, meta)
	if err != nil {
		return 0, fmt.Errorf("insert passage: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("passage id: %w", err)
	}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO passage_tags (passage_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return 0, fmt.Errorf("insert tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Count returns the number of indexed passages.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

// Query implements Retriever using FTS5 bm25 ranking. Scores are mapped
// into [0,1). Database errors are reported as ErrRetrievalFailure.
func (s *SQLiteIndex) Query(ctx context.Context, text string, tags []string, topK int) ([]Passage, error) {
	ftsQuery := buildFTSQuery(text)
	if ftsQuery == "" {
		return []Passage{}, nil
	}
	if topK <= 0 {
		topK = 5
	}

	sqlStr := `
		SELECT p.collection, p.text, p.metadata, bm25(passages_fts) AS rank
		FROM passages_fts
		JOIN passages p ON p.id = passages_fts.rowid
		WHERE passages_fts MATCH ?
	`
	args := []any{ftsQuery}

	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		sqlStr += fmt.Sprintf(` AND (lower(p.collection) IN (%s)
			OR EXISTS (SELECT 1 FROM passage_tags t WHERE t.passage_id = p.id AND t.tag IN (%s)))`, placeholders, placeholders)
		for range 2 {
			for _, tag := range tags {
				args = append(args, strings.ToLower(tag))
			}
		}
	}

	sqlStr += " ORDER BY rank LIMIT ?"
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailure, err)
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var (
			p    Passage
			meta string
			rank float64
		)
		if err := rows.Scan(&p.SourceCollection, &p.Text, &meta, &rank); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrRetrievalFailure, err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
				log.Debug().Err(err).Msg("ignoring malformed passage metadata")
			}
		}
		p.Score = normalizeBM25(rank)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailure, err)
	}
	return out, nil
}

// normalizeBM25 maps an FTS5 bm25 rank (negative, lower is better) to [0,1).
func normalizeBM25(rank float64) float64 {
	r := -rank
	if r <= 0 {
		return 0
	}
	return r / (1 + r)
}

// buildFTSQuery turns free text into an OR of quoted terms so that any
// matching term contributes to the bm25 rank.
func buildFTSQuery(text string) string {
	terms := queryTerms(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, "") + `"`
	}
	return strings.Join(terms, " OR ")
}
