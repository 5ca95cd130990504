package sparse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// FTSIndex scores with SQLite FTS5's bm25() over an in-memory table whose
// rowid is the corpus position. Content is pre-analyzed so both backends
// see the same terms.
type FTSIndex struct {
	mu       sync.RWMutex
	db       *sql.DB
	analyzer *Analyzer
	size     int
	closed   bool
}

var _ Index = (*FTSIndex)(nil)

// NewFTSIndex loads corpus into a fresh in-memory FTS5 table.
func NewFTSIndex(corpus []string, analyzer *Analyzer) (*FTSIndex, error) {
	if analyzer == nil {
		analyzer = NewAnalyzer(true)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	idx := &FTSIndex{db: db, analyzer: analyzer, size: len(corpus)}
	if err := idx.load(corpus); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (f *FTSIndex) load(corpus []string) error {
	if _, err := f.db.Exec(`CREATE VIRTUAL TABLE corpus USING fts5(content, tokenize='unicode61')`); err != nil {
		return fmt.Errorf("failed to create FTS5 table: %w", err)
	}
	if len(corpus) == 0 {
		return nil
	}

	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO corpus(rowid, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, text := range corpus {
		content := strings.Join(f.analyzer.Tokens(text), " ")
		if _, err := stmt.Exec(i, content); err != nil {
			return fmt.Errorf("failed to index document %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Scores runs one MATCH query. Terms are OR-ed so a document matching any
// of them scores; bm25() is negated so higher is better.
func (f *FTSIndex) Scores(ctx context.Context, query string) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}
	scores := make([]float64, f.size)
	if f.size == 0 {
		return scores, nil
	}

	tokens := f.analyzer.Tokens(query)
	if len(tokens) == 0 {
		return scores, nil
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}

	rows, err := f.db.QueryContext(ctx,
		`SELECT rowid, bm25(corpus) FROM corpus WHERE corpus MATCH ?`,
		strings.Join(quoted, " OR "))
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos int
		var score float64
		if err := rows.Scan(&pos, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if pos >= 0 && pos < len(scores) {
			scores[pos] = -score
		}
	}
	return scores, rows.Err()
}

// Len returns the corpus size.
func (f *FTSIndex) Len() int {
	return f.size
}

// Close closes the database.
func (f *FTSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.db.Close()
}
