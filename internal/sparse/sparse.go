// Package sparse ranks a fixed corpus snapshot by keyword relevance. An
// Index is built once from an ordered list of texts and is immutable
// afterwards; callers rebuild it when the underlying collection changes.
package sparse

import (
	"context"
	"fmt"
)

// Backend names a sparse index implementation.
type Backend string

const (
	// BackendOkapi scores in memory with Okapi BM25 (default).
	BackendOkapi Backend = "okapi"

	// BackendSQLite scores with an in-memory SQLite FTS5 table.
	BackendSQLite Backend = "sqlite"
)

// Okapi BM25 defaults.
const (
	DefaultK1      = 1.5
	DefaultB       = 0.75
	DefaultEpsilon = 0.25
)

// Index scores a query against every corpus position.
type Index interface {
	// Scores returns one score per corpus position, in corpus order.
	// Higher is more relevant; positions with no matching term score 0.
	Scores(ctx context.Context, query string) ([]float64, error)

	// Len returns the corpus size.
	Len() int

	// Close releases resources.
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	Backend  Backend
	Stemming bool
	K1       float64
	B        float64
}

// DefaultConfig returns the Okapi backend with stemming on.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendOkapi,
		Stemming: true,
		K1:       DefaultK1,
		B:        DefaultB,
	}
}

// ParseBackend maps a config string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "", BackendOkapi:
		return BackendOkapi, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unknown sparse backend %q (valid options: okapi, sqlite)", s)
	}
}

// New builds an index over corpus with the configured backend.
func New(corpus []string, cfg Config) (Index, error) {
	analyzer := NewAnalyzer(cfg.Stemming)
	switch cfg.Backend {
	case "", BackendOkapi:
		return NewOkapiIndex(corpus, analyzer, cfg.K1, cfg.B), nil
	case BackendSQLite:
		return NewFTSIndex(corpus, analyzer)
	default:
		return nil, fmt.Errorf("unknown sparse backend %q (valid options: okapi, sqlite)", cfg.Backend)
	}
}
