// Package search implements hybrid retrieval over support collections: a
// dense retriever over the vector store, a sparse retriever over a corpus
// snapshot, dedup fusion of both candidate lists, cross-encoder reranking
// and optional answer generation.
package search

import (
	"time"

	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
)

// Source tags which retriever produced a candidate.
type Source string

const (
	SourceDense  Source = "dense"
	SourceSparse Source = "sparse"
)

// Candidate is one retrieval hit. Score is higher-is-better within its
// source and is not comparable across sources.
type Candidate struct {
	ID       string
	Text     string
	Metadata store.Metadata
	Score    float64
	Source   Source
}

// key identifies a candidate for fusion: the id, or the text when the
// candidate has no id.
func (c Candidate) key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Text
}

// FusedResult is one entry of the final ranked list.
type FusedResult struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Metadata    store.Metadata `json:"metadata,omitempty"`
	RerankScore float64        `json:"rerank_score"`
	Rank        int            `json:"rank"` // 1-based

	// Retrieval provenance, for explain output.
	Source        Source  `json:"source"`
	InBoth        bool    `json:"in_both"`
	RetrievalRank int     `json:"retrieval_rank"` // 1-based position in the fused list
	SourceScore   float64 `json:"source_score"`
}

// State is a pipeline stage.
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StateFusing
	StateReranking
	StateGenerating
	StateDone
)

// String returns the lowercase stage name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StateFusing:
		return "fusing"
	case StateReranking:
		return "reranking"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Request is one pipeline search. Zero counts select the pipeline defaults.
type Request struct {
	Query          string
	KDense         int
	KSparse        int
	RerankK        int
	WithGeneration bool
}

// Response is the terminal output of a search. Results are always
// populated; Answer only when generation was requested and succeeded.
type Response struct {
	Results     []FusedResult `json:"results"`
	Answer      string        `json:"answer,omitempty"`
	Answered    bool          `json:"answered"`
	State       State         `json:"state"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

// Diagnostics records what happened inside a search.
type Diagnostics struct {
	DenseCount  int `json:"dense_count"`
	SparseCount int `json:"sparse_count"`
	FusedCount  int `json:"fused_count"`
	Duplicates  int `json:"duplicates"`

	DenseError      string `json:"dense_error,omitempty"`
	SparseError     string `json:"sparse_error,omitempty"`
	RerankFallback  bool   `json:"rerank_fallback"`
	RerankError     string `json:"rerank_error,omitempty"`
	GenerationError string `json:"generation_error,omitempty"`

	Trace  []State                  `json:"trace"`
	Stages map[string]time.Duration `json:"stages"`
	Total  time.Duration            `json:"total"`
}

// truncateQuery truncates a query string for logging.
func truncateQuery(q string, maxLen int) string {
	if len(q) <= maxLen {
		return q
	}
	return q[:maxLen] + "..."
}
