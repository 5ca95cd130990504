package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rsrini7/Smart-Support-Buddy/internal/embed"
	"github.com/rsrini7/Smart-Support-Buddy/internal/sparse"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
)

// Retriever turns a query into at most k candidates, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Candidate, error)
}

// =============================================================================
// Dense
// =============================================================================

// DenseRetriever embeds the query and searches one or more collections.
// Hits from several collections are merged by ascending distance.
type DenseRetriever struct {
	embedder    embed.Embedder
	collections []store.VectorCollection
}

var _ Retriever = (*DenseRetriever)(nil)

// NewDenseRetriever creates a dense retriever. It holds the collections
// without owning them.
func NewDenseRetriever(embedder embed.Embedder, collections ...store.VectorCollection) *DenseRetriever {
	return &DenseRetriever{embedder: embedder, collections: collections}
}

// PartialError lists the collections that failed while others answered.
// Candidates returned alongside it are valid.
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *PartialError) Unwrap() []error {
	return e.Errs
}

type denseHit struct {
	hit        store.QueryHit
	collection string
}

// Retrieve returns candidates scored by negated L2 distance. When some
// collections fail and others answer, the candidates come back with a
// *PartialError.
func (d *DenseRetriever) Retrieve(ctx context.Context, query string, k int) ([]Candidate, error) {
	if k <= 0 || len(d.collections) == 0 {
		return []Candidate{}, nil
	}

	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var hits []denseHit
	var errs []error
	for _, c := range d.collections {
		res, err := c.Query(ctx, vec, k, nil)
		if err != nil {
			slog.Warn("dense_collection_failed",
				slog.String("collection", c.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("collection %s: %w", c.Name(), err))
			continue
		}
		for _, h := range res {
			hits = append(hits, denseHit{hit: h, collection: c.Name()})
		}
	}
	if len(errs) == len(d.collections) {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].hit.Distance < hits[j].hit.Distance })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		md := h.hit.Metadata.Clone()
		if md == nil {
			md = store.Metadata{}
		}
		md["id"] = h.hit.ID
		md["collection"] = h.collection
		out = append(out, Candidate{
			ID:       h.hit.ID,
			Text:     h.hit.Document,
			Metadata: md,
			Score:    -float64(h.hit.Distance),
			Source:   SourceDense,
		})
	}
	if len(errs) > 0 {
		return out, &PartialError{Errs: errs}
	}
	return out, nil
}

// =============================================================================
// Sparse
// =============================================================================

// Corpus is the snapshot a sparse index was built from. The three slices
// are parallel; Metadatas may be nil.
type Corpus struct {
	IDs       []string
	Texts     []string
	Metadatas []store.Metadata
}

// Len returns the number of documents.
func (c Corpus) Len() int {
	return len(c.Texts)
}

// SparseRetriever ranks corpus positions with a sparse index.
type SparseRetriever struct {
	corpus Corpus
	index  sparse.Index
}

var _ Retriever = (*SparseRetriever)(nil)

// NewSparseRetriever pairs a corpus with the index built over it.
func NewSparseRetriever(corpus Corpus, index sparse.Index) *SparseRetriever {
	return &SparseRetriever{corpus: corpus, index: index}
}

// Retrieve returns up to k candidates with a strictly positive score.
// Ranking stops at the first non-positive score.
func (s *SparseRetriever) Retrieve(ctx context.Context, query string, k int) ([]Candidate, error) {
	if k <= 0 || s.corpus.Len() == 0 {
		return []Candidate{}, nil
	}

	scores, err := s.index.Scores(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(scores) != s.corpus.Len() {
		return nil, fmt.Errorf("sparse index returned %d scores for %d documents", len(scores), s.corpus.Len())
	}

	positions := make([]int, len(scores))
	for i := range positions {
		positions[i] = i
	}
	sort.SliceStable(positions, func(i, j int) bool { return scores[positions[i]] > scores[positions[j]] })

	out := make([]Candidate, 0, k)
	for _, pos := range positions {
		if scores[pos] <= 0 || len(out) == k {
			break
		}
		out = append(out, s.candidate(pos, scores[pos]))
	}
	return out, nil
}

func (s *SparseRetriever) candidate(pos int, score float64) Candidate {
	var md store.Metadata
	if pos < len(s.corpus.Metadatas) {
		md = s.corpus.Metadatas[pos].Clone()
	}
	if md == nil {
		md = store.Metadata{}
	}
	var id string
	if pos < len(s.corpus.IDs) {
		id = s.corpus.IDs[pos]
		md["id"] = id
	}
	md["bm25_score"] = score
	return Candidate{
		ID:       id,
		Text:     s.corpus.Texts[pos],
		Metadata: md,
		Score:    score,
		Source:   SourceSparse,
	}
}
