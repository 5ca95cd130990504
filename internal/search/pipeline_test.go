package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
)

// stubRetriever returns fixed candidates and records the k it was asked for.
type stubRetriever struct {
	cands []Candidate
	err   error

	mu    sync.Mutex
	lastK int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, k int) ([]Candidate, error) {
	s.mu.Lock()
	s.lastK = k
	s.mu.Unlock()
	cands := s.cands
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, s.err
}

// scoreByText scores documents from a lookup table; unknown texts score 0.
func scoreByText(table map[string]float64) RerankFunc {
	return func(_ context.Context, _ string, doc string) (float64, error) {
		return table[doc], nil
	}
}

func resultIDs(results []FusedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// =============================================================================
// Retrieval, fusion and rerank
// =============================================================================

func TestPipeline_Search_FullFlow(t *testing.T) {
	// Given: overlapping dense and sparse candidates and a reranker
	// preferring "c"
	p := NewPipeline(
		&stubRetriever{cands: dense("a", "b")},
		&stubRetriever{cands: sparseCands("b", "c")},
		scoreByText(map[string]float64{"text a": 0.2, "text b": 0.5, "text c": 0.9}),
	)

	// When: searching
	resp, err := p.Search(context.Background(), Request{Query: "vpn down"})

	// Then: results are reranked, deduplicated and ranked from 1
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, resultIDs(resp.Results))
	assert.Equal(t, []int{1, 2, 3}, []int{resp.Results[0].Rank, resp.Results[1].Rank, resp.Results[2].Rank})
	assert.InDelta(t, 0.9, resp.Results[0].RerankScore, 1e-9)
	assert.Equal(t, SourceSparse, resp.Results[0].Source)
	assert.Equal(t, 3, resp.Results[0].RetrievalRank)
	assert.True(t, resp.Results[1].InBoth)

	assert.Equal(t, StateDone, resp.State)
	assert.Equal(t, []State{StateIdle, StateRetrieving, StateFusing, StateReranking, StateDone}, resp.Diagnostics.Trace)
	assert.Equal(t, 2, resp.Diagnostics.DenseCount)
	assert.Equal(t, 2, resp.Diagnostics.SparseCount)
	assert.Equal(t, 3, resp.Diagnostics.FusedCount)
	assert.Equal(t, 1, resp.Diagnostics.Duplicates)
	assert.Contains(t, resp.Diagnostics.Stages, "retrieving")
	assert.Contains(t, resp.Diagnostics.Stages, "reranking")
	assert.False(t, resp.Answered)
	assert.Empty(t, resp.Answer)
}

func TestPipeline_Search_TruncatesToRerankK(t *testing.T) {
	p := NewPipeline(&stubRetriever{cands: dense("a", "b", "c", "d", "e")}, nil, nil)

	resp, err := p.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs(resp.Results))

	resp, err = p.Search(context.Background(), Request{Query: "q", RerankK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resultIDs(resp.Results))
}

func TestPipeline_Search_TiesKeepRetrievalOrder(t *testing.T) {
	flat := RerankFunc(func(context.Context, string, string) (float64, error) { return 0.5, nil })
	p := NewPipeline(&stubRetriever{cands: dense("a", "b")}, &stubRetriever{cands: sparseCands("c")}, flat)

	resp, err := p.Search(context.Background(), Request{Query: "q", RerankK: 5})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs(resp.Results))
}

func TestPipeline_Search_UsesRequestAndDefaultCounts(t *testing.T) {
	d := &stubRetriever{cands: dense("a")}
	s := &stubRetriever{cands: sparseCands("b")}
	p := NewPipeline(d, s, nil, WithDefaults(7, 9, 2))

	_, err := p.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 7, d.lastK)
	assert.Equal(t, 9, s.lastK)

	_, err = p.Search(context.Background(), Request{Query: "q", KDense: 1, KSparse: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, d.lastK)
	assert.Equal(t, 2, s.lastK)
}

func TestPipeline_Search_EmptyQuery(t *testing.T) {
	p := NewPipeline(&stubRetriever{}, &stubRetriever{}, nil)

	for _, q := range []string{"", "   "} {
		_, err := p.Search(context.Background(), Request{Query: q})
		require.Error(t, err)
		assert.True(t, buddyerrors.IsValidation(err))
		assert.Equal(t, buddyerrors.ErrCodeQueryEmpty, buddyerrors.GetCode(err))
	}
}

func TestPipeline_Search_OneRetrieverFails(t *testing.T) {
	// Given: a failing dense retriever
	p := NewPipeline(
		&stubRetriever{err: errors.New("embedder offline")},
		&stubRetriever{cands: sparseCands("x")},
		nil,
	)

	// When: searching
	resp, err := p.Search(context.Background(), Request{Query: "q"})

	// Then: sparse results are returned and the failure is recorded
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, resultIDs(resp.Results))
	assert.Contains(t, resp.Diagnostics.DenseError, "embedder offline")
	assert.Empty(t, resp.Diagnostics.SparseError)
}

func TestPipeline_Search_PartialDenseFailureIsRecorded(t *testing.T) {
	// Given: a dense retriever where one collection failed
	partial := &PartialError{Errs: []error{errors.New("collection issues: collection is closed")}}
	p := NewPipeline(
		&stubRetriever{cands: dense("a"), err: partial},
		&stubRetriever{cands: sparseCands("x")},
		nil,
	)

	// When: searching
	resp, err := p.Search(context.Background(), Request{Query: "q"})

	// Then: dense hits are still fused and the failure shows in diagnostics
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "x"}, resultIDs(resp.Results))
	assert.Equal(t, 1, resp.Diagnostics.DenseCount)
	assert.Contains(t, resp.Diagnostics.DenseError, "collection issues")
}

func TestPipeline_Search_BothRetrieversFail(t *testing.T) {
	p := NewPipeline(
		&stubRetriever{err: errors.New("dense boom")},
		&stubRetriever{err: errors.New("sparse boom")},
		nil,
	)
	before := testutil.ToFloat64(telemetry.PipelineSearches.WithLabelValues("error"))

	_, err := p.Search(context.Background(), Request{Query: "q"})

	require.Error(t, err)
	assert.Equal(t, buddyerrors.ErrCodeSearchFailed, buddyerrors.GetCode(err))
	assert.Contains(t, err.Error(), "dense boom")
	assert.Contains(t, err.Error(), "sparse boom")
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.PipelineSearches.WithLabelValues("error")))
}

func TestPipeline_Search_NoCandidates(t *testing.T) {
	p := NewPipeline(&stubRetriever{}, &stubRetriever{}, nil)

	resp, err := p.Search(context.Background(), Request{Query: "q"})

	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, StateDone, resp.State)
}

func TestPipeline_Search_RerankFailureKeepsFusedOrder(t *testing.T) {
	tests := []struct {
		name     string
		reranker Reranker
	}{
		{
			name: "error",
			reranker: RerankFunc(func(context.Context, string, string) (float64, error) {
				return 0, errors.New("cross-encoder crashed")
			}),
		},
		{
			name:     "wrong score count",
			reranker: shortReranker{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a reranker that cannot score
			p := NewPipeline(&stubRetriever{cands: dense("a", "b")}, &stubRetriever{cands: sparseCands("c", "d")}, tt.reranker)
			before := testutil.ToFloat64(telemetry.RerankFailures)

			// When: searching
			resp, err := p.Search(context.Background(), Request{Query: "q"})

			// Then: the fused order survives, truncated to rerank_k
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, resultIDs(resp.Results))
			assert.True(t, resp.Diagnostics.RerankFallback)
			assert.NotEmpty(t, resp.Diagnostics.RerankError)
			assert.Equal(t, before+1, testutil.ToFloat64(telemetry.RerankFailures))
		})
	}
}

type shortReranker struct{}

func (shortReranker) Score(context.Context, string, []string) ([]float64, error) {
	return []float64{1}, nil
}

// =============================================================================
// Generation
// =============================================================================

func TestPipeline_Search_GeneratesFromTopContext(t *testing.T) {
	// Given: a generator that records its context
	var gotQuestion, gotContext string
	gen := GenerateFunc(func(_ context.Context, question, contextText string) (string, error) {
		gotQuestion, gotContext = question, contextText
		return "restart the gateway", nil
	})
	p := NewPipeline(
		&stubRetriever{cands: dense("a", "b", "c", "d")},
		nil,
		nil,
		WithGenerator(gen),
	)

	// When: searching with generation
	resp, err := p.Search(context.Background(), Request{Query: "gateway 503", WithGeneration: true})

	// Then: the top rerank_k texts are joined with newlines
	require.NoError(t, err)
	assert.Equal(t, "gateway 503", gotQuestion)
	assert.Equal(t, "text a\ntext b\ntext c", gotContext)
	assert.Equal(t, "restart the gateway", resp.Answer)
	assert.True(t, resp.Answered)
	assert.Equal(t, []State{StateIdle, StateRetrieving, StateFusing, StateReranking, StateGenerating, StateDone}, resp.Diagnostics.Trace)
}

func TestPipeline_Search_GenerationNotRequested(t *testing.T) {
	called := false
	gen := GenerateFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "x", nil
	})
	p := NewPipeline(&stubRetriever{cands: dense("a")}, nil, nil, WithGenerator(gen))

	resp, err := p.Search(context.Background(), Request{Query: "q"})

	require.NoError(t, err)
	assert.False(t, called)
	assert.False(t, resp.Answered)
}

func TestPipeline_Search_GenerationSkippedWithoutResults(t *testing.T) {
	called := false
	gen := GenerateFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "x", nil
	})
	p := NewPipeline(&stubRetriever{}, nil, nil, WithGenerator(gen))

	resp, err := p.Search(context.Background(), Request{Query: "q", WithGeneration: true})

	require.NoError(t, err)
	assert.False(t, called)
	assert.NotContains(t, resp.Diagnostics.Trace, StateGenerating)
}

func TestPipeline_Search_GenerationRequestedWithoutGenerator(t *testing.T) {
	p := NewPipeline(&stubRetriever{cands: dense("a")}, nil, nil)

	resp, err := p.Search(context.Background(), Request{Query: "q", WithGeneration: true})

	require.NoError(t, err)
	assert.False(t, resp.Answered)
	assert.Len(t, resp.Results, 1)
}

func TestPipeline_Search_GenerationFailureKeepsResults(t *testing.T) {
	// Given: a failing generator
	gen := GenerateFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("model not loaded")
	})
	p := NewPipeline(&stubRetriever{cands: dense("a", "b")}, nil, nil, WithGenerator(gen))
	before := testutil.ToFloat64(telemetry.GenerationFailures)

	// When: searching with generation
	resp, err := p.Search(context.Background(), Request{Query: "q", WithGeneration: true})

	// Then: retrieval work is returned and the answer is empty
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, resultIDs(resp.Results))
	assert.Empty(t, resp.Answer)
	assert.False(t, resp.Answered)
	assert.Contains(t, resp.Diagnostics.GenerationError, "model not loaded")
	assert.Equal(t, StateDone, resp.State)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.GenerationFailures))
}

func TestPipeline_Search_GenerationTimeout(t *testing.T) {
	// Given: a generator that waits for cancellation
	gen := GenerateFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := NewPipeline(&stubRetriever{cands: dense("a")}, nil, nil,
		WithGenerator(gen),
		WithGenerationTimeout(20*time.Millisecond))

	// When: searching with generation
	start := time.Now()
	resp, err := p.Search(context.Background(), Request{Query: "q", WithGeneration: true})

	// Then: the stage is cut off and results still come back
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, resp.Results, 1)
	assert.False(t, resp.Answered)
	assert.Contains(t, resp.Diagnostics.GenerationError, "deadline")
}

// =============================================================================
// Query log
// =============================================================================

func TestPipeline_Search_RecordsQueryLog(t *testing.T) {
	log := telemetry.NewQueryLog(100, 10)
	p := NewPipeline(&stubRetriever{cands: dense("a")}, nil, nil, WithQueryLog(log))

	_, err := p.Search(context.Background(), Request{Query: "gateway timeout"})
	require.NoError(t, err)
	_, err = p.Search(context.Background(), Request{Query: "gateway timeout"})
	require.NoError(t, err)

	snap := log.Snapshot(5)
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.ExactRepeats)
	require.Len(t, snap.TopTerms, 2)
	assert.Equal(t, telemetry.TermCount{Term: "gateway", Count: 2}, snap.TopTerms[0])
}

func TestPipeline_Search_ConcurrentUse(t *testing.T) {
	p := NewPipeline(&stubRetriever{cands: dense("a", "b")}, &stubRetriever{cands: sparseCands("c")}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Search(context.Background(), Request{Query: "q"})
			assert.NoError(t, err)
			assert.Len(t, resp.Results, 3)
		}()
	}
	wg.Wait()
}
