package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsrini7/Smart-Support-Buddy/internal/sparse"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
)

func newTestHandle(t *testing.T, r *store.Registry, cfg HandleConfig) *PipelineHandle {
	t.Helper()
	h := NewPipelineHandle(r, keywordEmbedder(), nil, cfg)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestPipelineHandle_BuildsLazily(t *testing.T) {
	// Given: one populated collection and one that does not exist
	r := newTestRegistry(t)
	seedCollection(t, r, "issues",
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
		[]string{"vpn tunnel drops", "printer jams"})
	h := newTestHandle(t, r, HandleConfig{Collections: []string{"issues", "confluence"}})
	assert.False(t, h.Info().Built)

	// When: searching
	resp, err := h.Search(context.Background(), Request{Query: "vpn tunnel"})

	// Then: the snapshot covers only the existing collection
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.True(t, resp.Results[0].InBoth)
	info := h.Info()
	assert.True(t, info.Built)
	assert.Equal(t, []string{"issues"}, info.Collections)
	assert.Equal(t, 2, info.CorpusSize)
	assert.Equal(t, sparse.BackendOkapi, info.SparseKind)
}

func TestPipelineHandle_SnapshotIsStableUntilInvalidated(t *testing.T) {
	// Given: a built handle
	r := newTestRegistry(t)
	c := seedCollection(t, r, "issues", []string{"a"}, [][]float32{{1, 0, 0}}, []string{"vpn tunnel drops"})
	h := newTestHandle(t, r, HandleConfig{Collections: []string{"issues"}})
	first, err := h.Pipeline(context.Background())
	require.NoError(t, err)

	// When: ingesting more records
	_, err = c.Add(context.Background(), []string{"b"}, [][]float32{{0, 1, 0}}, []string{"printer jams"}, nil)
	require.NoError(t, err)

	// Then: the snapshot is unchanged until invalidated
	again, err := h.Pipeline(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, h.Info().CorpusSize)

	h.Invalidate()
	assert.False(t, h.Info().Built)

	rebuilt, err := h.Pipeline(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 2, h.Info().CorpusSize)
}

func TestPipelineHandle_Rebuild(t *testing.T) {
	r := newTestRegistry(t)
	seedCollection(t, r, "issues", []string{"a"}, [][]float32{{1, 0, 0}}, []string{"vpn"})
	h := newTestHandle(t, r, HandleConfig{Collections: []string{"issues"}})

	require.NoError(t, h.Rebuild(context.Background()))

	assert.True(t, h.Info().Built)
	assert.Equal(t, 1, h.Info().CorpusSize)
}

func TestPipelineHandle_EmptyCorpusGivesNoResults(t *testing.T) {
	// Given: a registry with no collections
	h := newTestHandle(t, newTestRegistry(t), HandleConfig{})

	// When: searching
	resp, err := h.Search(context.Background(), Request{Query: "vpn"})

	// Then: the search succeeds with no results
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, h.Info().CorpusSize)
	assert.Equal(t, DefaultCollections, h.cfg.Collections)
}

func TestPipelineHandle_UnifiesCollectionsInSparseCorpus(t *testing.T) {
	// Given: records spread over two collections, SQLite sparse backend
	r := newTestRegistry(t)
	seedCollection(t, r, "issues", []string{"a"}, [][]float32{{0, 0, 1}}, []string{"disk quota exceeded on build agent"})
	seedCollection(t, r, "stackoverflow", []string{"so-1"}, [][]float32{{0, 0, 1}}, []string{"how to raise disk quota"})
	cfg := HandleConfig{
		Collections: []string{"issues", "stackoverflow"},
		KDense:      1,
		KSparse:     5,
		RerankK:     5,
		Sparse:      sparse.Config{Backend: sparse.BackendSQLite, Stemming: true},
	}
	h := newTestHandle(t, r, cfg)

	// When: searching for a term both records share
	resp, err := h.Search(context.Background(), Request{Query: "quota"})

	// Then: both collections contribute and are tagged
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "so-1"}, resultIDs(resp.Results))
	for _, res := range resp.Results {
		assert.Contains(t, []any{"issues", "stackoverflow"}, res.Metadata["collection"])
	}
	assert.Equal(t, 2, h.Info().CorpusSize)
	assert.Equal(t, 1, resp.Diagnostics.DenseCount)
	assert.Equal(t, 2, resp.Diagnostics.SparseCount)
}

func TestPipelineHandle_CloseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	seedCollection(t, r, "issues", []string{"a"}, [][]float32{{1, 0, 0}}, []string{"vpn"})
	h := NewPipelineHandle(r, keywordEmbedder(), nil, HandleConfig{Collections: []string{"issues"}, Sparse: sparse.Config{Backend: sparse.BackendSQLite}})
	require.NoError(t, h.Rebuild(context.Background()))

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.False(t, h.Info().Built)
}
