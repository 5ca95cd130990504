package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dense(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{ID: id, Text: "text " + id, Score: -float64(i), Source: SourceDense}
	}
	return out
}

func sparseCands(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{ID: id, Text: "text " + id, Score: float64(10 - i), Source: SourceSparse}
	}
	return out
}

func fusedIDs(fused []FusedCandidate) []string {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
	}
	return ids
}

func TestFuse_DedupsByIDDenseFirst(t *testing.T) {
	// Given: "b" returned by both retrievers
	d := dense("a", "b")
	s := sparseCands("b", "c")

	// When: fusing
	fused, dups := Fuse(d, s)

	// Then: "b" appears once, in its dense position, marked as in both
	assert.Equal(t, []string{"a", "b", "c"}, fusedIDs(fused))
	assert.Equal(t, 1, dups)
	require.Len(t, fused, 3)
	assert.Equal(t, SourceDense, fused[1].Source)
	assert.True(t, fused[1].InBoth)
	assert.False(t, fused[0].InBoth)
	assert.False(t, fused[2].InBoth)
}

func TestFuse_FallsBackToTextKey(t *testing.T) {
	d := []Candidate{{Text: "restart the gateway", Source: SourceDense}}
	s := []Candidate{
		{Text: "restart the gateway", Source: SourceSparse},
		{Text: "clear the cache", Source: SourceSparse},
	}

	fused, dups := Fuse(d, s)

	require.Len(t, fused, 2)
	assert.Equal(t, 1, dups)
	assert.True(t, fused[0].InBoth)
	assert.Equal(t, "clear the cache", fused[1].Text)
}

func TestFuse_SameSourceRepeatIsNotInBoth(t *testing.T) {
	fused, dups := Fuse(dense("a", "a"), nil)

	require.Len(t, fused, 1)
	assert.Equal(t, 1, dups)
	assert.False(t, fused[0].InBoth)
}

func TestFuse_Empty(t *testing.T) {
	fused, dups := Fuse(nil, nil)

	assert.NotNil(t, fused)
	assert.Empty(t, fused)
	assert.Zero(t, dups)
}
