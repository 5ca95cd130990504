package embed

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (magnitude(a) * magnitude(b))
}

// =============================================================================
// Basic embedding
// =============================================================================

func TestStaticEmbedder_Embed_ReturnsConfiguredDimensions(t *testing.T) {
	// Given: static embedders with default and custom dimensions
	def := NewStaticEmbedder(0)
	custom := NewStaticEmbedder(64)

	// When: embedding a ticket summary
	v1, err1 := def.Embed(context.Background(), "VPN disconnects every hour")
	v2, err2 := custom.Embed(context.Background(), "VPN disconnects every hour")

	// Then: vector lengths match the dimensions
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Len(t, v1, StaticDimensions)
	assert.Len(t, v2, 64)
	assert.Equal(t, 64, custom.Dimensions())
	assert.Equal(t, "static-64", custom.ModelName())
}

func TestStaticEmbedder_Embed_IsNormalizedAndDeterministic(t *testing.T) {
	a := NewStaticEmbedder(128)
	b := NewStaticEmbedder(128)
	text := "NullPointerException in PaymentService.processRefund"

	v1, err := a.Embed(context.Background(), text)
	require.NoError(t, err)
	v2, err := b.Embed(context.Background(), text)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, magnitude(v1), 0.001)
	assert.Equal(t, v1, v2, "same text gives the same vector across instances")
}

func TestStaticEmbedder_Embed_BlankReturnsZeroVector(t *testing.T) {
	e := NewStaticEmbedder(32)

	for _, text := range []string{"", "   \n\t"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Len(t, vec, 32)
		assert.Zero(t, magnitude(vec))
	}
}

func TestStaticEmbedder_SimilarTextsAreCloser(t *testing.T) {
	// Given: two related tickets and one unrelated
	e := NewStaticEmbedder(0)
	ctx := context.Background()
	login1, _ := e.Embed(ctx, "user cannot login after password reset")
	login2, _ := e.Embed(ctx, "login fails after resetting password")
	other, _ := e.Embed(ctx, "quarterly invoice totals are wrong")

	// Then: related texts are more similar
	assert.Greater(t, cosine(login1, login2), cosine(login1, other))
}

// =============================================================================
// Tokenization
// =============================================================================

func TestTokenize_SplitsIdentifiers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"getUserById", []string{"get", "user", "by", "id"}},
		{"HTTPServerError", []string{"http", "server", "error"}},
		{"max_retry_count", []string{"max", "retry", "count"}},
		{"ERR-401 timeout!", []string{"err", "401", "timeout"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenize(tt.in))
		})
	}
}

func TestFilterFillerWords(t *testing.T) {
	got := filterFillerWords([]string{"the", "printer", "is", "offline"})

	assert.Equal(t, []string{"printer", "offline"}, got)
}

func TestExtractNgrams_Unicode(t *testing.T) {
	assert.Equal(t, []string{"déj", "éjà"}, extractNgrams("déjà", 3))
	assert.Empty(t, extractNgrams("ab", 3))
}

// =============================================================================
// Batch and lifecycle
// =============================================================================

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	e := NewStaticEmbedder(16)
	ctx := context.Background()

	out, err := e.EmbedBatch(ctx, []string{"disk full", "", "disk full"})

	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, out[0], out[2])
	assert.Zero(t, magnitude(out[1]))

	empty, err := e.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaticEmbedder_LongText(t *testing.T) {
	e := NewStaticEmbedder(0)

	vec, err := e.Embed(context.Background(), strings.Repeat("stack trace line ", 5000))

	require.NoError(t, err)
	assert.InDelta(t, 1.0, magnitude(vec), 0.001)
}

func TestStaticEmbedder_Close(t *testing.T) {
	e := NewStaticEmbedder(8)
	assert.True(t, e.Available(context.Background()))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is idempotent")

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
	_, err = e.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}
