package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

// fakeOllama serves /api/tags and /api/embed with 3-dimensional vectors.
type fakeOllama struct {
	failures  atomic.Int32 // number of 503s to return before succeeding
	requests  atomic.Int32
	lastInput atomic.Value
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"all-minilm:latest"}]}`))
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.failures.Load() > 0 {
			f.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := 1
		if list, ok := req.Input.([]any); ok {
			n = len(list)
		}
		if s, ok := req.Input.(string); ok {
			f.lastInput.Store(s)
		}
		resp := ollamaEmbedResponse{Model: req.Model}
		for i := 0; i < n; i++ {
			resp.Embeddings = append(resp.Embeddings, []float64{3, 4, float64(i)})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestOllama(t *testing.T, srv *httptest.Server, mutate func(*OllamaConfig)) *OllamaEmbedder {
	t.Helper()
	cfg := DefaultOllamaConfig()
	cfg.Host = srv.URL
	cfg.Retry = buddyerrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewOllamaEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// =============================================================================
// Construction
// =============================================================================

func TestNewOllamaEmbedder_ProbesDimension(t *testing.T) {
	// Given: a server with the model installed
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	// When: creating the embedder without a configured dimension
	e := newTestOllama(t, srv, nil)

	// Then: the dimension comes from a probe request
	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, "all-minilm", e.ModelName())
	assert.True(t, e.Available(context.Background()))
}

func TestNewOllamaEmbedder_MissingModel(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.Host = srv.URL
	cfg.Model = "nomic-embed-text"
	_, err := NewOllamaEmbedder(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, buddyerrors.IsRetryable(err))
	assert.Contains(t, buddyerrors.FormatForCLI(err), "ollama pull nomic-embed-text")
}

// =============================================================================
// Embedding
// =============================================================================

func TestOllamaEmbedder_EmbedNormalizes(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	e := newTestOllama(t, srv, nil)

	vec, err := e.Embed(context.Background(), "reset my token")

	require.NoError(t, err)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.Equal(t, "reset my token", fake.lastInput.Load())
}

func TestOllamaEmbedder_EmbedBatch_SplitsAndSkipsBlank(t *testing.T) {
	// Given: batch size 2 and a dimension override (no probe)
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	e := newTestOllama(t, srv, func(c *OllamaConfig) {
		c.BatchSize = 2
		c.Dimensions = 3
	})
	before := fake.requests.Load()

	// When: embedding five texts, one blank
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", " ", "c", "d"})

	// Then: two requests carry the four non-blank texts
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, int32(2), fake.requests.Load()-before)
	assert.Equal(t, []float32{0, 0, 0}, out[2])
	assert.NotZero(t, out[4][0])
}

func TestOllamaEmbedder_RetriesServerErrors(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	e := newTestOllama(t, srv, func(c *OllamaConfig) { c.Dimensions = 3 })

	fake.failures.Store(2)
	vec, err := e.Embed(context.Background(), "flaky")

	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestOllamaEmbedder_GivesUpAfterRetries(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	e := newTestOllama(t, srv, func(c *OllamaConfig) { c.Dimensions = 3 })

	fake.failures.Store(10)
	_, err := e.Embed(context.Background(), "down")

	require.Error(t, err)
	assert.Equal(t, buddyerrors.ErrCodeEmbeddingFailed, buddyerrors.GetCode(err))
}

func TestOllamaEmbedder_ClosedRejectsCalls(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	e := newTestOllama(t, srv, nil)

	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}
