package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

func TestNoOpReranker_PreservesOrder(t *testing.T) {
	scores, err := NoOpReranker{}.Score(context.Background(), "q", []string{"a", "b", "c"})

	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[1], scores[2])
	assert.InDelta(t, 1.0, scores[0], 1e-9)
}

func TestRerankFunc_ScoresEachDocument(t *testing.T) {
	f := RerankFunc(func(_ context.Context, _ string, doc string) (float64, error) {
		if doc == "bad" {
			return 0, errors.New("boom")
		}
		return float64(len(doc)), nil
	})

	scores, err := f.Score(context.Background(), "q", []string{"a", "abc"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3}, scores)

	_, err = f.Score(context.Background(), "q", []string{"a", "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document 1")
}

// =============================================================================
// HTTPReranker
// =============================================================================

type rerankServer struct {
	*httptest.Server
	calls   atomic.Int32
	failN   atomic.Int32 // fail the first failN calls with status
	status  atomic.Int32
	lastReq atomic.Pointer[rerankRequest]
}

func newRerankServer(t *testing.T, respond func(req rerankRequest) any) *rerankServer {
	t.Helper()
	rs := &rerankServer{}
	rs.status.Store(http.StatusInternalServerError)
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/rerank":
			n := rs.calls.Add(1)
			if n <= rs.failN.Load() {
				http.Error(w, "model loading", int(rs.status.Load()))
				return
			}
			var req rerankRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rs.lastReq.Store(&req)
			_ = json.NewEncoder(w).Encode(respond(req))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

// reverseScores answers in reverse index order with score = index.
func reverseScores(req rerankRequest) any {
	type result struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	out := make([]result, 0, len(req.Documents))
	for i := len(req.Documents) - 1; i >= 0; i-- {
		out = append(out, result{Index: i, Score: float64(i)})
	}
	return map[string]any{"results": out, "model": req.Model}
}

func testRerankerConfig(endpoint string) HTTPRerankerConfig {
	cfg := DefaultHTTPRerankerConfig()
	cfg.Endpoint = endpoint
	cfg.Timeout = 2 * time.Second
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestHTTPReranker_MapsScoresByIndex(t *testing.T) {
	// Given: a server answering out of order
	srv := newRerankServer(t, reverseScores)
	r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
	require.NoError(t, err)
	defer r.Close()

	// When: scoring three documents
	scores, err := r.Score(context.Background(), "vpn", []string{"d0", "d1", "d2"})

	// Then: scores line up with document positions
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, scores)
	assert.Equal(t, "vpn", srv.lastReq.Load().Query)
	assert.Equal(t, []string{"d0", "d1", "d2"}, srv.lastReq.Load().Documents)
	assert.Equal(t, DefaultRerankerModel, srv.lastReq.Load().Model)
}

func TestHTTPReranker_RetriesServerErrors(t *testing.T) {
	srv := newRerankServer(t, reverseScores)
	srv.failN.Store(2)
	r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
	require.NoError(t, err)
	defer r.Close()

	scores, err := r.Score(context.Background(), "q", []string{"a", "b"})

	require.NoError(t, err)
	assert.Len(t, scores, 2)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestHTTPReranker_ClientErrorNotRetried(t *testing.T) {
	srv := newRerankServer(t, reverseScores)
	srv.failN.Store(10)
	srv.status.Store(http.StatusBadRequest)
	r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Score(context.Background(), "q", []string{"a"})

	require.Error(t, err)
	assert.Equal(t, buddyerrors.ErrCodeRerankFailed, buddyerrors.GetCode(err))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestHTTPReranker_MissingOrBadIndex(t *testing.T) {
	tests := []struct {
		name    string
		respond func(rerankRequest) any
	}{
		{
			name: "missing",
			respond: func(rerankRequest) any {
				return map[string]any{"results": []map[string]any{{"index": 0, "score": 1.0}}}
			},
		},
		{
			name: "out of range",
			respond: func(rerankRequest) any {
				return map[string]any{"results": []map[string]any{{"index": 0, "score": 1.0}, {"index": 7, "score": 1.0}}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRerankServer(t, tt.respond)
			r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
			require.NoError(t, err)
			defer r.Close()

			_, err = r.Score(context.Background(), "q", []string{"a", "b"})

			require.Error(t, err)
			assert.Equal(t, buddyerrors.ErrCodeRerankFailed, buddyerrors.GetCode(err))
		})
	}
}

func TestHTTPReranker_EmptyDocumentsSkipsRequest(t *testing.T) {
	srv := newRerankServer(t, reverseScores)
	r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
	require.NoError(t, err)
	defer r.Close()

	scores, err := r.Score(context.Background(), "q", nil)

	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, srv.calls.Load())
}

func TestHTTPReranker_HealthCheckFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))

	require.Error(t, err)
	assert.Equal(t, buddyerrors.ErrCodeNetworkUnavailable, buddyerrors.GetCode(err))
}

func TestHTTPReranker_Close(t *testing.T) {
	srv := newRerankServer(t, reverseScores)
	r, err := NewHTTPReranker(context.Background(), testRerankerConfig(srv.URL))
	require.NoError(t, err)
	assert.True(t, r.Available(context.Background()))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.False(t, r.Available(context.Background()))
	_, err = r.Score(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}
