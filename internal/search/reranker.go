package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

// Reranker scores query-document pairs with a cross-encoder. Scores are
// returned in document order; higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// NoOpReranker keeps the incoming order by assigning decreasing scores.
// Used when reranking is disabled.
type NoOpReranker struct{}

var _ Reranker = NoOpReranker{}

// Score returns 1.0, 0.99, 0.98, ...
func (NoOpReranker) Score(_ context.Context, _ string, documents []string) ([]float64, error) {
	scores := make([]float64, len(documents))
	for i := range documents {
		scores[i] = 1.0 - float64(i)*0.01
	}
	return scores, nil
}

// RerankFunc adapts a per-pair scoring function to Reranker.
type RerankFunc func(ctx context.Context, query, document string) (float64, error)

// Score calls f once per document.
func (f RerankFunc) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	scores := make([]float64, len(documents))
	for i, doc := range documents {
		s, err := f(ctx, query, doc)
		if err != nil {
			return nil, fmt.Errorf("score document %d: %w", i, err)
		}
		scores[i] = s
	}
	return scores, nil
}

// =============================================================================
// HTTP cross-encoder
// =============================================================================

// HTTP reranker defaults.
const (
	DefaultRerankerEndpoint = "http://localhost:9659"
	DefaultRerankerModel    = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	DefaultRerankerTimeout  = 30 * time.Second
)

// HTTPRerankerConfig configures an HTTPReranker.
type HTTPRerankerConfig struct {
	// Endpoint is the reranker server URL.
	Endpoint string

	// Model is sent with each request.
	Model string

	// Timeout bounds each /rerank call.
	Timeout time.Duration

	// Retry configures backoff for transient failures.
	Retry buddyerrors.RetryConfig

	// SkipHealthCheck skips the /health probe on creation (for testing).
	SkipHealthCheck bool
}

// DefaultHTTPRerankerConfig returns the default configuration.
func DefaultHTTPRerankerConfig() HTTPRerankerConfig {
	retry := buddyerrors.DefaultRetryConfig()
	retry.MaxRetries = 2
	return HTTPRerankerConfig{
		Endpoint: DefaultRerankerEndpoint,
		Model:    DefaultRerankerModel,
		Timeout:  DefaultRerankerTimeout,
		Retry:    retry,
	}
}

// HTTPReranker calls a cross-encoder service: POST /rerank with
// {query, documents, model}, answered by {results: [{index, score}]}.
type HTTPReranker struct {
	client *http.Client
	config HTTPRerankerConfig
	mu     sync.RWMutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
	Model            string  `json:"model"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// NewHTTPReranker creates a client and, unless skipped, checks /health.
func NewHTTPReranker(ctx context.Context, cfg HTTPRerankerConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRerankerEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultRerankerModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankerTimeout
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = buddyerrors.IsRetryable
	}

	r := &HTTPReranker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config: cfg,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.healthCheck(checkCtx); err != nil {
			return nil, buddyerrors.NetworkError("reranker health check failed", err).
				WithDetail("endpoint", cfg.Endpoint).
				WithSuggestion("Start the reranker service or set reranker.provider to none")
		}
	}

	slog.Debug("http_reranker_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))
	return r, nil
}

func (r *HTTPReranker) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to reranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reranker unhealthy (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Score posts every document in one request.
func (r *HTTPReranker) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("reranker is closed")
	}
	if len(documents) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, Model: r.config.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	start := time.Now()
	result, err := buddyerrors.RetryWithResult(ctx, r.config.Retry, func() (*rerankResponse, error) {
		return r.doRerank(ctx, body)
	})
	if err != nil {
		return nil, buddyerrors.New(buddyerrors.ErrCodeRerankFailed, "rerank request failed", err)
	}

	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, buddyerrors.Newf(buddyerrors.ErrCodeRerankFailed,
				"reranker returned index %d for %d documents", res.Index, len(documents))
		}
		scores[res.Index] = res.Score
		seen[res.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, buddyerrors.Newf(buddyerrors.ErrCodeRerankFailed, "reranker returned no score for document %d", i)
		}
	}

	slog.Debug("reranker_http_timing",
		slog.String("query", truncateQuery(query, 50)),
		slog.Int("doc_count", len(documents)),
		slog.Int("payload_bytes", len(body)),
		slog.Duration("total", time.Since(start)),
		slog.Float64("server_time_ms", result.ProcessingTimeMs))
	return scores, nil
}

func (r *HTTPReranker) doRerank(ctx context.Context, body []byte) (*rerankResponse, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, r.config.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, buddyerrors.NetworkError("rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("rerank failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode >= 500 {
			return nil, buddyerrors.NetworkError(msg, nil)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return &result, nil
}

// Available reports whether /health answers.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.healthCheck(checkCtx) == nil
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if transport, ok := r.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}
