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
	"time"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

// Generator answers a question from retrieved context.
type Generator interface {
	Generate(ctx context.Context, question, contextText string) (string, error)
}

// GenerateFunc adapts a function to Generator.
type GenerateFunc func(ctx context.Context, question, contextText string) (string, error)

// Generate calls f.
func (f GenerateFunc) Generate(ctx context.Context, question, contextText string) (string, error) {
	return f(ctx, question, contextText)
}

// Default Ollama generator configuration.
const (
	DefaultGenerationHost    = "http://localhost:11434"
	DefaultGenerationModel   = "llama3.2"
	DefaultGenerationTimeout = 60 * time.Second
)

// OllamaGeneratorConfig configures an OllamaGenerator.
type OllamaGeneratorConfig struct {
	Host        string
	Model       string
	MaxFailures int // consecutive failures before the circuit opens
	Retry       buddyerrors.RetryConfig
}

// OllamaGenerator calls Ollama's /api/generate without streaming. Calls go
// through a circuit breaker so a dead service fails fast.
type OllamaGenerator struct {
	client  *http.Client
	config  OllamaGeneratorConfig
	breaker *buddyerrors.CircuitBreaker
}

var _ Generator = (*OllamaGenerator)(nil)

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const answerPromptTemplate = `You are a production support assistant. Use only the context below to answer.

Context:
%s

Question:
%s

Instructions:
- Give the key action points to resolve the issue
- Mention root cause and solution when the context has them
- Say you do not know if the context does not cover the question

Answer:`

// NewOllamaGenerator creates a generator. Timeouts come from the caller's
// context.
func NewOllamaGenerator(cfg OllamaGeneratorConfig) *OllamaGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultGenerationHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultGenerationModel
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = buddyerrors.IsRetryable
	}
	return &OllamaGenerator{
		client:  &http.Client{},
		config:  cfg,
		breaker: buddyerrors.NewCircuitBreaker("generator", buddyerrors.WithMaxFailures(cfg.MaxFailures)),
	}
}

// Generate builds the support prompt and returns the trimmed response.
func (g *OllamaGenerator) Generate(ctx context.Context, question, contextText string) (string, error) {
	prompt := fmt.Sprintf(answerPromptTemplate, contextText, question)
	body, err := json.Marshal(generateRequest{Model: g.config.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	answer, err := buddyerrors.CircuitExecute(g.breaker, func() (string, error) {
		return buddyerrors.RetryWithResult(ctx, g.config.Retry, func() (string, error) {
			return g.generate(ctx, body)
		})
	})
	if err != nil {
		return "", buddyerrors.New(buddyerrors.ErrCodeGenerationFailed, "answer generation failed", err).
			WithDetail("model", g.config.Model).
			WithDetail("circuit", g.breaker.State().String())
	}

	answer = strings.TrimSpace(answer)
	answer = strings.TrimSpace(strings.TrimPrefix(answer, "Answer:"))
	return answer, nil
}

func (g *OllamaGenerator) generate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", buddyerrors.NetworkError("generate request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode >= 500 {
			return "", buddyerrors.NetworkError(msg, nil)
		}
		return "", fmt.Errorf("%s", msg)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	slog.Debug("generation_complete",
		slog.String("model", g.config.Model),
		slog.Int("answer_len", len(genResp.Response)),
		slog.Bool("done", genResp.Done))
	return genResp.Response, nil
}

// Available checks if Ollama is reachable.
func (g *OllamaGenerator) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// ModelName returns the model being used.
func (g *OllamaGenerator) ModelName() string {
	return g.config.Model
}

// Breaker exposes the circuit breaker state for status output.
func (g *OllamaGenerator) Breaker() *buddyerrors.CircuitBreaker {
	return g.breaker
}
