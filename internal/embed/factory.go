package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rsrini7/Smart-Support-Buddy/internal/config"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOllama uses the Ollama HTTP API
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings and needs no service
	ProviderStatic ProviderType = "static"
)

// ParseProvider converts a string to a ProviderType. Unknown values map to
// ProviderStatic.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama":
		return ProviderOllama
	default:
		return ProviderStatic
	}
}

// NewEmbedder creates the embedder described by cfg, wrapped in an LRU cache
// when cfg.CacheSize > 0. An explicitly configured Ollama provider that
// cannot be reached is an error; it never silently falls back to static
// vectors, which would mix incompatible embeddings in one collection.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	var (
		embedder Embedder
		err      error
	)

	switch ParseProvider(cfg.Provider) {
	case ProviderOllama:
		oc := DefaultOllamaConfig()
		if cfg.OllamaHost != "" {
			oc.Host = cfg.OllamaHost
		}
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		oc.Dimensions = cfg.Dimensions
		if cfg.BatchSize > 0 {
			oc.BatchSize = cfg.BatchSize
		}
		oc.Timeout = config.Duration(cfg.Timeout, DefaultTimeout)
		embedder, err = NewOllamaEmbedder(ctx, oc)
	default:
		embedder = NewStaticEmbedder(cfg.Dimensions)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", cfg.Provider, err)
	}

	slog.Debug("embedder_created",
		slog.String("provider", cfg.Provider),
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", embedder.Dimensions()))

	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(embedder, cfg.CacheSize), nil
	}
	return embedder, nil
}
