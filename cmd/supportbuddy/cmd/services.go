package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rsrini7/Smart-Support-Buddy/internal/config"
	"github.com/rsrini7/Smart-Support-Buddy/internal/embed"
	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/search"
	"github.com/rsrini7/Smart-Support-Buddy/internal/sparse"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
)

// services holds the embedder and registry the data commands share.
type services struct {
	cfg      *config.Config
	embedder embed.Embedder
	registry *store.Registry
}

// openServices builds the embedder and opens the registry described by the
// configuration.
func (o *rootOptions) openServices(ctx context.Context) (*services, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, buddyerrors.ConfigError(err.Error(), err).
			WithSuggestion("Run 'supportbuddy config show' to inspect the merged configuration")
	}

	embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return nil, err
	}

	registry, err := store.NewRegistry(ctx, cfg.Store.BasePath, embedder,
		store.WithIndexBackend(cfg.Store.IndexBackend),
		store.WithMetaCompression(cfg.Store.CompressMeta),
		store.WithDefaultDimension(cfg.Store.DefaultDimension),
	)
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}

	return &services{cfg: cfg, embedder: embedder, registry: registry}, nil
}

// Close closes the registry and the embedder.
func (s *services) Close() error {
	return errors.Join(s.registry.Close(), s.embedder.Close())
}

// newReranker returns the configured reranker. An unreachable reranker
// service degrades to fused order instead of failing the command.
func (s *services) newReranker(ctx context.Context) (search.Reranker, func()) {
	if s.cfg.Reranker.Provider != "http" {
		return search.NoOpReranker{}, func() {}
	}

	rc := search.DefaultHTTPRerankerConfig()
	if s.cfg.Reranker.Endpoint != "" {
		rc.Endpoint = s.cfg.Reranker.Endpoint
	}
	if s.cfg.Reranker.Model != "" {
		rc.Model = s.cfg.Reranker.Model
	}
	rc.Timeout = config.Duration(s.cfg.Reranker.Timeout, search.DefaultRerankerTimeout)

	r, err := search.NewHTTPReranker(ctx, rc)
	if err != nil {
		slog.Warn("reranker_unavailable",
			slog.String("endpoint", rc.Endpoint),
			slog.String("error", err.Error()))
		return search.NoOpReranker{}, func() {}
	}
	return r, func() { _ = r.Close() }
}

// newGenerator returns the answer generator, or nil when generation is
// neither configured nor forced.
func (s *services) newGenerator(force bool) search.Generator {
	if !s.cfg.Generation.Enabled && !force {
		return nil
	}
	return search.NewOllamaGenerator(search.OllamaGeneratorConfig{
		Host:        s.cfg.Generation.OllamaHost,
		Model:       s.cfg.Generation.Model,
		MaxFailures: s.cfg.Generation.MaxFailures,
		Retry:       buddyerrors.DefaultRetryConfig(),
	})
}

// handleOptions adjusts the pipeline built by newHandle.
type handleOptions struct {
	generate bool
	queryLog *telemetry.QueryLog
}

// newHandle builds a lazily snapshotted pipeline over the configured
// collections. The returned cleanup closes the handle and the reranker.
func (s *services) newHandle(ctx context.Context, ho handleOptions) (*search.PipelineHandle, func(), error) {
	backend, err := sparse.ParseBackend(s.cfg.Retrieval.SparseBackend)
	if err != nil {
		return nil, nil, buddyerrors.ConfigError(err.Error(), nil)
	}
	sparseCfg := sparse.DefaultConfig()
	sparseCfg.Backend = backend
	sparseCfg.Stemming = s.cfg.Retrieval.Stemming

	reranker, closeReranker := s.newReranker(ctx)
	handle := search.NewPipelineHandle(s.registry, s.embedder, reranker, search.HandleConfig{
		Collections:       s.cfg.Retrieval.Collections,
		KDense:            s.cfg.Retrieval.KDense,
		KSparse:           s.cfg.Retrieval.KSparse,
		RerankK:           s.cfg.Retrieval.RerankK,
		Sparse:            sparseCfg,
		Generator:         s.newGenerator(ho.generate),
		GenerationTimeout: config.Duration(s.cfg.Generation.Timeout, search.DefaultGenerationTimeout),
		QueryLog:          ho.queryLog,
	})

	cleanup := func() {
		if err := handle.Close(); err != nil {
			slog.Warn("pipeline_close_failed", slog.String("error", err.Error()))
		}
		closeReranker()
	}
	return handle, cleanup, nil
}

// requireCollection opens an existing collection, with a hint when it is
// missing.
func (s *services) requireCollection(ctx context.Context, name string) (*store.CollectionStore, error) {
	coll, err := s.registry.Get(ctx, name)
	if buddyerrors.IsNotFound(err) {
		var be *buddyerrors.BuddyError
		if errors.As(err, &be) {
			return nil, be.WithSuggestion(fmt.Sprintf("Run 'supportbuddy collections list' or create it with 'supportbuddy add %s ...'", name))
		}
	}
	return coll, err
}
