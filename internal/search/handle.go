package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rsrini7/Smart-Support-Buddy/internal/embed"
	"github.com/rsrini7/Smart-Support-Buddy/internal/sparse"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
)

// HandleConfig configures the pipeline a PipelineHandle builds.
type HandleConfig struct {
	// Collections feed both the dense retriever and the unified sparse
	// corpus. Missing or empty ones are skipped at build time.
	Collections []string

	KDense  int
	KSparse int
	RerankK int

	Sparse sparse.Config

	Generator         Generator
	GenerationTimeout time.Duration
	QueryLog          *telemetry.QueryLog
}

// SnapshotInfo describes the currently built snapshot.
type SnapshotInfo struct {
	Built       bool
	BuiltAt     time.Time
	Collections []string
	CorpusSize  int
	SparseKind  sparse.Backend
}

// PipelineHandle owns one lazily built Pipeline over a snapshot of the
// registry. The snapshot never refreshes on its own: call Invalidate after
// ingesting, or Rebuild to pay the cost up front.
type PipelineHandle struct {
	registry *store.Registry
	embedder embed.Embedder
	reranker Reranker
	cfg      HandleConfig

	mu       sync.Mutex
	pipeline *Pipeline
	index    sparse.Index
	info     SnapshotInfo
}

// NewPipelineHandle creates a handle. Nothing is built until first use.
func NewPipelineHandle(registry *store.Registry, embedder embed.Embedder, reranker Reranker, cfg HandleConfig) *PipelineHandle {
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultCollections
	}
	if cfg.Sparse.Backend == "" {
		cfg.Sparse = sparse.DefaultConfig()
	}
	return &PipelineHandle{
		registry: registry,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
	}
}

// DefaultCollections are searched when HandleConfig names none.
var DefaultCollections = []string{"issues", "jira_tickets", "msg_files", "confluence", "stackoverflow"}

// Pipeline returns the current pipeline, building it if needed.
func (h *PipelineHandle) Pipeline(ctx context.Context) (*Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pipeline != nil {
		return h.pipeline, nil
	}
	if err := h.buildLocked(ctx); err != nil {
		return nil, err
	}
	return h.pipeline, nil
}

// Invalidate drops the snapshot. The next Pipeline or Search rebuilds it.
func (h *PipelineHandle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked()
	slog.Debug("pipeline_invalidated")
}

// Rebuild replaces the snapshot now.
func (h *PipelineHandle) Rebuild(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked()
	return h.buildLocked(ctx)
}

// Search runs req against the current snapshot.
func (h *PipelineHandle) Search(ctx context.Context, req Request) (*Response, error) {
	p, err := h.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	return p.Search(ctx, req)
}

// Info describes the current snapshot.
func (h *PipelineHandle) Info() SnapshotInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	info.Collections = append([]string(nil), h.info.Collections...)
	return info
}

// Close releases the sparse index.
func (h *PipelineHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropLocked()
}

func (h *PipelineHandle) dropLocked() error {
	var err error
	if h.index != nil {
		err = h.index.Close()
	}
	h.index = nil
	h.pipeline = nil
	h.info = SnapshotInfo{}
	return err
}

func (h *PipelineHandle) buildLocked(ctx context.Context) error {
	start := time.Now()

	collections, err := h.registry.CollectionsWithRecords(ctx, h.cfg.Collections)
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	corpus, err := snapshotCorpus(ctx, collections)
	if err != nil {
		return err
	}

	index, err := sparse.New(corpus.Texts, h.cfg.Sparse)
	if err != nil {
		return fmt.Errorf("build sparse index: %w", err)
	}

	dense := make([]store.VectorCollection, len(collections))
	names := make([]string, len(collections))
	for i, c := range collections {
		dense[i] = c
		names[i] = c.Name()
	}

	opts := []PipelineOption{
		WithDefaults(h.cfg.KDense, h.cfg.KSparse, h.cfg.RerankK),
		WithQueryLog(h.cfg.QueryLog),
	}
	if h.cfg.Generator != nil {
		opts = append(opts, WithGenerator(h.cfg.Generator))
	}
	if h.cfg.GenerationTimeout > 0 {
		opts = append(opts, WithGenerationTimeout(h.cfg.GenerationTimeout))
	}

	h.index = index
	h.pipeline = NewPipeline(
		NewDenseRetriever(h.embedder, dense...),
		NewSparseRetriever(corpus, index),
		h.reranker,
		opts...,
	)
	h.info = SnapshotInfo{
		Built:       true,
		BuiltAt:     time.Now(),
		Collections: names,
		CorpusSize:  corpus.Len(),
		SparseKind:  h.cfg.Sparse.Backend,
	}

	telemetry.ObserveStage("snapshot", time.Since(start))
	slog.Info("pipeline_built",
		slog.Int("collections", len(collections)),
		slog.Int("corpus_size", corpus.Len()),
		slog.String("sparse_backend", string(h.cfg.Sparse.Backend)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// snapshotCorpus reads every record of every collection, in collection
// order then insertion order.
func snapshotCorpus(ctx context.Context, collections []*store.CollectionStore) (Corpus, error) {
	var corpus Corpus
	var errs []error
	for _, c := range collections {
		records, err := c.Get(ctx, store.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return Corpus{}, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("collection %s: %w", c.Name(), err))
			continue
		}
		for _, rec := range records {
			md := rec.Metadata.Clone()
			if md == nil {
				md = store.Metadata{}
			}
			md["collection"] = c.Name()
			corpus.IDs = append(corpus.IDs, rec.ID)
			corpus.Texts = append(corpus.Texts, rec.Document)
			corpus.Metadatas = append(corpus.Metadatas, md)
		}
	}
	if len(errs) > 0 && len(errs) == len(collections) {
		return Corpus{}, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Warn("corpus_collection_skipped", slog.String("error", err.Error()))
	}
	return corpus, nil
}
