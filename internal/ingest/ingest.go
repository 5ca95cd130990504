// Package ingest loads support documents into a collection. It assigns ids
// to documents that arrive without one, tags each with a content hash so
// reformatted copies are recognised, and embeds in parallel batches.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/embed"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
)

// ContentHashKey is the metadata key holding store.ContentHash of the text.
const ContentHashKey = "content_hash"

// Document is one (text, id, metadata) triple produced by a source adapter.
type Document struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Metadata store.Metadata `json:"metadata,omitempty"`
}

// Options controls one Index call.
type Options struct {
	// ClearExisting deletes every record of the collection first.
	ClearExisting bool

	// Dedupe skips documents whose content hash is already stored or
	// repeats earlier in the same call.
	Dedupe bool

	// BatchSize is the number of texts per EmbedBatch call.
	BatchSize int

	// Workers bounds concurrent embedding batches.
	Workers int

	// OnProgress, if set, is called after each embedded batch.
	OnProgress func(done, total int)
}

// DefaultOptions dedupes and embeds 32 texts per batch on 4 workers.
func DefaultOptions() Options {
	return Options{
		Dedupe:    true,
		BatchSize: 32,
		Workers:   4,
	}
}

// Result summarises one Index call.
type Result struct {
	Collection       string        `json:"collection"`
	Received         int           `json:"received"`
	Added            int           `json:"added"`
	Cleared          int           `json:"cleared"`
	SkippedEmpty     int           `json:"skipped_empty"`
	SkippedDuplicate int           `json:"skipped_duplicate"`
	SkippedExisting  int           `json:"skipped_existing"`
	AddedIDs         []string      `json:"added_ids,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Indexer embeds documents and adds them to collections.
type Indexer struct {
	embedder embed.Embedder
}

// NewIndexer creates an indexer.
func NewIndexer(embedder embed.Embedder) *Indexer {
	return &Indexer{embedder: embedder}
}

type prepared struct {
	ids   []string
	texts []string
	metas []store.Metadata
}

// Index adds docs to coll. Callers holding a search snapshot over coll
// must invalidate it afterwards.
func (ix *Indexer) Index(ctx context.Context, coll store.VectorCollection, docs []Document, opts Options) (*Result, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	res := &Result{Collection: coll.Name(), Received: len(docs)}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.ClearExisting {
		cleared, err := clearCollection(ctx, coll)
		if err != nil {
			return nil, err
		}
		res.Cleared = cleared
	}

	var known map[string]struct{}
	if opts.Dedupe {
		var err error
		if known, err = storedHashes(ctx, coll); err != nil {
			return nil, err
		}
	}

	batch := prepare(docs, known, opts.Dedupe, res)
	if len(batch.ids) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	vecs, err := ix.embedAll(ctx, batch.texts, opts)
	if err != nil {
		return nil, err
	}

	added, err := coll.Add(ctx, batch.ids, vecs, batch.texts, batch.metas)
	if err != nil {
		return nil, err
	}
	res.Added = len(added.Added)
	res.AddedIDs = added.Added
	res.SkippedExisting = len(added.Skipped)
	res.Duration = time.Since(start)

	slog.Info("ingest_complete",
		slog.String("collection", res.Collection),
		slog.Int("received", res.Received),
		slog.Int("added", res.Added),
		slog.Int("duplicates", res.SkippedDuplicate),
		slog.Int("existing", res.SkippedExisting),
		slog.Int("cleared", res.Cleared),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// clearCollection deletes every record by explicit id, since a full
// delete without ids is refused by the store.
func clearCollection(ctx context.Context, coll store.VectorCollection) (int, error) {
	records, err := coll.Get(ctx, store.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("list records to clear: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	removed, err := coll.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("clear collection: %w", err)
	}
	return len(removed), nil
}

func storedHashes(ctx context.Context, coll store.VectorCollection) (map[string]struct{}, error) {
	records, err := coll.Get(ctx, store.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("read stored hashes: %w", err)
	}
	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		if h, ok := r.Metadata[ContentHashKey].(string); ok && h != "" {
			known[h] = struct{}{}
		}
	}
	return known, nil
}

// prepare assigns ids, stamps content hashes and drops empty or duplicate
// documents.
func prepare(docs []Document, known map[string]struct{}, dedupe bool, res *Result) prepared {
	var p prepared
	for i, doc := range docs {
		text := strings.TrimSpace(doc.Text)
		if text == "" {
			res.SkippedEmpty++
			slog.Warn("ingest_empty_document", slog.Int("position", i), slog.String("id", doc.ID))
			continue
		}

		hash := store.ContentHash(text)
		if dedupe {
			if _, dup := known[hash]; dup {
				res.SkippedDuplicate++
				slog.Debug("ingest_duplicate_skipped", slog.String("id", doc.ID), slog.String("hash", hash[:12]))
				continue
			}
			known[hash] = struct{}{}
		}

		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		md := doc.Metadata.Clone()
		if md == nil {
			md = store.Metadata{}
		}
		md[ContentHashKey] = hash

		p.ids = append(p.ids, id)
		p.texts = append(p.texts, text)
		p.metas = append(p.metas, md)
	}
	return p
}

// embedAll embeds texts in batches on a bounded worker pool, preserving
// order.
func (ix *Indexer) embedAll(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	total := len(texts)

	var done int
	progress := make(chan int)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for n := range progress {
			done += n
			if opts.OnProgress != nil {
				opts.OnProgress(done, total)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for start := 0; start < total; start += opts.BatchSize {
		end := min(start+opts.BatchSize, total)
		g.Go(func() error {
			batch, err := ix.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return buddyerrors.New(buddyerrors.ErrCodeEmbeddingFailed,
					fmt.Sprintf("failed to embed documents %d-%d", start, end), err)
			}
			if len(batch) != end-start {
				return buddyerrors.Newf(buddyerrors.ErrCodeEmbeddingFailed,
					"embedder returned %d vectors for %d documents", len(batch), end-start)
			}
			copy(vecs[start:end], batch)
			progress <- end - start
			return nil
		})
	}
	err := g.Wait()
	close(progress)
	<-finished
	if err != nil {
		return nil, err
	}
	return vecs, nil
}
