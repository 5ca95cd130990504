package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/embed"
)

// DefaultDimension is used when the embedder cannot be probed.
const DefaultDimension = 768

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIndexBackend selects the index backend for new collections.
func WithIndexBackend(backend string) RegistryOption {
	return func(r *Registry) {
		r.backend = backend
	}
}

// WithMetaCompression toggles zstd framing of the meta file.
func WithMetaCompression(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.compress = enabled
	}
}

// WithDefaultDimension sets the dimension used when probing fails.
func WithDefaultDimension(dim int) RegistryOption {
	return func(r *Registry) {
		if dim > 0 {
			r.fallbackDim = dim
		}
	}
}

// Registry owns every collection under a base path. The embedding
// dimension is detected once at construction and shared by all of them.
type Registry struct {
	mu          sync.Mutex
	base        string
	dim         int
	fallbackDim int
	backend     string
	compress    bool
	open        map[string]*CollectionStore
}

// NewRegistry creates a registry rooted at base. The embedder is probed
// once for its dimension; a nil embedder or a failed probe falls back to
// the default dimension.
func NewRegistry(ctx context.Context, base string, embedder embed.Embedder, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		base:        base,
		fallbackDim: DefaultDimension,
		backend:     BackendFlat,
		compress:    true,
		open:        make(map[string]*CollectionStore),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := newIndex(r.backend, 1); err != nil {
		return nil, buddyerrors.ConfigError(err.Error(), nil).
			WithSuggestion("Set store.index_backend to flat or hnsw")
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, buddyerrors.PersistenceError("failed to create vector store directory", err).
			WithDetail("path", base)
	}

	r.dim = r.fallbackDim
	if embedder != nil {
		dim, err := embed.ProbeDimension(ctx, embedder)
		if err != nil || dim <= 0 {
			attrs := []any{slog.Int("fallback", r.fallbackDim)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			slog.Warn("dimension_probe_failed", attrs...)
		} else {
			r.dim = dim
		}
	}
	slog.Debug("registry_opened",
		slog.String("base", base),
		slog.Int("dimension", r.dim),
		slog.String("backend", r.backend))
	return r, nil
}

// Dimension returns the dimension shared by every collection.
func (r *Registry) Dimension() int {
	return r.dim
}

// BasePath returns the directory holding the collections.
func (r *Registry) BasePath() string {
	return r.base
}

// ValidateName rejects names that are empty or would escape the base path.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return buddyerrors.New(buddyerrors.ErrCodeInvalidCollectionName, "collection name is empty", nil)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || name == "." {
		return buddyerrors.Newf(buddyerrors.ErrCodeInvalidCollectionName,
			"collection name %q must not contain path separators or '..'", name).
			WithDetail("collection", name)
	}
	return nil
}

func (r *Registry) dir(name string) string {
	return filepath.Join(r.base, name)
}

func (r *Registry) opts() collectionOptions {
	return collectionOptions{backend: r.backend, compress: r.compress}
}

// GetOrCreate returns the named collection, creating its files if absent.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*CollectionStore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.open[name]; ok {
		return s, nil
	}
	s, err := openCollection(r.dir(name), name, r.dim, r.opts())
	if err != nil {
		return nil, err
	}
	r.open[name] = s
	return s, nil
}

// Get returns the named collection, loading it from disk if needed. It
// never creates one.
func (r *Registry) Get(ctx context.Context, name string) (*CollectionStore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.open[name]; ok {
		return s, nil
	}
	if !hasCollectionFiles(r.dir(name)) {
		return nil, buddyerrors.NotFound(name)
	}
	s, err := openCollection(r.dir(name), name, r.dim, r.opts())
	if err != nil {
		return nil, err
	}
	r.open[name] = s
	return s, nil
}

// Delete drops the collection from memory and disk. File removal is best
// effort: failures are logged, not returned.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, resident := r.open[name]
	if resident {
		if err := s.Close(); err != nil {
			slog.Warn("collection_close_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
		delete(r.open, name)
	}

	dir := r.dir(name)
	if !resident && !hasCollectionFiles(dir) {
		return buddyerrors.NotFound(name)
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("collection_remove_failed",
			slog.String("collection", name),
			slog.String("dir", dir),
			slog.String("error", err.Error()))
	}
	slog.Info("collection_deleted", slog.String("collection", name))
	return nil
}

// Evict closes the named collection if it is resident, so the next Get
// reloads it from disk. Use it when another process has rewritten the
// collection files. It reports whether the collection was resident.
func (r *Registry) Evict(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.open[name]
	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		slog.Warn("collection_close_failed",
			slog.String("collection", name),
			slog.String("error", err.Error()))
	}
	delete(r.open, name)
	slog.Debug("collection_evicted", slog.String("collection", name))
	return true
}

// List returns every collection on disk or resident in memory, sorted by
// name. Collections created by another process are included.
func (r *Registry) List(ctx context.Context) ([]CollectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := make(map[string]struct{})
	entries, err := os.ReadDir(r.base)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, buddyerrors.PersistenceError("failed to read vector store directory", err).
			WithDetail("path", r.base)
	}
	for _, e := range entries {
		if e.IsDir() && hasCollectionFiles(r.dir(e.Name())) {
			names[e.Name()] = struct{}{}
		}
	}

	r.mu.Lock()
	for name := range r.open {
		names[name] = struct{}{}
	}
	r.mu.Unlock()

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	infos := make([]CollectionInfo, 0, len(sorted))
	for _, name := range sorted {
		r.mu.Lock()
		_, resident := r.open[name]
		r.mu.Unlock()

		s, err := r.Get(ctx, name)
		if err != nil {
			slog.Warn("collection_list_skipped",
				slog.String("collection", name),
				slog.String("error", err.Error()))
			continue
		}
		infos = append(infos, CollectionInfo{
			Name:      name,
			Count:     s.Count(),
			Dimension: s.Dimension(),
			Backend:   s.Backend(),
			Resident:  resident,
		})
	}
	return infos, nil
}

// CollectionsWithRecords returns the named collections that exist and hold
// at least one record, in the order given. Missing names are skipped.
func (r *Registry) CollectionsWithRecords(ctx context.Context, names []string) ([]*CollectionStore, error) {
	var out []*CollectionStore
	for _, name := range names {
		s, err := r.Get(ctx, name)
		if buddyerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Count() > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close closes every resident collection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.open {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.open, name)
	}
	return errors.Join(errs...)
}

func hasCollectionFiles(dir string) bool {
	for _, name := range []string{indexFileName, metaFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
