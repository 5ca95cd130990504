package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
)

// CollectionStore is one named, file-persisted collection. Every mutation
// rewrites both collection files. Readers share the in-memory state, which
// always mirrors the last successful persist.
type CollectionStore struct {
	mu sync.RWMutex

	name     string
	dir      string
	dim      int
	backend  string
	compress bool

	index     VectorIndex
	idToKey   map[string]uint64
	keyToID   map[uint64]string
	documents map[uint64]string
	metadatas map[uint64]Metadata
	nextKey   uint64

	// generation is the write generation of the files the in-memory state
	// was loaded from or last persisted as.
	generation uint64

	lock          *CollectionLock
	reinitialized bool
	closed        bool
}

var _ VectorCollection = (*CollectionStore)(nil)

// atomicWrite replaces a collection file. Tests swap it to fail one write.
var atomicWrite = writeFileAtomic

// collectionOptions configures openCollection.
type collectionOptions struct {
	backend  string
	compress bool
}

// loadState is the outcome of a successful load.
type loadState int

const (
	loadFresh loadState = iota
	loadClean
	loadRepaired
)

// openCollection loads the collection in dir, or creates it empty when
// neither file exists. Files that cannot be trusted are discarded and the
// collection starts over empty.
func openCollection(dir, name string, dim int, opts collectionOptions) (*CollectionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, buddyerrors.PersistenceError("failed to create collection directory", err).
			WithDetail("collection", name)
	}

	s := &CollectionStore{
		name:     name,
		dir:      dir,
		dim:      dim,
		backend:  opts.backend,
		compress: opts.compress,
		lock:     NewCollectionLock(dir),
	}
	if s.backend == "" {
		s.backend = BackendFlat
	}

	if err := s.lock.Lock(); err != nil {
		return nil, buddyerrors.PersistenceError("failed to lock collection", err).WithDetail("collection", name)
	}
	defer func() { _ = s.lock.Unlock() }()

	state, err := s.load()
	switch {
	case err == nil && state == loadClean:
		return s, nil
	case err == nil && state == loadRepaired:
		if _, err := s.persist(); err != nil {
			slog.Warn("collection_repair_persist_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
		return s, nil
	case err == nil:
		// New collection: write the empty layout so other processes see it.
		if err := s.reset(); err != nil {
			return nil, err
		}
	case errors.Is(err, errCorrupt):
		if err := s.reinitialize(err); err != nil {
			return nil, err
		}
	default:
		return nil, buddyerrors.PersistenceError("failed to read collection files", err).
			WithDetail("collection", name)
	}

	if _, err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads both files. It reports loadFresh when neither exists and wraps
// errCorrupt for every state it cannot trust. The in-memory state changes
// only when load succeeds with loadClean or loadRepaired.
func (s *CollectionStore) load() (loadState, error) {
	indexData, indexErr := os.ReadFile(filepath.Join(s.dir, indexFileName))
	metaData, metaErr := os.ReadFile(filepath.Join(s.dir, metaFileName))

	indexMissing := errors.Is(indexErr, os.ErrNotExist)
	metaMissing := errors.Is(metaErr, os.ErrNotExist)
	switch {
	case indexMissing && metaMissing:
		return loadFresh, nil
	case indexMissing:
		return 0, fmt.Errorf("%w: index file missing, meta file present", errCorrupt)
	case metaMissing:
		return 0, fmt.Errorf("%w: meta file missing, index file present", errCorrupt)
	case indexErr != nil:
		return 0, indexErr
	case metaErr != nil:
		return 0, metaErr
	}

	meta, metaGen, err := decodeMeta(metaData)
	if err != nil {
		return 0, err
	}
	if meta.Dimension != s.dim {
		return 0, fmt.Errorf("%w: stored dimension %d, configured %d", errCorrupt, meta.Dimension, s.dim)
	}
	decoded, err := decodeIndex(indexData, s.dim)
	if err != nil {
		return 0, err
	}

	state := loadClean
	switch decoded.generation {
	case metaGen:
	case metaGen + 1:
		// A persist replaced the index and then failed to replace the meta
		// file. The meta file holds the last committed state.
		dropped, lost := reconcileTornWrite(decoded.index, meta)
		slog.Warn("collection_torn_write_recovered",
			slog.String("collection", s.name),
			slog.Uint64("generation", metaGen),
			slog.Int("dropped_index_keys", dropped),
			slog.Any("lost_ids", lost))
		state = loadRepaired
	default:
		return 0, fmt.Errorf("%w: index generation %d, meta generation %d",
			errCorrupt, decoded.generation, metaGen)
	}
	if err := checkConsistency(decoded.index, meta); err != nil {
		return 0, err
	}

	if decoded.backend != s.backend {
		slog.Info("collection_backend_from_file",
			slog.String("collection", s.name),
			slog.String("configured", s.backend),
			slog.String("stored", decoded.backend))
		s.backend = decoded.backend
	}

	s.index = decoded.index
	s.idToKey = meta.IDToKey
	s.keyToID = make(map[uint64]string, len(meta.IDToKey))
	for id, key := range meta.IDToKey {
		s.keyToID[key] = id
	}
	s.documents = meta.Documents
	s.metadatas = meta.Metadatas
	s.nextKey = meta.NextKey
	s.generation = metaGen
	return state, nil
}

// reconcileTornWrite trims an index that is one write ahead of its meta
// file down to the records both files agree on. Index keys without an id
// are discarded. Ids whose vector is gone from the index are dropped, since
// the vector cannot be recovered.
func reconcileTornWrite(idx VectorIndex, meta *metaPayload) (dropped int, lost []string) {
	mapped := make(map[uint64]struct{}, len(meta.IDToKey))
	for _, key := range meta.IDToKey {
		mapped[key] = struct{}{}
	}
	for _, key := range idx.Keys() {
		if _, ok := mapped[key]; !ok {
			idx.Discard(key)
			dropped++
		}
	}
	for id, key := range meta.IDToKey {
		if _, ok := idx.Vector(key); ok {
			continue
		}
		delete(meta.IDToKey, id)
		delete(meta.Documents, key)
		delete(meta.Metadatas, key)
		lost = append(lost, id)
	}
	sort.Strings(lost)
	return dropped, lost
}

// checkConsistency verifies that the index and the id map describe the
// same key set and that the counter is ahead of every key.
func checkConsistency(idx VectorIndex, meta *metaPayload) error {
	keys := idx.Keys()
	if len(keys) != len(meta.IDToKey) {
		return fmt.Errorf("%w: index holds %d keys, id map holds %d", errCorrupt, len(keys), len(meta.IDToKey))
	}
	mapped := make(map[uint64]struct{}, len(meta.IDToKey))
	for _, key := range meta.IDToKey {
		if _, dup := mapped[key]; dup {
			return fmt.Errorf("%w: key %d mapped twice", errCorrupt, key)
		}
		mapped[key] = struct{}{}
	}
	for _, key := range keys {
		if _, ok := mapped[key]; !ok {
			return fmt.Errorf("%w: index key %d has no id", errCorrupt, key)
		}
		if key >= meta.NextKey {
			return fmt.Errorf("%w: key %d not below next key %d", errCorrupt, key, meta.NextKey)
		}
	}
	return nil
}

func (s *CollectionStore) reset() error {
	idx, err := newIndex(s.backend, s.dim)
	if err != nil {
		return buddyerrors.ConfigError(err.Error(), nil).WithDetail("collection", s.name)
	}
	s.index = idx
	s.idToKey = make(map[string]uint64)
	s.keyToID = make(map[uint64]string)
	s.documents = make(map[uint64]string)
	s.metadatas = make(map[uint64]Metadata)
	s.nextKey = 0
	s.generation = 0
	return nil
}

// reinitialize discards untrusted files and empties the collection. The
// caller persists the empty state.
func (s *CollectionStore) reinitialize(reason error) error {
	slog.Warn("collection_reinitialized",
		slog.String("collection", s.name),
		slog.String("dir", s.dir),
		slog.String("reason", reason.Error()))
	telemetry.StoreReinitializations.Inc()
	s.removeFiles()
	s.reinitialized = true
	return s.reset()
}

func (s *CollectionStore) removeFiles() {
	for _, name := range []string{indexFileName, metaFileName} {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("collection_file_remove_failed",
				slog.String("collection", s.name),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// beginWrite takes the collection lock for a mutation and reloads the
// in-memory state when another process committed since it was loaded.
// Callers hold mu and must call release once the mutation is persisted.
func (s *CollectionStore) beginWrite() (release func(), err error) {
	if err := s.lock.Lock(); err != nil {
		return nil, buddyerrors.PersistenceError("failed to lock collection", err).WithDetail("collection", s.name)
	}
	release = func() { _ = s.lock.Unlock() }

	if gen, err := readMetaGeneration(s.dir); err == nil && gen == s.generation {
		return release, nil
	}
	if err := s.reload(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// reload replaces the in-memory state with the files on disk.
func (s *CollectionStore) reload() error {
	state, err := s.load()
	switch {
	case err == nil && state == loadFresh:
		// Both files were removed by another process.
		return s.reset()
	case err == nil:
		slog.Debug("collection_reloaded",
			slog.String("collection", s.name),
			slog.Uint64("generation", s.generation))
		return nil
	case errors.Is(err, errCorrupt):
		return s.reinitialize(err)
	default:
		return buddyerrors.PersistenceError("failed to read collection files", err).
			WithDetail("collection", s.name)
	}
}

// persist rewrites both files at the next generation, index first. Callers
// hold mu and the collection lock. indexWritten reports that the index file
// was replaced even though persist failed afterwards.
func (s *CollectionStore) persist() (indexWritten bool, err error) {
	if h, ok := s.index.(*HNSWIndex); ok && h.Orphans() > h.Len() {
		slog.Debug("hnsw_compacted",
			slog.String("collection", s.name),
			slog.Int("orphans", h.Orphans()),
			slog.Int("live", h.Len()))
		h.Compact()
	}

	gen := s.generation + 1
	indexData, err := encodeIndex(s.index, s.dim, gen)
	if err != nil {
		return false, buddyerrors.PersistenceError("failed to encode index", err).WithDetail("collection", s.name)
	}
	metaData, err := encodeMeta(&metaPayload{
		Dimension: s.dim,
		NextKey:   s.nextKey,
		IDToKey:   s.idToKey,
		Documents: s.documents,
		Metadatas: s.metadatas,
	}, s.compress, gen)
	if err != nil {
		return false, buddyerrors.PersistenceError("failed to encode metadata", err).WithDetail("collection", s.name)
	}

	if err := atomicWrite(filepath.Join(s.dir, indexFileName), indexData); err != nil {
		return false, buddyerrors.PersistenceError("failed to write index file", err).WithDetail("collection", s.name)
	}
	if err := atomicWrite(filepath.Join(s.dir, metaFileName), metaData); err != nil {
		return true, buddyerrors.PersistenceError("failed to write meta file", err).WithDetail("collection", s.name)
	}
	s.generation = gen
	return false, nil
}

// commit persists a mutation already applied in memory. When persist fails
// it runs rollback and, if the index file was already replaced, rewrites it
// from the restored state so both files agree again.
func (s *CollectionStore) commit(rollback func()) error {
	indexWritten, err := s.persist()
	if err == nil {
		return nil
	}
	rollback()
	if indexWritten {
		s.restoreIndexFile()
	}
	return err
}

// restoreIndexFile rewrites the index at the current generation. A failure
// here is logged only: load reconciles an index one generation ahead.
func (s *CollectionStore) restoreIndexFile() {
	data, err := encodeIndex(s.index, s.dim, s.generation)
	if err == nil {
		err = atomicWrite(filepath.Join(s.dir, indexFileName), data)
	}
	if err != nil {
		slog.Warn("collection_index_restore_failed",
			slog.String("collection", s.name),
			slog.String("error", err.Error()))
	}
}

// Name returns the collection name.
func (s *CollectionStore) Name() string {
	return s.name
}

// Dimension returns the fixed embedding dimension.
func (s *CollectionStore) Dimension() int {
	return s.dim
}

// Backend returns the index backend in use.
func (s *CollectionStore) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Reinitialized reports whether the collection was reset to empty on open
// because its files were missing, mismatched or corrupt.
func (s *CollectionStore) Reinitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reinitialized
}

// Dir returns the collection directory.
func (s *CollectionStore) Dir() string {
	return s.dir
}

// Add inserts new records. The whole batch is validated before any state
// changes, and a failed index insert or persist leaves the collection
// exactly as it was, key counter included.
func (s *CollectionStore) Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []Metadata) (result AddResult, err error) {
	defer func() { telemetry.ObserveStoreOp("add", err) }()

	if err := ctx.Err(); err != nil {
		return AddResult{}, err
	}
	normalized, err := s.validateAdd(ids, embeddings, documents, metadatas)
	if err != nil {
		return AddResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AddResult{}, errClosed(s.name)
	}
	release, err := s.beginWrite()
	if err != nil {
		return AddResult{}, err
	}
	defer release()

	// Stage new ids; existing ids and repeats within the batch are skipped.
	type staged struct {
		pos int
		key uint64
	}
	var pending []staged
	seen := make(map[string]struct{}, len(ids))
	key := s.nextKey
	for i, id := range ids {
		if _, exists := s.idToKey[id]; exists {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if _, dup := seen[id]; dup {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		seen[id] = struct{}{}
		pending = append(pending, staged{pos: i, key: key})
		key++
	}
	if len(result.Skipped) > 0 {
		slog.Debug("add_skipped_existing",
			slog.String("collection", s.name),
			slog.Int("skipped", len(result.Skipped)))
	}
	if len(pending) == 0 {
		return result, nil
	}

	for n, p := range pending {
		if err := s.index.Add(p.key, embeddings[p.pos]); err != nil {
			for _, undo := range pending[:n] {
				s.index.Discard(undo.key)
			}
			return AddResult{}, buddyerrors.New(buddyerrors.ErrCodeIndexFailed, "index insert failed", err).
				WithDetail("collection", s.name).
				WithDetail("id", ids[p.pos])
		}
	}

	prevNext := s.nextKey
	for _, p := range pending {
		id := ids[p.pos]
		s.idToKey[id] = p.key
		s.keyToID[p.key] = id
		if documents != nil {
			s.documents[p.key] = documents[p.pos]
		}
		if normalized != nil && normalized[p.pos] != nil {
			s.metadatas[p.key] = normalized[p.pos]
		}
	}
	s.nextKey = key

	err = s.commit(func() {
		for _, p := range pending {
			s.index.Discard(p.key)
			delete(s.idToKey, ids[p.pos])
			delete(s.keyToID, p.key)
			delete(s.documents, p.key)
			delete(s.metadatas, p.key)
		}
		s.nextKey = prevNext
	})
	if err != nil {
		return AddResult{}, err
	}

	for _, p := range pending {
		result.Added = append(result.Added, ids[p.pos])
	}
	return result, nil
}

func (s *CollectionStore) validateAdd(ids []string, embeddings [][]float32, documents []string, metadatas []Metadata) ([]Metadata, error) {
	if len(embeddings) != len(ids) {
		return nil, lengthMismatch("embeddings", len(ids), len(embeddings))
	}
	if documents != nil && len(documents) != len(ids) {
		return nil, lengthMismatch("documents", len(ids), len(documents))
	}
	if metadatas != nil && len(metadatas) != len(ids) {
		return nil, lengthMismatch("metadatas", len(ids), len(metadatas))
	}
	for i, id := range ids {
		if id == "" {
			return nil, buddyerrors.ValidationError(fmt.Sprintf("id at position %d is empty", i), nil)
		}
		if len(embeddings[i]) != s.dim {
			return nil, buddyerrors.DimensionMismatch(s.dim, len(embeddings[i])).WithDetail("id", id)
		}
	}
	if metadatas == nil {
		return nil, nil
	}
	out := make([]Metadata, len(metadatas))
	for i, md := range metadatas {
		nm, err := NormalizeMetadata(md)
		if err != nil {
			return nil, err
		}
		out[i] = nm
	}
	return out, nil
}

func lengthMismatch(what string, want, got int) error {
	return buddyerrors.Newf(buddyerrors.ErrCodeLengthMismatch, "%s has %d entries, ids has %d", what, got, want).
		WithDetail("field", what)
}

func errClosed(name string) error {
	return buddyerrors.New(buddyerrors.ErrCodeInternal, "collection is closed", nil).WithDetail("collection", name)
}

// Query returns up to k nearest records, closest first. With a filter the
// whole collection is ranked and then narrowed, so k matches are returned
// whenever k records pass the filter.
func (s *CollectionStore) Query(ctx context.Context, embedding []float32, k int, filter *Filter) (hits []QueryHit, err error) {
	defer func() { telemetry.ObserveStoreOp("query", err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, buddyerrors.New(buddyerrors.ErrCodeQueryEmpty, "query embedding is empty", nil)
	}
	if len(embedding) != s.dim {
		return nil, buddyerrors.DimensionMismatch(s.dim, len(embedding))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed(s.name)
	}
	if k <= 0 || s.index.Len() == 0 {
		return []QueryHit{}, nil
	}

	match := compileFilter(s.name, "query", filter)
	fetch := k
	if match != nil {
		fetch = s.index.Len()
	}

	hits = make([]QueryHit, 0, k)
	for _, n := range s.index.Search(embedding, fetch) {
		id, ok := s.keyToID[n.Key]
		if !ok {
			continue
		}
		doc := s.documents[n.Key]
		md := s.metadatas[n.Key]
		if match != nil && !match(doc, md) {
			continue
		}
		hits = append(hits, QueryHit{
			ID:       id,
			Distance: l2(n.Distance),
			Document: doc,
			Metadata: md.Clone(),
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Get returns records by id, or every record in insertion order when no
// ids are given. Filter, then Offset and Limit, apply in that order.
func (s *CollectionStore) Get(ctx context.Context, opts GetOptions) (records []GetRecord, err error) {
	defer func() { telemetry.ObserveStoreOp("get", err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed(s.name)
	}

	var keys []uint64
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if key, ok := s.idToKey[id]; ok {
				keys = append(keys, key)
			}
		}
	} else {
		keys = s.index.Keys()
	}

	match := compileFilter(s.name, "get", opts.Filter)
	records = make([]GetRecord, 0, len(keys))
	for _, key := range keys {
		doc := s.documents[key]
		md := s.metadatas[key]
		if match != nil && !match(doc, md) {
			continue
		}
		records = append(records, GetRecord{
			ID:       s.keyToID[key],
			Document: doc,
			Metadata: md.Clone(),
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []GetRecord{}, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// IDs returns every live id in insertion order.
func (s *CollectionStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.index.Keys()
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, s.keyToID[key])
	}
	return ids
}

// Delete removes ids and returns those that existed. Unknown ids are
// logged and skipped. An empty id list is refused: there is no
// delete-everything form.
func (s *CollectionStore) Delete(ctx context.Context, ids []string) (removed []string, err error) {
	defer func() { telemetry.ObserveStoreOp("delete", err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		slog.Warn("delete_all_refused", slog.String("collection", s.name))
		return nil, buddyerrors.Unsupported("delete without ids is not supported; pass the ids to remove").
			WithDetail("collection", s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed(s.name)
	}
	release, err := s.beginWrite()
	if err != nil {
		return nil, err
	}
	defer release()

	type undo struct {
		id   string
		key  uint64
		vec  []float32
		doc  string
		hasD bool
		md   Metadata
	}
	var undos []undo
	for _, id := range ids {
		key, ok := s.idToKey[id]
		if !ok {
			slog.Warn("delete_unknown_id",
				slog.String("collection", s.name),
				slog.String("id", id))
			continue
		}
		vec, _ := s.index.Vector(key)
		doc, hasD := s.documents[key]
		undos = append(undos, undo{id: id, key: key, vec: vec, doc: doc, hasD: hasD, md: s.metadatas[key]})

		s.index.Remove(key)
		delete(s.idToKey, id)
		delete(s.keyToID, key)
		delete(s.documents, key)
		delete(s.metadatas, key)
	}
	if len(undos) == 0 {
		return []string{}, nil
	}

	err = s.commit(func() {
		for _, u := range undos {
			if addErr := s.index.Add(u.key, u.vec); addErr != nil {
				slog.Error("delete_rollback_failed",
					slog.String("collection", s.name),
					slog.String("id", u.id),
					slog.String("error", addErr.Error()))
			}
			s.idToKey[u.id] = u.key
			s.keyToID[u.key] = u.id
			if u.hasD {
				s.documents[u.key] = u.doc
			}
			if u.md != nil {
				s.metadatas[u.key] = u.md
			}
		}
	})
	if err != nil {
		return nil, err
	}

	removed = make([]string, 0, len(undos))
	for _, u := range undos {
		removed = append(removed, u.id)
	}
	return removed, nil
}

// Count returns the number of live records.
func (s *CollectionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.index.Len()
}

// Close releases the collection. State is already on disk and the lock is
// only held during a write.
func (s *CollectionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Unlock()
}
