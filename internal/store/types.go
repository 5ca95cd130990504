// Package store provides the file-persisted vector collections that back
// supportbuddy: one directory per collection holding an index file and a
// metadata file, an exact or HNSW vector index, and a registry that owns
// every collection under a base path.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

// Metadata is the per-record attribute map. Values are normalized to
// string, int64, float64 or bool.
type Metadata map[string]any

// Clone returns a shallow copy (values are scalars, so this is a deep copy).
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeMetadata converts m to the four supported scalar kinds. Nil
// values are dropped. Lists, maps and other kinds are a validation error.
func NormalizeMetadata(m map[string]any) (Metadata, error) {
	if m == nil {
		return nil, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		nv, ok := normalizeValue(v)
		if !ok {
			return nil, buddyerrors.Newf(buddyerrors.ErrCodeInvalidInput,
				"metadata %q has unsupported type %T (want string, number or bool)", k, v).
				WithDetail("key", k)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return float64(x), true
		}
		return int64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	default:
		return nil, false
	}
}

// Filter narrows Query and Get results.
type Filter struct {
	// Where holds equality clauses on metadata fields.
	Where map[string]any
	// WhereDocument restricts by document text.
	WhereDocument *DocumentFilter
}

// DocumentFilter matches document text.
type DocumentFilter struct {
	// Contains is a case-sensitive substring.
	Contains string
}

// IsEmpty reports whether f has no clauses.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Where) == 0 && (f.WhereDocument == nil || f.WhereDocument.Contains == ""))
}

// QueryHit is one nearest-neighbor result. Distance is L2.
type QueryHit struct {
	ID       string
	Distance float32
	Document string
	Metadata Metadata
}

// GetRecord is one record returned by Get.
type GetRecord struct {
	ID       string
	Document string
	Metadata Metadata
}

// GetOptions selects records for Get. With IDs set it is a point lookup
// (unknown ids are omitted); otherwise every record is scanned. Limit and
// Offset apply after filtering; Limit <= 0 means no limit.
type GetOptions struct {
	IDs    []string
	Filter *Filter
	Limit  int
	Offset int
}

// AddResult reports which ids an Add inserted and which it skipped
// because they already existed.
type AddResult struct {
	Added   []string
	Skipped []string
}

// CollectionInfo describes a collection for listings.
type CollectionInfo struct {
	Name      string
	Count     int
	Dimension int
	Backend   string
	Resident  bool // loaded in this process
}

// VectorCollection is the document-collection contract the retrieval
// pipeline and the ingest path depend on.
type VectorCollection interface {
	Name() string
	Dimension() int

	// Add inserts new records. documents and metadatas may be nil; when
	// set their lengths must match ids. Existing ids are skipped.
	Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []Metadata) (AddResult, error)

	// Query returns at most k nearest records by L2 distance, closest first.
	Query(ctx context.Context, embedding []float32, k int, filter *Filter) ([]QueryHit, error)

	// Get returns records by id or by filtered scan.
	Get(ctx context.Context, opts GetOptions) ([]GetRecord, error)

	// Delete removes the given ids and returns those actually removed.
	// An empty id list is refused.
	Delete(ctx context.Context, ids []string) ([]string, error)

	// Count returns the number of live records.
	Count() int

	Close() error
}
