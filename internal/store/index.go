package store

import (
	"fmt"
	"io"
	"math"
)

// Index backends.
const (
	BackendFlat = "flat"
	BackendHNSW = "hnsw"
)

// backend tags written into the index file header.
const (
	tagFlat uint8 = 1
	tagHNSW uint8 = 2
)

// Neighbor is a search hit from a VectorIndex. Distance is squared L2.
type Neighbor struct {
	Key      uint64
	Distance float32
}

// VectorIndex maps internal keys to vectors and answers nearest-neighbor
// queries. Implementations are not safe for concurrent use; the owning
// CollectionStore serializes access.
type VectorIndex interface {
	// Add inserts vec under key. Keys are never reused by the store.
	Add(key uint64, vec []float32) error
	// Remove drops key and reports whether it was present. A removed key
	// may be re-added with the same vector.
	Remove(key uint64) bool
	// Discard purges key entirely so it can later be added with a
	// different vector. Used to roll back inserts that were never persisted.
	Discard(key uint64)
	// Search returns up to k live neighbors, closest first.
	Search(query []float32, k int) []Neighbor
	// Vector returns a copy of the stored vector.
	Vector(key uint64) ([]float32, bool)
	// Keys returns all live keys.
	Keys() []uint64
	// Len returns the number of live keys.
	Len() int
	// Encode writes the index body.
	Encode(w io.Writer) error
	// Decode replaces the index contents from a body written by Encode.
	Decode(r io.Reader) error
}

// newIndex creates an empty index for backend.
func newIndex(backend string, dim int) (VectorIndex, error) {
	switch backend {
	case "", BackendFlat:
		return NewFlatIndex(dim), nil
	case BackendHNSW:
		return NewHNSWIndex(dim), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

func backendTag(idx VectorIndex) uint8 {
	if _, ok := idx.(*HNSWIndex); ok {
		return tagHNSW
	}
	return tagFlat
}

func backendForTag(tag uint8) (string, bool) {
	switch tag {
	case tagFlat:
		return BackendFlat, true
	case tagHNSW:
		return BackendHNSW, true
	default:
		return "", false
	}
}

// squaredL2 returns the squared Euclidean distance.
func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// l2 converts a squared distance to the reported L2 distance.
func l2(squared float32) float32 {
	if squared <= 0 {
		return 0
	}
	return float32(math.Sqrt(float64(squared)))
}
