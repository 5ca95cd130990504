package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// FlatIndex is an exact brute-force index. Search is O(n·d), which is fine
// for support knowledge bases of tens of thousands of records and gives the
// exact-match recall the store promises.
type FlatIndex struct {
	dim     int
	vectors map[uint64][]float32
}

var _ VectorIndex = (*FlatIndex)(nil)

// NewFlatIndex creates an empty exact index.
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim, vectors: make(map[uint64][]float32)}
}

// Add stores a copy of vec.
func (f *FlatIndex) Add(key uint64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("flat index: vector has %d dimensions, want %d", len(vec), f.dim)
	}
	if _, exists := f.vectors[key]; exists {
		return fmt.Errorf("flat index: key %d already present", key)
	}
	f.vectors[key] = append([]float32(nil), vec...)
	return nil
}

// Remove drops key.
func (f *FlatIndex) Remove(key uint64) bool {
	if _, ok := f.vectors[key]; !ok {
		return false
	}
	delete(f.vectors, key)
	return true
}

// Discard is Remove for an exact index.
func (f *FlatIndex) Discard(key uint64) {
	delete(f.vectors, key)
}

// Search scans every vector. Ties are broken by key so results are stable.
func (f *FlatIndex) Search(query []float32, k int) []Neighbor {
	if k <= 0 || len(f.vectors) == 0 {
		return nil
	}
	all := make([]Neighbor, 0, len(f.vectors))
	for key, vec := range f.vectors {
		all = append(all, Neighbor{Key: key, Distance: squaredL2(query, vec)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].Key < all[j].Key
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Vector returns a copy of the stored vector.
func (f *FlatIndex) Vector(key uint64) ([]float32, bool) {
	vec, ok := f.vectors[key]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Keys returns the live keys in ascending order.
func (f *FlatIndex) Keys() []uint64 {
	keys := make([]uint64, 0, len(f.vectors))
	for k := range f.vectors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of vectors.
func (f *FlatIndex) Len() int {
	return len(f.vectors)
}

// Encode writes count, then (key, vector) pairs in key order, little endian.
func (f *FlatIndex) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(f.vectors))); err != nil {
		return err
	}
	for _, key := range f.Keys() {
		if err := binary.Write(w, binary.LittleEndian, key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, f.vectors[key]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a body written by Encode.
func (f *FlatIndex) Decode(r io.Reader) error {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("flat index: read count: %w", err)
	}
	vectors := make(map[uint64][]float32, n)
	for i := uint64(0); i < n; i++ {
		var key uint64
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return fmt.Errorf("flat index: read key: %w", err)
		}
		vec := make([]float32, f.dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("flat index: read vector: %w", err)
		}
		vectors[key] = vec
	}
	f.vectors = vectors
	return nil
}
