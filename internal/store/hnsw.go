package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/coder/hnsw"
)

// HNSWIndex is an approximate index backed by coder/hnsw. Removal is lazy:
// the node stays in the graph and is filtered out of results, which avoids
// a coder/hnsw bug when deleting the last node of a layer. Re-adding a
// lazily removed key revives the node.
type HNSWIndex struct {
	dim   int
	graph *hnsw.Graph[uint64]

	live    map[uint64]struct{}
	orphans map[uint64]struct{}
}

var _ VectorIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates an empty HNSW index using Euclidean distance.
func NewHNSWIndex(dim int) *HNSWIndex {
	return &HNSWIndex{
		dim:     dim,
		graph:   newGraph(),
		live:    make(map[uint64]struct{}),
		orphans: make(map[uint64]struct{}),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.EuclideanDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

// Add inserts vec under key.
func (h *HNSWIndex) Add(key uint64, vec []float32) error {
	if len(vec) != h.dim {
		return fmt.Errorf("hnsw index: vector has %d dimensions, want %d", len(vec), h.dim)
	}
	if _, ok := h.live[key]; ok {
		return fmt.Errorf("hnsw index: key %d already present", key)
	}
	if _, ok := h.orphans[key]; ok {
		delete(h.orphans, key)
		h.live[key] = struct{}{}
		return nil
	}
	h.graph.Add(hnsw.MakeNode(key, append([]float32(nil), vec...)))
	h.live[key] = struct{}{}
	return nil
}

// Remove lazily drops key.
func (h *HNSWIndex) Remove(key uint64) bool {
	if _, ok := h.live[key]; !ok {
		return false
	}
	delete(h.live, key)
	h.orphans[key] = struct{}{}
	return true
}

// Discard purges key by rebuilding the graph without it. Graph.Delete is
// avoided because it can corrupt a layer that loses its last node. This
// only runs when an unpersisted insert is rolled back.
func (h *HNSWIndex) Discard(key uint64) {
	_, isLive := h.live[key]
	_, isOrphan := h.orphans[key]
	if !isLive && !isOrphan {
		return
	}
	delete(h.live, key)
	delete(h.orphans, key)
	h.rebuild()
}

// Compact drops every orphan from the graph. Orphans can no longer be
// revived afterwards.
func (h *HNSWIndex) Compact() {
	if len(h.orphans) == 0 {
		return
	}
	h.orphans = make(map[uint64]struct{})
	h.rebuild()
}

// rebuild replaces the graph with one holding only the live and orphan keys.
func (h *HNSWIndex) rebuild() {
	graph := newGraph()
	for _, set := range []map[uint64]struct{}{h.live, h.orphans} {
		for _, k := range sortedKeys(set) {
			if vec, ok := h.graph.Lookup(k); ok {
				graph.Add(hnsw.MakeNode(k, vec))
			}
		}
	}
	h.graph = graph
}

// Search over-fetches by the orphan count so k live results survive filtering.
func (h *HNSWIndex) Search(query []float32, k int) []Neighbor {
	if k <= 0 || len(h.live) == 0 {
		return nil
	}
	fetch := k + len(h.orphans)
	if n := h.graph.Len(); fetch > n {
		fetch = n
	}

	nodes := h.graph.Search(query, fetch)
	out := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		if _, ok := h.live[node.Key]; !ok {
			continue
		}
		out = append(out, Neighbor{Key: node.Key, Distance: squaredL2(query, node.Value)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Vector returns a copy of a live vector.
func (h *HNSWIndex) Vector(key uint64) ([]float32, bool) {
	if _, ok := h.live[key]; !ok {
		return nil, false
	}
	vec, ok := h.graph.Lookup(key)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Keys returns the live keys in ascending order.
func (h *HNSWIndex) Keys() []uint64 {
	return sortedKeys(h.live)
}

// Len returns the number of live keys.
func (h *HNSWIndex) Len() int {
	return len(h.live)
}

// Orphans returns the number of lazily removed nodes still in the graph.
func (h *HNSWIndex) Orphans() int {
	return len(h.orphans)
}

// Encode writes the live and orphan key lists, then the exported graph.
func (h *HNSWIndex) Encode(w io.Writer) error {
	for _, set := range []map[uint64]struct{}{h.live, h.orphans} {
		keys := sortedKeys(set)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(keys))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, keys); err != nil {
			return err
		}
	}
	if h.graph.Len() == 0 {
		return nil
	}
	if err := h.graph.Export(w); err != nil {
		return fmt.Errorf("hnsw index: export graph: %w", err)
	}
	return nil
}

// Decode reads a body written by Encode.
func (h *HNSWIndex) Decode(r io.Reader) error {
	br := bufio.NewReader(r)

	var sets [2]map[uint64]struct{}
	total := 0
	for i := range sets {
		var n uint64
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("hnsw index: read key count: %w", err)
		}
		keys := make([]uint64, n)
		if err := binary.Read(br, binary.LittleEndian, keys); err != nil {
			return fmt.Errorf("hnsw index: read keys: %w", err)
		}
		sets[i] = make(map[uint64]struct{}, n)
		for _, k := range keys {
			sets[i][k] = struct{}{}
		}
		total += int(n)
	}

	graph := newGraph()
	if total > 0 {
		// coder/hnsw Import needs an io.ByteReader.
		if err := graph.Import(br); err != nil {
			return fmt.Errorf("hnsw index: import graph: %w", err)
		}
		if graph.Len() != total {
			return fmt.Errorf("hnsw index: graph has %d nodes, key lists have %d", graph.Len(), total)
		}
	}

	h.graph = graph
	h.live = sets[0]
	h.orphans = sets[1]
	return nil
}

func sortedKeys(set map[uint64]struct{}) []uint64 {
	keys := make([]uint64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
