package search

// FusedCandidate is a deduplicated candidate awaiting rerank.
type FusedCandidate struct {
	Candidate

	// InBoth is set when the dense and sparse lists both returned the key.
	InBoth bool
}

// Fuse joins dense and sparse candidates by key (id, or text when the id is
// empty). The first occurrence wins and keeps its position; dense
// candidates are iterated first. No cross-source score is computed.
// duplicates counts candidates dropped as repeats.
func Fuse(dense, sparse []Candidate) (fused []FusedCandidate, duplicates int) {
	fused = make([]FusedCandidate, 0, len(dense)+len(sparse))
	pos := make(map[string]int, len(dense)+len(sparse))

	add := func(c Candidate) {
		k := c.key()
		if i, ok := pos[k]; ok {
			duplicates++
			if fused[i].Source != c.Source {
				fused[i].InBoth = true
			}
			return
		}
		pos[k] = len(fused)
		fused = append(fused, FusedCandidate{Candidate: c})
	}
	for _, c := range dense {
		add(c)
	}
	for _, c := range sparse {
		add(c)
	}
	return fused, duplicates
}
