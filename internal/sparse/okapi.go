package sparse

import (
	"context"
	"math"
)

// OkapiIndex is an in-memory Okapi BM25 index. Term frequencies, document
// lengths and IDF values are computed once at construction.
type OkapiIndex struct {
	analyzer *Analyzer
	k1       float64
	b        float64

	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

var _ Index = (*OkapiIndex)(nil)

// NewOkapiIndex builds the index. Non-positive k1 or b select the defaults.
func NewOkapiIndex(corpus []string, analyzer *Analyzer, k1, b float64) *OkapiIndex {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b <= 0 {
		b = DefaultB
	}
	if analyzer == nil {
		analyzer = NewAnalyzer(true)
	}

	idx := &OkapiIndex{
		analyzer:  analyzer,
		k1:        k1,
		b:         b,
		termFreqs: make([]map[string]int, len(corpus)),
		docLens:   make([]int, len(corpus)),
		idf:       make(map[string]float64),
	}

	docFreq := make(map[string]int)
	total := 0
	for i, text := range corpus {
		tokens := analyzer.Tokens(text)
		freqs := make(map[string]int, len(tokens))
		for _, t := range tokens {
			freqs[t]++
		}
		for t := range freqs {
			docFreq[t]++
		}
		idx.termFreqs[i] = freqs
		idx.docLens[i] = len(tokens)
		total += len(tokens)
	}
	if len(corpus) > 0 {
		idx.avgDocLen = float64(total) / float64(len(corpus))
	}

	idx.computeIDF(docFreq, len(corpus))
	return idx
}

// computeIDF uses ln((N-n+0.5)/(n+0.5)). Terms in more than half the
// corpus get a negative value, which is replaced by epsilon times the
// average IDF so common terms still count a little. If the average is
// not positive the floor is epsilon itself.
func (o *OkapiIndex) computeIDF(docFreq map[string]int, n int) {
	if len(docFreq) == 0 {
		return
	}
	var sum float64
	var negative []string
	for term, df := range docFreq {
		v := math.Log((float64(n-df) + 0.5) / (float64(df) + 0.5))
		o.idf[term] = v
		sum += v
		if v < 0 {
			negative = append(negative, term)
		}
	}
	floor := DefaultEpsilon * sum / float64(len(docFreq))
	if floor <= 0 {
		floor = DefaultEpsilon
	}
	for _, term := range negative {
		o.idf[term] = floor
	}
}

// Scores returns the BM25 score of query against every document.
func (o *OkapiIndex) Scores(ctx context.Context, query string) ([]float64, error) {
	scores := make([]float64, len(o.termFreqs))
	if len(scores) == 0 {
		return scores, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, term := range o.analyzer.Tokens(query) {
		idf, ok := o.idf[term]
		if !ok {
			continue
		}
		for i, freqs := range o.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := o.k1 * (1 - o.b + o.b*float64(o.docLens[i])/o.avgDocLen)
			scores[i] += idf * tf * (o.k1 + 1) / (tf + norm)
		}
	}
	return scores, nil
}

// Len returns the corpus size.
func (o *OkapiIndex) Len() int {
	return len(o.termFreqs)
}

// Close is a no-op.
func (o *OkapiIndex) Close() error {
	return nil
}
