package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket is a coarse latency class for the session summary.
type LatencyBucket string

const (
	BucketFast   LatencyBucket = "<100ms"
	BucketNormal LatencyBucket = "100ms-1s"
	BucketSlow   LatencyBucket = "1s-10s"
	BucketStall  LatencyBucket = ">=10s"
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < 100*time.Millisecond:
		return BucketFast
	case d < time.Second:
		return BucketNormal
	case d < 10*time.Second:
		return BucketSlow
	default:
		return BucketStall
	}
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items []T
	head  int
	size  int
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &CircularBuffer[T]{items: make([]T, capacity)}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	idx := (b.head + b.size) % len(b.items)
	b.items[idx] = item
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.head = (b.head + 1) % len(b.items)
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	return b.size
}

// =============================================================================
// Query Log
// =============================================================================

// QueryEvent describes one answered search.
type QueryEvent struct {
	Query       string
	ResultCount int
	Latency     time.Duration
	Answered    bool
}

// TermCount is a query term and how often it was seen.
type TermCount struct {
	Term  string
	Count int64
}

// QuerySnapshot is an immutable copy of the log's aggregates.
type QuerySnapshot struct {
	TotalQueries     int64
	ZeroResultCount  int64
	AnsweredCount    int64
	ExactRepeats     int64
	RecentZeroResult []string
	TopTerms         []TermCount
	Latencies        map[LatencyBucket]int64
	Since            time.Time
}

// QueryLog aggregates search activity for one interactive session, so a
// support engineer can see which questions found nothing. It is safe for
// concurrent use.
type QueryLog struct {
	mu sync.Mutex

	terms       *lru.Cache[string, int64]
	recent      *lru.Cache[string, struct{}]
	zeroResults *CircularBuffer[string]
	latencies   map[LatencyBucket]int64

	total    int64
	zero     int64
	answered int64
	repeats  int64
	since    time.Time
}

// NewQueryLog creates a log tracking up to termCapacity distinct terms and
// the last zeroCapacity zero-result queries.
func NewQueryLog(termCapacity, zeroCapacity int) *QueryLog {
	if termCapacity <= 0 {
		termCapacity = 100
	}
	if zeroCapacity <= 0 {
		zeroCapacity = 20
	}
	terms, _ := lru.New[string, int64](termCapacity)
	recent, _ := lru.New[string, struct{}](500)
	return &QueryLog{
		terms:       terms,
		recent:      recent,
		zeroResults: NewCircularBuffer[string](zeroCapacity),
		latencies:   make(map[LatencyBucket]int64),
		since:       time.Now(),
	}
}

// Record adds one event.
func (l *QueryLog) Record(ev QueryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if ev.Answered {
		l.answered++
	}
	if ev.ResultCount == 0 {
		l.zero++
		l.zeroResults.Add(ev.Query)
	}
	l.latencies[LatencyToBucket(ev.Latency)]++

	for _, term := range ExtractTerms(ev.Query) {
		count, _ := l.terms.Get(term)
		l.terms.Add(term, count+1)
	}

	key := hashQuery(ev.Query)
	if _, seen := l.recent.Get(key); seen {
		l.repeats++
	}
	l.recent.Add(key, struct{}{})
}

// Snapshot returns the current aggregates. TopTerms holds at most limit
// entries, most frequent first.
func (l *QueryLog) Snapshot(limit int) QuerySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	var top []TermCount
	for _, term := range l.terms.Keys() {
		if count, ok := l.terms.Peek(term); ok {
			top = append(top, TermCount{Term: term, Count: count})
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Term < top[j].Term
	})
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}

	latencies := make(map[LatencyBucket]int64, len(l.latencies))
	for k, v := range l.latencies {
		latencies[k] = v
	}

	return QuerySnapshot{
		TotalQueries:     l.total,
		ZeroResultCount:  l.zero,
		AnsweredCount:    l.answered,
		ExactRepeats:     l.repeats,
		RecentZeroResult: l.zeroResults.Items(),
		TopTerms:         top,
		Latencies:        latencies,
		Since:            l.since,
	}
}

// ExtractTerms lowercases query and keeps alphanumeric words of three or
// more characters.
func ExtractTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:16])
}
