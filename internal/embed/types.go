package embed

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32

	// DefaultTimeout is the default timeout for a single embedding request
	DefaultTimeout = 60 * time.Second

	// DefaultDimensions is used when an embedder cannot report its dimension.
	DefaultDimensions = 768

	// StaticDimensions is the dimension of the static embedder, matching all-minilm.
	StaticDimensions = 384
)

// Embedder generates vector embeddings for text
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// EmbedFunc adapts a plain function to the Embedder interface. The
// dimension is probed lazily from the first call when Dims is zero. It is
// safe for concurrent use as long as Fn is.
type EmbedFunc struct {
	Fn    func(ctx context.Context, text string) ([]float32, error)
	Model string
	Dims  int

	probed atomic.Int64
}

var _ Embedder = (*EmbedFunc)(nil)

// Embed calls the wrapped function.
func (f *EmbedFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.Fn(ctx, text)
	if err != nil {
		return nil, err
	}
	if f.Dims == 0 && len(vec) > 0 {
		f.probed.CompareAndSwap(0, int64(len(vec)))
	}
	return vec, nil
}

// EmbedBatch calls the wrapped function once per text.
func (f *EmbedFunc) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured or probed dimension.
func (f *EmbedFunc) Dimensions() int {
	if f.Dims > 0 {
		return f.Dims
	}
	return int(f.probed.Load())
}

// ModelName returns the configured model label, or "func".
func (f *EmbedFunc) ModelName() string {
	if f.Model == "" {
		return "func"
	}
	return f.Model
}

// Available reports whether a function is set.
func (f *EmbedFunc) Available(context.Context) bool {
	return f.Fn != nil
}

// Close is a no-op.
func (f *EmbedFunc) Close() error {
	return nil
}

// ProbeDimension returns the embedder's dimension, embedding a probe text
// when the embedder does not know it yet.
func ProbeDimension(ctx context.Context, e Embedder) (int, error) {
	if d := e.Dimensions(); d > 0 {
		return d, nil
	}
	vec, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("embedder %s returned an empty vector", e.ModelName())
	}
	return len(vec), nil
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
