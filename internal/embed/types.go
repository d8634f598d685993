package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32

	// DefaultTimeout is the default timeout for embedding requests
	// Deprecated: Use DefaultWarmTimeout and DefaultColdTimeout instead
	DefaultTimeout = 60 * time.Second

	// DefaultWarmTimeout is the timeout for requests once a provider has
	// already served this process recently.
	DefaultWarmTimeout = 120 * time.Second

	// DefaultColdTimeout is the timeout for the first request against a
	// provider, which for self-hosted backends may still be loading weights.
	DefaultColdTimeout = 180 * time.Second

	// ModelUnloadThreshold is the duration after which a self-hosted
	// provider is assumed to have unloaded its model and gone cold again.
	ModelUnloadThreshold = 5 * time.Minute

	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 3
)

// Batch-progression constants. Bulk indexing submits thousands of batches
// back to back; hosted embedding APIs increasingly rate-limit or slow down
// over a sustained run, so later batches get a longer timeout budget than
// the first ones.
const (
	// DefaultInterBatchDelay is the default pause between embedding batches
	// Set to 0 (disabled) by default - most providers don't need this
	DefaultInterBatchDelay = 0 * time.Millisecond

	// MaxInterBatchDelay caps the inter-batch delay to prevent excessive slowdown
	MaxInterBatchDelay = 5 * time.Second

	// DefaultTimeoutProgression controls how much timeout increases per 1000
	// texts embedded. 1.0 = no progression (disabled), 1.5 = 50% increase.
	DefaultTimeoutProgression = 1.5

	// MaxTimeoutProgression caps the timeout multiplier to prevent excessive waits
	MaxTimeoutProgression = 3.0

	// DefaultRetryTimeoutMultiplier scales timeout on each retry attempt
	// 1.0 = no scaling (disabled), 1.5 = 50% increase per retry
	DefaultRetryTimeoutMultiplier = 1.0

	// MaxRetryTimeoutMultiplier caps the retry timeout scaling
	MaxRetryTimeoutMultiplier = 2.0
)

// DefaultDimensions is the embedding dimension assumed when a provider
// doesn't advertise one up front (matches the common 768-dim default of
// sentence-transformer-family models).
const DefaultDimensions = 768

// Static embedder constants
const (
	// StaticDimensions is the embedding dimension for static embedder
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text. Implementations cover
// hosted providers (OpenAI, Cohere), a self-hosted Ollama server, a
// generic REST backend and a dependency-free hash-based fallback.
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

	// SetBatchIndex sets the batch index for timeout progression. Used when
	// resuming an interrupted indexing run to keep the correct batch position.
	SetBatchIndex(idx int)

	// SetFinalBatch marks the embedder as processing the final batch of a
	// run, which gets a timeout boost of its own.
	SetFinalBatch(isFinal bool)
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
