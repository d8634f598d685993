package embed

import (
	"context"

	"github.com/lexidb/lexid/internal/meilierr"
)

// BreakerEmbedder wraps an Embedder with a circuit breaker, so a provider
// outage fails fast instead of piling up slow timeouts across every
// in-flight indexing or search request.
type BreakerEmbedder struct {
	inner   Embedder
	breaker *meilierr.CircuitBreaker
}

var _ Embedder = (*BreakerEmbedder)(nil)

// NewBreakerEmbedder wraps inner with a named circuit breaker.
func NewBreakerEmbedder(inner Embedder, name string) *BreakerEmbedder {
	return &BreakerEmbedder{
		inner:   inner,
		breaker: meilierr.NewCircuitBreaker(name),
	}
}

// Embed runs inner.Embed through the circuit breaker.
func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return meilierr.CircuitExecuteWithResult(b.breaker,
		func() ([]float32, error) { return b.inner.Embed(ctx, text) },
		func() ([]float32, error) {
			return nil, meilierr.New(meilierr.CodeEmbedderNetworkFailure, "embedder circuit open: "+b.breaker.Name(), nil)
		})
}

// EmbedBatch runs inner.EmbedBatch through the circuit breaker.
func (b *BreakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return meilierr.CircuitExecuteWithResult(b.breaker,
		func() ([][]float32, error) { return b.inner.EmbedBatch(ctx, texts) },
		func() ([][]float32, error) {
			return nil, meilierr.New(meilierr.CodeEmbedderNetworkFailure, "embedder circuit open: "+b.breaker.Name(), nil)
		})
}

// Dimensions passes through to inner.
func (b *BreakerEmbedder) Dimensions() int { return b.inner.Dimensions() }

// ModelName passes through to inner.
func (b *BreakerEmbedder) ModelName() string { return b.inner.ModelName() }

// Available reports the inner embedder's availability; an open circuit
// also counts as unavailable even if the inner embedder itself would answer.
func (b *BreakerEmbedder) Available(ctx context.Context) bool {
	return b.breaker.Allow() && b.inner.Available(ctx)
}

// Close releases the inner embedder's resources.
func (b *BreakerEmbedder) Close() error { return b.inner.Close() }

// SetBatchIndex passes through to inner.
func (b *BreakerEmbedder) SetBatchIndex(idx int) { b.inner.SetBatchIndex(idx) }

// SetFinalBatch passes through to inner.
func (b *BreakerEmbedder) SetFinalBatch(isFinal bool) { b.inner.SetFinalBatch(isFinal) }

// Inner returns the wrapped embedder.
func (b *BreakerEmbedder) Inner() Embedder { return b.inner }

// State returns the circuit breaker's current state, for diagnostics.
func (b *BreakerEmbedder) State() meilierr.State { return b.breaker.State() }
