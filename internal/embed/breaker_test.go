package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexidb/lexid/internal/meilierr"
)

type fakeEmbedder struct {
	embedErr   error
	dims       int
	model      string
	available  bool
	closeCalls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                { return f.dims }
func (f *fakeEmbedder) ModelName() string              { return f.model }
func (f *fakeEmbedder) Available(_ context.Context) bool { return f.available }
func (f *fakeEmbedder) Close() error                   { f.closeCalls++; return nil }
func (f *fakeEmbedder) SetBatchIndex(_ int)            {}
func (f *fakeEmbedder) SetFinalBatch(_ bool)           {}

func TestBreakerEmbedder_PassesThroughOnSuccess(t *testing.T) {
	inner := &fakeEmbedder{dims: 3, model: "fake", available: true}
	breaker := NewBreakerEmbedder(inner, "test-breaker")

	vec, err := breaker.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, 3, breaker.Dimensions())
	assert.Equal(t, "fake", breaker.ModelName())
	assert.True(t, breaker.Available(context.Background()))
}

func TestBreakerEmbedder_OpensAfterRepeatedFailures(t *testing.T) {
	inner := &fakeEmbedder{embedErr: errors.New("boom"), available: true}
	breaker := NewBreakerEmbedder(inner, "test-breaker-2")

	for i := 0; i < 5; i++ {
		_, err := breaker.Embed(context.Background(), "x")
		require.Error(t, err)
	}

	assert.Equal(t, meilierr.StateOpen, breaker.State())

	_, err := breaker.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.False(t, breaker.Available(context.Background()))
}

func TestBreakerEmbedder_ClosePassesThrough(t *testing.T) {
	inner := &fakeEmbedder{}
	breaker := NewBreakerEmbedder(inner, "test-breaker-3")
	require.NoError(t, breaker.Close())
	assert.Equal(t, 1, inner.closeCalls)
}

func TestBreakerEmbedder_Inner(t *testing.T) {
	inner := &fakeEmbedder{}
	breaker := NewBreakerEmbedder(inner, "test-breaker-4")
	assert.Same(t, inner, breaker.Inner())
}
