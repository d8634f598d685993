package indexer

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lexidb/lexid/internal/meilierr"
)

// Embedder renders a document's embedding prompt (already expanded from its
// configured template) into a vector. Implemented by internal/embed's
// provider adapters (OpenAI/Cohere/Ollama/generic-REST).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedJob is one document's prompt awaiting a vector.
type embedJob struct {
	docid  uint32
	prompt string
}

type embedResult struct {
	docid  uint32
	vector []float32
	err    error
}

// dispatchEmbeddings runs jobs against embedder across a bounded worker pool
// (spec.md §5: "Embedder calls are dispatched to a separate bounded thread
// pool to overlap network latency"), returning one result per job or the
// first error encountered. A single embedder failure fails the whole batch
// so that no partial vector state persists (spec.md §7).
func dispatchEmbeddings(ctx context.Context, embedder Embedder, jobs []embedJob, concurrency int) ([]embedResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]embedResult, len(jobs))
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			vec, err := embedder.Embed(gctx, job.prompt)
			if err != nil {
				return meilierr.Wrap(meilierr.CodeEmbedderNetworkFailure, err)
			}
			results[i] = embedResult{docid: job.docid, vector: vec}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
