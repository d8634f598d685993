package search

import (
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/coder/hnsw"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// annCache memoizes one HNSW graph per index, built over every stored
// vector embedding (spec.md §4.5 step 8). Rebuilt on document-count change,
// the same staleness trigger fstCache uses and with the same caveat: an
// in-place vector update that doesn't change the count is served stale
// until the count next moves.
//
// The graph itself is configured from indexstore.VectorIndexSettings the
// same way internal/store's retired HNSWStore configured coder/hnsw: M and
// EfSearch carried straight through, Ml fixed at the library's own
// recommended level-generation factor, metric selecting between cosine and
// euclidean distance.
type annCache struct {
	mu      sync.Mutex
	entries map[string]*annEntry
}

type annEntry struct {
	graph    *hnsw.Graph[uint32]
	metric   string
	docCount int
}

func newANNCache() *annCache {
	return &annCache{entries: map[string]*annEntry{}}
}

func (c *annCache) get(tx *bbolt.Tx, idx *indexstore.Index, cfg indexstore.VectorIndexSettings) (*annEntry, error) {
	count, err := idx.DocumentCount()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[idx.Uid]; ok && e.docCount == count {
		return e, nil
	}

	graph := newConfiguredGraph(cfg)
	err = idx.ScanVectorEmbeddings(tx, func(docid uint32, vector []float32) bool {
		vec := make([]float32, len(vector))
		copy(vec, vector)
		normalizeVector(vec)
		graph.Add(hnsw.MakeNode(docid, vec))
		return true
	})
	if err != nil {
		return nil, err
	}

	e := &annEntry{graph: graph, metric: cfg.Metric, docCount: count}
	c.entries[idx.Uid] = e
	return e, nil
}

// newConfiguredGraph builds an empty coder/hnsw graph from cfg, applying the
// same defaults coder/hnsw itself recommends when a field is unset.
func newConfiguredGraph(cfg indexstore.VectorIndexSettings) *hnsw.Graph[uint32] {
	graph := hnsw.NewGraph[uint32]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	if cfg.M > 0 {
		graph.M = cfg.M
	}
	if cfg.EfSearch > 0 {
		graph.EfSearch = cfg.EfSearch
	}
	graph.Ml = 0.25
	return graph
}

// SemanticSearch runs an ANN search over vector restricted to candidates,
// returning up to k hits scored in [0,1] by cosine or euclidean similarity
// depending on settings.VectorIndex.Metric.
func SemanticSearch(tx *bbolt.Tx, idx *indexstore.Index, cache *annCache, settings indexstore.Settings, vector []float32, candidates *roaring.Bitmap, k int) ([]ScoredDoc, error) {
	cfg := settings.VectorIndex
	if cfg.Metric == "" {
		cfg = indexstore.DefaultVectorIndexSettings()
	}
	entry, err := cache.get(tx, idx, cfg)
	if err != nil {
		return nil, err
	}
	graph := entry.graph
	if graph.Len() == 0 || k <= 0 {
		return nil, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeVector(query)

	// Over-fetch since candidates narrows the ANN result set further; the
	// filter universe isn't known to the graph itself.
	fetch := k * 4
	if candidates != nil && int(candidates.GetCardinality()) > fetch {
		fetch = int(candidates.GetCardinality())
	}
	if fetch < k {
		fetch = k
	}

	nodes := graph.Search(query, fetch)
	out := make([]ScoredDoc, 0, len(nodes))
	for _, n := range nodes {
		if candidates != nil && !candidates.Contains(n.Key) {
			continue
		}
		dist := graph.Distance(query, n.Value)
		out = append(out, ScoredDoc{DocID: n.Key, Score: distanceToScore(dist, entry.metric)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func normalizeVector(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a coder/hnsw distance to a 0..1 similarity score,
// consistent with ScoredDoc's normalized-score contract. Cosine distance
// ranges 0..2 over normalized vectors; euclidean ranges 0..infinity.
func distanceToScore(dist float32, metric string) float64 {
	var s float64
	switch metric {
	case "l2":
		s = 1.0 / (1.0 + float64(dist))
	default:
		s = 1.0 - float64(dist)/2.0
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}
