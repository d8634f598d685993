// Package search implements the query pipeline: universe computation from
// filters, query-graph compilation with typo/prefix/n-gram/synonym/phrase
// expansion, a ranking-rule bucket-sort state machine, hybrid keyword/vector
// fusion, facet distribution and result highlighting — spec.md §4.5.
//
// Per-document token positions are never persisted by the indexer: they're
// only needed transiently, to compute word-pair proximity at index time
// (internal/indexer/merge.go). By the time the Attribute and Exactness
// ranking rules run, Words/Typo/Proximity have already narrowed the
// candidate set to a bounded size, so those two rules re-tokenize a
// candidate's stored fields on demand instead.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/meilierr"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Engine runs searches against one index: keyword ranking, optional
// semantic/hybrid fusion, facets and highlighting.
type Engine struct {
	idx    *indexstore.Index
	config EngineConfig
	fsts   *fstCache
	ann    *annCache
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger overrides the engine's logger (default: slog.Default()).
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an Engine over idx. Returns ErrNilDependency if idx is nil.
func NewEngine(idx *indexstore.Index, config EngineConfig, opts ...EngineOption) (*Engine, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: index is required", ErrNilDependency)
	}
	e := &Engine{
		idx:    idx,
		config: config,
		fsts:   newFSTCache(),
		ann:    newANNCache(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search runs q against the engine's index (spec.md §4.5's eleven steps).
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	q = e.withDefaults(q)

	deadline := time.Time{}
	if q.TimeBudget > 0 {
		deadline = start.Add(q.TimeBudget)
	}

	var result Result
	err := e.idx.Env().View(func(tx *bbolt.Tx) error {
		settings := e.idx.Settings()

		universe, err := Universe(tx, e.idx, q)
		if err != nil {
			return err
		}

		var fst *wordFST
		if settings.TypoTolerance.Enabled && q.Text != "" {
			fst, err = e.fsts.get(tx, e.idx)
			if err != nil {
				return err
			}
		}
		graph, err := CompileQueryGraph(fst, settings, q.Text)
		if err != nil {
			return err
		}

		rc := &rankingContext{
			tx: tx, idx: e.idx, settings: settings, graph: graph,
			sort: q.Sort, geo: q.GeoPoint, window: e.config.ProximityWindow,
		}
		rules := BuildRules(settings.RankingRules, len(q.Sort) > 0, q.GeoPoint != nil)

		keyword, degraded, err := e.rankKeyword(rc, rules, universe, deadline, q)
		if err != nil {
			return err
		}

		var fused []FusedHit
		if len(q.Vector) > 0 && q.HybridSemanticRatio > 0 {
			need := q.Offset + q.Limit
			if q.HybridSemanticRatio >= 1 || !ShortCircuits(keyword, need, e.config.HybridShortCircuit) {
				semantic, err := SemanticSearch(tx, e.idx, e.ann, settings, q.Vector, universe, need*4+need)
				if err != nil {
					return err
				}
				fused = Fuse(keyword, semantic)
			} else {
				fused = Fuse(keyword, nil)
			}
		} else {
			fused = Fuse(keyword, nil)
		}

		if q.RankingScoreThreshold > 0 {
			kept := fused[:0]
			for _, h := range fused {
				if h.Score >= q.RankingScoreThreshold {
					kept = append(kept, h)
				}
			}
			fused = kept
		}

		total := len(fused)
		// Without a threshold, facets or distinct, rankKeyword stops after
		// offset+limit documents. BucketSort ranks every universe document
		// (the words rule keeps zero-match ones in its last bucket), so the
		// universe size is the full count.
		if q.RankingScoreThreshold <= 0 && len(q.Facets) == 0 && settings.DistinctAttribute == "" {
			if u := int(universe.GetCardinality()); u > total {
				total = u
			}
		}
		page := paginate(fused, q.Offset, q.Limit)

		hits := make([]Hit, 0, len(page))
		for _, fh := range page {
			hit, err := e.buildHit(tx, fh, graph, q)
			if err != nil {
				return err
			}
			hits = append(hits, hit)
		}

		var facetDist map[string]map[string]int
		if len(q.Facets) > 0 {
			candidateIDs := roaringFromFused(fused)
			facetDist, err = FacetDistribution(tx, e.idx, candidateIDs, q.Facets, q.MaxValuesPerFacet, q.SortFacetValuesBy)
			if err != nil {
				return err
			}
		}

		result = Result{
			Hits:               hits,
			EstimatedTotalHits: total,
			Offset:             q.Offset,
			Limit:              q.Limit,
			Degraded:           degraded,
			FacetDistribution:  facetDist,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.ProcessingTimeMS = time.Since(start).Milliseconds()
	return &result, nil
}

func (e *Engine) withDefaults(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = e.config.DefaultLimit
	}
	if q.Limit > e.config.MaxLimit {
		q.Limit = e.config.MaxLimit
	}
	if q.TimeBudget == 0 {
		q.TimeBudget = e.config.DefaultTimeBudget
	}
	if q.HighlightPreTag == "" {
		q.HighlightPreTag = "<em>"
	}
	if q.HighlightPostTag == "" {
		q.HighlightPostTag = "</em>"
	}
	return q
}

// rankKeyword runs the bucket-sort state machine and converts its strict
// rank order into normalized [0,1] ScoredDoc scores (descending rank ->
// descending score), since fusion operates on a score axis shared with the
// semantic branch.
func (e *Engine) rankKeyword(rc *rankingContext, rules []Rule, universe *roaring.Bitmap, deadline time.Time, q Query) ([]ScoredDoc, bool, error) {
	distinctAttr := rc.settings.DistinctAttribute

	var ordered []uint32
	need := q.Offset + q.Limit
	if q.RankingScoreThreshold > 0 || len(q.Facets) > 0 || distinctAttr != "" {
		need = int(universe.GetCardinality())
	}
	degraded, err := BucketSort(rc, rules, universe, deadline, func(docid uint32) bool {
		ordered = append(ordered, docid)
		return need <= 0 || len(ordered) < need
	})
	if err != nil {
		return nil, false, err
	}

	if distinctAttr != "" {
		ordered, err = DistinctFilter(rc.tx, rc.idx, distinctAttr, ordered)
		if err != nil {
			return nil, false, err
		}
	}

	n := len(ordered)
	out := make([]ScoredDoc, n)
	// A placeholder query (no text) carries no keyword ranking evidence; a
	// ramp over bitmap iteration order would otherwise bias hybrid fusion
	// toward low docids regardless of semantic similarity.
	noEvidence := q.Text == "" && len(rc.graph.Groups) == 0
	for i, id := range ordered {
		score := 1.0
		switch {
		case noEvidence:
			score = 0
		case n > 1:
			score = 1.0 - float64(i)/float64(n)
		}
		out[i] = ScoredDoc{DocID: id, Score: score}
	}
	return out, degraded, nil
}

func paginate(fused []FusedHit, offset, limit int) []FusedHit {
	if offset >= len(fused) {
		return nil
	}
	end := offset + limit
	if end > len(fused) || limit <= 0 {
		end = len(fused)
	}
	return fused[offset:end]
}

func roaringFromFused(fused []FusedHit) *roaring.Bitmap {
	bm := roaring.New()
	for _, h := range fused {
		bm.Add(h.DocID)
	}
	return bm
}

func (e *Engine) buildHit(tx *bbolt.Tx, fh FusedHit, graph *QueryGraph, q Query) (Hit, error) {
	doc, ok, err := e.idx.GetDocument(tx, fh.DocID)
	if err != nil {
		return Hit{}, err
	}
	if !ok {
		return Hit{}, meilierr.New(meilierr.CodeDocumentNotFound, "ranked document missing from store", nil)
	}

	fields := map[string]any{}
	doc.Each(func(fieldID uint16, raw []byte) {
		name, ok := e.idx.Fields().Name(fieldID)
		if !ok {
			return
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			fields[name] = v
		}
	})

	primaryKey := ""
	if pkField, ok := e.idx.PrimaryKeyField(); ok {
		if v, ok := fields[pkField]; ok {
			primaryKey = fmt.Sprint(v)
		}
	}

	hit := Hit{
		DocID:        fh.DocID,
		PrimaryKey:   primaryKey,
		Fields:       fields,
		RankingScore: fh.Score,
	}
	hit.keywordScore = fh.KeywordScore
	hit.semanticScore = fh.SemanticScore

	if q.CropLength > 0 || len(graph.Groups) > 0 {
		hit.Formatted = HighlightFields(fields, graph, q.HighlightPreTag, q.HighlightPostTag, q.CropLength)
	}
	return hit, nil
}

// SearchMany runs queries concurrently against the same index (the
// multi-search endpoint's fan-out), capping concurrency to bound bbolt
// reader contention.
func (e *Engine) SearchMany(ctx context.Context, queries []Query) ([]*Result, error) {
	results := make([]*Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			r, err := e.Search(gctx, q)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
