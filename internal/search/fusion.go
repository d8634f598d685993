// Package search implements the query pipeline.
package search

import "sort"

// ScoredDoc is one branch's scored hit before fusion.
type ScoredDoc struct {
	DocID uint32
	Score float64 // already normalized to [0,1]
}

// FusedHit is one document after hybrid fusion, carrying both branch scores.
type FusedHit struct {
	DocID         uint32
	Score         float64 // max(KeywordScore, SemanticScore)
	KeywordScore  float64
	SemanticScore float64
	InBoth        bool
}

// ShortCircuits reports whether the keyword branch alone satisfies the
// hybrid request: spec.md §4.5 step 9 — "if yields offset+limit results all
// with global score >= threshold, return directly, no semantic branch or
// embedder call". need is offset+limit; threshold is typically
// DefaultHybridShortCircuit (configurable).
func ShortCircuits(keyword []ScoredDoc, need int, threshold float64) bool {
	if need <= 0 || len(keyword) < need {
		return false
	}
	for i := 0; i < need; i++ {
		if keyword[i].Score < threshold {
			return false
		}
	}
	return true
}

// Fuse merges keyword and semantic branches by descending max(keyword,
// semantic) score (spec.md §4.5 step 9). Documents present in only one
// branch score 0 on the other. Ties break on the full score vector
// (keyword score desc, then semantic score desc, then docid asc) so the
// order is fully deterministic.
func Fuse(keyword, semantic []ScoredDoc) []FusedHit {
	byDoc := make(map[uint32]*FusedHit, len(keyword)+len(semantic))

	getOrCreate := func(docid uint32) *FusedHit {
		h, ok := byDoc[docid]
		if !ok {
			h = &FusedHit{DocID: docid}
			byDoc[docid] = h
		}
		return h
	}

	for _, d := range keyword {
		getOrCreate(d.DocID).KeywordScore = d.Score
	}
	for _, d := range semantic {
		h := getOrCreate(d.DocID)
		h.SemanticScore = d.Score
		if h.KeywordScore > 0 {
			h.InBoth = true
		}
	}

	out := make([]FusedHit, 0, len(byDoc))
	for _, h := range byDoc {
		h.Score = max(h.KeywordScore, h.SemanticScore)
		out = append(out, *h)
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b FusedHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.KeywordScore != b.KeywordScore {
		return a.KeywordScore > b.KeywordScore
	}
	if a.SemanticScore != b.SemanticScore {
		return a.SemanticScore > b.SemanticScore
	}
	return a.DocID < b.DocID
}
