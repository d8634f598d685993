package search

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexer"
	"github.com/lexidb/lexid/internal/indexstore"
)

// ruleIterator is the capability set every ranking rule exposes to the
// bucket-sort state machine: start_iteration / next_bucket / end_iteration
// (spec.md §9). Each call to NextBucket returns the next, strictly smaller
// partition of its starting universe, in descending rank order, until the
// universe is exhausted.
type ruleIterator interface {
	NextBucket() (*roaring.Bitmap, error) // returns nil, nil when exhausted
}

// rankingContext is read-only state shared by every rule instance for one
// search.
type rankingContext struct {
	tx       *bbolt.Tx
	idx      *indexstore.Index
	settings indexstore.Settings
	graph    *QueryGraph
	sort     []SortClause
	geo      *GeoPoint
	window   int
}

// Rule constructs a fresh iterator scoped to universe. One Rule instance
// exists per ranking-rule name; StartIteration is called once per frame
// pushed onto the bucket-sort stack, so a rule with no per-call state can be
// stateless itself and return a small stateful iterator.
type Rule interface {
	Name() string
	StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error)
}

// DefaultRules returns the rule chain in spec.md's default order. A custom
// Settings.RankingRules order builds a different chain via BuildRules.
func DefaultRules() []Rule {
	return []Rule{
		wordsRule{}, typoRule{}, proximityRule{}, attributeRule{}, sortRule{}, exactnessRule{},
	}
}

// BuildRules resolves Settings.RankingRules names into Rule instances,
// skipping "sort" and "geo" when no sort clause / geo point is given on the
// query (their iterators would be no-ops anyway, but skipping avoids an
// extra frame push per query).
func BuildRules(names []string, hasSort, hasGeo bool) []Rule {
	var out []Rule
	for _, name := range names {
		switch name {
		case "words":
			out = append(out, wordsRule{})
		case "typo":
			out = append(out, typoRule{})
		case "proximity":
			out = append(out, proximityRule{})
		case "attribute":
			out = append(out, attributeRule{})
		case "sort":
			if hasSort {
				out = append(out, sortRule{})
			}
		case "exactness":
			out = append(out, exactnessRule{})
		case "geo":
			if hasGeo {
				out = append(out, geoRule{})
			}
		}
	}
	return out
}

// bucketByScore groups docids by an integer score, descending, as a slice
// of (score, bucket) pairs — the common shape behind Words/Typo/Proximity.
func bucketByScore(scores map[uint32]int, universe *roaring.Bitmap) []*roaring.Bitmap {
	byScore := map[int]*roaring.Bitmap{}
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		s := scores[id]
		bm, ok := byScore[s]
		if !ok {
			bm = roaring.New()
			byScore[s] = bm
		}
		bm.Add(id)
	}
	keys := make([]int, 0, len(byScore))
	for k := range byScore {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	out := make([]*roaring.Bitmap, len(keys))
	for i, k := range keys {
		out[i] = byScore[k]
	}
	return out
}

// --- words ---

// wordsRule buckets by descending number of distinct query positions
// matched. Which positions matched does not matter, no term is dropped and
// there is no selectable matching strategy; documents matching none of the
// query terms stay in the universe as the last bucket.
type wordsRule struct{}

func (wordsRule) Name() string { return "words" }

func (r wordsRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.graph.Groups) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	bitmaps := make([]*roaring.Bitmap, len(rc.graph.Groups))
	for i, g := range rc.graph.Groups {
		bm, err := groupBitmap(rc.tx, rc.idx, g)
		if err != nil {
			return nil, err
		}
		bm.And(universe)
		bitmaps[i] = bm
	}

	counts := map[uint32]int{}
	for _, id := range universe.ToArray() {
		n := 0
		for _, bm := range bitmaps {
			if bm.Contains(id) {
				n++
			}
		}
		counts[id] = n
	}

	return &sliceIterator{buckets: bucketByScore(counts, universe)}, nil
}

// --- typo ---

// typoRule buckets by ascending total edit distance across matched
// positions (lower is better, so we bucket by descending negative
// distance).
type typoRule struct{}

func (typoRule) Name() string { return "typo" }

func (r typoRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.graph.Groups) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	// For each doc, sum the minimal edit distance contributed by each
	// group; a group the doc doesn't match at all contributes nothing (the
	// Words rule already accounts for coverage).
	totals := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		totals[it.Next()] = 0
	}
	for _, g := range rc.graph.Groups {
		min := map[uint32]uint8{}
		for _, n := range g.Nodes {
			bm, err := nodeBitmap(rc.tx, rc.idx, n)
			if err != nil {
				return nil, err
			}
			bm = roaring.And(bm, universe)
			bIt := bm.Iterator()
			for bIt.HasNext() {
				id := bIt.Next()
				if cur, ok := min[id]; !ok || n.EditDistance < cur {
					min[id] = n.EditDistance
				}
			}
		}
		for id, d := range min {
			totals[id] += int(d)
		}
	}

	// Negate so bucketByScore's descending order yields ascending distance.
	negated := map[uint32]int{}
	for id, d := range totals {
		negated[id] = -d
	}
	return &sliceIterator{buckets: bucketByScore(negated, universe)}, nil
}

// --- proximity ---

// proximityRule buckets by descending summed pair-proximity score across
// adjacent query positions (spec.md §4.5 step 3).
type proximityRule struct{}

func (proximityRule) Name() string { return "proximity" }

func (r proximityRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.graph.Pairs) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	scores := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		scores[it.Next()] = 0
	}

	window := rc.window
	if window <= 0 {
		window = 8
	}
	for _, p := range rc.graph.Pairs {
		lo, hi := p.A, p.B
		if lo > hi {
			lo, hi = hi, lo
		}
		for d := 1; d <= window; d++ {
			bm, err := rc.idx.WordPairProximityPostings(rc.tx, lo, hi, d)
			if err != nil {
				return nil, err
			}
			bm = roaring.And(bm, universe)
			bIt := bm.Iterator()
			weight := window + 1 - d
			for bIt.HasNext() {
				scores[bIt.Next()] += weight
			}
		}
	}

	return &sliceIterator{buckets: bucketByScore(scores, universe)}, nil
}

// --- attribute ---

// attributeRule buckets by ascending (searchable-attribute rank, earliest
// match position), re-tokenizing each candidate's stored fields on demand
// (see engine.go's package doc for why positions aren't persisted).
type attributeRule struct{}

func (attributeRule) Name() string { return "attribute" }

func (r attributeRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.graph.Groups) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	order := attributeOrder(rc.settings)
	words := map[string]bool{}
	for _, g := range rc.graph.Groups {
		for _, n := range g.Nodes {
			words[n.Word] = true
		}
	}

	tok := indexer.New(rc.settings)
	scores := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		scores[id] = earliestMatchRank(rc.tx, rc.idx, tok, order, words, id)
	}

	negated := map[uint32]int{}
	for id, s := range scores {
		negated[id] = -s
	}
	return &sliceIterator{buckets: bucketByScore(negated, universe)}, nil
}

func attributeOrder(settings indexstore.Settings) []string {
	if len(settings.SearchableAttributes) == 1 && settings.SearchableAttributes[0] == "*" {
		return nil // document field order decides; handled by the caller
	}
	return settings.SearchableAttributes
}

// earliestMatchRank returns rank*100000+position for the earliest query
// word found, scanning fields in searchable-attribute order (or the stored
// field-id order when order is empty, i.e. "*").
func earliestMatchRank(tx *bbolt.Tx, idx *indexstore.Index, tok *indexer.Tokenizer, order []string, words map[string]bool, docid uint32) int {
	doc, ok, err := idx.GetDocument(tx, docid)
	if err != nil || !ok {
		return 1 << 30
	}

	best := 1 << 30
	rank := 0
	visit := func(fieldID uint16, rank int) {
		raw, ok := doc.Get(fieldID)
		if !ok {
			return
		}
		text, ok := indexer.TextValue(raw)
		if !ok {
			return
		}
		for _, t := range tok.Tokenize(text) {
			if words[t.Word] {
				score := rank*100000 + t.Position
				if score < best {
					best = score
				}
				break
			}
		}
	}

	if len(order) == 0 {
		doc.Each(func(fieldID uint16, _ []byte) {
			visit(fieldID, rank)
			rank++
		})
		return best
	}

	for _, name := range order {
		fieldID, ok := idx.Fields().ID(name)
		if !ok {
			rank++
			continue
		}
		visit(fieldID, rank)
		rank++
	}
	return best
}

// --- sort ---

// sortRule buckets by the configured Sort clauses over facet values, in
// clause order; documents missing a sorted attribute sort last.
type sortRule struct{}

func (sortRule) Name() string { return "sort" }

func (r sortRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.sort) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}
	clause := rc.sort[0]
	fieldID, ok := rc.idx.Fields().ID(clause.Attribute)
	if !ok {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	type valued struct {
		key   float64
		bm    *roaring.Bitmap
		isStr bool
		sval  string
	}
	var entries []valued
	err := rc.idx.ScanFacetNumeric(rc.tx, func(key string, bm *roaring.Bitmap) bool {
		kf, v, ok := indexstore.DecodeFacetNumericKey(key)
		if ok && kf == fieldID {
			matched := roaring.And(bm, universe)
			if !matched.IsEmpty() {
				entries = append(entries, valued{key: v, bm: matched})
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		err = rc.idx.ScanFacetString(rc.tx, func(key string, bm *roaring.Bitmap) bool {
			kf, v, ok := indexstore.DecodeFacetStringKey(key)
			if ok && kf == fieldID {
				matched := roaring.And(bm, universe)
				if !matched.IsEmpty() {
					entries = append(entries, valued{isStr: true, sval: v, bm: matched})
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	if len(entries) > 0 && entries[0].isStr {
		sort.Slice(entries, func(i, j int) bool {
			if clause.Descending {
				return entries[i].sval > entries[j].sval
			}
			return entries[i].sval < entries[j].sval
		})
	} else {
		sort.Slice(entries, func(i, j int) bool {
			if clause.Descending {
				return entries[i].key > entries[j].key
			}
			return entries[i].key < entries[j].key
		})
	}

	buckets := make([]*roaring.Bitmap, len(entries))
	seen := roaring.New()
	for i, e := range entries {
		buckets[i] = e.bm
		seen.Or(e.bm)
	}
	rest := roaring.AndNot(universe, seen)
	if !rest.IsEmpty() {
		buckets = append(buckets, rest)
	}
	return &sliceIterator{buckets: buckets}, nil
}

// --- exactness ---

// exactnessRule buckets documents that contain the full query text as an
// exact phrase highest, a full-query prefix next, and everything else last.
type exactnessRule struct{}

func (exactnessRule) Name() string { return "exactness" }

func (r exactnessRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if len(rc.graph.Groups) == 0 {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	var surface []string
	for _, g := range rc.graph.Groups {
		surface = append(surface, g.Surface)
	}
	tok := indexer.New(rc.settings)

	exact := roaring.New()
	prefixMatch := roaring.New()
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		switch classifyExactness(rc.tx, rc.idx, tok, id, surface) {
		case 2:
			exact.Add(id)
		case 1:
			prefixMatch.Add(id)
		}
	}
	rest := roaring.AndNot(universe, roaring.Or(exact, prefixMatch))

	var buckets []*roaring.Bitmap
	if !exact.IsEmpty() {
		buckets = append(buckets, exact)
	}
	if !prefixMatch.IsEmpty() {
		buckets = append(buckets, prefixMatch)
	}
	if !rest.IsEmpty() {
		buckets = append(buckets, rest)
	}
	return &sliceIterator{buckets: buckets}, nil
}

// classifyExactness returns 2 for a full exact match of every surface word
// in one field (in order), 1 for a full prefix match, 0 otherwise.
func classifyExactness(tx *bbolt.Tx, idx *indexstore.Index, tok *indexer.Tokenizer, docid uint32, surface []string) int {
	doc, ok, err := idx.GetDocument(tx, docid)
	if err != nil || !ok {
		return 0
	}
	best := 0
	doc.Each(func(_ uint16, raw []byte) {
		text, ok := indexer.TextValue(raw)
		if !ok {
			return
		}
		toks := tok.Tokenize(text)
		words := make([]string, len(toks))
		for i, t := range toks {
			words[i] = t.Word
		}
		if containsSequence(words, surface) {
			if best < 2 {
				best = 2
			}
			return
		}
		if len(surface) > 0 && len(words) >= len(surface) {
			if sequenceEqual(words[:len(surface)-1], surface[:len(surface)-1]) &&
				len(surface[len(surface)-1]) > 0 &&
				len(words) >= len(surface) &&
				hasPrefixWord(words[len(surface)-1], surface[len(surface)-1]) {
				if best < 1 {
					best = 1
				}
			}
		}
	})
	return best
}

func containsSequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if sequenceEqual(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func sequenceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasPrefixWord(word, prefix string) bool {
	return len(word) >= len(prefix) && word[:len(prefix)] == prefix
}

// --- geo ---

// geoRule buckets by discretized ascending distance from Query.GeoPoint.
type geoRule struct{}

func (geoRule) Name() string { return "geo" }

func (r geoRule) StartIteration(rc *rankingContext, universe *roaring.Bitmap) (ruleIterator, error) {
	if rc.geo == nil {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}
	latID, latOK := rc.idx.Fields().ID("_geo.lat")
	lngID, lngOK := rc.idx.Fields().ID("_geo.lng")
	if !latOK || !lngOK {
		return &sliceIterator{buckets: []*roaring.Bitmap{universe}}, nil
	}

	lats := map[uint32]float64{}
	lngs := map[uint32]float64{}
	err := rc.idx.ScanFacetNumeric(rc.tx, func(key string, bm *roaring.Bitmap) bool {
		kf, v, ok := indexstore.DecodeFacetNumericKey(key)
		if !ok {
			return true
		}
		bm = roaring.And(bm, universe)
		it := bm.Iterator()
		for it.HasNext() {
			id := it.Next()
			if kf == latID {
				lats[id] = v
			} else if kf == lngID {
				lngs[id] = v
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	// 1km buckets keep the state machine's bucket count bounded.
	const bucketWidthMeters = 1000.0
	scores := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		lat, okLat := lats[id]
		lng, okLng := lngs[id]
		if !okLat || !okLng {
			scores[id] = 1 << 30
			continue
		}
		d := haversineMeters(*rc.geo, GeoPoint{Lat: lat, Lng: lng})
		scores[id] = int(d / bucketWidthMeters)
	}
	negated := map[uint32]int{}
	for id, s := range scores {
		negated[id] = -s
	}
	return &sliceIterator{buckets: bucketByScore(negated, universe)}, nil
}

// sliceIterator serves NextBucket from a precomputed slice, the common
// shape for every rule above (each resolves its buckets eagerly since the
// universes here are in-memory roaring bitmaps, not on-disk runs).
type sliceIterator struct {
	buckets []*roaring.Bitmap
	pos     int
}

func (s *sliceIterator) NextBucket() (*roaring.Bitmap, error) {
	if s.pos >= len(s.buckets) {
		return nil, nil
	}
	b := s.buckets[s.pos]
	s.pos++
	return b, nil
}
