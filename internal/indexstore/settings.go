package indexstore

// Settings holds every per-index configuration knob that the indexer and the
// search pipeline read: which attributes are searchable/filterable/sortable,
// tokenizer overrides, typo tolerance thresholds and the ranking rule order.
// A SettingsUpdate task diffs the previous value against this one to decide
// whether a full re-extraction is required (spec.md §4.4).
type Settings struct {
	PrimaryKey string `json:"primaryKey,omitempty"`

	// SearchableAttributes lists fields in ranked precedence order; a single
	// "*" means every attribute is searchable in document key order.
	SearchableAttributes []string `json:"searchableAttributes"`
	FilterableAttributes []string `json:"filterableAttributes"`
	SortableAttributes   []string `json:"sortableAttributes"`
	DistinctAttribute    string   `json:"distinctAttribute,omitempty"`

	StopWords []string            `json:"stopWords"`
	Synonyms  map[string][]string `json:"synonyms"`

	// Separators: hard separators (sentence-ending punctuation) add a
	// position gap of 8 between surrounding tokens; soft separators (spaces,
	// commas) add a gap of 1. NonSeparators overrides a character that would
	// otherwise tokenize as a separator (e.g. "-" in code identifiers).
	HardSeparators []string `json:"hardSeparators"`
	SoftSeparators []string `json:"softSeparators"`
	NonSeparators  []string `json:"nonSeparators"`
	Dictionary     []string `json:"dictionary"`

	TypoTolerance TypoTolerance `json:"typoTolerance"`
	RankingRules  []string      `json:"rankingRules"`

	VectorIndex VectorIndexSettings `json:"vectorIndex"`

	GeoEnabled bool `json:"-"`
}

// VectorIndexSettings configures the HNSW graph the ANN cache builds over an
// index's vector-ann bucket (internal/search/semantic.go). M and EfSearch
// mirror coder/hnsw's own constructor defaults; Ml (level generation factor)
// is fixed at 0.25 and not exposed.
type VectorIndexSettings struct {
	// Metric selects the distance function: "cos" (cosine) or "l2"
	// (euclidean). Defaults to "cos".
	Metric string `json:"metric"`

	// M is the max number of connections per graph layer.
	M int `json:"m"`

	// EfSearch is the query-time search width.
	EfSearch int `json:"efSearch"`
}

// DefaultVectorIndexSettings mirrors coder/hnsw's own recommended defaults.
func DefaultVectorIndexSettings() VectorIndexSettings {
	return VectorIndexSettings{Metric: "cos", M: 16, EfSearch: 20}
}

// TypoTolerance configures the word-length thresholds that gate 1- and
// 2-typo Levenshtein automata, and per-word/per-attribute opt-outs.
type TypoTolerance struct {
	Enabled                bool     `json:"enabled"`
	MinWordSizeFor1Typo    int      `json:"minWordSizeFor1Typo"`
	MinWordSizeFor2Typos   int      `json:"minWordSizeFor2Typos"`
	DisableOnWords         []string `json:"disableOnWords"`
	DisableOnAttributes    []string `json:"disableOnAttributes"`
}

// DefaultSettings returns a fresh index's settings before any SettingsUpdate
// task has run, matching Meilisearch's documented defaults.
func DefaultSettings() Settings {
	return Settings{
		SearchableAttributes: []string{"*"},
		FilterableAttributes: nil,
		SortableAttributes:   nil,
		StopWords:            nil,
		Synonyms:             map[string][]string{},
		HardSeparators:       []string{".", "!", "?", "\n"},
		SoftSeparators:       []string{" ", ",", ";", ":", "\t"},
		TypoTolerance: TypoTolerance{
			Enabled:              true,
			MinWordSizeFor1Typo:  5,
			MinWordSizeFor2Typos: 9,
		},
		RankingRules: []string{"words", "typo", "proximity", "attribute", "sort", "exactness"},
		VectorIndex:  DefaultVectorIndexSettings(),
	}
}

// AffectsSearchability reports whether diffing old against new touches any
// field whose change forces a full document re-extraction (spec.md §4.4,
// SettingsUpdate): searchable attributes, stop words, separators, the
// dictionary, or typo rules.
func (old Settings) AffectsSearchability(next Settings) bool {
	if !stringSliceEqual(old.SearchableAttributes, next.SearchableAttributes) {
		return true
	}
	if !stringSliceEqual(old.StopWords, next.StopWords) {
		return true
	}
	if !stringSliceEqual(old.HardSeparators, next.HardSeparators) ||
		!stringSliceEqual(old.SoftSeparators, next.SoftSeparators) ||
		!stringSliceEqual(old.NonSeparators, next.NonSeparators) {
		return true
	}
	if !stringSliceEqual(old.Dictionary, next.Dictionary) {
		return true
	}
	if old.TypoTolerance.Enabled != next.TypoTolerance.Enabled ||
		old.TypoTolerance.MinWordSizeFor1Typo != next.TypoTolerance.MinWordSizeFor1Typo ||
		old.TypoTolerance.MinWordSizeFor2Typos != next.TypoTolerance.MinWordSizeFor2Typos ||
		!stringSliceEqual(old.TypoTolerance.DisableOnWords, next.TypoTolerance.DisableOnWords) ||
		!stringSliceEqual(old.TypoTolerance.DisableOnAttributes, next.TypoTolerance.DisableOnAttributes) {
		return true
	}
	return false
}

// AffectsFacets reports whether diffing old against new changes which
// attributes are filterable or sortable, requiring a facet-tree rebuild
// without a full re-extraction (spec.md §4.4: "filterable attributes rebuild
// facet trees; sortable attributes rebuild sort caches").
func (old Settings) AffectsFacets(next Settings) bool {
	return !stringSliceEqual(old.FilterableAttributes, next.FilterableAttributes) ||
		!stringSliceEqual(old.SortableAttributes, next.SortableAttributes)
}

func stringSliceEqual(a, b []string) bool {
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
