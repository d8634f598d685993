package search_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexer"
	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/search"
	"github.com/lexidb/lexid/internal/tasks"
	"github.com/lexidb/lexid/internal/updatefile"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 0, 0}, nil
}

// buildTestIndex runs real indexer tasks (settings update + document
// addition) through internal/indexer's Processor, the same path the
// scheduler uses, so search tests exercise the actual on-disk postings
// rather than hand-assembled fixtures.
func buildTestIndex(t *testing.T, settings indexstore.Settings, docs ...map[string]any) *indexstore.Index {
	t.Helper()
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ufs, err := updatefile.Open(filepath.Join(t.TempDir(), "updates"))
	require.NoError(t, err)

	p := indexer.New(indexer.Config{Store: store, UpdateFiles: ufs, Embedder: fakeEmbedder{}})

	_, err = p.Process(context.Background(), nil, []*tasks.Task{
		{Uid: 1, IndexUid: "movies", Kind: tasks.KindIndexCreation},
	})
	require.NoError(t, err)

	settingsPayload, err := json.Marshal(indexer.SettingsPayload{Settings: settings})
	require.NoError(t, err)

	fileID, w, err := ufs.New()
	require.NoError(t, err)
	enc := json.NewEncoder(w)
	for _, d := range docs {
		require.NoError(t, enc.Encode(d))
	}
	require.NoError(t, w.Close())

	additionPayload, err := json.Marshal(indexer.AdditionPayload{UpdateFileIDs: []uuid.UUID{fileID}})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), nil, []*tasks.Task{
		{Uid: 2, IndexUid: "movies", Kind: tasks.KindSettingsUpdate, Payload: settingsPayload},
		{Uid: 3, IndexUid: "movies", Kind: tasks.KindDocumentAdditionOrUpdate, Payload: additionPayload},
	})
	require.NoError(t, err)

	idx, ok := store.Get("movies")
	require.True(t, ok)
	return idx
}

func movieSettings() indexstore.Settings {
	s := indexstore.DefaultSettings()
	s.PrimaryKey = "id"
	s.SearchableAttributes = []string{"title", "overview"}
	s.FilterableAttributes = []string{"genre", "year"}
	s.SortableAttributes = []string{"year"}
	s.DistinctAttribute = ""
	return s
}

func TestEngineSearchRanksExactTitleMatchFirst(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "The Matrix", "overview": "A hacker learns the truth.", "genre": "scifi", "year": 1999.0},
		map[string]any{"id": "2", "title": "The Matrix Reloaded", "overview": "Neo fights more agents.", "genre": "scifi", "year": 2003.0},
		map[string]any{"id": "3", "title": "Inception", "overview": "A heist inside dreams, matrix-like layers.", "genre": "scifi", "year": 2010.0},
	)

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{Text: "matrix", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "The Matrix", res.Hits[0].Fields["title"])
}

func TestEngineSearchAppliesFilter(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "The Matrix", "overview": "hacker", "genre": "scifi", "year": 1999.0},
		map[string]any{"id": "2", "title": "Titanic", "overview": "ship", "genre": "drama", "year": 1997.0},
	)

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{Filter: `genre = "drama"`, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "2", res.Hits[0].PrimaryKey)
}

func TestEngineSearchRespectsPagination(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "Alpha", "overview": "x", "genre": "a", "year": 2000.0},
		map[string]any{"id": "2", "title": "Beta", "overview": "x", "genre": "a", "year": 2001.0},
		map[string]any{"id": "3", "title": "Gamma", "overview": "x", "genre": "a", "year": 2002.0},
	)

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{Filter: `genre = "a"`, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, 3, res.EstimatedTotalHits)
}

func TestEngineSearchFacetDistribution(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "Alpha", "overview": "x", "genre": "scifi", "year": 2000.0},
		map[string]any{"id": "2", "title": "Beta", "overview": "x", "genre": "scifi", "year": 2001.0},
		map[string]any{"id": "3", "title": "Gamma", "overview": "x", "genre": "drama", "year": 2002.0},
	)

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{Facets: []string{"genre"}, Limit: 10})
	require.NoError(t, err)
	require.NotNil(t, res.FacetDistribution)
	assert.Equal(t, 2, res.FacetDistribution["genre"]["scifi"])
	assert.Equal(t, 1, res.FacetDistribution["genre"]["drama"])
}

func TestEngineSearchHybridSemanticRankingUsesVectorSimilarity(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "The Matrix", "overview": "A hacker learns the truth.", "genre": "scifi", "year": 1999.0},
		map[string]any{"id": "2", "title": "Titanic", "overview": "A ship sinks.", "genre": "drama", "year": 1997.0},
	)

	// Overwrite whatever fakeEmbedder produced at indexing time with
	// controlled, orthogonal vectors so the similarity ranking is
	// unambiguous.
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		if err := idx.PutVectorEmbedding(tx, 0, []float32{1, 0, 0}); err != nil {
			return err
		}
		return idx.PutVectorEmbedding(tx, 1, []float32{0, 1, 0})
	}))

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{
		Vector:              []float32{1, 0, 0},
		HybridSemanticRatio: 1,
		Limit:               10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "1", res.Hits[0].PrimaryKey)
}

func TestEngineSearchHighlightsMatchedWords(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "The Matrix", "overview": "A hacker learns the truth.", "genre": "scifi", "year": 1999.0},
	)

	e, err := search.NewEngine(idx, search.DefaultEngineConfig())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), search.Query{Text: "matrix", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Contains(t, res.Hits[0].Formatted["title"], "<em>Matrix</em>")
}
