package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSynonymExpanderReturnsConfiguredSynonyms(t *testing.T) {
	e := newSynonymExpander(map[string][]string{
		"couch": {"sofa", "settee"},
	})
	assert.ElementsMatch(t, []string{"sofa", "settee"}, e.Expand("couch"))
}

func TestSynonymExpanderIsCaseInsensitive(t *testing.T) {
	e := newSynonymExpander(map[string][]string{
		"couch": {"sofa"},
	})
	assert.Equal(t, []string{"sofa"}, e.Expand("COUCH"))
}

func TestSynonymExpanderReturnsNilForUnknownTerm(t *testing.T) {
	e := newSynonymExpander(map[string][]string{"couch": {"sofa"}})
	assert.Empty(t, e.Expand("table"))
}

func TestSynonymExpanderHandlesNilMap(t *testing.T) {
	e := newSynonymExpander(nil)
	assert.Empty(t, e.Expand("anything"))
}
