package indexer

import "github.com/lexidb/lexid/internal/indexstore"

// facetNumericKey delegates to indexstore.FacetNumericKey, the encoding the
// filter evaluator also uses for numeric comparisons.
func facetNumericKey(fieldID uint16, value float64) string {
	return indexstore.FacetNumericKey(fieldID, value)
}
