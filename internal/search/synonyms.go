package search

import "strings"

// synonymExpander resolves a query term to its configured alternatives,
// case-insensitively, mirroring the per-index Settings.Synonyms map built by
// SettingsUpdate rather than a fixed built-in dictionary.
type synonymExpander struct {
	byLower map[string][]string
}

func newSynonymExpander(synonyms map[string][]string) *synonymExpander {
	e := &synonymExpander{byLower: make(map[string][]string, len(synonyms))}
	for term, alts := range synonyms {
		e.byLower[strings.ToLower(term)] = alts
	}
	return e
}

// Expand returns term's configured synonyms, or nil if none are configured.
func (e *synonymExpander) Expand(term string) []string {
	if e == nil {
		return nil
	}
	return e.byLower[strings.ToLower(term)]
}
