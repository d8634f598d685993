package indexer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// extractSign selects whether extractDocument feeds additions or removals
// into the merger, letting the same walk serve both the old-document
// deletion run and the new-document addition run of spec.md §4.4 step 7.
type extractSign int

const (
	signAdd extractSign = 1
	signDel extractSign = -1
)

// proximityWindow bounds how far apart two tokens may be for a pair-proximity
// entry to be recorded; pairs further apart carry no useful ranking signal.
const proximityWindow = 8

// extractDocument walks doc's top-level fields, resolving/allocating field
// ids, deciding per-field searchability and facet eligibility from settings,
// and feeding token/facet events into m. It returns the obkv record to store
// verbatim (every field, not only searchable/filterable ones).
func extractDocument(tx *bbolt.Tx, fields *indexstore.FieldsIDMap, tok *Tokenizer, settings indexstore.Settings, docid uint32, doc map[string]json.RawMessage, sign extractSign, m *merger) (indexstore.Obkv, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	searchable := toSet(settings.SearchableAttributes)
	filterable := toSet(settings.FilterableAttributes)
	sortable := toSet(settings.SortableAttributes)

	raw := map[uint16][]byte{}
	type fieldTokens struct {
		fieldID uint16
		tokens  []Token
	}
	var perField []fieldTokens

	for _, name := range names {
		fieldID, err := fields.GetOrAllocate(tx, name)
		if err != nil {
			return indexstore.Obkv{}, err
		}
		raw[fieldID] = doc[name]

		if searchable["*"] || searchable[name] {
			if text, ok := textValue(doc[name]); ok {
				toks := tok.Tokenize(text)
				if len(toks) > 0 {
					perField = append(perField, fieldTokens{fieldID: fieldID, tokens: toks})
				}
			}
		}

		if filterable[name] || sortable[name] {
			applyFacets(doc[name], fieldID, docid, sign, m)
		}
	}

	for _, ft := range perField {
		applyWordsAndPairs(ft.tokens, ft.fieldID, docid, sign, m)
	}

	return indexstore.NewObkv(raw), nil
}

func applyWordsAndPairs(tokens []Token, fieldID uint16, docid uint32, sign extractSign, m *merger) {
	for _, t := range tokens {
		if sign == signAdd {
			m.addWord(t.Word, docid, fieldID)
		} else {
			m.removeWord(t.Word, docid, fieldID)
		}
	}
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			dist := tokens[j].Position - tokens[i].Position
			if dist <= 0 || dist > proximityWindow {
				break
			}
			a, b := tokens[i].Word, tokens[j].Word
			if a > b {
				a, b = b, a
			}
			if sign == signAdd {
				m.addPair(a, b, dist, docid)
			} else {
				m.removePair(a, b, dist, docid)
			}
		}
	}
}

func applyFacets(raw json.RawMessage, fieldID uint16, docid uint32, sign extractSign, m *merger) {
	for _, v := range facetValues(raw) {
		switch fv := v.(type) {
		case float64:
			if sign == signAdd {
				m.addFacetNumeric(fieldID, fv, docid)
			} else {
				m.removeFacetNumeric(fieldID, fv, docid)
			}
		case string:
			if sign == signAdd {
				m.addFacetString(fieldID, fv, docid)
			} else {
				m.removeFacetString(fieldID, fv, docid)
			}
		}
	}
}

// facetValues normalizes a raw JSON value into zero or more facet values: a
// scalar yields one value, an array yields one value per scalar element
// (multi-valued facets, e.g. "genres": ["Action", "Adventure"]).
func facetValues(raw json.RawMessage) []any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch val := v.(type) {
	case float64:
		return []any{val}
	case bool:
		return []any{fmt.Sprintf("%t", val)}
	case string:
		return []any{val}
	case []any:
		var out []any
		for _, item := range val {
			switch iv := item.(type) {
			case float64, string:
				out = append(out, iv)
			case bool:
				out = append(out, fmt.Sprintf("%t", iv))
			}
		}
		return out
	default:
		return nil
	}
}

// textValue coerces a raw JSON scalar (or array of scalars) into tokenizable
// text; objects are not searchable and return ok=false.
func textValue(raw json.RawMessage) (string, bool) {
	return TextValue(raw)
}

// TextValue is textValue exported for reuse by internal/search, which
// re-tokenizes a candidate document's stored obkv fields on demand for the
// Attribute and Exactness ranking rules rather than persisting positions.
func TextValue(raw json.RawMessage) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case []any:
		out := ""
		for i, item := range val {
			s, ok := TextValue(mustMarshal(item))
			if !ok {
				continue
			}
			if i > 0 {
				out += " "
			}
			out += s
		}
		return out, out != ""
	default:
		return "", false
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func toSet(attrs []string) map[string]bool {
	set := map[string]bool{}
	for _, a := range attrs {
		set[a] = true
	}
	return set
}
