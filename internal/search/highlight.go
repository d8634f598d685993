package search

import (
	"strings"
	"unicode"
)

// matchSet is the flattened set of surface forms a query graph can match
// against stored text, split into whole-word matches and prefix matches
// (spec.md §4.5 step 11: highlighting must honour the same typo/prefix/
// split-word/synonym decomposition the ranking rules matched on).
type matchSet struct {
	words    map[string]bool
	prefixes []string
}

func newMatchSet(graph *QueryGraph) matchSet {
	ms := matchSet{words: map[string]bool{}}
	for _, g := range graph.Groups {
		for _, n := range g.Nodes {
			switch n.Kind {
			case nodePrefix:
				ms.prefixes = append(ms.prefixes, n.Word)
			case nodeSplitWord:
				for _, part := range strings.Fields(n.Word) {
					ms.words[part] = true
				}
			default:
				ms.words[n.Word] = true
			}
		}
	}
	return ms
}

func (ms matchSet) matches(lower string) bool {
	if ms.words[lower] {
		return true
	}
	for _, p := range ms.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// wordSpan is a run of letters/numbers found while scanning raw field text
// for highlighting; start/end are byte offsets into the original string.
type wordSpan struct {
	start, end int
	lower      string
}

// scanWords walks text the same way indexer.Tokenizer classifies runes
// (letters and numbers form a word, everything else is a boundary), but
// tracks byte offsets instead of cross-field positions, since highlighting
// only needs spans within a single already-selected string.
func scanWords(text string) []wordSpan {
	var spans []wordSpan
	runes := []rune(text)
	start := -1
	byteOff := 0
	offsets := make([]int, len(runes)+1)
	for i, r := range runes {
		offsets[i] = byteOff
		byteOff += len(string(r))
	}
	offsets[len(runes)] = byteOff

	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, wordSpan{
				start: offsets[start],
				end:   offsets[end],
				lower: strings.ToLower(string(runes[start:end])),
			})
			start = -1
		}
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(runes))
	return spans
}

// Highlight wraps every span in text that matches ms with preTag/postTag.
func Highlight(text string, ms matchSet, preTag, postTag string) string {
	spans := scanWords(text)
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	cursor := 0
	for _, s := range spans {
		if !ms.matches(s.lower) {
			continue
		}
		b.WriteString(text[cursor:s.start])
		b.WriteString(preTag)
		b.WriteString(text[s.start:s.end])
		b.WriteString(postTag)
		cursor = s.end
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// Crop returns a window of roughly cropLength words around the first span
// in text that matches ms, with an ellipsis marker on whichever side was
// truncated. cropLength <= 0 disables cropping.
func Crop(text string, ms matchSet, cropLength int) string {
	if cropLength <= 0 {
		return text
	}
	spans := scanWords(text)
	if len(spans) == 0 {
		return text
	}
	hit := -1
	for i, s := range spans {
		if ms.matches(s.lower) {
			hit = i
			break
		}
	}
	if hit < 0 {
		hit = 0
	}

	before := cropLength / 2
	lo := hit - before
	hi := lo + cropLength - 1
	if lo < 0 {
		hi += -lo
		lo = 0
	}
	if hi >= len(spans) {
		hi = len(spans) - 1
	}
	if hi < lo {
		hi = lo
	}

	startByte := spans[lo].start
	endByte := spans[hi].end
	cropped := text[startByte:endByte]
	if lo > 0 {
		cropped = "…" + cropped
	}
	if hi < len(spans)-1 {
		cropped = cropped + "…"
	}
	return cropped
}

// HighlightFields renders the Formatted view of one document's string
// fields for a Hit: crop first (if requested), then highlight within the
// cropped text so offsets stay consistent.
func HighlightFields(fields map[string]any, graph *QueryGraph, preTag, postTag string, cropLength int) map[string]string {
	if graph == nil || len(graph.Groups) == 0 {
		return nil
	}
	ms := newMatchSet(graph)
	out := map[string]string{}
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		cropped := Crop(s, ms, cropLength)
		out[k] = Highlight(cropped, ms, preTag, postTag)
	}
	return out
}
