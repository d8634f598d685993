package search

import (
	"strings"

	"github.com/lexidb/lexid/internal/indexer"
	"github.com/lexidb/lexid/internal/indexstore"
)

type nodeKind int

const (
	nodeExact nodeKind = iota
	nodeTypo
	nodePrefix
	nodeSynonym
	nodeSplitWord
)

// TermNode is one candidate word for a query-graph position. A position can
// carry several nodes (exact, typo variants, prefix, synonyms); any one of
// them matching a document satisfies that position (spec.md §4.5 step 2).
type TermNode struct {
	Word         string
	Kind         nodeKind
	EditDistance uint8
}

// TermGroup is one position in the query: the set of surface words the user
// actually typed at that slot, after stop-word removal and dictionary
// merging, plus every typo/prefix/synonym/split-word candidate derived from
// it.
type TermGroup struct {
	Surface string // the token as typed, used for highlighting
	Nodes   []TermNode
	Phrase  bool // part of a quoted phrase: exact adjacency required, no typo/prefix
}

// PairCandidate records two adjacent, non-phrase positions as a potential
// 2-gram: evidence for the proximity rule, not a Words-rule alternate path
// (a simplification).
type PairCandidate struct {
	A, B string
}

// QueryGraph is the compiled form of one query string: an arena of
// positions plus 2-gram evidence, built once per search and never mutated
// by rule iteration (spec.md §9: "arena+indices representation... no
// recursion across rule boundaries").
type QueryGraph struct {
	Groups []TermGroup
	Pairs  []PairCandidate
}

// CompileQueryGraph tokenizes text and resolves every position's typo,
// prefix, synonym and split-word candidates against idx.
func CompileQueryGraph(fst *wordFST, settings indexstore.Settings, text string) (*QueryGraph, error) {
	tok := indexer.New(settings)
	stop := map[string]bool{}
	for _, w := range settings.StopWords {
		stop[strings.ToLower(w)] = true
	}
	synonyms := newSynonymExpander(settings.Synonyms)

	trailingSpace := strings.HasSuffix(text, " ") || strings.HasSuffix(text, "\t")
	segments := splitPhrases(text)

	graph := &QueryGraph{}
	type rawGroup struct {
		word   string
		phrase bool
	}
	var raw []rawGroup
	for _, seg := range segments {
		for _, t := range tok.Tokenize(seg.text) {
			raw = append(raw, rawGroup{word: t.Word, phrase: seg.phrase})
		}
	}
	if len(raw) == 0 {
		return graph, nil
	}

	for i, rg := range raw {
		isLast := i == len(raw)-1
		if !rg.phrase && stop[rg.word] && !(isLast && !trailingSpace) {
			continue
		}

		group := TermGroup{Surface: rg.word, Phrase: rg.phrase}
		group.Nodes = append(group.Nodes, TermNode{Word: rg.word, Kind: nodeExact})

		if !rg.phrase {
			if isLast && !trailingSpace {
				group.Nodes = append(group.Nodes, TermNode{Word: rg.word, Kind: nodePrefix})
			}
			if dist := editDistanceBudget(rg.word, settings.TypoTolerance); dist > 0 && fst != nil {
				for d := uint8(1); d <= dist; d++ {
					cands, err := typoCandidates(fst, rg.word, d)
					if err != nil {
						return nil, err
					}
					for _, c := range cands {
						if c == rg.word {
							continue
						}
						group.Nodes = append(group.Nodes, TermNode{Word: c, Kind: nodeTypo, EditDistance: d})
					}
				}
			}
			for _, syn := range synonyms.Expand(rg.word) {
				group.Nodes = append(group.Nodes, TermNode{Word: syn, Kind: nodeSynonym})
			}
			if fst != nil && len(group.Nodes) == 1 {
				if a, b, ok := splitWord(fst, rg.word); ok {
					group.Nodes = append(group.Nodes, TermNode{Word: a + " " + b, Kind: nodeSplitWord})
				}
			}
		}

		graph.Groups = append(graph.Groups, group)
	}

	for i := 0; i+1 < len(graph.Groups); i++ {
		a, b := graph.Groups[i], graph.Groups[i+1]
		if a.Phrase && b.Phrase {
			continue // adjacency within a phrase is mandatory, not bonus evidence
		}
		graph.Pairs = append(graph.Pairs, PairCandidate{A: a.Surface, B: b.Surface})
	}

	return graph, nil
}

type phraseSegment struct {
	text   string
	phrase bool
}

// splitPhrases breaks text on double-quote boundaries, alternating
// unquoted/quoted segments; an unterminated trailing quote is treated as
// plain text for the remainder of the string.
func splitPhrases(text string) []phraseSegment {
	var out []phraseSegment
	inPhrase := false
	start := 0
	for i, r := range text {
		if r != '"' {
			continue
		}
		if i > start {
			out = append(out, phraseSegment{text: text[start:i], phrase: inPhrase})
		}
		start = i + 1
		inPhrase = !inPhrase
	}
	if start < len(text) {
		out = append(out, phraseSegment{text: text[start:], phrase: false})
	}
	return out
}

// splitWord tries to decompose a single unmatched token into two
// consecutive dictionary words (spec.md §4.5 step 2's split-word node),
// e.g. "helloworld" -> "hello world". Only attempted when the whole token
// has no candidates of its own; the first valid split wins.
func splitWord(fst *wordFST, word string) (string, string, bool) {
	runes := []rune(word)
	if len(runes) < 4 {
		return "", "", false
	}
	if _, ok, _ := fst.fst.Get([]byte(word)); ok {
		return "", "", false
	}
	for i := 2; i < len(runes)-1; i++ {
		a, b := string(runes[:i]), string(runes[i:])
		_, okA, _ := fst.fst.Get([]byte(a))
		_, okB, _ := fst.fst.Get([]byte(b))
		if okA && okB {
			return a, b, true
		}
	}
	return "", "", false
}
