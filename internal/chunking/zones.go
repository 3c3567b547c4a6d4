package chunking

import (
	"sort"
	"strings"

	prose "github.com/jdkato/prose/v2"
)

// span is a half-open [start, end) interval of the source text. A chunk
// boundary may touch a span's edges but never fall strictly inside it.
type span struct {
	start int
	end   int
}

var negationCues = []string{
	"decided against",
	"ruled out",
	"will not",
	"won't",
	"don't",
	"doesn't",
	"isn't",
	"aren't",
	"can't",
	"cannot",
	"never",
	"not ",
	"avoid",
}

var reasonCues = []string{
	"because",
	"therefore",
	"so that",
	"as a result",
	"that's why",
	"which is why",
}

func protectedZones(text string, sentences []span) []span {
	var zones []span

	fences := fenceZones(text)
	zones = append(zones, fences...)
	zones = append(zones, inlineCodeZones(text, fences)...)
	zones = append(zones, clauseZones(text, sentences)...)

	return mergeZones(zones)
}

func fenceZones(text string) []span {
	var zones []span
	idx := 0
	for {
		open := strings.Index(text[idx:], "```")
		if open < 0 {
			break
		}
		open += idx

		closing := strings.Index(text[open+3:], "```")
		if closing < 0 {
			zones = append(zones, span{open, len(text)})
			break
		}

		end := open + 3 + closing + 3
		zones = append(zones, span{open, end})
		idx = end
	}
	return zones
}

// inlineCodeZones pairs single backticks outside fenced blocks. A pair
// only counts within one line; an unmatched backtick protects nothing.
func inlineCodeZones(text string, fences []span) []span {
	var zones []span
	open := -1
	for i := 0; i < len(text); i++ {
		if strictlyInside(fences, i) || inside(fences, i) {
			open = -1
			continue
		}
		switch text[i] {
		case '\n':
			open = -1
		case '`':
			if open < 0 {
				open = i
			} else {
				zones = append(zones, span{open, i + 1})
				open = -1
			}
		}
	}
	return zones
}

// clauseZones protects negation clauses (cue through end of sentence)
// and decision-with-reason sentences. A sentence that opens with a
// reason cue leans on the previous sentence for its decision, so the
// zone extends back to cover both.
func clauseZones(text string, sentences []span) []span {
	var zones []span

	for i, s := range sentences {
		lower := strings.ToLower(text[s.start:s.end])

		for _, cue := range negationCues {
			if at := strings.Index(lower, cue); at >= 0 {
				zones = append(zones, span{s.start + at, s.end})
			}
		}

		for _, cue := range reasonCues {
			at := strings.Index(lower, cue)
			if at < 0 {
				continue
			}
			z := span{s.start, s.end}
			if at < 12 && i > 0 {
				z.start = sentences[i-1].start
			}
			zones = append(zones, z)
		}
	}

	return zones
}

func sentenceSpans(text string) []span {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		spans := make([]span, 0)
		off := 0
		for _, s := range doc.Sentences() {
			at := strings.Index(text[off:], s.Text)
			if at < 0 {
				continue
			}
			start := off + at
			end := start + len(s.Text)
			spans = append(spans, span{start, end})
			off = end
		}
		if len(spans) > 0 {
			return spans
		}
	}

	return fallbackSentenceSpans(text)
}

// fallbackSentenceSpans cuts after terminal punctuation followed by
// whitespace. Cruder than the segmenter but never fails.
func fallbackSentenceSpans(text string) []span {
	var spans []span
	start := 0
	for i := 0; i < len(text)-1; i++ {
		ch := text[i]
		if (ch == '.' || ch == '!' || ch == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			spans = append(spans, span{start, i + 1})
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t') {
				j++
			}
			start = j
			i = j - 1
		}
	}
	if start < len(text) {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

func mergeZones(zones []span) []span {
	if len(zones) == 0 {
		return nil
	}

	sort.Slice(zones, func(i, j int) bool {
		if zones[i].start != zones[j].start {
			return zones[i].start < zones[j].start
		}
		return zones[i].end > zones[j].end
	})

	merged := []span{zones[0]}
	for _, z := range zones[1:] {
		last := &merged[len(merged)-1]
		if z.start <= last.end {
			if z.end > last.end {
				last.end = z.end
			}
			continue
		}
		merged = append(merged, z)
	}
	return merged
}

func strictlyInside(zones []span, i int) bool {
	for _, z := range zones {
		if z.start < i && i < z.end {
			return true
		}
		if z.start >= i {
			break
		}
	}
	return false
}

func inside(zones []span, i int) bool {
	for _, z := range zones {
		if z.start <= i && i < z.end {
			return true
		}
		if z.start > i {
			break
		}
	}
	return false
}

func zoneContaining(zones []span, i int) (span, bool) {
	for _, z := range zones {
		if z.start < i && i < z.end {
			return z, true
		}
		if z.start >= i {
			break
		}
	}
	return span{}, false
}
