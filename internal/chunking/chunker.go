// Package chunking splits conversation transcripts into ordered retrieval
// units. Boundaries respect, in priority order: code fences and inline
// code, negation clauses, decision-with-reason pairs, role turns,
// sentences, and only then the raw character budget.
package chunking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/symmetry-ai/backend/internal/storage/models"
)

var (
	ErrInvalidChunkConfig = errors.New("invalid chunk configuration")
	ErrEmptyText          = errors.New("empty text")
)

type Chunk struct {
	Text      string
	Index     int
	SpanStart int
	SpanEnd   int
}

type Chunker struct {
	chunkSize int
	overlap   int
}

func New(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidChunkConfig, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidChunkConfig, overlap, chunkSize)
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Split chunks plain text with no role-turn information.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	return c.split(text, nil)
}

// SplitConversation renders the messages as a ROLE: content transcript
// and chunks it, preferring boundaries between turns. The returned spans
// index into the rendered transcript, which RenderTranscript reproduces.
func (c *Chunker) SplitConversation(messages []models.Message) ([]Chunk, error) {
	text, turnBounds := RenderTranscript(messages)
	return c.split(text, turnBounds)
}

// RenderTranscript joins messages as "ROLE: content" blocks separated by
// blank lines and returns the offset at which each turn after the first
// begins.
func RenderTranscript(messages []models.Message) (string, []int) {
	var b strings.Builder
	var turnBounds []int

	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
			turnBounds = append(turnBounds, b.Len())
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}

	return b.String(), turnBounds
}

func (c *Chunker) split(text string, turnBounds []int) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	sentences := sentenceSpans(text)
	zones := protectedZones(text, sentences)
	sentBounds := make([]int, 0, len(sentences))
	for i := 1; i < len(sentences); i++ {
		sentBounds = append(sentBounds, sentences[i].start)
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		if len(text)-start <= c.chunkSize {
			chunks = append(chunks, Chunk{
				Text:      text[start:],
				Index:     len(chunks),
				SpanStart: start,
				SpanEnd:   len(text),
			})
			break
		}

		end := c.pickBoundary(text, start, turnBounds, sentBounds, zones)

		chunks = append(chunks, Chunk{
			Text:      text[start:end],
			Index:     len(chunks),
			SpanStart: start,
			SpanEnd:   end,
		})

		if end >= len(text) {
			break
		}

		next := end - c.overlap
		if z, ok := zoneContaining(zones, next); ok {
			// A chunk must not begin mid-way through a protected span.
			next = z.end
			if next > end {
				next = end
			}
		}
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks, nil
}

// pickBoundary chooses a cut point in the window (start+chunkSize/2,
// start+chunkSize], preferring turn boundaries, then sentence starts,
// then whitespace. The raw budget is the last resort; when it lands
// inside a protected span the chunk grows to the span's end instead of
// cutting it, so an indivisible unit comes out oversized but whole.
func (c *Chunker) pickBoundary(text string, start int, turnBounds, sentBounds []int, zones []span) int {
	lo := start + c.chunkSize/2
	hi := start + c.chunkSize
	if hi > len(text) {
		hi = len(text)
	}

	if b, ok := lastBoundaryIn(turnBounds, lo, hi, zones); ok {
		return b
	}
	if b, ok := lastBoundaryIn(sentBounds, lo, hi, zones); ok {
		return b
	}

	for i := hi; i > lo; i-- {
		ch := text[i-1]
		if (ch == ' ' || ch == '\n' || ch == '\t') && !strictlyInside(zones, i) {
			return i
		}
	}

	end := hi
	if z, ok := zoneContaining(zones, end); ok {
		end = z.end
		if end > len(text) {
			end = len(text)
		}
	}
	return end
}

func lastBoundaryIn(bounds []int, lo, hi int, zones []span) (int, bool) {
	for i := len(bounds) - 1; i >= 0; i-- {
		b := bounds[i]
		if b <= lo {
			break
		}
		if b > hi {
			continue
		}
		if !strictlyInside(zones, b) {
			return b, true
		}
	}
	return 0, false
}
