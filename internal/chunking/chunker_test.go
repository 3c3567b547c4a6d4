package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmetry-ai/backend/internal/storage/models"
)

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(0, 0)
	require.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = New(-10, 0)
	require.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = New(100, 100)
	require.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = New(100, 150)
	require.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = New(100, -1)
	require.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = New(100, 10)
	require.NoError(t, err)
}

func TestSplitRejectsEmptyText(t *testing.T) {
	c, err := New(100, 10)
	require.NoError(t, err)

	_, err = c.Split("")
	require.ErrorIs(t, err, ErrEmptyText)

	_, err = c.Split("   \n\t ")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c, err := New(500, 50)
	require.NoError(t, err)

	text := "A short conversation about build tooling."
	chunks, err := c.Split(text)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].SpanStart)
	assert.Equal(t, len(text), chunks[0].SpanEnd)
}

func longProse(sentences int) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		b.WriteString("The build pipeline compiles every module and runs the linter on each commit. ")
	}
	return strings.TrimSpace(b.String())
}

func TestSplitIndicesContiguousAndSpansReconstruct(t *testing.T) {
	c, err := New(200, 30)
	require.NoError(t, err)

	text := longProse(30)
	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 3)

	assert.Equal(t, 0, chunks[0].SpanStart)
	assert.Equal(t, len(text), chunks[len(chunks)-1].SpanEnd)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, text[ch.SpanStart:ch.SpanEnd], ch.Text)
		assert.Greater(t, ch.SpanEnd, ch.SpanStart)
	}

	// Adjacent chunks overlap; concatenating the non-overlapping tails
	// rebuilds the original text.
	rebuilt := chunks[0].Text
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		cur := chunks[i]
		assert.Greater(t, cur.SpanStart, prev.SpanStart)
		require.LessOrEqual(t, cur.SpanStart, prev.SpanEnd)
		require.GreaterOrEqual(t, cur.SpanEnd, prev.SpanEnd)
		rebuilt += cur.Text[prev.SpanEnd-cur.SpanStart:]
	}
	assert.Equal(t, text, rebuilt)
}

func TestSplitNeverCutsInsideCodeFence(t *testing.T) {
	c, err := New(150, 20)
	require.NoError(t, err)

	fence := "```go\nfunc main() {\n\tfmt.Println(\"hello\")\n}\n```"
	text := longProse(3) + " " + fence + " " + longProse(3)
	fenceStart := strings.Index(text, "```")
	fenceEnd := strings.LastIndex(text, "```") + 3

	chunks, err := c.Split(text)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		boundary := ch.SpanEnd
		assert.False(t, fenceStart < boundary && boundary < fenceEnd,
			"chunk boundary %d falls inside code fence [%d,%d)", boundary, fenceStart, fenceEnd)
	}
	for _, ch := range chunks[1:] {
		start := ch.SpanStart
		assert.False(t, fenceStart < start && start < fenceEnd,
			"chunk start %d falls inside code fence [%d,%d)", start, fenceStart, fenceEnd)
	}
}

func TestSplitOversizedCodeBlockEmittedWhole(t *testing.T) {
	c, err := New(100, 10)
	require.NoError(t, err)

	var body strings.Builder
	for i := 0; i < 30; i++ {
		body.WriteString("queue.Push(computeNextBatch(ctx, items))\n")
	}
	fence := "```go\n" + body.String() + "```"
	text := "Here is the worker loop. " + fence + " That is all of it."

	chunks, err := c.Split(text)
	require.NoError(t, err)

	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, fence) {
			found = true
			assert.Greater(t, len(ch.Text), 100)
		}
	}
	assert.True(t, found, "the fenced block must appear whole in one chunk")
}

func TestSplitKeepsNegationClauseTogether(t *testing.T) {
	c, err := New(120, 15)
	require.NoError(t, err)

	negation := "We decided against MongoDB for the metadata layer."
	text := longProse(2) + " " + negation + " " + longProse(2)

	cueStart := strings.Index(text, "decided against")
	clauseEnd := cueStart + strings.Index(text[cueStart:], ".") + 1

	chunks, err := c.Split(text)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		boundary := ch.SpanEnd
		assert.False(t, cueStart < boundary && boundary < clauseEnd,
			"boundary %d splits negation clause [%d,%d)", boundary, cueStart, clauseEnd)
	}
}

func TestSplitNeverCutsInsideInlineCode(t *testing.T) {
	c, err := New(120, 15)
	require.NoError(t, err)

	text := longProse(2) + " Set `retry.Config{MaxAttempts: 3}` before wiring the clients. " + longProse(2)
	spanStart := strings.Index(text, "`")
	spanEnd := strings.LastIndex(text, "`") + 1
	require.Greater(t, spanEnd, spanStart+1)

	chunks, err := c.Split(text)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		boundary := ch.SpanEnd
		assert.False(t, spanStart < boundary && boundary < spanEnd,
			"boundary %d splits inline code span [%d,%d)", boundary, spanStart, spanEnd)
	}
	for _, ch := range chunks[1:] {
		start := ch.SpanStart
		assert.False(t, spanStart < start && start < spanEnd,
			"chunk start %d falls inside inline code span [%d,%d)", start, spanStart, spanEnd)
	}
}

func TestSplitKeepsDecisionReasonTogether(t *testing.T) {
	c, err := New(120, 15)
	require.NoError(t, err)

	decision := "We picked SQLite for the relational layer because it keeps the deployment down to a single binary."
	text := longProse(2) + " " + decision + " " + longProse(2)

	sentStart := strings.Index(text, "We picked SQLite")
	sentEnd := sentStart + len(decision)

	chunks, err := c.Split(text)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		boundary := ch.SpanEnd
		assert.False(t, sentStart < boundary && boundary < sentEnd,
			"boundary %d splits decision-reason sentence [%d,%d)", boundary, sentStart, sentEnd)
	}
}

func TestSplitKeepsLeadingReasonWithPriorSentence(t *testing.T) {
	c, err := New(120, 15)
	require.NoError(t, err)

	decision := "We benchmarked both storage engines over the weekend."
	reason := "Therefore the simpler engine wins the first release."
	text := longProse(2) + " " + decision + " " + reason + " " + longProse(2)

	zoneStart := strings.Index(text, decision)
	zoneEnd := strings.Index(text, reason) + len(reason)

	chunks, err := c.Split(text)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		boundary := ch.SpanEnd
		assert.False(t, zoneStart < boundary && boundary < zoneEnd,
			"boundary %d splits a reason sentence from its decision [%d,%d)", boundary, zoneStart, zoneEnd)
	}
}

func TestSplitConversationPrefersTurnBoundaries(t *testing.T) {
	c, err := New(120, 15)
	require.NoError(t, err)

	messages := []models.Message{
		{Role: "user", Content: "How should I structure the ingestion retries for the importer"},
		{Role: "assistant", Content: "Wrap each provider call in backoff and treat config errors as permanent"},
		{Role: "user", Content: "That sounds reasonable for the first iteration of the service"},
		{Role: "assistant", Content: "Start simple and add a circuit breaker once you see real failure rates"},
	}

	text, turnBounds := RenderTranscript(messages)
	require.Len(t, turnBounds, 3)

	chunks, err := c.SplitConversation(messages)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	turnSet := make(map[int]bool, len(turnBounds))
	for _, b := range turnBounds {
		turnSet[b] = true
	}

	atTurn := 0
	for _, ch := range chunks[:len(chunks)-1] {
		if turnSet[ch.SpanEnd] {
			atTurn++
		}
	}
	assert.Greater(t, atTurn, 0, "at least one boundary should land on a role turn")

	assert.Equal(t, len(text), chunks[len(chunks)-1].SpanEnd)
}

func TestRenderTranscriptOffsets(t *testing.T) {
	messages := []models.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
	}

	text, turnBounds := RenderTranscript(messages)
	assert.Equal(t, "USER: first\n\nASSISTANT: second", text)
	require.Len(t, turnBounds, 1)
	assert.Equal(t, "ASSISTANT: second", text[turnBounds[0]:])
}
