package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmetry-ai/backend/internal/storage/models"
)

func TestNormalizeMessagesDropsEmptyTurns(t *testing.T) {
	out := normalizeMessages([]models.Message{
		{Role: "user", Content: "  hello  "},
		{Role: "assistant", Content: "   "},
		{Role: "user", Content: ""},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Content)
}

func TestNormalizeMessagesDefaultsRole(t *testing.T) {
	out := normalizeMessages([]models.Message{
		{Role: "", Content: "no role"},
		{Role: "  ASSISTANT ", Content: "upper role"},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestNormalizeMessagesStripsHTML(t *testing.T) {
	out := normalizeMessages([]models.Message{
		{Role: "user", Content: "<div><p>We chose Postgres.</p><script>alert(1)</script></div>"},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "We chose Postgres.", out[0].Content)
	assert.NotContains(t, out[0].Content, "alert")
}

func TestNormalizeMessagesCollapsesWhitespaceOutsideCode(t *testing.T) {
	out := normalizeMessages([]models.Message{
		{Role: "user", Content: "too   many\t\tspaces"},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "too many spaces", out[0].Content)
}

func TestNormalizeMessagesPreservesCodeBlocks(t *testing.T) {
	code := "look at this:\n```go\nfunc main() {\n    fmt.Println(\"hi\")\n}\n```"
	out := normalizeMessages([]models.Message{
		{Role: "user", Content: code},
	})

	require.Len(t, out, 1)
	assert.True(t, strings.Contains(out[0].Content, "    fmt.Println"))
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, looksLikeHTML("<p>hi</p>"))
	assert.True(t, looksLikeHTML(`<div class="x">`))
	assert.False(t, looksLikeHTML("a < b and b > c"))
}

func TestFirstN(t *testing.T) {
	assert.Equal(t, "abc", firstN("abc", 10))
	assert.Equal(t, "ab", firstN("abcdef", 2))
}
