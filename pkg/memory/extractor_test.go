package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtractedFacts(t *testing.T) {
	text := `[{"category": "situation", "content": "Is an Australian citizen"},
		{"category": "goal", "content": "Wants an investor KITAS"}]`

	facts, err := parseExtractedFacts("user-1", text)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "user-1", facts[0].UserID)
	assert.Equal(t, "situation", facts[0].Category)
}

func TestParseExtractedFactsStripsFences(t *testing.T) {
	text := "```json\n[{\"category\": \"goal\", \"content\": \"Open a PT PMA\"}]\n```"

	facts, err := parseExtractedFacts("user-1", text)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Open a PT PMA", facts[0].Content)
}

func TestParseExtractedFactsEmptyAndInvalid(t *testing.T) {
	facts, err := parseExtractedFacts("user-1", "[]")
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = parseExtractedFacts("user-1", "no json here")
	assert.Error(t, err)

	// blank content is dropped
	facts, err = parseExtractedFacts("user-1", `[{"category": "goal", "content": "  "}]`)
	require.NoError(t, err)
	assert.Empty(t, facts)
}
