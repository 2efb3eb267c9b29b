package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get(WritingFile, "chapter-summary")
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.ChapterContent}}")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get(WritingFile, "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMissing(t *testing.T) {
	ClearCache()

	missing, err := Missing(WritingFile, WritingKeys)
	require.NoError(t, err)
	assert.Empty(t, missing)

	missing, err = Missing(WritingFile, []string{"chapter-review", "chapter-epilogue", "aaa"})
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter-epilogue", "aaa"}, missing)

	_, err = Missing("nonexistent.json", WritingKeys)
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	template := "Chapter {{.Order}}: {{.Title}}"
	result := Format(template, map[string]string{"Order": "3", "Title": "Low Tide"})
	assert.Equal(t, "Chapter 3: Low Tide", result)
}

func TestFormat_MissingValueKeepsPlaceholder(t *testing.T) {
	result := Format("Hello {{.Name}} of {{.Place}}", map[string]string{"Name": "Ada"})
	assert.Equal(t, "Hello Ada of {{.Place}}", result)
}

func TestFormat_EmptyData(t *testing.T) {
	assert.Equal(t, "Hello {{.Name}}", Format("Hello {{.Name}}", nil))
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List(WritingFile)
	require.NoError(t, err)
	assert.Contains(t, keys, "chapter-review")
	assert.IsIncreasing(t, keys)
}
