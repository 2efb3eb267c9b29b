package rendering

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/novel-creator/internal/types"
)

func TestManuscript(t *testing.T) {
	chapters := []types.Chapter{
		{Order: 1, Title: "Arrival", Content: "# Arrival\n\nThe fog rolled in."},
		{Order: 2, Title: "Door"},
		{Order: 3, Title: "Low Tide", Content: "The water left."},
	}

	got := Manuscript("Salt", chapters)

	assert.Equal(t, "# Salt\n\n## Chapter 1: Arrival\n\nThe fog rolled in.\n\n## Chapter 3: Low Tide\n\nThe water left.\n", got)
}

func TestManuscript_Empty(t *testing.T) {
	assert.Equal(t, "", Manuscript("", nil))
	assert.Equal(t, "# Salt\n", Manuscript("Salt", []types.Chapter{{Order: 1, Title: "Unwritten"}}))
	assert.Equal(t, "\n## Chapter 1: Only\n\n\n", Manuscript("", []types.Chapter{{Order: 1, Title: "Only", Content: "# Only"}}))
}
