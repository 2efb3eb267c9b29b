package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedData_MergeKeepsOtherStages(t *testing.T) {
	var pd ProcessedData

	require.NoError(t, pd.Merge(IdeaOutput{Brainstorm: "a lighthouse keeper"}))
	require.NoError(t, pd.Merge(TitleOutput{Titles: []string{"The Keeper", "Salt Light"}, Synopsis: "..."}))
	require.NoError(t, pd.Merge(OutlineOutput{Summary: OutlineSummary{MainOutline: "three acts", VolumeCount: 1, ChapterCount: 3}}))

	assert.Equal(t, "a lighthouse keeper", pd.Brainstorm)
	assert.Len(t, pd.Titles, 2)
	require.NotNil(t, pd.Outline)
	assert.Equal(t, 3, pd.Outline.ChapterCount)

	// Re-optimizing stage 1 overwrites only the brainstorm
	require.NoError(t, pd.Merge(IdeaOutput{Brainstorm: "a lighthouse keeper, with more suspense"}))
	assert.Equal(t, "a lighthouse keeper, with more suspense", pd.Brainstorm)
	assert.Len(t, pd.Titles, 2)
	assert.NotNil(t, pd.Outline)
}

func TestProcessedData_MergeRejectsNil(t *testing.T) {
	var pd ProcessedData
	assert.Error(t, pd.Merge(nil))
}

func TestProcessedData_HasOutput(t *testing.T) {
	var pd ProcessedData
	for _, s := range StageSequence {
		assert.False(t, pd.HasOutput(s), s)
	}

	require.NoError(t, pd.Merge(ContentOutput{Summary: GenerationSummary{TotalGenerated: 2}}))
	require.NoError(t, pd.Merge(ReviewOutput{Summary: ReviewSummary{ChaptersReviewed: 2}}))
	assert.True(t, pd.HasOutput(StageContent))
	assert.True(t, pd.HasOutput(StageReview))
	assert.False(t, pd.HasOutput(StageIdea))
}

func TestProcessedData_SelectTitle(t *testing.T) {
	pd := ProcessedData{Titles: []string{"The Keeper", "Salt Light"}}

	require.NoError(t, pd.SelectTitle("Salt Light", false))
	assert.Equal(t, "Salt Light", pd.SelectedTitle)

	assert.Error(t, pd.SelectTitle("Unknown", false))
	assert.Equal(t, "Salt Light", pd.SelectedTitle)

	require.NoError(t, pd.SelectTitle("My Own Title", true))
	assert.Equal(t, "My Own Title", pd.SelectedTitle)

	assert.Error(t, pd.SelectTitle("", true))
}

func TestProcessedData_CloneIsDeep(t *testing.T) {
	pd := ProcessedData{
		Titles:            []string{"A"},
		GenerationSummary: &GenerationSummary{FailedChapters: []FailedChapter{{ChapterID: "c1"}}},
	}
	clone := pd.Clone()
	clone.Titles[0] = "B"
	clone.GenerationSummary.FailedChapters[0].ChapterID = "c2"

	assert.Equal(t, "A", pd.Titles[0])
	assert.Equal(t, "c1", pd.GenerationSummary.FailedChapters[0].ChapterID)
}
