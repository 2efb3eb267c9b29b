package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/novel-creator/internal/types"
)

func TestStageRegistry(t *testing.T) {
	for _, stage := range types.StageSequence {
		def, ok := StageRegistry[stage]
		require.True(t, ok, "stage %s should be in registry", stage)
		assert.Equal(t, stage, def.Stage)
		assert.NotEmpty(t, def.Name)
	}
	assert.Len(t, StageRegistry, len(types.StageSequence))
}

func TestStageRegistry_Capabilities(t *testing.T) {
	streamable := map[types.StageType]bool{types.StageIdea: true, types.StageTitle: true, types.StageOutline: true}
	for stage, def := range StageRegistry {
		assert.Equal(t, streamable[stage], def.Streamable, stage)
		assert.Equal(t, streamable[stage], def.Optimizable, stage)
	}
	assert.True(t, StageRegistry[types.StageIdea].RequiresContinue)
	assert.True(t, StageRegistry[types.StageTitle].RequiresContinue)
	assert.False(t, StageRegistry[types.StageOutline].RequiresContinue)
}

func TestAfterCompletion(t *testing.T) {
	tests := []struct {
		stage  types.StageType
		review bool
		want   Transition
	}{
		{types.StageIdea, false, Transition{types.LifecycleWaitingForContinue, types.StageIdea}},
		{types.StageTitle, true, Transition{types.LifecycleWaitingForContinue, types.StageTitle}},
		{types.StageOutline, false, Transition{types.LifecycleRunning, types.StageContent}},
		{types.StageContent, false, Transition{types.LifecycleCompleted, types.StageContent}},
		{types.StageContent, true, Transition{types.LifecycleRunning, types.StageReview}},
		{types.StageReview, true, Transition{types.LifecycleCompleted, types.StageReview}},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			got, err := AfterCompletion(tt.stage, tt.review)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := AfterCompletion("stage_9", false)
	assert.Error(t, err)
}

func TestContinueTarget(t *testing.T) {
	next, err := ContinueTarget(types.StageIdea)
	require.NoError(t, err)
	assert.Equal(t, types.StageTitle, next)

	_, err = ContinueTarget(types.StageReview)
	assert.Error(t, err)
}

func TestValidateDependencies(t *testing.T) {
	pd := &types.ProcessedData{}
	err := ValidateDependencies(types.StageTitle, pd)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []types.StageType{types.StageIdea}, depErr.MissingDependencies)
	assert.Contains(t, err.Error(), "missing output")

	pd.Brainstorm = "a drowned city"
	assert.NoError(t, ValidateDependencies(types.StageTitle, pd))
	assert.NoError(t, ValidateDependencies(types.StageIdea, pd))
}

func TestValidateDependencies_UnknownStage(t *testing.T) {
	err := ValidateDependencies("unknown_stage", &types.ProcessedData{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}
