package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/types"
)

func requireCode(t *testing.T, err error, code pipeline.Code) *pipeline.Error {
	t.Helper()
	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe, "expected %s, got %v", code, err)
	require.Equal(t, code, pe.Code, pe.Error())
	return pe
}

func TestCreateTask_AutoExecuteWaitsAfterIdea(t *testing.T) {
	h := newHarness(t, 4)

	task := h.create(t, types.TaskConfig{}, true)

	assert.Equal(t, types.StageIdea, task.CurrentStage)
	assert.Equal(t, types.LifecycleWaitingForContinue, task.Lifecycle)
	assert.Equal(t, types.StatusWaitingNextStage, task.Status())
	assert.NotEmpty(t, task.ProcessedData.Brainstorm)
	assert.Positive(t, task.TotalCharactersConsumed)

	records := h.records(t, task.ID)
	require.Len(t, records, 1)
	assert.Equal(t, types.StageRecordCompleted, records[0].Status)
	assert.Equal(t, types.OperationExecute, records[0].Operation)
	assert.Equal(t, int64(1), records[0].PromptID)
	assert.Equal(t, task.TotalCharactersConsumed, records[0].CharactersConsumed)

	assert.Contains(t, h.events.kinds(), types.EventStageStarted)
	assert.Contains(t, h.events.kinds(), types.EventStageCompleted)
}

func TestCreateTask_InvalidConfig(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	unknown := int64(99)

	_, err := h.orch.CreateTask(ctx, h.user, types.PromptConfig{}, types.TaskConfig{}, false)
	requireCode(t, err, pipeline.CodeInvalidConfig)

	_, err = h.orch.CreateTask(ctx, h.user, types.PromptConfig{PromptGroupID: &unknown}, types.TaskConfig{}, false)
	pe := requireCode(t, err, pipeline.CodeInvalidConfig)
	assert.Equal(t, "promptGroupId", pe.Field)

	_, err = h.orch.CreateTask(ctx, h.user, types.PromptConfig{StagePrompts: map[types.StageType]int64{types.StageIdea: 404}}, types.TaskConfig{}, false)
	requireCode(t, err, pipeline.CodeInvalidConfig)

	_, err = h.orch.CreateTask(ctx, h.user, group7(), types.TaskConfig{ConcurrencyLimit: 500}, false)
	requireCode(t, err, pipeline.CodeValidation)
}

func TestCreateTask_WithoutAutoExecute(t *testing.T) {
	h := newHarness(t, 2)

	task := h.create(t, types.TaskConfig{}, false)

	assert.Equal(t, types.StatusIdeaGenerating, task.Status())
	assert.Empty(t, h.records(t, task.ID))
	assert.Zero(t, h.model.count("idea"))
}

func TestExecuteStage_FullRunWithReview(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	task := h.create(t, types.TaskConfig{ReviewEnabled: true}, true)

	// Continue runs the title stage
	res, err := h.orch.ExecuteStage(ctx, task.ID, types.StageTitle)
	require.NoError(t, err)
	assert.Equal(t, types.StageTitle, res.Task.CurrentStage)
	assert.Equal(t, types.LifecycleWaitingForContinue, res.Task.Lifecycle)
	assert.True(t, res.Task.AwaitingTitleSelection)
	assert.Equal(t, []string{"Salt", "Low Tide", "The Keeper"}, res.Task.ProcessedData.Titles)
	assert.Equal(t, "A lighthouse keeper finds a door in the sea.", res.Task.ProcessedData.Brainstorm)

	// The outline needs a selected title
	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodeValidation)
	assert.Equal(t, "selectedTitle", pe.Field)

	_, err = h.orch.SelectTitle(ctx, task.ID, "Not A Candidate", false)
	requireCode(t, err, pipeline.CodeValidation)

	selected, err := h.orch.SelectTitle(ctx, task.ID, "Low Tide", false)
	require.NoError(t, err)
	assert.False(t, selected.AwaitingTitleSelection)

	_, err = h.orch.ExecuteStage(ctx, task.ID, types.StageIdea)
	requireCode(t, err, pipeline.CodeStageMismatch)

	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StageOutline, res.Stage)
	assert.Equal(t, types.StageContent, res.Task.CurrentStage)
	assert.Equal(t, types.LifecycleRunning, res.Task.Lifecycle)
	require.NotNil(t, res.Task.ProcessedData.Outline)
	assert.Equal(t, 4, res.Task.ProcessedData.Outline.ChapterCount)

	outline, err := h.orch.GetOutline(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, outline, 1+2+4)
	for _, n := range outline {
		if n.Level == types.OutlineLevelChapter {
			assert.NotNil(t, n.ChapterID, "chapter node %d is not linked", n.Order)
			assert.NotNil(t, n.VolumeID)
		}
	}
	chapters := h.chapters(t, task.ID)
	assert.Len(t, chapters, 4)
	assert.Zero(t, written(chapters))

	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StageReview, res.Task.CurrentStage)
	assert.Equal(t, types.StatusReviewOptimizing, res.Task.Status())
	require.NotNil(t, res.Task.ProcessedData.GenerationSummary)
	assert.Equal(t, 4, res.Task.ProcessedData.GenerationSummary.TotalGenerated)
	assert.Equal(t, 4, res.Task.ProcessedData.GenerationSummary.ChaptersWritten)
	assert.Equal(t, 4, written(h.chapters(t, task.ID)))

	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleCompleted, res.Task.Lifecycle)
	require.NotNil(t, res.Task.ProcessedData.ReviewSummary)
	assert.Equal(t, 4, res.Task.ProcessedData.ReviewSummary.ChaptersReviewed)
	assert.InDelta(t, 80, res.Task.ProcessedData.ReviewSummary.AverageScore, 0.001)
	assert.Equal(t, 4, res.Task.ProcessedData.ReviewSummary.IssueCount)
	assert.Contains(t, h.events.kinds(), types.EventTaskCompleted)

	// Earlier stages survive every merge
	assert.Equal(t, "Low Tide", res.Task.ProcessedData.SelectedTitle)
	assert.NotEmpty(t, res.Task.ProcessedData.Synopsis)

	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeTaskTerminated)
	_, err = h.orch.PauseTask(ctx, task.ID)
	requireCode(t, err, pipeline.CodeTaskTerminated)
}

func TestExecuteStage_ContentCompletesWithoutReview(t *testing.T) {
	h := newHarness(t, 2)

	task := h.toContent(t, types.TaskConfig{})
	res, err := h.orch.ExecuteStage(context.Background(), task.ID, types.StageContent)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleCompleted, res.Task.Lifecycle)
	assert.Equal(t, types.StatusCompleted, res.Task.Status())
}

func TestExecuteStage_ConsumptionIsMonotonic(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)

	before := task.TotalCharactersConsumed
	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Greater(t, res.Task.TotalCharactersConsumed, before)
	assert.Equal(t, before+res.Usage.Consumed(), res.Task.TotalCharactersConsumed)
	assert.Equal(t, "fake-model", res.Usage.ModelID)
}

func TestExecuteStage_MissingPromptKeepsTaskWaiting(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	prompts := types.PromptConfig{StagePrompts: map[types.StageType]int64{types.StageIdea: 1}}

	task, err := h.orch.CreateTask(ctx, h.user, prompts, types.TaskConfig{}, true)
	require.NoError(t, err)
	require.Equal(t, types.LifecycleWaitingForContinue, task.Lifecycle)

	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodePromptNotConfigured)
	assert.Equal(t, "stagePrompts.stage_2_title", pe.Field)

	got, err := h.orch.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageIdea, got.CurrentStage)
	assert.Equal(t, types.LifecycleWaitingForContinue, got.Lifecycle)

	_, err = h.orch.UpdatePromptConfig(ctx, task.ID, map[types.StageType]int64{types.StageIdea: 1})
	requireCode(t, err, pipeline.CodeValidation)

	_, err = h.orch.UpdatePromptConfig(ctx, task.ID, map[types.StageType]int64{types.StageTitle: 2})
	require.NoError(t, err)

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StageTitle, res.Task.CurrentStage)
}

func TestUpdatePromptConfig_GroupIsImmutable(t *testing.T) {
	h := newHarness(t, 2)
	task := h.create(t, types.TaskConfig{}, false)

	_, err := h.orch.UpdatePromptConfig(context.Background(), task.ID, map[types.StageType]int64{types.StageTitle: 2})
	pe := requireCode(t, err, pipeline.CodeValidation)
	assert.Equal(t, "promptGroupId", pe.Field)
}

func TestExecuteStage_RetriesUntilFailed(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{MaxRetries: 2}, false)
	h.model.setFail("idea", &llm.APIError{Kind: llm.ErrorKindUpstream, Provider: llm.ProviderGemini, Message: "backend unavailable"})

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodeUpstreamError)
	assert.Contains(t, pe.Message, "backend unavailable")
	assert.Equal(t, types.LifecycleRunning, res.Task.Lifecycle)

	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeUpstreamError)
	assert.Equal(t, types.LifecycleFailed, res.Task.Lifecycle)
	assert.Contains(t, h.events.kinds(), types.EventTaskFailed)

	records := h.records(t, task.ID)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.Equal(t, 2, records[1].RetryCount)
	for _, r := range records {
		assert.Equal(t, types.StageRecordFailed, r.Status)
		assert.False(t, r.Interrupted)
	}

	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeTaskTerminated)
}

func TestExecuteStage_ClassifiesQuotaAndTimeout(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, false)

	h.model.setFail("idea", &llm.APIError{Kind: llm.ErrorKindQuota, Provider: llm.ProviderOpenAI, Message: "rate limited"})
	_, err := h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodeQuotaExceeded)
	assert.True(t, pe.Retryable())

	h.model.setFail("idea", &llm.APIError{Kind: llm.ErrorKindTimeout, Provider: llm.ProviderOpenAI, Message: "slow"})
	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeUpstreamTimeout)
}

func TestExecuteStage_ContentClassifiesQuotaAndTimeout(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.toContent(t, types.TaskConfig{})

	h.model.setFail("chapter", &llm.APIError{Kind: llm.ErrorKindQuota, Provider: llm.ProviderGemini, Message: "quota exhausted"})
	_, err := h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodeQuotaExceeded)
	assert.Equal(t, "quota exhausted", pe.Message)
	assert.Equal(t, types.StageContent, pe.Stage)

	h.model.setFail("chapter", &llm.APIError{Kind: llm.ErrorKindTimeout, Provider: llm.ProviderGemini, Message: "deadline"})
	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeUpstreamTimeout)
	assert.Zero(t, written(h.chapters(t, task.ID)))
}

func TestExecuteStage_FailedContinueStaysOnNextStage(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)
	h.model.setFail("title", errors.New("upstream closed the connection"))

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeUpstreamError)
	// The continue gesture was committed before the call
	assert.Equal(t, types.StageTitle, res.Task.CurrentStage)
	assert.Equal(t, types.LifecycleRunning, res.Task.Lifecycle)
	assert.Empty(t, res.Task.ProcessedData.Titles)

	h.model.setFail("title", nil)
	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Len(t, res.Task.ProcessedData.Titles, 3)
}

func TestExecuteStage_ConcurrentCallIsRejected(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)
	h.model.setBlock("title")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteStage(ctx, task.ID, "")
		done <- err
	}()
	h.waitEntered(t)

	_, err := h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeConcurrencyConflict)
	_, err = h.orch.SelectTitle(ctx, task.ID, "Salt", true)
	requireCode(t, err, pipeline.CodeConcurrencyConflict)

	close(h.model.release)
	require.NoError(t, <-done)

	got, err := h.orch.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageTitle, got.CurrentStage)
	assert.Equal(t, 1, h.model.count("title"))
}

func TestPauseTask_InterruptsGeneration(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)
	h.model.setBlock("title")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteStage(ctx, task.ID, "")
		done <- err
	}()
	h.waitEntered(t)

	paused, err := h.orch.PauseTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status())

	requireCode(t, <-done, pipeline.CodeInvalidTransition)

	got, err := h.orch.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecyclePaused, got.Lifecycle)
	assert.Empty(t, got.ProcessedData.Titles)

	records := h.records(t, task.ID)
	last := records[len(records)-1]
	assert.Equal(t, types.StageRecordFailed, last.Status)
	assert.True(t, last.Interrupted)
	assert.Zero(t, types.CountedFailures(records, types.StageTitle))

	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeInvalidTransition)
	_, err = h.orch.PauseTask(ctx, task.ID)
	requireCode(t, err, pipeline.CodeInvalidTransition)

	h.model.setBlock("")
	resumed, err := h.orch.ResumeTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTitleGenerating, resumed.Status())

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Len(t, res.Task.ProcessedData.Titles, 3)
}

func TestPauseResume_RestoresStage(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.toContent(t, types.TaskConfig{})

	_, err := h.orch.PauseTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = h.orch.ResumeTask(ctx, task.ID)
	require.NoError(t, err)

	got, err := h.orch.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusContentGenerating, got.Status())

	_, err = h.orch.ResumeTask(ctx, task.ID)
	requireCode(t, err, pipeline.CodeInvalidTransition)
}

func TestPauseTask_WaitingIsInvalid(t *testing.T) {
	h := newHarness(t, 2)
	task := h.create(t, types.TaskConfig{}, true)

	_, err := h.orch.PauseTask(context.Background(), task.ID)
	requireCode(t, err, pipeline.CodeInvalidTransition)
}

func TestCancelTask_DuringStreamDiscardsOutput(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, false)
	h.model.setBlock("idea")

	var chunks []string
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteStageStream(ctx, task.ID, "", func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
		done <- err
	}()
	h.waitEntered(t)

	cancelled, err := h.orch.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status())

	requireCode(t, <-done, pipeline.CodeTaskTerminated)
	assert.Empty(t, chunks)

	got, err := h.orch.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ProcessedData.Brainstorm)

	records := h.records(t, task.ID)
	require.Len(t, records, 1)
	assert.True(t, records[0].Interrupted)

	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	requireCode(t, err, pipeline.CodeTaskTerminated)
	_, err = h.orch.CancelTask(ctx, task.ID)
	requireCode(t, err, pipeline.CodeTaskTerminated)
}

func TestCancelTask_RetainsCommittedData(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)

	got, err := h.orch.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ProcessedData.Brainstorm, got.ProcessedData.Brainstorm)
}

func TestExecuteStageStream_ForwardsChunks(t *testing.T) {
	h := newHarness(t, 2)
	task := h.create(t, types.TaskConfig{}, false)

	var sb strings.Builder
	res, err := h.orch.ExecuteStageStream(context.Background(), task.ID, "", func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, res.Task.ProcessedData.Brainstorm, sb.String())
	assert.Equal(t, int64(100), res.Usage.InputChars)
	assert.Equal(t, int64(sb.Len()), res.Usage.OutputChars)
}

func TestExecuteStageStream_DisconnectLeavesTaskRunnable(t *testing.T) {
	h := newHarness(t, 2)
	task := h.create(t, types.TaskConfig{}, false)
	h.model.setBlock("idea")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteStageStream(ctx, task.ID, "", func(string) error { return nil })
		done <- err
	}()
	h.waitEntered(t)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), err)

	got, err := h.orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdeaGenerating, got.Status())

	h.model.setBlock("")
	res, err := h.orch.ExecuteStage(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Task.ProcessedData.Brainstorm)
}

func TestExecuteStageStream_ContentIsNotStreamable(t *testing.T) {
	h := newHarness(t, 2)
	task := h.toContent(t, types.TaskConfig{})

	_, err := h.orch.ExecuteStageStream(context.Background(), task.ID, "", func(string) error { return nil })
	requireCode(t, err, pipeline.CodeValidation)
}

func TestOptimizeStage_KeepsStageAndLifecycle(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)

	res, err := h.orch.OptimizeStage(ctx, task.ID, types.StageIdea, "make it darker")
	require.NoError(t, err)
	assert.Equal(t, "Optimized: make it darker", res.Task.ProcessedData.Brainstorm)
	assert.Equal(t, types.StageIdea, res.Task.CurrentStage)
	assert.Equal(t, types.LifecycleWaitingForContinue, res.Task.Lifecycle)
	assert.Equal(t, types.OperationOptimize, res.Record.Operation)
	assert.Contains(t, h.events.kinds(), types.EventOptimizeCompleted)

	_, err = h.orch.OptimizeStage(ctx, task.ID, types.StageTitle, "shorter")
	requireCode(t, err, pipeline.CodeStageNotCompleted)

	_, err = h.orch.OptimizeStage(ctx, task.ID, types.StageContent, "better")
	pe := requireCode(t, err, pipeline.CodeValidation)
	assert.Contains(t, pe.Message, "chapters")

	_, err = h.orch.OptimizeStage(ctx, task.ID, types.StageIdea, "  ")
	requireCode(t, err, pipeline.CodeValidation)
}

func TestOptimizeStage_TitleRequiresNewSelection(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{}, true)
	_, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	_, err = h.orch.SelectTitle(ctx, task.ID, "Salt", false)
	require.NoError(t, err)

	res, err := h.orch.OptimizeStage(ctx, task.ID, types.StageTitle, "more nautical")
	require.NoError(t, err)
	assert.Equal(t, []string{"Brine", "High Water"}, res.Task.ProcessedData.Titles)
	assert.True(t, res.Task.AwaitingTitleSelection)
	assert.Equal(t, types.StageTitle, res.Task.CurrentStage)
	assert.Empty(t, res.Task.ProcessedData.SelectedTitle)

	// The old selection is gone, so the outline waits for a new one
	_, err = h.orch.ExecuteStage(ctx, task.ID, "")
	pe := requireCode(t, err, pipeline.CodeValidation)
	assert.Equal(t, "selectedTitle", pe.Field)

	_, err = h.orch.SelectTitle(ctx, task.ID, "Brine", false)
	require.NoError(t, err)
	res, err = h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Brine", res.Task.ProcessedData.SelectedTitle)
}

func TestBegin_ClosesAbandonedRecords(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{MaxRetries: 1}, false)

	// A record left processing by a process that stopped mid-generation
	now := time.Now().UTC()
	stale := &types.StageRecord{
		ID:        uuid.New(),
		TaskID:    task.ID,
		StageType: types.StageIdea,
		Operation: types.OperationExecute,
		Status:    types.StageRecordPending,
		CreatedAt: now,
	}
	require.NoError(t, h.store.AppendStageRecord(ctx, stale))
	stale.Status = types.StageRecordProcessing
	stale.StartedAt = &now
	require.NoError(t, h.store.UpdateStageRecord(ctx, stale))

	res, err := h.orch.ExecuteStage(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StageRecordCompleted, res.Record.Status)

	records := h.records(t, task.ID)
	require.Len(t, records, 2)
	assert.Equal(t, stale.ID, records[0].ID)
	assert.Equal(t, types.StageRecordFailed, records[0].Status)
	assert.True(t, records[0].Interrupted)
	assert.NotNil(t, records[0].CompletedAt)
	assert.Contains(t, records[0].ErrorMessage, "abandoned")
	// The abandoned attempt does not use up the retry budget
	assert.Zero(t, types.CountedFailures(records, types.StageIdea))
	assert.Equal(t, types.LifecycleWaitingForContinue, res.Task.Lifecycle)
}

func TestOptimizeStage_StreamOutline(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.toContent(t, types.TaskConfig{})

	var chunks int
	res, err := h.orch.OptimizeStageStream(ctx, task.ID, types.StageOutline, "add a twist", func(string) error {
		chunks++
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, chunks)
	assert.Equal(t, types.StageContent, res.Task.CurrentStage)
	assert.Len(t, h.chapters(t, task.ID), 2)
}

func TestOptimizeStage_FailureDoesNotCountAsRetry(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	task := h.create(t, types.TaskConfig{MaxRetries: 1}, true)
	h.model.setFail("optimize", errors.New("boom"))

	res, err := h.orch.OptimizeStage(ctx, task.ID, types.StageIdea, "again")
	requireCode(t, err, pipeline.CodeUpstreamError)
	assert.Equal(t, types.LifecycleWaitingForContinue, res.Task.Lifecycle)
}

func TestGetTask_NotFound(t *testing.T) {
	h := newHarness(t, 2)

	_, err := h.orch.GetTask(context.Background(), uuid.New())
	requireCode(t, err, pipeline.CodeNotFound)
}

func TestListTasks(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, types.TaskConfig{}, false)
	h.create(t, types.TaskConfig{}, true)

	page, err := h.orch.ListTasks(context.Background(), types.TaskFilter{UserID: &h.user, Status: types.StatusWaitingNextStage}, types.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
