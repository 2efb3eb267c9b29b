package pipeline

import (
	"context"

	"github.com/jonathan/novel-creator/internal/types"
)

// StepwiseChapterCycle generates exactly one chapter, summarizes it and
// runs the automated review. It never moves to the next chapter itself.
type StepwiseChapterCycle struct {
	executor *Executor
	content  ContentStore
	reviewer Reviewer
}

// NewStepwiseChapterCycle creates a stepwise cycle
func NewStepwiseChapterCycle(executor *Executor, content ContentStore, reviewer Reviewer) *StepwiseChapterCycle {
	return &StepwiseChapterCycle{executor: executor, content: content, reviewer: reviewer}
}

// Run performs one generate → summarize → review cycle for target. The
// chapter is upserted by order, so repeating an order overwrites it.
// Usage is reported even when a later step fails.
func (c *StepwiseChapterCycle) Run(ctx context.Context, task *types.Task, target types.ChapterTarget, promptID, reviewPromptID int64) (*types.StepwiseResult, Usage, error) {
	var usage Usage

	previousSummary := ""
	if target.Node.Order > 1 {
		prev, err := c.content.GetChapterByOrder(ctx, task.ID, target.Node.Order-1)
		if err != nil {
			return nil, usage, err
		}
		if prev != nil {
			previousSummary = prev.Summary
		}
	}

	text, u, err := c.executor.GenerateChapter(ctx, task, target, promptID, previousSummary)
	usage = addUsage(usage, u)
	if err != nil {
		return nil, usage, err
	}

	summary, u, err := c.executor.Summarize(ctx, task, target.Node.Title, text)
	usage = addUsage(usage, u)
	if err != nil {
		return nil, usage, err
	}

	chapter, err := writeChapter(ctx, c.content, task.ID, target, text, summary)
	if err != nil {
		return nil, usage, err
	}

	report, consumed, err := c.reviewer.Review(ctx, types.ReviewRequest{
		Chapter:        *chapter,
		NovelTitle:     novelTitle(&task.ProcessedData),
		ChapterOutline: target.Node.Content,
		PromptID:       reviewPromptID,
		ModelID:        task.TaskConfig.ModelID,
		Temperature:    task.TaskConfig.EffectiveTemperature(),
	})
	usage.InputChars += consumed
	if err != nil {
		return nil, usage, err
	}
	report.ChapterID = chapter.ID

	return &types.StepwiseResult{
		Chapter:            *chapter,
		ReviewReport:       report,
		CharactersConsumed: usage.Consumed(),
	}, usage, nil
}

func addUsage(a, b Usage) Usage {
	a.InputChars += b.InputChars
	a.OutputChars += b.OutputChars
	if b.ModelID != "" {
		a.ModelID = b.ModelID
	}
	return a
}
