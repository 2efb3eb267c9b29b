package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/novel-creator/internal/rendering"
	"github.com/jonathan/novel-creator/internal/types"
)

// ChapterProgress is reported once per finished batch unit
type ChapterProgress struct {
	Done    int
	Total   int
	Chapter *types.Chapter
	Err     error
}

// ChapterBatchRunner generates many chapters concurrently under a limit
type ChapterBatchRunner struct {
	executor *Executor
	content  ContentStore
}

// NewChapterBatchRunner creates a batch runner
func NewChapterBatchRunner(executor *Executor, content ContentStore) *ChapterBatchRunner {
	return &ChapterBatchRunner{executor: executor, content: content}
}

type unitResult struct {
	chapter *types.Chapter
	usage   Usage
	err     error
}

// GenerateChapters runs one unit per target with at most
// task.TaskConfig.ConcurrencyLimit units in flight. A failed unit never
// aborts the batch; FailedChapters follows the order of targets.
func (r *ChapterBatchRunner) GenerateChapters(ctx context.Context, task *types.Task, targets []types.ChapterTarget, promptID int64, onProgress func(ChapterProgress)) types.GenerationSummary {
	limit := task.TaskConfig.ConcurrencyLimit
	if limit <= 0 {
		limit = types.DefaultConcurrencyLimit
	}

	// Summaries of chapters written before the batch give each unit its
	// continuity context without ordering the units
	previous := make(map[int]string)
	if existing, err := r.content.ListChapters(ctx, task.ID); err == nil {
		for _, ch := range existing {
			previous[ch.Order] = ch.Summary
		}
	}

	results := make([]unitResult, len(targets))
	var (
		mu   sync.Mutex
		done int
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for i, target := range targets {
		g.Go(func() error {
			res := r.generateOne(ctx, task, target, promptID, previous[target.Node.Order-1])
			results[i] = res

			if onProgress != nil {
				mu.Lock()
				done++
				p := ChapterProgress{Done: done, Total: len(targets), Chapter: res.chapter, Err: res.err}
				onProgress(p)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := types.GenerationSummary{FailedChapters: []types.FailedChapter{}}
	for i, res := range results {
		summary.CharactersConsumed += res.usage.Consumed()
		if res.err != nil {
			summary.TotalFailed++
			summary.FailedChapters = append(summary.FailedChapters, types.FailedChapter{
				ChapterID: chapterRef(targets[i]),
				Order:     targets[i].Node.Order,
				Error:     res.err.Error(),
				Err:       res.err,
			})
			continue
		}
		summary.TotalGenerated++
	}
	return summary
}

func (r *ChapterBatchRunner) generateOne(ctx context.Context, task *types.Task, target types.ChapterTarget, promptID int64, previousSummary string) unitResult {
	if err := ctx.Err(); err != nil {
		return unitResult{err: err}
	}

	content, usage, err := r.executor.GenerateChapter(ctx, task, target, promptID, previousSummary)
	if err != nil {
		return unitResult{usage: usage, err: err}
	}
	summary, sumUsage, err := r.executor.Summarize(ctx, task, target.Node.Title, content)
	usage.InputChars += sumUsage.InputChars
	usage.OutputChars += sumUsage.OutputChars
	if err != nil {
		return unitResult{usage: usage, err: err}
	}

	chapter, err := writeChapter(ctx, r.content, task.ID, target, content, summary)
	return unitResult{chapter: chapter, usage: usage, err: err}
}

// writeChapter upserts chapter content by order and links the outline node
func writeChapter(ctx context.Context, content ContentStore, taskID uuid.UUID, target types.ChapterTarget, text, summary string) (*types.Chapter, error) {
	now := time.Now().UTC()
	chapter := &types.Chapter{
		ID:            uuid.New(),
		TaskID:        taskID,
		OutlineNodeID: &target.Node.ID,
		Order:         target.Node.Order,
		Title:         target.Node.Title,
		Content:       text,
		Summary:       summary,
		WordCount:     rendering.ChapterWordCount(text),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if target.Volume != nil {
		chapter.VolumeID = &target.Volume.ID
	}
	if err := content.UpsertChapter(ctx, chapter); err != nil {
		return nil, err
	}

	node := target.Node
	node.Status = types.OutlineStatusGenerated
	node.ChapterID = &chapter.ID
	if target.Volume != nil {
		node.VolumeID = &target.Volume.ID
	}
	node.UpdatedAt = now
	if err := content.UpdateOutlineNode(ctx, &node); err != nil {
		return nil, err
	}
	return chapter, nil
}

func chapterRef(target types.ChapterTarget) string {
	if target.Node.ChapterID != nil {
		return target.Node.ChapterID.String()
	}
	return target.Node.ID.String()
}
