package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/novel-creator/internal/pipeline/steps"
	"github.com/jonathan/novel-creator/internal/rendering"
	"github.com/jonathan/novel-creator/internal/types"
)

// BatchResult is returned by GenerateChapters
type BatchResult struct {
	Task    *types.Task             `json:"task"`
	Summary types.GenerationSummary `json:"summary"`
	Record  *types.StageRecord      `json:"record,omitempty"`
}

// SyncResult counts the entities materialized from the outline
type SyncResult struct {
	Volumes  int `json:"volumes"`
	Chapters int `json:"chapters"`
}

// OutlineNodeUpdate is a human edit of one outline node
type OutlineNodeUpdate struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

func requireContentStage(task *types.Task) error {
	if task.Lifecycle == types.LifecyclePaused {
		return newError(CodeInvalidTransition, task.ID, task.CurrentStage, "task is paused; resume it before generating chapters")
	}
	if task.CurrentStage != types.StageContent || task.Lifecycle != types.LifecycleRunning {
		return newError(CodeInvalidTransition, task.ID, task.CurrentStage, "chapters can only be generated while the task is in %s; task is %s", types.StageContent, task.Status())
	}
	return nil
}

// chapterTargets returns the chapter outlines of a task by ascending order
func (o *Orchestrator) chapterTargets(ctx context.Context, taskID uuid.UUID) ([]types.ChapterTarget, error) {
	nodes, err := o.content.GetOutline(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outline: %w", err)
	}
	volumes, err := o.content.ListVolumes(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	byID := make(map[uuid.UUID]*types.Volume, len(volumes))
	byNode := make(map[uuid.UUID]*types.Volume, len(volumes))
	for i := range volumes {
		v := &volumes[i]
		byID[v.ID] = v
		if v.OutlineNodeID != nil {
			byNode[*v.OutlineNodeID] = v
		}
	}

	var targets []types.ChapterTarget
	for _, n := range nodes {
		if n.Level != types.OutlineLevelChapter {
			continue
		}
		t := types.ChapterTarget{Node: n}
		switch {
		case n.VolumeID != nil && byID[*n.VolumeID] != nil:
			t.Volume = byID[*n.VolumeID]
		case n.ParentID != nil:
			t.Volume = byNode[*n.ParentID]
		}
		targets = append(targets, t)
	}
	slices.SortFunc(targets, func(a, b types.ChapterTarget) int { return a.Node.Order - b.Node.Order })
	return targets, nil
}

// unwritten filters targets down to chapters that have no content
func (o *Orchestrator) unwritten(ctx context.Context, taskID uuid.UUID, targets []types.ChapterTarget) ([]types.ChapterTarget, error) {
	written, err := o.writtenOrders(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []types.ChapterTarget
	for _, t := range targets {
		if !written[t.Node.Order] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (o *Orchestrator) writtenOrders(ctx context.Context, taskID uuid.UUID) (map[int]bool, error) {
	chapters, err := o.content.ListChapters(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	written := make(map[int]bool, len(chapters))
	for _, ch := range chapters {
		if ch.HasContent() {
			written[ch.Order] = true
		}
	}
	return written, nil
}

func (o *Orchestrator) countWritten(ctx context.Context, taskID uuid.UUID) (int, error) {
	written, err := o.writtenOrders(ctx, taskID)
	return len(written), err
}

// GenerateChapters regenerates the selected chapters concurrently without
// finishing stage 4. Unit failures are reported in the summary.
func (o *Orchestrator) GenerateChapters(ctx context.Context, taskID uuid.UUID, sel types.ChapterSelection) (*BatchResult, error) {
	var targets []types.ChapterTarget

	op, err := o.begin(ctx, taskID, types.OperationBatch, func(task *types.Task) (*plan, error) {
		if err := requireContentStage(task); err != nil {
			return nil, err
		}
		if !sel.GenerateAll && len(sel.ChapterIDs) == 0 {
			return nil, newError(CodeValidation, taskID, types.StageContent, "select chapters or set generate_all").withField("chapter_ids")
		}
		promptID, err := o.resolvePrompt(task, types.StageContent)
		if err != nil {
			return nil, err
		}

		all, err := o.chapterTargets(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if sel.GenerateAll {
			targets = all
		} else {
			targets, err = selectTargets(taskID, all, sel.ChapterIDs)
			if err != nil {
				return nil, err
			}
		}
		if len(targets) == 0 {
			return nil, newError(CodeStageNotCompleted, taskID, types.StageContent, "the outline has no chapters")
		}
		return &plan{stage: types.StageContent, promptID: promptID, input: sel}, nil
	})
	if err != nil {
		return nil, err
	}

	summary := o.batch.GenerateChapters(op.ctx, op.snapshot, targets, op.promptID, o.progressReporter(op))
	usage := Usage{InputChars: summary.CharactersConsumed, ModelID: op.snapshot.TaskConfig.ModelID}

	task, err := o.finish(op, nil, usage, func(ctx context.Context, task *types.Task) (any, error) {
		out := types.ContentOutput{Summary: summary}
		if err := task.ProcessedData.Merge(out); err != nil {
			return nil, err
		}
		return out, nil
	})
	return &BatchResult{Task: task, Summary: summary, Record: op.record}, err
}

// selectTargets matches ids against chapter outline node ids and the ids
// of the chapters they produced
func selectTargets(taskID uuid.UUID, all []types.ChapterTarget, ids []uuid.UUID) ([]types.ChapterTarget, error) {
	var out []types.ChapterTarget
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		i := slices.IndexFunc(all, func(t types.ChapterTarget) bool {
			return t.Node.ID == id || (t.Node.ChapterID != nil && *t.Node.ChapterID == id)
		})
		if i < 0 {
			return nil, newError(CodeValidation, taskID, types.StageContent, "chapter %s is not part of the outline", id).withField("chapter_ids")
		}
		if seen[all[i].Node.ID] {
			continue
		}
		seen[all[i].Node.ID] = true
		out = append(out, all[i])
	}
	return out, nil
}

// GenerateNextChapter runs one stepwise cycle. Order 0 selects the first
// chapter without content; repeating an order overwrites that chapter.
func (o *Orchestrator) GenerateNextChapter(ctx context.Context, taskID uuid.UUID, order int) (*types.StepwiseResult, error) {
	var (
		target         types.ChapterTarget
		all            []types.ChapterTarget
		reviewPromptID int64
	)

	op, err := o.begin(ctx, taskID, types.OperationStepwise, func(task *types.Task) (*plan, error) {
		if err := requireContentStage(task); err != nil {
			return nil, err
		}
		promptID, err := o.resolvePrompt(task, types.StageContent)
		if err != nil {
			return nil, err
		}
		if id, err := o.resolvePrompt(task, types.StageReview); err == nil {
			reviewPromptID = id
		}

		all, err = o.chapterTargets(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if order <= 0 {
			pending, err := o.unwritten(ctx, taskID, all)
			if err != nil {
				return nil, err
			}
			if len(pending) == 0 {
				return nil, newError(CodeValidation, taskID, types.StageContent, "every chapter has content; continue to finish the stage").withField("order")
			}
			target = pending[0]
		} else {
			i := slices.IndexFunc(all, func(t types.ChapterTarget) bool { return t.Node.Order == order })
			if i < 0 {
				return nil, newError(CodeValidation, taskID, types.StageContent, "no chapter outline at order %d", order).withField("order")
			}
			target = all[i]
		}
		return &plan{stage: types.StageContent, promptID: promptID, input: map[string]any{"order": target.Node.Order}}, nil
	})
	if err != nil {
		return nil, err
	}

	result, usage, runErr := o.stepwise.Run(op.ctx, op.snapshot, target, op.promptID, reviewPromptID)
	_, err = o.finish(op, runErr, usage, func(ctx context.Context, task *types.Task) (any, error) {
		task.LastStepwiseOrder = target.Node.Order
		result.NextChapterOrder = nextOrder(all, target.Node.Order)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ContinueNextChapter generates the chapter after the last stepwise one.
// When none remains it finalizes stage 4 and reports StageFinished.
func (o *Orchestrator) ContinueNextChapter(ctx context.Context, taskID uuid.UUID) (*types.StepwiseResult, error) {
	var (
		target   *types.ChapterTarget
		all      []types.ChapterTarget
		reviewID int64
	)

	op, err := o.begin(ctx, taskID, types.OperationStepwise, func(task *types.Task) (*plan, error) {
		if err := requireContentStage(task); err != nil {
			return nil, err
		}
		promptID, err := o.resolvePrompt(task, types.StageContent)
		if err != nil {
			return nil, err
		}
		if id, err := o.resolvePrompt(task, types.StageReview); err == nil {
			reviewID = id
		}

		all, err = o.chapterTargets(ctx, taskID)
		if err != nil {
			return nil, err
		}
		pending, err := o.unwritten(ctx, taskID, all)
		if err != nil {
			return nil, err
		}

		if task.LastStepwiseOrder == 0 {
			if len(pending) > 0 {
				target = &pending[0]
			}
		} else if i := slices.IndexFunc(all, func(t types.ChapterTarget) bool { return t.Node.Order == task.LastStepwiseOrder+1 }); i >= 0 {
			target = &all[i]
		}

		if target == nil && len(pending) > 0 {
			orders := make([]string, len(pending))
			for i, p := range pending {
				orders[i] = fmt.Sprint(p.Node.Order)
			}
			return nil, newError(CodeValidation, taskID, types.StageContent,
				"chapters %s have no content; generate them before finishing the stage", strings.Join(orders, ", ")).withField("order")
		}
		input := map[string]any{"finalize": target == nil}
		if target != nil {
			input["order"] = target.Node.Order
		}
		return &plan{stage: types.StageContent, promptID: promptID, input: input}, nil
	})
	if err != nil {
		return nil, err
	}

	if target == nil {
		return o.finalizeContent(op)
	}

	result, usage, runErr := o.stepwise.Run(op.ctx, op.snapshot, *target, op.promptID, reviewID)
	_, err = o.finish(op, runErr, usage, func(ctx context.Context, task *types.Task) (any, error) {
		task.LastStepwiseOrder = target.Node.Order
		result.NextChapterOrder = nextOrder(all, target.Node.Order)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) finalizeContent(op *operation) (*types.StepwiseResult, error) {
	result := &types.StepwiseResult{StageFinished: true}
	_, err := o.finish(op, nil, Usage{}, func(ctx context.Context, task *types.Task) (any, error) {
		written, err := o.countWritten(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		out := types.ContentOutput{Summary: types.GenerationSummary{
			ChaptersWritten: written,
			FailedChapters:  []types.FailedChapter{},
		}}
		if err := task.ProcessedData.Merge(out); err != nil {
			return nil, err
		}
		tr, err := steps.AfterCompletion(types.StageContent, task.TaskConfig.ReviewEnabled)
		if err != nil {
			return nil, err
		}
		task.Lifecycle = tr.Lifecycle
		task.CurrentStage = tr.Stage
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func nextOrder(all []types.ChapterTarget, order int) int {
	for _, t := range all {
		if t.Node.Order == order+1 {
			return t.Node.Order
		}
	}
	return 0
}

// OptimizeChapter rewrites one chapter from feedback and/or a review report
func (o *Orchestrator) OptimizeChapter(ctx context.Context, taskID, chapterID uuid.UUID, feedback string, report *types.ReviewReport) (*types.Chapter, error) {
	feedback = strings.TrimSpace(feedback)
	var chapter *types.Chapter

	op, err := o.begin(ctx, taskID, types.OperationOptimizeChapter, func(task *types.Task) (*plan, error) {
		if task.Lifecycle == types.LifecyclePaused {
			return nil, newError(CodeInvalidTransition, taskID, types.StageContent, "task is paused; resume it before optimizing")
		}
		if feedback == "" && report == nil {
			return nil, newError(CodeValidation, taskID, types.StageContent, "feedback or a review report is required").withField("feedback")
		}
		ch, err := o.content.GetChapter(ctx, taskID, chapterID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chapter: %w", err)
		}
		if ch == nil {
			return nil, notFound(taskID, "chapter %s does not exist", chapterID)
		}
		if !ch.HasContent() {
			return nil, newError(CodeStageNotCompleted, taskID, types.StageContent, "chapter %d has no content to optimize", ch.Order)
		}
		chapter = ch
		return &plan{stage: types.StageContent, input: map[string]any{"chapter_id": chapterID, "feedback": feedback}}, nil
	})
	if err != nil {
		return nil, err
	}

	text, usage, runErr := o.executor.OptimizeChapter(op.ctx, op.snapshot, chapter, feedback, report)
	_, err = o.finish(op, runErr, usage, func(ctx context.Context, task *types.Task) (any, error) {
		chapter.Content = text
		chapter.WordCount = rendering.ChapterWordCount(text)
		chapter.UpdatedAt = time.Now().UTC()
		if err := o.content.UpsertChapter(ctx, chapter); err != nil {
			return nil, fmt.Errorf("failed to store chapter: %w", err)
		}
		if chapter.OutlineNodeID != nil {
			node, err := o.content.GetOutlineNode(ctx, taskID, *chapter.OutlineNodeID)
			if err != nil {
				return nil, err
			}
			if node != nil {
				node.Status = types.OutlineStatusOptimized
				node.UpdatedAt = chapter.UpdatedAt
				if err := o.content.UpdateOutlineNode(ctx, node); err != nil {
					return nil, err
				}
			}
		}
		return map[string]any{"chapter_id": chapter.ID, "word_count": chapter.WordCount}, nil
	})
	if err != nil {
		return nil, err
	}
	return chapter, nil
}

// GetOutline returns the outline tree of a task
func (o *Orchestrator) GetOutline(ctx context.Context, taskID uuid.UUID) ([]types.OutlineNode, error) {
	if _, err := o.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.content.GetOutline(ctx, taskID)
}

// ListChapters returns the chapters of a task by order
func (o *Orchestrator) ListChapters(ctx context.Context, taskID uuid.UUID) ([]types.Chapter, error) {
	if _, err := o.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.content.ListChapters(ctx, taskID)
}

// GetChapter returns one chapter of a task
func (o *Orchestrator) GetChapter(ctx context.Context, taskID, chapterID uuid.UUID) (*types.Chapter, error) {
	if _, err := o.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	chapter, err := o.content.GetChapter(ctx, taskID, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter %s: %w", chapterID, err)
	}
	if chapter == nil {
		return nil, notFound(taskID, "chapter %s does not exist", chapterID)
	}
	return chapter, nil
}

// UpdateOutlineNode applies a human edit to an outline node
func (o *Orchestrator) UpdateOutlineNode(ctx context.Context, taskID, nodeID uuid.UUID, upd OutlineNodeUpdate) (*types.OutlineNode, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Lifecycle.Terminal() {
		return nil, terminated(task)
	}
	if upd.Title == nil && upd.Content == nil {
		return nil, newError(CodeValidation, taskID, types.StageOutline, "nothing to update").withField("title")
	}

	node, err := o.content.GetOutlineNode(ctx, taskID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outline node: %w", err)
	}
	if node == nil {
		return nil, notFound(taskID, "outline node %s does not exist", nodeID)
	}

	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return nil, newError(CodeValidation, taskID, types.StageOutline, "title must not be empty").withField("title")
		}
		node.Title = title
	}
	if upd.Content != nil {
		node.Content = *upd.Content
		if node.Status == types.OutlineStatusDraft {
			node.Status = types.OutlineStatusOptimized
		}
	}
	node.UpdatedAt = time.Now().UTC()
	if err := o.content.UpdateOutlineNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to update outline node: %w", err)
	}
	return node, nil
}

// SyncOutlineToNovel materializes volumes and chapter placeholders from
// the outline. Existing chapter content is preserved.
func (o *Orchestrator) SyncOutlineToNovel(ctx context.Context, taskID uuid.UUID) (*SyncResult, error) {
	unlock := o.lock(taskID)
	defer unlock()

	if _, err := o.mutable(ctx, taskID); err != nil {
		return nil, err
	}
	return o.syncOutline(ctx, taskID)
}

func (o *Orchestrator) syncOutline(ctx context.Context, taskID uuid.UUID) (*SyncResult, error) {
	nodes, err := o.content.GetOutline(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outline: %w", err)
	}
	if len(nodes) == 0 {
		return nil, newError(CodeStageNotCompleted, taskID, types.StageOutline, "the task has no outline to sync")
	}

	now := time.Now().UTC()
	res := &SyncResult{}
	volumes := make(map[uuid.UUID]uuid.UUID)
	for i := range nodes {
		n := &nodes[i]
		if n.Level != types.OutlineLevelVolume {
			continue
		}
		v := &types.Volume{
			ID:            uuid.New(),
			TaskID:        taskID,
			OutlineNodeID: &n.ID,
			Order:         n.Order,
			Title:         n.Title,
			Summary:       n.Content,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.content.UpsertVolume(ctx, v); err != nil {
			return nil, fmt.Errorf("failed to store volume %d: %w", n.Order, err)
		}
		volumes[n.ID] = v.ID
		n.VolumeID = &v.ID
		if err := o.content.UpdateOutlineNode(ctx, n); err != nil {
			return nil, err
		}
		res.Volumes++
	}

	for i := range nodes {
		n := &nodes[i]
		if n.Level != types.OutlineLevelChapter {
			continue
		}
		ch, err := o.content.GetChapterByOrder(ctx, taskID, n.Order)
		if err != nil {
			return nil, fmt.Errorf("failed to load chapter %d: %w", n.Order, err)
		}
		if ch == nil {
			ch = &types.Chapter{ID: uuid.New(), TaskID: taskID, Order: n.Order, CreatedAt: now}
		}
		ch.Title = n.Title
		ch.OutlineNodeID = &n.ID
		ch.UpdatedAt = now
		if n.ParentID != nil {
			if vid, ok := volumes[*n.ParentID]; ok {
				ch.VolumeID = &vid
				n.VolumeID = &vid
			}
		}
		if err := o.content.UpsertChapter(ctx, ch); err != nil {
			return nil, fmt.Errorf("failed to store chapter %d: %w", n.Order, err)
		}
		n.ChapterID = &ch.ID
		if err := o.content.UpdateOutlineNode(ctx, n); err != nil {
			return nil, err
		}
		res.Chapters++
	}
	return res, nil
}
