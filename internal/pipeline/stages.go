package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/pipeline/steps"
	"github.com/jonathan/novel-creator/internal/types"
)

// ExecuteResult is returned by stage execution and optimization
type ExecuteResult struct {
	Task   *types.Task        `json:"task"`
	Stage  types.StageType    `json:"stage"`
	Record *types.StageRecord `json:"record,omitempty"`
	Usage  Usage              `json:"usage"`
}

// stageRun is the uncommitted result of running a stage
type stageRun struct {
	output   types.StageOutput
	exchange []types.Message
	usage    Usage
	// advance is false when the stage produced output but must not move on
	advance bool
}

// ExecuteStage runs the task's current stage in buffered mode. When the
// task is waiting for continue, this is the continue gesture: the task
// moves to the next stage and runs it. A non-empty stage must name the
// stage that will run.
func (o *Orchestrator) ExecuteStage(ctx context.Context, taskID uuid.UUID, stage types.StageType) (*ExecuteResult, error) {
	return o.execute(ctx, taskID, stage, nil)
}

// ExecuteStageStream is ExecuteStage with output forwarded to onChunk as it
// arrives. Only single-call stages stream.
func (o *Orchestrator) ExecuteStageStream(ctx context.Context, taskID uuid.UUID, stage types.StageType, onChunk llm.ChunkFunc) (*ExecuteResult, error) {
	if onChunk == nil {
		return nil, newError(CodeValidation, taskID, stage, "a chunk callback is required for streaming")
	}
	return o.execute(ctx, taskID, stage, onChunk)
}

func (o *Orchestrator) execute(ctx context.Context, taskID uuid.UUID, requested types.StageType, onChunk llm.ChunkFunc) (*ExecuteResult, error) {
	op, err := o.begin(ctx, taskID, types.OperationExecute, func(task *types.Task) (*plan, error) {
		if task.Lifecycle == types.LifecyclePaused {
			return nil, newError(CodeInvalidTransition, taskID, task.CurrentStage, "task is paused; resume it before executing")
		}

		stage := task.CurrentStage
		continuing := task.Lifecycle == types.LifecycleWaitingForContinue
		if continuing {
			next, err := steps.ContinueTarget(task.CurrentStage)
			if err != nil {
				return nil, newError(CodeInvalidTransition, taskID, task.CurrentStage, "%v", err)
			}
			stage = next
		}
		if requested != "" && requested != stage {
			return nil, newError(CodeStageMismatch, taskID, requested, "task is ready to run %s, not %s", stage, requested).withField("stage")
		}

		def, err := steps.Lookup(stage)
		if err != nil {
			return nil, newError(CodeValidation, taskID, stage, "%v", err)
		}
		if onChunk != nil && !def.Streamable {
			return nil, newError(CodeValidation, taskID, stage, "stage %s does not support streaming", stage).withField("stage")
		}
		if stage == types.StageOutline && task.AwaitingTitleSelection {
			return nil, newError(CodeValidation, taskID, stage, "select a title before generating the outline").withField("selectedTitle")
		}
		if err := steps.ValidateDependencies(stage, &task.ProcessedData); err != nil {
			return nil, newError(CodeStageNotCompleted, taskID, stage, "%v", err).withCause(err)
		}
		promptID, err := o.resolvePrompt(task, stage)
		if err != nil {
			return nil, err
		}

		if continuing {
			task.Lifecycle = types.LifecycleRunning
			task.CurrentStage = stage
		}
		return &plan{
			stage:    stage,
			promptID: promptID,
			input:    map[string]any{"prompt_id": promptID, "streamed": onChunk != nil},
			save:     continuing,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	run, runErr := o.runStage(op, onChunk)
	task, err := o.finish(op, runErr, run.usage, func(ctx context.Context, task *types.Task) (any, error) {
		if err := o.commitOutput(ctx, task, run.output, run.exchange); err != nil {
			return nil, err
		}
		if op.stage == types.StageTitle {
			task.AwaitingTitleSelection = true
		}
		if run.advance {
			tr, err := steps.AfterCompletion(op.stage, task.TaskConfig.ReviewEnabled)
			if err != nil {
				return nil, err
			}
			task.Lifecycle = tr.Lifecycle
			task.CurrentStage = tr.Stage
		}
		return run.output, nil
	})
	return &ExecuteResult{Task: task, Stage: op.stage, Record: op.record, Usage: run.usage}, err
}

func (o *Orchestrator) runStage(op *operation, onChunk llm.ChunkFunc) (stageRun, error) {
	switch op.stage {
	case types.StageContent:
		return o.runContentStage(op)
	case types.StageReview:
		return o.runReviewStage(op)
	}

	res, err := o.executor.RunStage(op.ctx, op.snapshot, op.stage, op.promptID, onChunk)
	if err != nil {
		return stageRun{}, err
	}
	return stageRun{output: res.Output, exchange: res.Exchange, usage: res.Usage, advance: true}, nil
}

// runContentStage generates every chapter that has no content yet. A batch
// with failures commits its summary but does not advance the stage.
func (o *Orchestrator) runContentStage(op *operation) (stageRun, error) {
	targets, err := o.chapterTargets(op.ctx, op.taskID)
	if err != nil {
		return stageRun{}, err
	}
	pending, err := o.unwritten(op.ctx, op.taskID, targets)
	if err != nil {
		return stageRun{}, err
	}

	summary := o.batch.GenerateChapters(op.ctx, op.snapshot, pending, op.promptID, o.progressReporter(op))
	usage := Usage{InputChars: summary.CharactersConsumed, ModelID: op.snapshot.TaskConfig.ModelID}
	if summary.TotalGenerated == 0 && summary.TotalFailed > 0 {
		first := summary.FailedChapters[0]
		if first.Err != nil {
			return stageRun{usage: usage}, first.Err
		}
		return stageRun{usage: usage}, errors.New(first.Error)
	}

	// Chapters written by earlier batches or stepwise cycles count too
	written, err := o.countWritten(op.ctx, op.taskID)
	if err != nil {
		return stageRun{usage: usage}, err
	}
	summary.ChaptersWritten = written
	return stageRun{
		output:  types.ContentOutput{Summary: summary},
		usage:   usage,
		advance: summary.TotalFailed == 0,
	}, nil
}

// runReviewStage reviews every written chapter under the concurrency limit
func (o *Orchestrator) runReviewStage(op *operation) (stageRun, error) {
	chapters, err := o.content.ListChapters(op.ctx, op.taskID)
	if err != nil {
		return stageRun{}, err
	}
	written := chapters[:0]
	for _, ch := range chapters {
		if ch.HasContent() {
			written = append(written, ch)
		}
	}
	if len(written) == 0 {
		return stageRun{}, &OutputError{Stage: types.StageReview, Message: "no chapter has content to review"}
	}

	outlines := make(map[uuid.UUID]string)
	if nodes, err := o.content.GetOutline(op.ctx, op.taskID); err == nil {
		for _, n := range nodes {
			outlines[n.ID] = n.Content
		}
	}

	limit := op.snapshot.TaskConfig.ConcurrencyLimit
	if limit <= 0 {
		limit = types.DefaultConcurrencyLimit
	}

	type result struct {
		report   *types.ReviewReport
		consumed int64
		err      error
	}
	results := make([]result, len(written))
	var (
		mu   sync.Mutex
		done int
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for i, ch := range written {
		g.Go(func() error {
			if err := op.ctx.Err(); err != nil {
				results[i] = result{err: err}
				return nil
			}
			outline := ""
			if ch.OutlineNodeID != nil {
				outline = outlines[*ch.OutlineNodeID]
			}
			report, consumed, err := o.reviewer.Review(op.ctx, types.ReviewRequest{
				Chapter:        ch,
				NovelTitle:     novelTitle(&op.snapshot.ProcessedData),
				ChapterOutline: outline,
				PromptID:       op.promptID,
				ModelID:        op.snapshot.TaskConfig.ModelID,
				Temperature:    op.snapshot.TaskConfig.EffectiveTemperature(),
			})
			if report != nil {
				report.ChapterID = ch.ID
			}
			results[i] = result{report: report, consumed: consumed, err: err}

			mu.Lock()
			done++
			o.publish(op.taskID, types.EventStageProgress, op.stage,
				types.Progress(done, len(written), fmt.Sprintf("reviewed chapter %d", ch.Order)))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var (
		usage    Usage
		summary  types.ReviewSummary
		total    float64
		firstErr error
	)
	for _, r := range results {
		usage.InputChars += r.consumed
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		summary.Reports = append(summary.Reports, *r.report)
		summary.ChaptersReviewed++
		summary.IssueCount += len(r.report.Issues)
		total += r.report.Score
	}
	if summary.ChaptersReviewed == 0 {
		return stageRun{usage: usage}, firstErr
	}
	summary.AverageScore = total / float64(summary.ChaptersReviewed)
	return stageRun{output: types.ReviewOutput{Summary: summary}, usage: usage, advance: true}, nil
}

func (o *Orchestrator) progressReporter(op *operation) func(ChapterProgress) {
	return func(p ChapterProgress) {
		data := types.Progress(p.Done, p.Total, "chapter generated")
		if p.Chapter != nil {
			data.Message = fmt.Sprintf("chapter %d generated", p.Chapter.Order)
			data.Result = p.Chapter
		}
		if p.Err != nil {
			data.Message = "chapter failed"
			data.Error = p.Err.Error()
		}
		o.publish(op.taskID, types.EventStageProgress, types.StageContent, data)
	}
}

// commitOutput merges a stage output into the task. The outline stage also
// replaces the stored outline tree and materializes it.
func (o *Orchestrator) commitOutput(ctx context.Context, task *types.Task, out types.StageOutput, exchange []types.Message) error {
	if oo, ok := out.(types.OutlineOutput); ok {
		if err := o.content.ReplaceOutline(ctx, task.ID, oo.Nodes); err != nil {
			return fmt.Errorf("failed to store outline: %w", err)
		}
		if _, err := o.syncOutline(ctx, task.ID); err != nil {
			return err
		}
	}
	if err := task.ProcessedData.Merge(out); err != nil {
		return err
	}
	task.Conversation = append(task.Conversation, exchange...)
	return nil
}

// OptimizeStage rewrites the output of a completed stage from feedback.
// The task's stage and lifecycle do not change.
func (o *Orchestrator) OptimizeStage(ctx context.Context, taskID uuid.UUID, stage types.StageType, feedback string) (*ExecuteResult, error) {
	return o.optimize(ctx, taskID, stage, feedback, nil)
}

// OptimizeStageStream is OptimizeStage with output forwarded to onChunk
func (o *Orchestrator) OptimizeStageStream(ctx context.Context, taskID uuid.UUID, stage types.StageType, feedback string, onChunk llm.ChunkFunc) (*ExecuteResult, error) {
	if onChunk == nil {
		return nil, newError(CodeValidation, taskID, stage, "a chunk callback is required for streaming")
	}
	return o.optimize(ctx, taskID, stage, feedback, onChunk)
}

func (o *Orchestrator) optimize(ctx context.Context, taskID uuid.UUID, stage types.StageType, feedback string, onChunk llm.ChunkFunc) (*ExecuteResult, error) {
	feedback = strings.TrimSpace(feedback)

	op, err := o.begin(ctx, taskID, types.OperationOptimize, func(task *types.Task) (*plan, error) {
		if feedback == "" {
			return nil, newError(CodeValidation, taskID, stage, "feedback is required").withField("feedback")
		}
		def, err := steps.Lookup(stage)
		if err != nil {
			return nil, newError(CodeValidation, taskID, stage, "%v", err).withField("stage")
		}
		if !def.Optimizable {
			return nil, newError(CodeValidation, taskID, stage, "stage %s cannot be optimized as a whole; optimize individual chapters instead", stage).withField("stage")
		}
		if task.Lifecycle == types.LifecyclePaused {
			return nil, newError(CodeInvalidTransition, taskID, stage, "task is paused; resume it before optimizing")
		}
		if !task.ProcessedData.HasOutput(stage) {
			return nil, newError(CodeStageNotCompleted, taskID, stage, "stage %s has no output to optimize", stage)
		}
		return &plan{stage: stage, input: map[string]any{"feedback": feedback, "streamed": onChunk != nil}}, nil
	})
	if err != nil {
		return nil, err
	}

	var (
		res    *StageResult
		runErr error
	)
	var nodes []types.OutlineNode
	if stage == types.StageOutline {
		nodes, runErr = o.content.GetOutline(op.ctx, taskID)
	}
	if runErr == nil {
		var previous string
		previous, runErr = previousOutput(stage, &op.snapshot.ProcessedData, nodes)
		if runErr == nil {
			res, runErr = o.executor.OptimizeStage(op.ctx, op.snapshot, stage, previous, feedback, onChunk)
		}
	}
	var usage Usage
	if res != nil {
		usage = res.Usage
	}

	task, err := o.finish(op, runErr, usage, func(ctx context.Context, task *types.Task) (any, error) {
		if err := o.commitOutput(ctx, task, res.Output, res.Exchange); err != nil {
			return nil, err
		}
		// New candidates must be chosen from again before the outline runs
		if stage == types.StageTitle && task.CurrentStage == types.StageTitle {
			task.ProcessedData.SelectedTitle = ""
			task.AwaitingTitleSelection = true
		}
		return res.Output, nil
	})
	return &ExecuteResult{Task: task, Stage: stage, Record: op.record, Usage: usage}, err
}
