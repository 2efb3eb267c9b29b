// Package pipeline implements the stage orchestration engine: the state
// machine that drives a task through the five creative writing stages.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/novel-creator/internal/types"
)

var validate = validator.New()

// Options wires the orchestrator to its collaborators. Publisher is optional.
type Options struct {
	Tasks     TaskStore
	Content   ContentStore
	Invoker   Invoker
	Catalog   PromptCatalog
	Reviewer  Reviewer
	Publisher Publisher
}

// claim marks a long running operation on a task. The model call runs
// outside the task lock; version is the task version the claim was taken at.
type claim struct {
	cancel  context.CancelFunc
	version int64
	kind    types.StageOperation
}

// Orchestrator is the single writer of task state. Operations on one task
// are serialized by a per-task mutex and at most one claim per task.
type Orchestrator struct {
	tasks     TaskStore
	content   ContentStore
	catalog   PromptCatalog
	reviewer  Reviewer
	publisher Publisher
	executor  *Executor
	batch     *ChapterBatchRunner
	stepwise  *StepwiseChapterCycle

	mu       sync.Mutex
	locks    map[uuid.UUID]*sync.Mutex
	inflight map[uuid.UUID]*claim
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Tasks == nil:
		return nil, fmt.Errorf("task store is required")
	case opts.Content == nil:
		return nil, fmt.Errorf("content store is required")
	case opts.Invoker == nil:
		return nil, fmt.Errorf("invoker is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("prompt catalog is required")
	case opts.Reviewer == nil:
		return nil, fmt.Errorf("reviewer is required")
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}

	executor := NewExecutor(opts.Invoker)
	return &Orchestrator{
		tasks:     opts.Tasks,
		content:   opts.Content,
		catalog:   opts.Catalog,
		reviewer:  opts.Reviewer,
		publisher: publisher,
		executor:  executor,
		batch:     NewChapterBatchRunner(executor, opts.Content),
		stepwise:  NewStepwiseChapterCycle(executor, opts.Content, opts.Reviewer),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		inflight:  make(map[uuid.UUID]*claim),
	}, nil
}

func (o *Orchestrator) lock(taskID uuid.UUID) func() {
	o.mu.Lock()
	m, ok := o.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[taskID] = m
	}
	o.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (o *Orchestrator) claimFor(taskID uuid.UUID) *claim {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[taskID]
}

func (o *Orchestrator) setClaim(taskID uuid.UUID, c *claim) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c == nil {
		delete(o.inflight, taskID)
		return
	}
	o.inflight[taskID] = c
}

// InFlight reports whether a long running operation holds the task
func (o *Orchestrator) InFlight(taskID uuid.UUID) bool {
	return o.claimFor(taskID) != nil
}

func (o *Orchestrator) publish(taskID uuid.UUID, kind types.EventType, stage types.StageType, data types.EventData) {
	o.publisher.Publish(taskID, types.NewEvent(kind, taskID, stage, data))
}

func (o *Orchestrator) loadTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	task, err := o.tasks.LoadTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil, notFound(taskID, "task %s does not exist", taskID)
	}
	return task, nil
}

func (o *Orchestrator) saveTask(ctx context.Context, task *types.Task) error {
	task.UpdatedAt = time.Now().UTC()
	if err := o.tasks.SaveTask(ctx, task); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return newError(CodeConcurrencyConflict, task.ID, "", "task was modified concurrently; reload and retry").withCause(err)
		}
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// mutable loads a task that is not terminal and not held by a claim
func (o *Orchestrator) mutable(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Lifecycle.Terminal() {
		return nil, terminated(task)
	}
	if o.InFlight(taskID) {
		return nil, busy(task)
	}
	return task, nil
}

func terminated(task *types.Task) *Error {
	return newError(CodeTaskTerminated, task.ID, "", "task is %s and accepts no further operations", task.Lifecycle)
}

func busy(task *types.Task) *Error {
	return newError(CodeConcurrencyConflict, task.ID, task.CurrentStage, "another operation is in progress on this task; retry when it finishes")
}

// plan is what an operation validated under the task lock
type plan struct {
	stage    types.StageType
	promptID int64
	input    any
	// save persists changes prepare made to the task before the claim
	save bool
}

// operation is a claimed long running operation
type operation struct {
	ctx      context.Context
	taskID   uuid.UUID
	kind     types.StageOperation
	stage    types.StageType
	promptID int64
	snapshot *types.Task
	record   *types.StageRecord
	claim    *claim
}

// begin validates under the task lock, appends a processing stage record
// and registers the claim. The returned operation context is cancelled by
// pause and cancel.
func (o *Orchestrator) begin(ctx context.Context, taskID uuid.UUID, kind types.StageOperation, prepare func(task *types.Task) (*plan, error)) (*operation, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.mutable(ctx, taskID)
	if err != nil {
		return nil, err
	}

	p, err := prepare(task)
	if err != nil {
		return nil, err
	}
	if p.save {
		if err := o.saveTask(ctx, task); err != nil {
			return nil, err
		}
	}

	records, err := o.tasks.ListStageRecords(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	// No claim is in flight here, so a processing record was left by a
	// process that stopped mid-generation
	for i := range records {
		if records[i].Status == types.StageRecordProcessing {
			log.Printf("[pipeline] task %s: closing abandoned %s record %s", taskID, records[i].StageType, records[i].ID)
			o.failRecord(ctx, &records[i], "abandoned; generation did not finish", true)
		}
	}
	retries := 0
	if kind == types.OperationExecute {
		retries = types.CountedFailures(records, p.stage)
	}

	now := time.Now().UTC()
	record := &types.StageRecord{
		ID:         uuid.New(),
		TaskID:     taskID,
		StageType:  p.stage,
		Operation:  kind,
		Status:     types.StageRecordPending,
		Input:      snapshotJSON(p.input),
		PromptID:   p.promptID,
		RetryCount: retries,
		CreatedAt:  now,
	}
	if err := o.tasks.AppendStageRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append stage record: %w", err)
	}
	record.Status = types.StageRecordProcessing
	record.StartedAt = &now
	if err := o.tasks.UpdateStageRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to start stage record: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &claim{cancel: cancel, version: task.Version, kind: kind}
	o.setClaim(taskID, c)

	log.Printf("[pipeline] task %s: %s %s started", taskID, kind, p.stage)
	o.publish(taskID, types.EventStageStarted, p.stage, types.EventData{Message: string(kind)})

	return &operation{
		ctx:      runCtx,
		taskID:   taskID,
		kind:     kind,
		stage:    p.stage,
		promptID: p.promptID,
		snapshot: task.Clone(),
		record:   record,
		claim:    c,
	}, nil
}

// finish commits or discards the result of a claimed operation. commit
// mutates the reloaded task and returns the record output; finish saves.
func (o *Orchestrator) finish(op *operation, runErr error, usage Usage, commit func(ctx context.Context, task *types.Task) (any, error)) (*types.Task, error) {
	unlock := o.lock(op.taskID)
	defer unlock()

	cancelled := op.ctx.Err() != nil
	op.claim.cancel()
	if o.claimFor(op.taskID) == op.claim {
		o.setClaim(op.taskID, nil)
	}

	// Store writes must survive a disconnected caller
	ctx := context.WithoutCancel(op.ctx)

	task, err := o.tasks.LoadTask(ctx, op.taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task %s: %w", op.taskID, err)
	}

	if task == nil || task.Version != op.claim.version || cancelled || errors.Is(runErr, context.Canceled) {
		// Chapters are persisted as they finish, so what they consumed is kept with them
		kept := task != nil && op.stage == types.StageContent && op.kind != types.OperationOptimizeChapter && usage.Consumed() > 0
		message := "interrupted before completion; partial output discarded"
		if kept {
			task.AddConsumption(usage.Consumed())
			if err := o.saveTask(ctx, task); err != nil {
				log.Printf("[pipeline] task %s: failed to save consumption after interruption: %v", op.taskID, err)
			}
			op.record.CharactersConsumed = usage.Consumed()
			message = "interrupted before completion; chapters already written were kept"
		}
		o.failRecord(ctx, op.record, message, true)
		log.Printf("[pipeline] task %s: %s %s interrupted", op.taskID, op.kind, op.stage)
		return task, interrupted(op, task, kept)
	}

	if runErr != nil {
		return o.fail(ctx, op, task, runErr, usage)
	}

	output, err := commit(ctx, task)
	if err != nil {
		return o.fail(ctx, op, task, err, usage)
	}
	task.AddConsumption(usage.Consumed())
	if err := o.saveTask(ctx, task); err != nil {
		o.failRecord(ctx, op.record, err.Error(), true)
		return task, err
	}

	now := time.Now().UTC()
	op.record.Status = types.StageRecordCompleted
	op.record.Output = snapshotJSON(output)
	op.record.CharactersConsumed = usage.Consumed()
	op.record.CompletedAt = &now
	if err := o.tasks.UpdateStageRecord(ctx, op.record); err != nil {
		log.Printf("[pipeline] task %s: failed to complete stage record %s: %v", op.taskID, op.record.ID, err)
	}

	log.Printf("[pipeline] task %s: %s %s completed (%d chars)", op.taskID, op.kind, op.stage, usage.Consumed())
	o.publishCompletion(op, task, output)
	return task, nil
}

// fail records a failed attempt. Only execute attempts count toward the
// retry limit; reaching it fails the task.
func (o *Orchestrator) fail(ctx context.Context, op *operation, task *types.Task, cause error, usage Usage) (*types.Task, error) {
	pe := upstreamError(cause, op.taskID, op.stage)
	o.failRecord(ctx, op.record, pe.Message, false)

	task.AddConsumption(usage.Consumed())
	exhausted := op.kind == types.OperationExecute && op.record.RetryCount >= task.TaskConfig.MaxRetries
	if exhausted {
		task.Lifecycle = types.LifecycleFailed
	}
	if exhausted || usage.Consumed() > 0 {
		if err := o.saveTask(ctx, task); err != nil {
			log.Printf("[pipeline] task %s: failed to save after failure: %v", op.taskID, err)
		}
	}

	log.Printf("[pipeline] task %s: %s %s failed (attempt %d): %v", op.taskID, op.kind, op.stage, op.record.RetryCount, cause)
	if exhausted {
		o.publish(op.taskID, types.EventTaskFailed, op.stage, types.EventData{Error: pe.Message, Message: "retries exhausted"})
	} else {
		o.publish(op.taskID, types.EventError, op.stage, types.EventData{Error: pe.Message})
	}
	return task, pe
}

func (o *Orchestrator) failRecord(ctx context.Context, record *types.StageRecord, message string, interrupted bool) {
	now := time.Now().UTC()
	record.Status = types.StageRecordFailed
	record.ErrorMessage = message
	record.Interrupted = interrupted
	record.CompletedAt = &now
	if !interrupted {
		record.RetryCount++
	}
	if err := o.tasks.UpdateStageRecord(ctx, record); err != nil {
		log.Printf("[pipeline] task %s: failed to update stage record %s: %v", record.TaskID, record.ID, err)
	}
}

// interrupted explains why a claimed operation was discarded. kept reports
// that chapters written before the interruption stay persisted.
func interrupted(op *operation, task *types.Task, kept bool) error {
	outcome := "partial output discarded"
	if kept {
		outcome = "chapters already written were kept"
	}
	switch {
	case task == nil:
		return notFound(op.taskID, "task %s was removed during generation", op.taskID)
	case task.Lifecycle == types.LifecycleCancelled:
		return newError(CodeTaskTerminated, op.taskID, op.stage, "task was cancelled; %s", outcome)
	case task.Lifecycle == types.LifecyclePaused:
		return newError(CodeInvalidTransition, op.taskID, op.stage, "task was paused; %s", outcome)
	case task.Version != op.claim.version:
		return newError(CodeConcurrencyConflict, op.taskID, op.stage, "task changed during generation; %s", outcome)
	default:
		return fmt.Errorf("generation of %s interrupted: %w", op.stage, context.Canceled)
	}
}

func (o *Orchestrator) publishCompletion(op *operation, task *types.Task, output any) {
	switch op.kind {
	case types.OperationOptimize, types.OperationOptimizeChapter:
		o.publish(op.taskID, types.EventOptimizeCompleted, op.stage, types.EventData{Result: output})
	case types.OperationBatch, types.OperationStepwise:
		o.publish(op.taskID, types.EventChapterGenerationCompleted, op.stage, types.EventData{Result: output})
	default:
		o.publish(op.taskID, types.EventStageCompleted, op.stage, types.EventData{Result: output})
	}
	if task.Lifecycle == types.LifecycleCompleted {
		o.publish(op.taskID, types.EventTaskCompleted, op.stage, types.EventData{Message: "novel complete"})
	}
}

func snapshotJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// CreateTask creates a task at stage 1. With autoExecute the first stage
// runs before CreateTask returns; its error is returned with the task.
func (o *Orchestrator) CreateTask(ctx context.Context, userID uuid.UUID, prompts types.PromptConfig, cfg types.TaskConfig, autoExecute bool) (*types.Task, error) {
	if err := o.validatePromptConfig(prompts); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, newError(CodeValidation, uuid.Nil, "", "invalid task config: %v", err).withField("taskConfig").withCause(err)
	}

	task := types.NewTask(userID, prompts, cfg)
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	log.Printf("[pipeline] task %s created for user %s", task.ID, userID)

	if !autoExecute {
		return task, nil
	}
	res, err := o.ExecuteStage(ctx, task.ID, "")
	if res != nil && res.Task != nil {
		return res.Task, err
	}
	if latest, loadErr := o.tasks.LoadTask(ctx, task.ID); loadErr == nil && latest != nil {
		return latest, err
	}
	return task, err
}

func (o *Orchestrator) validatePromptConfig(pc types.PromptConfig) error {
	if pc.IsEmpty() {
		return newError(CodeInvalidConfig, uuid.Nil, "", "either a prompt group or per-stage prompts must be supplied").withField("promptConfig")
	}
	if pc.UsesGroup() && len(pc.StagePrompts) > 0 {
		return newError(CodeInvalidConfig, uuid.Nil, "", "a prompt group and per-stage prompts are mutually exclusive").withField("promptConfig")
	}
	if pc.UsesGroup() {
		if !o.catalog.HasGroup(*pc.PromptGroupID) {
			return newError(CodeInvalidConfig, uuid.Nil, "", "prompt group %d does not exist", *pc.PromptGroupID).withField("promptGroupId")
		}
		return nil
	}
	for stage, id := range pc.StagePrompts {
		if !stage.Valid() {
			return newError(CodeInvalidConfig, uuid.Nil, "", "unknown stage %q", stage).withField("stagePrompts")
		}
		if _, err := o.catalog.Template(id); err != nil {
			return newError(CodeInvalidConfig, uuid.Nil, stage, "prompt %d does not exist", id).withField(pc.FieldName(stage)).withCause(err)
		}
	}
	return nil
}

// resolvePrompt returns the prompt id configured for stage
func (o *Orchestrator) resolvePrompt(task *types.Task, stage types.StageType) (int64, error) {
	pc := task.PromptConfig
	field := pc.FieldName(stage)

	var id int64
	if pc.UsesGroup() {
		gid, ok, err := o.catalog.GroupPrompt(*pc.PromptGroupID, stage)
		if err != nil || !ok {
			return 0, newError(CodePromptNotConfigured, task.ID, stage, "no prompt is configured for %s", stage).withField(field).withCause(err)
		}
		id = gid
	} else {
		pid, ok := pc.StagePrompts[stage]
		if !ok || pid <= 0 {
			return 0, newError(CodePromptNotConfigured, task.ID, stage, "no prompt is configured for %s; set %s and retry", stage, field).withField(field)
		}
		id = pid
	}

	if _, err := o.catalog.Template(id); err != nil {
		return 0, newError(CodePromptNotConfigured, task.ID, stage, "prompt %d configured for %s does not exist", id, stage).withField(field).withCause(err)
	}
	return id, nil
}

// PauseTask pauses a generating task and interrupts in-flight generation
func (o *Orchestrator) PauseTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Lifecycle.Terminal() {
		return nil, terminated(task)
	}
	if task.Lifecycle != types.LifecycleRunning {
		return nil, newError(CodeInvalidTransition, taskID, task.CurrentStage, "only a generating task can be paused; task is %s", task.Status())
	}

	task.Lifecycle = types.LifecyclePaused
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	if c := o.claimFor(taskID); c != nil {
		c.cancel()
	}

	log.Printf("[pipeline] task %s paused at %s", taskID, task.CurrentStage)
	o.publish(taskID, types.EventStageProgress, task.CurrentStage, types.EventData{Message: "task paused"})
	return task, nil
}

// ResumeTask restores a paused task to the generating status of its stage
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Lifecycle.Terminal() {
		return nil, terminated(task)
	}
	if task.Lifecycle != types.LifecyclePaused {
		return nil, newError(CodeInvalidTransition, taskID, task.CurrentStage, "only a paused task can be resumed; task is %s", task.Status())
	}

	task.Lifecycle = types.LifecycleRunning
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}

	log.Printf("[pipeline] task %s resumed at %s", taskID, task.CurrentStage)
	o.publish(taskID, types.EventStageProgress, task.CurrentStage, types.EventData{Message: "task resumed"})
	return task, nil
}

// CancelTask moves a non-terminal task to cancelled. Committed stage data
// is kept; in-flight generation is interrupted and discarded, except for
// chapters already stored.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Lifecycle.Terminal() {
		return nil, terminated(task)
	}

	task.Lifecycle = types.LifecycleCancelled
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	if c := o.claimFor(taskID); c != nil {
		c.cancel()
	}

	log.Printf("[pipeline] task %s cancelled at %s", taskID, task.CurrentStage)
	o.publish(taskID, types.EventStageProgress, task.CurrentStage, types.EventData{Message: "task cancelled"})
	return task, nil
}

// SelectTitle records the chosen title and clears AwaitingTitleSelection
func (o *Orchestrator) SelectTitle(ctx context.Context, taskID uuid.UUID, title string, custom bool) (*types.Task, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.mutable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.ProcessedData.HasOutput(types.StageTitle) {
		return nil, newError(CodeStageNotCompleted, taskID, types.StageTitle, "titles have not been generated yet")
	}
	if err := task.ProcessedData.SelectTitle(title, custom); err != nil {
		return nil, newError(CodeValidation, taskID, types.StageTitle, "%v", err).withField("title")
	}
	task.AwaitingTitleSelection = false
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdatePromptConfig changes per-stage prompts for stages that have not run.
// Tasks bound to a prompt group are immutable.
func (o *Orchestrator) UpdatePromptConfig(ctx context.Context, taskID uuid.UUID, stagePrompts map[types.StageType]int64) (*types.Task, error) {
	unlock := o.lock(taskID)
	defer unlock()

	task, err := o.mutable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PromptConfig.UsesGroup() {
		return nil, newError(CodeValidation, taskID, "", "task uses prompt group %d, which cannot be changed", *task.PromptConfig.PromptGroupID).withField("promptGroupId")
	}
	if len(stagePrompts) == 0 {
		return nil, newError(CodeValidation, taskID, "", "no stage prompts supplied").withField("stagePrompts")
	}

	for stage, id := range stagePrompts {
		field := task.PromptConfig.FieldName(stage)
		if !stage.Valid() {
			return nil, newError(CodeValidation, taskID, "", "unknown stage %q", stage).withField("stagePrompts")
		}
		if task.ProcessedData.HasOutput(stage) || stage.Index() < task.CurrentStage.Index() {
			return nil, newError(CodeValidation, taskID, stage, "stage %s has already run; its prompt can no longer change", stage).withField(field)
		}
		if _, err := o.catalog.Template(id); err != nil {
			return nil, newError(CodeValidation, taskID, stage, "prompt %d does not exist", id).withField(field).withCause(err)
		}
	}

	if task.PromptConfig.StagePrompts == nil {
		task.PromptConfig.StagePrompts = make(map[types.StageType]int64, len(stagePrompts))
	}
	for stage, id := range stagePrompts {
		task.PromptConfig.StagePrompts[stage] = id
	}
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a task
func (o *Orchestrator) GetTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	return o.loadTask(ctx, taskID)
}

// ListTasks returns one page of tasks
func (o *Orchestrator) ListTasks(ctx context.Context, filter types.TaskFilter, page types.Page) (*types.TaskPage, error) {
	return o.tasks.ListTasks(ctx, filter, page.Normalize())
}

// ListStageRecords returns the audit trail of a task, oldest first
func (o *Orchestrator) ListStageRecords(ctx context.Context, taskID uuid.UUID) ([]types.StageRecord, error) {
	if _, err := o.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.tasks.ListStageRecords(ctx, taskID)
}
