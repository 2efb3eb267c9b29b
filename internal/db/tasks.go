package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/types"
)

// -----------------------------------------------------------------------------
// Task Methods
// -----------------------------------------------------------------------------

const taskColumns = `id, user_id, lifecycle, current_stage, processed_data, awaiting_title_selection,
	prompt_config, task_config, total_characters_consumed, conversation, last_stepwise_order,
	version, created_at, updated_at`

type taskJSON struct {
	processed    []byte
	prompts      []byte
	config       []byte
	conversation []byte
}

func encodeTask(task *types.Task) (*taskJSON, error) {
	var (
		out taskJSON
		err error
	)
	if out.processed, err = json.Marshal(task.ProcessedData); err != nil {
		return nil, fmt.Errorf("failed to marshal processed data: %w", err)
	}
	if out.prompts, err = json.Marshal(task.PromptConfig); err != nil {
		return nil, fmt.Errorf("failed to marshal prompt config: %w", err)
	}
	if out.config, err = json.Marshal(task.TaskConfig); err != nil {
		return nil, fmt.Errorf("failed to marshal task config: %w", err)
	}
	conversation := task.Conversation
	if conversation == nil {
		conversation = []types.Message{}
	}
	if out.conversation, err = json.Marshal(conversation); err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return &out, nil
}

func scanTask(row scanner) (*types.Task, error) {
	var (
		t   types.Task
		raw taskJSON
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Lifecycle, &t.CurrentStage, &raw.processed,
		&t.AwaitingTitleSelection, &raw.prompts, &raw.config, &t.TotalCharactersConsumed,
		&raw.conversation, &t.LastStepwiseOrder, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(raw.processed, &t.ProcessedData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processed data: %w", err)
	}
	if err := json.Unmarshal(raw.prompts, &t.PromptConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt config: %w", err)
	}
	if err := json.Unmarshal(raw.config, &t.TaskConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
	}
	if err := json.Unmarshal(raw.conversation, &t.Conversation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if len(t.Conversation) == 0 {
		t.Conversation = nil
	}
	return &t, nil
}

// CreateTask inserts a new task at version 1
func (db *DB) CreateTask(ctx context.Context, task *types.Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}

	task.Version = 1
	_, err = db.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.ID, task.UserID, task.Lifecycle, task.CurrentStage, raw.processed,
		task.AwaitingTitleSelection, raw.prompts, raw.config, task.TotalCharactersConsumed,
		raw.conversation, task.LastStepwiseOrder, task.Version, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// LoadTask retrieves a task by ID, or nil when it does not exist
func (db *DB) LoadTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	task, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// SaveTask updates a task if its stored version still equals task.Version
func (db *DB) SaveTask(ctx context.Context, task *types.Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET lifecycle = $3, current_stage = $4, processed_data = $5,
		        awaiting_title_selection = $6, prompt_config = $7, task_config = $8,
		        total_characters_consumed = $9, conversation = $10, last_stepwise_order = $11,
		        updated_at = $12, version = version + 1
		 WHERE id = $1 AND version = $2`,
		task.ID, task.Version, task.Lifecycle, task.CurrentStage, raw.processed,
		task.AwaitingTitleSelection, raw.prompts, raw.config, task.TotalCharactersConsumed,
		raw.conversation, task.LastStepwiseOrder, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task: %w", err)
		}
		if !exists {
			return fmt.Errorf("task %s: %w", task.ID, pipeline.ErrNotFound)
		}
		return pipeline.ErrVersionConflict
	}
	task.Version++
	return nil
}

// ListTasks returns one page of tasks, newest first
func (db *DB) ListTasks(ctx context.Context, filter types.TaskFilter, page types.Page) (*types.TaskPage, error) {
	page = page.Normalize()
	where, args := taskFilterClause(filter)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)+1, len(args)+2)
	rows, err := db.pool.Query(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := &types.TaskPage{Tasks: []types.Task{}, Total: total, Page: page.Number, PageSize: page.Size}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return out, nil
}

// taskFilterClause builds the WHERE clause of a task listing. The display
// status is derived, so it is translated back into lifecycle and stage.
func taskFilterClause(filter types.TaskFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.Lifecycle != "" {
		add("lifecycle = $%d", filter.Lifecycle)
	}
	if filter.Status != "" {
		lifecycle, stage := statusColumns(filter.Status)
		add("lifecycle = $%d", lifecycle)
		if stage != "" {
			add("current_stage = $%d", stage)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func statusColumns(status types.TaskStatus) (types.Lifecycle, types.StageType) {
	for _, stage := range types.StageSequence {
		if types.GeneratingStatus(stage) == status {
			return types.LifecycleRunning, stage
		}
	}
	for _, l := range []types.Lifecycle{
		types.LifecycleWaitingForContinue, types.LifecyclePaused, types.LifecycleCompleted,
		types.LifecycleFailed, types.LifecycleCancelled,
	} {
		if types.DeriveStatus(l, "") == status {
			return l, ""
		}
	}
	// Unknown statuses match nothing
	return types.Lifecycle(status), ""
}

// -----------------------------------------------------------------------------
// Stage Record Methods
// -----------------------------------------------------------------------------

const recordColumns = `id, task_id, stage_type, operation, status, input, output, prompt_id,
	characters_consumed, retry_count, error_message, interrupted, started_at, completed_at, created_at`

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// AppendStageRecord inserts a stage record
func (db *DB) AppendStageRecord(ctx context.Context, r *types.StageRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO stage_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TaskID, r.StageType, r.Operation, r.Status, nullJSON(r.Input), nullJSON(r.Output),
		r.PromptID, r.CharactersConsumed, r.RetryCount, r.ErrorMessage, r.Interrupted,
		r.StartedAt, r.CompletedAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append stage record: %w", err)
	}
	return nil
}

// UpdateStageRecord rewrites a record that is not yet completed
func (db *DB) UpdateStageRecord(ctx context.Context, r *types.StageRecord) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE stage_records SET status = $2, output = $3, characters_consumed = $4,
		        retry_count = $5, error_message = $6, interrupted = $7, started_at = $8,
		        completed_at = $9
		 WHERE id = $1 AND status <> 'completed'`,
		r.ID, r.Status, nullJSON(r.Output), r.CharactersConsumed, r.RetryCount,
		r.ErrorMessage, r.Interrupted, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stage_records WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check stage record: %w", err)
		}
		if exists {
			return pipeline.ErrRecordImmutable
		}
		return fmt.Errorf("stage record %s: %w", r.ID, pipeline.ErrNotFound)
	}
	return nil
}

// ListStageRecords returns the records of a task in insertion order
func (db *DB) ListStageRecords(ctx context.Context, taskID uuid.UUID) ([]types.StageRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM stage_records WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	defer rows.Close()

	records := []types.StageRecord{}
	for rows.Next() {
		var (
			r             types.StageRecord
			input, output []byte
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StageType, &r.Operation, &r.Status, &input, &output,
			&r.PromptID, &r.CharactersConsumed, &r.RetryCount, &r.ErrorMessage, &r.Interrupted,
			&r.StartedAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Input = input
		r.Output = output
		records = append(records, r)
	}
	return records, rows.Err()
}
