package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle is the execution state of a task, orthogonal to its current stage
type Lifecycle string

// Lifecycle constants
const (
	LifecycleRunning            Lifecycle = "running"
	LifecycleWaitingForContinue Lifecycle = "waiting_for_continue"
	LifecyclePaused             Lifecycle = "paused"
	LifecycleCompleted          Lifecycle = "completed"
	LifecycleFailed             Lifecycle = "failed"
	LifecycleCancelled          Lifecycle = "cancelled"
)

// Terminal reports whether no further mutation is permitted
func (l Lifecycle) Terminal() bool {
	return l == LifecycleCompleted || l == LifecycleFailed || l == LifecycleCancelled
}

// TaskStatus is the display status derived from lifecycle and stage
type TaskStatus string

// TaskStatus constants
const (
	StatusIdeaGenerating    TaskStatus = "idea_generating"
	StatusTitleGenerating   TaskStatus = "title_generating"
	StatusOutlineGenerating TaskStatus = "outline_generating"
	StatusContentGenerating TaskStatus = "content_generating"
	StatusReviewOptimizing  TaskStatus = "review_optimizing"
	StatusWaitingNextStage  TaskStatus = "waiting_next_stage"
	StatusPaused            TaskStatus = "paused"
	StatusCompleted         TaskStatus = "completed"
	StatusFailed            TaskStatus = "failed"
	StatusCancelled         TaskStatus = "cancelled"
)

var generatingStatus = map[StageType]TaskStatus{
	StageIdea:    StatusIdeaGenerating,
	StageTitle:   StatusTitleGenerating,
	StageOutline: StatusOutlineGenerating,
	StageContent: StatusContentGenerating,
	StageReview:  StatusReviewOptimizing,
}

// GeneratingStatus returns the *_generating status for a stage
func GeneratingStatus(stage StageType) TaskStatus {
	return generatingStatus[stage]
}

// DeriveStatus computes the display status from lifecycle and stage
func DeriveStatus(l Lifecycle, stage StageType) TaskStatus {
	switch l {
	case LifecycleRunning:
		return GeneratingStatus(stage)
	case LifecycleWaitingForContinue:
		return StatusWaitingNextStage
	case LifecyclePaused:
		return StatusPaused
	case LifecycleCompleted:
		return StatusCompleted
	case LifecycleFailed:
		return StatusFailed
	case LifecycleCancelled:
		return StatusCancelled
	default:
		return ""
	}
}

// Role is a conversation participant
type Role string

// Role constants
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn passed to the model
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PromptConfig selects prompts either through a fixed group or per stage
type PromptConfig struct {
	PromptGroupID *int64              `json:"prompt_group_id,omitempty"`
	StagePrompts  map[StageType]int64 `json:"stage_prompts,omitempty"`
}

// UsesGroup reports whether prompts come from an immutable prompt group
func (p PromptConfig) UsesGroup() bool {
	return p.PromptGroupID != nil
}

// IsEmpty reports whether neither a group nor any stage prompt is set
func (p PromptConfig) IsEmpty() bool {
	return p.PromptGroupID == nil && len(p.StagePrompts) == 0
}

// FieldName returns the config field that must be set for stage
func (p PromptConfig) FieldName(stage StageType) string {
	if p.UsesGroup() {
		return fmt.Sprintf("promptGroup[%d].%s", *p.PromptGroupID, stage)
	}
	return "stagePrompts." + string(stage)
}

// Clone returns a deep copy
func (p PromptConfig) Clone() PromptConfig {
	out := PromptConfig{}
	if p.PromptGroupID != nil {
		id := *p.PromptGroupID
		out.PromptGroupID = &id
	}
	if p.StagePrompts != nil {
		out.StagePrompts = make(map[StageType]int64, len(p.StagePrompts))
		for k, v := range p.StagePrompts {
			out.StagePrompts[k] = v
		}
	}
	return out
}

// Task execution defaults
const (
	DefaultConcurrencyLimit = 5
	DefaultMaxRetries       = 3
	DefaultTemperature      = 0.8
)

// TaskConfig holds execution parameters for a task
type TaskConfig struct {
	ConcurrencyLimit    int      `json:"concurrency_limit" validate:"gte=0,lte=50"`
	ReviewEnabled       bool     `json:"review_enabled"`
	Temperature         *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	HistoryMessageLimit int      `json:"history_message_limit" validate:"gte=0"`
	MaxRetries          int      `json:"max_retries" validate:"gte=0,lte=10"`
	ModelID             string   `json:"model_id,omitempty"`
	StepwiseChapters    bool     `json:"stepwise_chapters"`
}

// WithDefaults fills zero-valued limits with package defaults
func (c TaskConfig) WithDefaults() TaskConfig {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// EffectiveTemperature returns the configured temperature or the default
func (c TaskConfig) EffectiveTemperature() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// Task is one end-to-end book creation run
type Task struct {
	ID                      uuid.UUID     `json:"id"`
	UserID                  uuid.UUID     `json:"user_id"`
	Lifecycle               Lifecycle     `json:"lifecycle"`
	CurrentStage            StageType     `json:"current_stage"`
	ProcessedData           ProcessedData `json:"processed_data"`
	AwaitingTitleSelection  bool          `json:"awaiting_title_selection"`
	PromptConfig            PromptConfig  `json:"prompt_config"`
	TaskConfig              TaskConfig    `json:"task_config"`
	TotalCharactersConsumed int64         `json:"total_characters_consumed"`
	Conversation            []Message     `json:"conversation,omitempty"`
	LastStepwiseOrder       int           `json:"last_stepwise_order"`
	Version                 int64         `json:"version"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// NewTask builds a task in its initial state: running at stage 1
func NewTask(userID uuid.UUID, prompts PromptConfig, cfg TaskConfig) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           uuid.New(),
		UserID:       userID,
		Lifecycle:    LifecycleRunning,
		CurrentStage: StageIdea,
		PromptConfig: prompts.Clone(),
		TaskConfig:   cfg.WithDefaults(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Status returns the derived display status
func (t *Task) Status() TaskStatus {
	return DeriveStatus(t.Lifecycle, t.CurrentStage)
}

// MarshalJSON includes the derived status in the encoded task
func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(struct {
		alias
		Status TaskStatus `json:"status"`
	}{alias: alias(t), Status: t.Status()})
}

// AddConsumption increases the consumption counter; negative values are ignored
func (t *Task) AddConsumption(chars int64) {
	if chars > 0 {
		t.TotalCharactersConsumed += chars
	}
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	dst := *t
	dst.ProcessedData = t.ProcessedData.Clone()
	dst.PromptConfig = t.PromptConfig.Clone()
	if t.TaskConfig.Temperature != nil {
		temp := *t.TaskConfig.Temperature
		dst.TaskConfig.Temperature = &temp
	}
	if t.Conversation != nil {
		dst.Conversation = make([]Message, len(t.Conversation))
		copy(dst.Conversation, t.Conversation)
	}
	return &dst
}

// TaskFilter narrows task listings
type TaskFilter struct {
	UserID    *uuid.UUID
	Lifecycle Lifecycle
	Status    TaskStatus
}

// Page requests one page of results; Number is 1-based
type Page struct {
	Number int
	Size   int
}

// Normalize clamps page parameters to sane values
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

// Offset returns the number of rows to skip
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// TaskPage is one page of tasks
type TaskPage struct {
	Tasks    []Task `json:"tasks"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}
