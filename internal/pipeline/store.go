package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/types"
)

// TaskStore is the durable record of tasks and their stage records.
// Every call is atomic. Lookups return (nil, nil) when nothing matches.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	LoadTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	// SaveTask writes task if the stored version equals task.Version,
	// then increments task.Version. Otherwise it returns ErrVersionConflict.
	SaveTask(ctx context.Context, task *types.Task) error
	ListTasks(ctx context.Context, filter types.TaskFilter, page types.Page) (*types.TaskPage, error)

	AppendStageRecord(ctx context.Context, record *types.StageRecord) error
	// UpdateStageRecord returns ErrRecordImmutable for completed records
	UpdateStageRecord(ctx context.Context, record *types.StageRecord) error
	ListStageRecords(ctx context.Context, taskID uuid.UUID) ([]types.StageRecord, error)
}

// ContentStore holds the outline tree, volumes and chapters of a task.
// Implementations must be safe for concurrent use by the batch runner.
type ContentStore interface {
	ReplaceOutline(ctx context.Context, taskID uuid.UUID, nodes []types.OutlineNode) error
	GetOutline(ctx context.Context, taskID uuid.UUID) ([]types.OutlineNode, error)
	GetOutlineNode(ctx context.Context, taskID, nodeID uuid.UUID) (*types.OutlineNode, error)
	UpdateOutlineNode(ctx context.Context, node *types.OutlineNode) error

	// UpsertVolume and UpsertChapter match on (task, order). An existing row
	// keeps its id, which is written back into the argument.
	UpsertVolume(ctx context.Context, volume *types.Volume) error
	ListVolumes(ctx context.Context, taskID uuid.UUID) ([]types.Volume, error)
	UpsertChapter(ctx context.Context, chapter *types.Chapter) error
	GetChapter(ctx context.Context, taskID, chapterID uuid.UUID) (*types.Chapter, error)
	GetChapterByOrder(ctx context.Context, taskID uuid.UUID, order int) (*types.Chapter, error)
	ListChapters(ctx context.Context, taskID uuid.UUID) ([]types.Chapter, error)
}

// Invoker is the AI invocation service
type Invoker interface {
	Complete(ctx context.Context, inv llm.Invocation) (*llm.Completion, error)
	Stream(ctx context.Context, inv llm.Invocation, onChunk llm.ChunkFunc) (*llm.Completion, error)
}

// Reviewer assesses one chapter and reports the characters it consumed
type Reviewer interface {
	Review(ctx context.Context, req types.ReviewRequest) (*types.ReviewReport, int64, error)
}

// PromptCatalog resolves prompt ids and groups
type PromptCatalog interface {
	Template(id int64) (prompts.Template, error)
	GroupPrompt(groupID int64, stage types.StageType) (int64, bool, error)
	HasGroup(groupID int64) bool
}

// Publisher fans progress events out to observers. Publish must not block.
type Publisher interface {
	Publish(taskID uuid.UUID, event types.Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(taskID uuid.UUID, event types.Event)

// Publish calls f
func (f PublisherFunc) Publish(taskID uuid.UUID, event types.Event) {
	f(taskID, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(uuid.UUID, types.Event) {}
