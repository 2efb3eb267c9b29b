package types

import (
	"time"

	"github.com/google/uuid"
)

// OutlineLevel is the depth class of an outline node
type OutlineLevel string

// OutlineLevel constants
const (
	OutlineLevelMain    OutlineLevel = "main"
	OutlineLevelVolume  OutlineLevel = "volume"
	OutlineLevelChapter OutlineLevel = "chapter"
)

// OutlineStatus tracks how far a node has progressed
type OutlineStatus string

// OutlineStatus constants
const (
	OutlineStatusDraft     OutlineStatus = "draft"
	OutlineStatusOptimized OutlineStatus = "optimized"
	OutlineStatusGenerated OutlineStatus = "generated"
)

// OutlineNode is one node of the outline tree
type OutlineNode struct {
	ID        uuid.UUID     `json:"id"`
	TaskID    uuid.UUID     `json:"task_id"`
	ParentID  *uuid.UUID    `json:"parent_id,omitempty"`
	Level     OutlineLevel  `json:"level"`
	Order     int           `json:"order"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	Status    OutlineStatus `json:"status"`
	VolumeID  *uuid.UUID    `json:"volume_id,omitempty"`
	ChapterID *uuid.UUID    `json:"chapter_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Volume is a materialized outline volume
type Volume struct {
	ID            uuid.UUID  `json:"id"`
	TaskID        uuid.UUID  `json:"task_id"`
	OutlineNodeID *uuid.UUID `json:"outline_node_id,omitempty"`
	Order         int        `json:"order"`
	Title         string     `json:"title"`
	Summary       string     `json:"summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Chapter is a generated (or placeholder) chapter, unique per (task, order)
type Chapter struct {
	ID            uuid.UUID  `json:"id"`
	TaskID        uuid.UUID  `json:"task_id"`
	VolumeID      *uuid.UUID `json:"volume_id,omitempty"`
	OutlineNodeID *uuid.UUID `json:"outline_node_id,omitempty"`
	Order         int        `json:"order"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Summary       string     `json:"summary,omitempty"`
	WordCount     int        `json:"word_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasContent reports whether the chapter has been written
func (c *Chapter) HasContent() bool {
	return c != nil && c.Content != ""
}

// ChapterTarget is one chapter outline selected for generation
type ChapterTarget struct {
	Node   OutlineNode `json:"node"`
	Volume *Volume     `json:"volume,omitempty"`
}

// ChapterSelection picks chapters for a batch run
type ChapterSelection struct {
	ChapterIDs  []uuid.UUID `json:"chapter_ids,omitempty"`
	GenerateAll bool        `json:"generate_all"`
}

// ReviewIssue is one problem found by the reviewer
type ReviewIssue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

// ReviewReport is the automated review of one chapter
type ReviewReport struct {
	ChapterID   uuid.UUID     `json:"chapter_id"`
	Score       float64       `json:"score"`
	Issues      []ReviewIssue `json:"issues"`
	Suggestions []string      `json:"suggestions"`
	Strengths   []string      `json:"strengths"`
}

// StepwiseResult is returned by one stepwise chapter cycle
type StepwiseResult struct {
	Chapter            Chapter       `json:"chapter"`
	ReviewReport       *ReviewReport `json:"review_report,omitempty"`
	NextChapterOrder   int           `json:"next_chapter_order"`
	CharactersConsumed int64         `json:"characters_consumed"`
	StageFinished      bool          `json:"stage_finished"`
}

// ReviewRequest asks the reviewer to assess one chapter. PromptID selects
// a catalog template; zero uses the built-in review prompt.
type ReviewRequest struct {
	Chapter        Chapter
	NovelTitle     string
	ChapterOutline string
	PromptID       int64
	ModelID        string
	Temperature    float64
}
