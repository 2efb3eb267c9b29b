package types

import (
	"fmt"
	"slices"
)

// ProcessedData accumulates the output of every completed stage.
// Each stage owns its own fields; updates go through Merge so that
// a stage never clears another stage's fields.
type ProcessedData struct {
	Brainstorm        string             `json:"brainstorm,omitempty"`
	Titles            []string           `json:"titles,omitempty"`
	SelectedTitle     string             `json:"selected_title,omitempty"`
	Synopsis          string             `json:"synopsis,omitempty"`
	Outline           *OutlineSummary    `json:"outline,omitempty"`
	GenerationSummary *GenerationSummary `json:"generation_summary,omitempty"`
	ReviewSummary     *ReviewSummary     `json:"review_summary,omitempty"`
}

// StageOutput is the result of one stage. Implementations are the
// per-stage output types below.
type StageOutput interface {
	Stage() StageType
	apply(pd *ProcessedData)
}

// IdeaOutput is produced by stage 1
type IdeaOutput struct {
	Brainstorm string `json:"brainstorm"`
}

// TitleOutput is produced by stage 2
type TitleOutput struct {
	Titles   []string `json:"titles"`
	Synopsis string   `json:"synopsis"`
}

// OutlineOutput is produced by stage 3. Nodes are materialized into the
// content store; only Summary is kept in ProcessedData.
type OutlineOutput struct {
	Summary OutlineSummary `json:"summary"`
	Nodes   []OutlineNode  `json:"nodes,omitempty"`
}

// ContentOutput is produced by stage 4
type ContentOutput struct {
	Summary GenerationSummary `json:"summary"`
}

// ReviewOutput is produced by stage 5
type ReviewOutput struct {
	Summary ReviewSummary `json:"summary"`
}

// Stage implements StageOutput
func (IdeaOutput) Stage() StageType { return StageIdea }

// Stage implements StageOutput
func (TitleOutput) Stage() StageType { return StageTitle }

// Stage implements StageOutput
func (OutlineOutput) Stage() StageType { return StageOutline }

// Stage implements StageOutput
func (ContentOutput) Stage() StageType { return StageContent }

// Stage implements StageOutput
func (ReviewOutput) Stage() StageType { return StageReview }

func (o IdeaOutput) apply(pd *ProcessedData) {
	pd.Brainstorm = o.Brainstorm
}

func (o TitleOutput) apply(pd *ProcessedData) {
	pd.Titles = slices.Clone(o.Titles)
	pd.Synopsis = o.Synopsis
}

func (o OutlineOutput) apply(pd *ProcessedData) {
	summary := o.Summary
	pd.Outline = &summary
}

func (o ContentOutput) apply(pd *ProcessedData) {
	summary := o.Summary.Clone()
	pd.GenerationSummary = &summary
}

func (o ReviewOutput) apply(pd *ProcessedData) {
	summary := o.Summary.Clone()
	pd.ReviewSummary = &summary
}

// Merge writes a stage output into the accumulator, touching only the
// fields owned by that stage.
func (pd *ProcessedData) Merge(out StageOutput) error {
	if out == nil {
		return fmt.Errorf("stage output is nil")
	}
	if !out.Stage().Valid() {
		return fmt.Errorf("stage output has unknown stage %q", out.Stage())
	}
	out.apply(pd)
	return nil
}

// HasOutput reports whether the stage has contributed output
func (pd *ProcessedData) HasOutput(stage StageType) bool {
	switch stage {
	case StageIdea:
		return pd.Brainstorm != ""
	case StageTitle:
		return len(pd.Titles) > 0
	case StageOutline:
		return pd.Outline != nil
	case StageContent:
		return pd.GenerationSummary != nil
	case StageReview:
		return pd.ReviewSummary != nil
	default:
		return false
	}
}

// SelectTitle records the chosen title. The title must be one of the
// candidates unless custom is true.
func (pd *ProcessedData) SelectTitle(title string, custom bool) error {
	if title == "" {
		return fmt.Errorf("title is empty")
	}
	if !custom && !slices.Contains(pd.Titles, title) {
		return fmt.Errorf("title %q is not one of the generated candidates", title)
	}
	pd.SelectedTitle = title
	return nil
}

// Clone returns a deep copy
func (pd ProcessedData) Clone() ProcessedData {
	out := pd
	out.Titles = slices.Clone(pd.Titles)
	if pd.Outline != nil {
		o := *pd.Outline
		out.Outline = &o
	}
	if pd.GenerationSummary != nil {
		g := pd.GenerationSummary.Clone()
		out.GenerationSummary = &g
	}
	if pd.ReviewSummary != nil {
		r := pd.ReviewSummary.Clone()
		out.ReviewSummary = &r
	}
	return out
}

// OutlineSummary is the stage 3 footprint kept in ProcessedData
type OutlineSummary struct {
	MainOutline  string `json:"main_outline"`
	VolumeCount  int    `json:"volume_count"`
	ChapterCount int    `json:"chapter_count"`
}

// FailedChapter identifies one failed unit in a batch
type FailedChapter struct {
	ChapterID string `json:"chapter_id"`
	Order     int    `json:"order"`
	Error     string `json:"error"`
	// Err is the underlying failure; it is not persisted
	Err error `json:"-"`
}

// GenerationSummary aggregates a chapter batch. ChaptersWritten is the only
// task-wide field: it counts every chapter with content, including those
// written by earlier batches or stepwise cycles.
type GenerationSummary struct {
	ChaptersWritten    int             `json:"chapters_written"`
	TotalGenerated     int             `json:"total_generated"`
	TotalFailed        int             `json:"total_failed"`
	CharactersConsumed int64           `json:"characters_consumed"`
	FailedChapters     []FailedChapter `json:"failed_chapters"`
}

// Clone returns a deep copy
func (g GenerationSummary) Clone() GenerationSummary {
	g.FailedChapters = slices.Clone(g.FailedChapters)
	return g
}

// ReviewSummary aggregates stage 5 reviews
type ReviewSummary struct {
	AverageScore     float64        `json:"average_score"`
	ChaptersReviewed int            `json:"chapters_reviewed"`
	IssueCount       int            `json:"issue_count"`
	Reports          []ReviewReport `json:"reports,omitempty"`
}

// Clone returns a copy with its own report slice
func (r ReviewSummary) Clone() ReviewSummary {
	r.Reports = slices.Clone(r.Reports)
	return r
}
