// Package review scores a written chapter with the model and returns a
// structured report of issues, suggestions and strengths.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/schemas"
	"github.com/jonathan/novel-creator/internal/types"
)

// PromptKey is the built-in review prompt used when no stage 5 prompt id
// is configured
const PromptKey = prompts.KeyChapterReview

// Invoker performs a buffered model call
type Invoker interface {
	Complete(ctx context.Context, inv llm.Invocation) (*llm.Completion, error)
}

// ParseError means the model answered with an unusable report
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid review: %s: %v", e.Message, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Reviewer reviews chapters with a model
type Reviewer struct {
	invoker Invoker
}

// New creates a reviewer
func New(invoker Invoker) *Reviewer {
	return &Reviewer{invoker: invoker}
}

// Review reviews one chapter. The consumed character count is returned
// even when the answer cannot be parsed.
func (r *Reviewer) Review(ctx context.Context, req types.ReviewRequest) (*types.ReviewReport, int64, error) {
	if !req.Chapter.HasContent() {
		return nil, 0, fmt.Errorf("chapter %d has no content to review", req.Chapter.Order)
	}

	inv := llm.Invocation{
		PromptID: req.PromptID,
		Context: map[string]string{
			"ChapterTitle":   req.Chapter.Title,
			"NovelTitle":     req.NovelTitle,
			"ChapterOutline": orNone(req.ChapterOutline),
			"ChapterContent": req.Chapter.Content,
		},
		ModelID:     req.ModelID,
		Tier:        llm.TierStandard,
		Temperature: req.Temperature,
		JSON:        true,
	}
	if inv.PromptID == 0 {
		inv.PromptKey = PromptKey
	}

	c, err := r.invoker.Complete(ctx, inv)
	if err != nil {
		return nil, 0, err
	}

	report, err := Parse(c.Text)
	if err != nil {
		return nil, c.Consumed(), err
	}
	report.ChapterID = req.Chapter.ID
	return report, c.Consumed(), nil
}

// Parse extracts and validates a review report from model output
func Parse(text string) (*types.ReviewReport, error) {
	raw := llm.CleanJSONBlock(text)
	if err := schemas.Validate(schemas.ReviewResult, []byte(raw)); err != nil {
		return nil, &ParseError{Message: "report does not match schema", Cause: err}
	}

	var report types.ReviewReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, &ParseError{Message: "malformed report JSON", Cause: err}
	}
	if report.Issues == nil {
		report.Issues = []types.ReviewIssue{}
	}
	if report.Suggestions == nil {
		report.Suggestions = []string{}
	}
	if report.Strengths == nil {
		report.Strengths = []string{}
	}
	return &report, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
