// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/novel-creator/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode. It is safe for
// concurrent use; progress events arrive from batch workers.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n < 4 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// Publish prints one progress event as a single line. It lets a Printer
// act as the orchestrator's publisher in the terminal runner.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) Publish(_ uuid.UUID, event types.Event) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", event.Timestamp.Format("15:04:05"), event.Event))
	if event.Stage != "" {
		sb.WriteString(" " + string(event.Stage))
	}
	if event.Data.Total > 0 {
		sb.WriteString(fmt.Sprintf(" %d/%d (%.0f%%)", event.Data.Current, event.Data.Total, event.Data.Percentage))
	}
	if event.Data.Message != "" {
		sb.WriteString(": " + event.Data.Message)
	}
	if event.Data.Error != "" {
		sb.WriteString(" error=" + truncate(event.Data.Error, 80))
	}

	p.mu.Lock()
	fmt.Fprintln(p.out, sb.String())
	p.mu.Unlock()
}

// PrintTask outputs the state of a task
func (p *Printer) PrintTask(task *types.Task) {
	if task == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Task:      %s\n", task.ID))
	sb.WriteString(fmt.Sprintf("Stage:     %s\n", task.CurrentStage))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", task.Status()))
	sb.WriteString(fmt.Sprintf("Consumed:  %d chars", task.TotalCharactersConsumed))
	if title := task.ProcessedData.SelectedTitle; title != "" {
		sb.WriteString(fmt.Sprintf("\nTitle:     %s", title))
	}
	if task.AwaitingTitleSelection {
		sb.WriteString("\n\nWaiting for a title to be selected")
	}

	p.printBox("TASK", sb.String())
}

// PrintStageOutput outputs what a completed stage contributed
func (p *Printer) PrintStageOutput(stage types.StageType, pd *types.ProcessedData) {
	if pd == nil || !pd.HasOutput(stage) {
		return
	}

	var sb strings.Builder
	switch stage {
	case types.StageIdea:
		sb.WriteString(wrap(pd.Brainstorm, boxWidth-4, 8))
	case types.StageTitle:
		sb.WriteString(fmt.Sprintf("%d candidate titles:\n", len(pd.Titles)))
		for i, t := range pd.Titles {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, t))
		}
		if pd.Synopsis != "" {
			sb.WriteString("\n" + wrap(pd.Synopsis, boxWidth-4, 4))
		}
	case types.StageOutline:
		o := pd.Outline
		sb.WriteString(fmt.Sprintf("Volumes:   %d\n", o.VolumeCount))
		sb.WriteString(fmt.Sprintf("Chapters:  %d\n\n", o.ChapterCount))
		sb.WriteString(wrap(o.MainOutline, boxWidth-4, 4))
	case types.StageContent:
		p.PrintGenerationSummary(pd.GenerationSummary)
		return
	case types.StageReview:
		p.PrintReviewSummary(pd.ReviewSummary)
		return
	}

	p.printBox(strings.ToUpper(stageLabel(stage)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintGenerationSummary outputs the result of a chapter batch
func (p *Printer) PrintGenerationSummary(summary *types.GenerationSummary) {
	if summary == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Generated: %d\n", summary.TotalGenerated))
	sb.WriteString(fmt.Sprintf("Failed:    %d\n", summary.TotalFailed))
	sb.WriteString(fmt.Sprintf("Consumed:  %d chars", summary.CharactersConsumed))
	if summary.ChaptersWritten > 0 {
		sb.WriteString(fmt.Sprintf("\nWritten:   %d chapters so far", summary.ChaptersWritten))
	}

	if len(summary.FailedChapters) > 0 {
		sb.WriteString("\n\nFailures:\n")
		count := min(len(summary.FailedChapters), maxItemsToShow)
		for i := 0; i < count; i++ {
			f := summary.FailedChapters[i]
			sb.WriteString(fmt.Sprintf("  ⚠ chapter %d: %s\n", f.Order, f.Error))
		}
		if len(summary.FailedChapters) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(summary.FailedChapters)-maxItemsToShow))
		}
	}

	p.printBox("CHAPTER GENERATION", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStepwise outputs one stepwise chapter cycle
func (p *Printer) PrintStepwise(res *types.StepwiseResult) {
	if res == nil {
		return
	}
	if res.StageFinished {
		p.printBox("CHAPTERS FINISHED", "Every chapter has been written")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Chapter %d: %s\n", res.Chapter.Order, res.Chapter.Title))
	sb.WriteString(fmt.Sprintf("Words:     %d\n", res.Chapter.WordCount))
	sb.WriteString(fmt.Sprintf("Consumed:  %d chars", res.CharactersConsumed))
	if res.Chapter.Summary != "" {
		sb.WriteString("\n\n" + wrap(res.Chapter.Summary, boxWidth-4, 4))
	}
	if res.ReviewReport != nil {
		sb.WriteString(fmt.Sprintf("\n\nReview score: %.0f (%d issues)", res.ReviewReport.Score, len(res.ReviewReport.Issues)))
	}
	if res.NextChapterOrder > 0 {
		sb.WriteString(fmt.Sprintf("\nNext:      chapter %d", res.NextChapterOrder))
	}

	p.printBox("STEPWISE CHAPTER", sb.String())
}

// PrintReview outputs one chapter review
func (p *Printer) PrintReview(report *types.ReviewReport) {
	if report == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Score: %.0f/100\n", report.Score))

	if len(report.Issues) > 0 {
		sb.WriteString("\nIssues:\n")
		count := min(len(report.Issues), maxItemsToShow)
		for i := 0; i < count; i++ {
			issue := report.Issues[i]
			sb.WriteString(fmt.Sprintf("  ⚠ [%s] %s: %s\n", issue.Severity, issue.Type, issue.Description))
		}
		if len(report.Issues) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(report.Issues)-maxItemsToShow))
		}
	}

	if len(report.Suggestions) > 0 {
		sb.WriteString("\nSuggestions:\n")
		count := min(len(report.Suggestions), 3)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", report.Suggestions[i]))
		}
	}

	if len(report.Strengths) > 0 {
		sb.WriteString("\nStrengths:\n")
		count := min(len(report.Strengths), 3)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  ✓ %s\n", report.Strengths[i]))
		}
	}

	p.printBox("CHAPTER REVIEW", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintReviewSummary outputs the aggregate of the review stage
func (p *Printer) PrintReviewSummary(summary *types.ReviewSummary) {
	if summary == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Reviewed:  %d chapters\n", summary.ChaptersReviewed))
	sb.WriteString(fmt.Sprintf("Average:   %.1f\n", summary.AverageScore))
	sb.WriteString(fmt.Sprintf("Issues:    %d", summary.IssueCount))

	p.printBox("REVIEW SUMMARY", sb.String())
}

func stageLabel(stage types.StageType) string {
	switch stage {
	case types.StageIdea:
		return "Brainstorm"
	case types.StageTitle:
		return "Titles"
	case types.StageOutline:
		return "Outline"
	case types.StageContent:
		return "Chapters"
	case types.StageReview:
		return "Review"
	}
	return string(stage)
}

// wrap breaks text into lines of at most width runes, keeping at most
// maxLines lines
func wrap(text string, width, maxLines int) string {
	words := strings.Fields(text)
	var (
		lines []string
		line  string
	)
	for _, w := range words {
		switch {
		case line == "":
			line = w
		case len([]rune(line))+1+len([]rune(w)) <= width:
			line += " " + w
		default:
			lines = append(lines, line)
			line = w
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	if len(lines) > maxLines {
		lines = append(lines[:maxLines-1], truncate(lines[maxLines-1]+" ...", width))
	}
	return strings.Join(lines, "\n")
}
