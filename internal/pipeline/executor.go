package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/pipeline/steps"
	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/schemas"
	"github.com/jonathan/novel-creator/internal/types"
)

var stageTiers = map[types.StageType]llm.ModelTier{
	types.StageIdea:    llm.TierAdvanced,
	types.StageTitle:   llm.TierStandard,
	types.StageOutline: llm.TierStandard,
	types.StageContent: llm.TierAdvanced,
	types.StageReview:  llm.TierStandard,
}

// Usage is the consumption reported for one or more model calls
type Usage struct {
	InputChars  int64  `json:"inputChars"`
	OutputChars int64  `json:"outputChars"`
	ModelID     string `json:"modelId"`
}

// Consumed returns the total characters of the usage
func (u Usage) Consumed() int64 {
	return u.InputChars + u.OutputChars
}

func (u *Usage) add(c *llm.Completion) {
	u.InputChars += c.InputChars
	u.OutputChars += c.OutputChars
	if c.ModelID != "" {
		u.ModelID = c.ModelID
	}
}

// OutputError means the model answered but the answer could not be used
type OutputError struct {
	Stage   types.StageType
	Message string
	Cause   error
}

func (e *OutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s output: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid %s output: %s", e.Stage, e.Message)
}

func (e *OutputError) Unwrap() error {
	return e.Cause
}

// StageResult is the parsed output of one single-call stage
type StageResult struct {
	Output types.StageOutput
	Usage  Usage
	// Exchange is the prompt/answer pair to append to the conversation
	Exchange []types.Message
}

// Executor maps a stage and the accumulated task data onto exactly one
// model call. It never retries.
type Executor struct {
	invoker Invoker
	now     func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(invoker Invoker) *Executor {
	return &Executor{invoker: invoker, now: func() time.Time { return time.Now().UTC() }}
}

func (e *Executor) call(ctx context.Context, inv llm.Invocation, onChunk llm.ChunkFunc) (*llm.Completion, error) {
	if onChunk != nil {
		return e.invoker.Stream(ctx, inv, onChunk)
	}
	return e.invoker.Complete(ctx, inv)
}

func (e *Executor) baseInvocation(task *types.Task, stage types.StageType) llm.Invocation {
	return llm.Invocation{
		Context:     stageContext(&task.ProcessedData),
		ModelID:     task.TaskConfig.ModelID,
		Tier:        stageTiers[stage],
		Temperature: task.TaskConfig.EffectiveTemperature(),
	}
}

// RunStage executes a single-call stage (idea, title, outline). A nil
// onChunk selects buffered mode.
func (e *Executor) RunStage(ctx context.Context, task *types.Task, stage types.StageType, promptID int64, onChunk llm.ChunkFunc) (*StageResult, error) {
	def, err := steps.Lookup(stage)
	if err != nil {
		return nil, err
	}

	inv := e.baseInvocation(task, stage)
	inv.PromptID = promptID
	inv.History = llm.TrimHistory(task.Conversation, task.TaskConfig.HistoryMessageLimit)
	inv.JSON = def.JSONOutput

	c, err := e.call(ctx, inv, onChunk)
	if err != nil {
		return nil, err
	}
	out, err := e.parseStageOutput(task, stage, c.Text)
	if err != nil {
		return nil, err
	}

	res := &StageResult{Output: out, Exchange: exchange(c)}
	res.Usage.add(c)
	return res, nil
}

// OptimizeStage re-runs a completed stage with the previous output and the
// author's feedback as context
func (e *Executor) OptimizeStage(ctx context.Context, task *types.Task, stage types.StageType, previous, feedback string, onChunk llm.ChunkFunc) (*StageResult, error) {
	def, err := steps.Lookup(stage)
	if err != nil {
		return nil, err
	}

	inv := e.baseInvocation(task, stage)
	inv.PromptKey = prompts.KeyStageOptimize
	inv.Context["Stage"] = def.Name
	inv.Context["PreviousOutput"] = previous
	inv.Context["Feedback"] = feedback
	inv.History = llm.TrimHistory(task.Conversation, task.TaskConfig.HistoryMessageLimit)
	inv.JSON = def.JSONOutput

	c, err := e.call(ctx, inv, onChunk)
	if err != nil {
		return nil, err
	}
	out, err := e.parseStageOutput(task, stage, c.Text)
	if err != nil {
		return nil, err
	}

	res := &StageResult{Output: out, Exchange: exchange(c)}
	res.Usage.add(c)
	return res, nil
}

// GenerateChapter writes the prose of one chapter outline
func (e *Executor) GenerateChapter(ctx context.Context, task *types.Task, target types.ChapterTarget, promptID int64, previousSummary string) (string, Usage, error) {
	inv := e.baseInvocation(task, types.StageContent)
	inv.PromptID = promptID
	for k, v := range chapterContext(&task.ProcessedData, target, previousSummary) {
		inv.Context[k] = v
	}

	var usage Usage
	c, err := e.invoker.Complete(ctx, inv)
	if err != nil {
		return "", usage, err
	}
	usage.add(c)

	content := strings.TrimSpace(c.Text)
	if content == "" {
		return "", usage, &OutputError{Stage: types.StageContent, Message: "empty chapter"}
	}
	return content, usage, nil
}

// Summarize derives the continuity summary of a chapter
func (e *Executor) Summarize(ctx context.Context, task *types.Task, title, content string) (string, Usage, error) {
	inv := e.baseInvocation(task, types.StageContent)
	inv.PromptKey = prompts.KeyChapterSummary
	inv.Tier = llm.TierLite
	inv.Context["ChapterTitle"] = title
	inv.Context["ChapterContent"] = content

	var usage Usage
	c, err := e.invoker.Complete(ctx, inv)
	if err != nil {
		return "", usage, err
	}
	usage.add(c)
	return strings.TrimSpace(c.Text), usage, nil
}

// OptimizeChapter rewrites a chapter using feedback and/or a review report
func (e *Executor) OptimizeChapter(ctx context.Context, task *types.Task, chapter *types.Chapter, feedback string, report *types.ReviewReport) (string, Usage, error) {
	inv := e.baseInvocation(task, types.StageContent)
	inv.PromptKey = prompts.KeyChapterOptimize
	inv.Context["ChapterTitle"] = chapter.Title
	inv.Context["ChapterContent"] = chapter.Content
	inv.Context["Feedback"] = orNone(feedback)
	inv.Context["Review"] = formatReview(report)

	var usage Usage
	c, err := e.invoker.Complete(ctx, inv)
	if err != nil {
		return "", usage, err
	}
	usage.add(c)

	content := strings.TrimSpace(c.Text)
	if content == "" {
		return "", usage, &OutputError{Stage: types.StageContent, Message: "empty chapter"}
	}
	return content, usage, nil
}

func exchange(c *llm.Completion) []types.Message {
	return []types.Message{
		{Role: types.RoleUser, Content: c.Prompt},
		{Role: types.RoleAssistant, Content: c.Text},
	}
}

type titleDocument struct {
	Titles   []string `json:"titles"`
	Synopsis string   `json:"synopsis"`
}

type outlineDocument struct {
	MainOutline string `json:"main_outline"`
	Volumes     []struct {
		Title    string `json:"title"`
		Summary  string `json:"summary"`
		Chapters []struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
		} `json:"chapters"`
	} `json:"volumes"`
}

func (e *Executor) parseStageOutput(task *types.Task, stage types.StageType, text string) (types.StageOutput, error) {
	switch stage {
	case types.StageIdea:
		brainstorm := strings.TrimSpace(text)
		if brainstorm == "" {
			return nil, &OutputError{Stage: stage, Message: "empty brainstorm"}
		}
		return types.IdeaOutput{Brainstorm: brainstorm}, nil

	case types.StageTitle:
		raw := llm.CleanJSONBlock(text)
		if err := schemas.Validate(schemas.TitleResult, []byte(raw)); err != nil {
			return nil, &OutputError{Stage: stage, Message: "title JSON does not match schema", Cause: err}
		}
		var doc titleDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, &OutputError{Stage: stage, Message: "malformed title JSON", Cause: err}
		}
		return types.TitleOutput{Titles: doc.Titles, Synopsis: strings.TrimSpace(doc.Synopsis)}, nil

	case types.StageOutline:
		raw := llm.CleanJSONBlock(text)
		if err := schemas.Validate(schemas.OutlineResult, []byte(raw)); err != nil {
			return nil, &OutputError{Stage: stage, Message: "outline JSON does not match schema", Cause: err}
		}
		var doc outlineDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, &OutputError{Stage: stage, Message: "malformed outline JSON", Cause: err}
		}
		return e.buildOutline(task, &doc), nil
	}
	return nil, fmt.Errorf("stage %s is not a single-call stage", stage)
}

// buildOutline turns the outline document into a node tree. Chapter orders
// run across volumes starting at 1.
func (e *Executor) buildOutline(task *types.Task, doc *outlineDocument) types.OutlineOutput {
	now := e.now()
	node := func(parent *uuid.UUID, level types.OutlineLevel, order int, title, content string) types.OutlineNode {
		return types.OutlineNode{
			ID:        uuid.New(),
			TaskID:    task.ID,
			ParentID:  parent,
			Level:     level,
			Order:     order,
			Title:     title,
			Content:   content,
			Status:    types.OutlineStatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	root := node(nil, types.OutlineLevelMain, 1, novelTitle(&task.ProcessedData), doc.MainOutline)
	nodes := []types.OutlineNode{root}
	chapterOrder := 0
	for vi, v := range doc.Volumes {
		vol := node(&root.ID, types.OutlineLevelVolume, vi+1, v.Title, v.Summary)
		nodes = append(nodes, vol)
		for _, c := range v.Chapters {
			chapterOrder++
			nodes = append(nodes, node(&vol.ID, types.OutlineLevelChapter, chapterOrder, c.Title, c.Summary))
		}
	}

	return types.OutlineOutput{
		Summary: types.OutlineSummary{
			MainOutline:  doc.MainOutline,
			VolumeCount:  len(doc.Volumes),
			ChapterCount: chapterOrder,
		},
		Nodes: nodes,
	}
}

// previousOutput renders the current output of a stage in the format the
// stage prompt asks for, so an optimize call can rewrite it
func previousOutput(stage types.StageType, pd *types.ProcessedData, outline []types.OutlineNode) (string, error) {
	switch stage {
	case types.StageIdea:
		return pd.Brainstorm, nil
	case types.StageTitle:
		b, err := json.Marshal(titleDocument{Titles: pd.Titles, Synopsis: pd.Synopsis})
		return string(b), err
	case types.StageOutline:
		b, err := json.Marshal(outlineToDocument(pd, outline))
		return string(b), err
	}
	return "", fmt.Errorf("stage %s has no rewritable output", stage)
}

func outlineToDocument(pd *types.ProcessedData, nodes []types.OutlineNode) map[string]any {
	type chapter struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	type volume struct {
		Title    string    `json:"title"`
		Summary  string    `json:"summary"`
		Chapters []chapter `json:"chapters"`
	}

	mainOutline := ""
	if pd.Outline != nil {
		mainOutline = pd.Outline.MainOutline
	}
	index := make(map[uuid.UUID]int)
	var volumes []volume
	for _, n := range nodes {
		if n.Level == types.OutlineLevelVolume {
			index[n.ID] = len(volumes)
			volumes = append(volumes, volume{Title: n.Title, Summary: n.Content})
		}
	}
	for _, n := range nodes {
		if n.Level != types.OutlineLevelChapter || n.ParentID == nil {
			continue
		}
		if i, ok := index[*n.ParentID]; ok {
			volumes[i].Chapters = append(volumes[i].Chapters, chapter{Title: n.Title, Summary: n.Content})
		}
	}
	return map[string]any{"main_outline": mainOutline, "volumes": volumes}
}

func stageContext(pd *types.ProcessedData) map[string]string {
	return map[string]string{
		"Brainstorm":    pd.Brainstorm,
		"SelectedTitle": novelTitle(pd),
		"NovelTitle":    novelTitle(pd),
		"Synopsis":      pd.Synopsis,
	}
}

func chapterContext(pd *types.ProcessedData, target types.ChapterTarget, previousSummary string) map[string]string {
	volumeTitle := ""
	if target.Volume != nil {
		volumeTitle = target.Volume.Title
	}
	if previousSummary == "" {
		previousSummary = "(none, this is the first chapter)"
	}
	return map[string]string{
		"VolumeTitle":     orNone(volumeTitle),
		"PreviousSummary": previousSummary,
		"ChapterOrder":    strconv.Itoa(target.Node.Order),
		"ChapterTitle":    target.Node.Title,
		"ChapterOutline":  target.Node.Content,
		"NovelTitle":      novelTitle(pd),
	}
}

func novelTitle(pd *types.ProcessedData) string {
	switch {
	case pd.SelectedTitle != "":
		return pd.SelectedTitle
	case len(pd.Titles) > 0:
		return pd.Titles[0]
	default:
		return "Untitled"
	}
}

func formatReview(report *types.ReviewReport) string {
	if report == nil {
		return "(none)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Score: %.0f\n", report.Score)
	for _, is := range report.Issues {
		fmt.Fprintf(&sb, "- [%s/%s] %s", is.Severity, is.Type, is.Description)
		if is.Location != "" {
			fmt.Fprintf(&sb, " (%s)", is.Location)
		}
		sb.WriteString("\n")
	}
	for _, s := range report.Suggestions {
		fmt.Fprintf(&sb, "Suggestion: %s\n", s)
	}
	return strings.TrimSpace(sb.String())
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
