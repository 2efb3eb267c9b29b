package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/novel-creator/internal/observability"
	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/rendering"
	"github.com/jonathan/novel-creator/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Create a novel from the terminal",
	Long: `Runs a task through every stage: brainstorm -> titles -> outline -> chapters -> review.

The runner stops for approval between stages and after each stepwise chapter.
Use --yes to approve everything and pick the first title.

Configuration can be loaded from a JSON file using --config. Command-line arguments override config file values.`,
	RunE: runNovelCmd,
}

var (
	runConfigPath  string
	runDatabaseURL string
	runAPIKey      string
	runProvider    string
	runUserID      string
	runPromptGroup int64
	runReview      bool
	runStepwise    bool
	runConcurrency int
	runModel       string
	runYes         bool
	runOut         string
	runVerbose     bool
)

func init() {
	addConfigFlag(runCommand, &runConfigPath)
	runCommand.Flags().StringVar(&runDatabaseURL, "db-url", "", "PostgreSQL connection URL (optional; defaults to DATABASE_URL, else in-memory)")
	runCommand.Flags().StringVar(&runAPIKey, "api-key", "", "API key of the model provider (defaults to GEMINI_API_KEY or OPENAI_API_KEY)")
	runCommand.Flags().StringVar(&runProvider, "provider", "", "Model provider: gemini or openai")
	runCommand.Flags().StringVar(&runUserID, "user-id", "", "Owner of the task (random when empty)")
	runCommand.Flags().Int64Var(&runPromptGroup, "prompt-group", 0, "Prompt group id")
	runCommand.Flags().BoolVar(&runReview, "review", false, "Run the review stage after the chapters")
	runCommand.Flags().BoolVar(&runStepwise, "stepwise", false, "Write chapters one at a time with approval in between")
	runCommand.Flags().IntVar(&runConcurrency, "concurrency", 0, "Chapters generated in parallel")
	runCommand.Flags().StringVar(&runModel, "model", "", "Model id for every call")
	runCommand.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every step without asking")
	runCommand.Flags().StringVarP(&runOut, "out", "o", "", "Directory to write the manuscript to")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print progress events")

	rootCmd.AddCommand(runCommand)
}

func runNovelCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	// Command-line args take priority; only override explicitly set flags
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.DatabaseURL = runDatabaseURL
	}
	if flags.Changed("provider") {
		cfg.LLMProvider = runProvider
	}
	if flags.Changed("api-key") {
		cfg.GeminiAPIKey = runAPIKey
		cfg.OpenAIAPIKey = runAPIKey
	}
	if flags.Changed("prompt-group") {
		cfg.PromptGroupID = runPromptGroup
	}
	if flags.Changed("review") {
		cfg.Task.ReviewEnabled = runReview
	}
	if flags.Changed("stepwise") {
		cfg.Task.StepwiseChapters = runStepwise
	}
	if flags.Changed("concurrency") {
		cfg.Task.ConcurrencyLimit = runConcurrency
	}
	if flags.Changed("model") {
		cfg.Task.ModelID = runModel
	}
	if flags.Changed("verbose") {
		cfg.Verbose = runVerbose
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	userID := uuid.New()
	if runUserID != "" {
		if userID, err = uuid.Parse(runUserID); err != nil {
			return fmt.Errorf("invalid --user-id: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	printer := observability.NewPrinter(out)
	var publisher pipeline.Publisher
	if cfg.Verbose {
		publisher = printer
	}

	eng, err := newEngine(cmd.Context(), cfg, publisher)
	if err != nil {
		return err
	}
	defer eng.Close()

	r := &terminalRunner{
		orch:      eng.orch,
		printer:   printer,
		in:        bufio.NewReader(cmd.InOrStdin()),
		out:       out,
		assumeYes: runYes,
	}
	task, err := r.Run(cmd.Context(), userID, cfg.DefaultPrompts(), cfg.Task)
	if err != nil {
		return err
	}

	if runOut != "" && task.Lifecycle == types.LifecycleCompleted {
		return r.writeManuscript(cmd.Context(), task, runOut)
	}
	return nil
}

// errStopped is returned when the user declines to continue
var errStopped = errors.New("stopped by user")

// terminalRunner drives one task to completion, asking for approval at
// every continue point
type terminalRunner struct {
	orch      *pipeline.Orchestrator
	printer   *observability.Printer
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

// Run creates a task and advances it until it completes. Stopping at a
// prompt leaves the task waiting and returns it without error.
func (r *terminalRunner) Run(ctx context.Context, userID uuid.UUID, prompts types.PromptConfig, cfg types.TaskConfig) (*types.Task, error) {
	task, err := r.orch.CreateTask(ctx, userID, prompts, cfg, false)
	if err != nil {
		return nil, err
	}
	r.printf("Created task %s\n", task.ID)

	attempts := 0
	for {
		if task.Lifecycle.Terminal() {
			r.printer.PrintTask(task)
			if task.Lifecycle != types.LifecycleCompleted {
				return task, fmt.Errorf("task ended as %s", task.Lifecycle)
			}
			return task, nil
		}

		next, err := r.step(ctx, task)
		if errors.Is(err, errStopped) {
			r.printf("Stopped. Task %s is %s.\n", task.ID, task.Status())
			return task, nil
		}
		if err != nil {
			if !retryable(err) || attempts >= task.TaskConfig.MaxRetries {
				return task, err
			}
			attempts++
			r.printf("Retrying after error (%d/%d): %v\n", attempts, task.TaskConfig.MaxRetries, err)
			if next, err = r.orch.GetTask(ctx, task.ID); err != nil {
				return task, err
			}
		} else {
			attempts = 0
		}
		task = next
	}
}

// step performs one unit of work and returns the updated task
func (r *terminalRunner) step(ctx context.Context, task *types.Task) (*types.Task, error) {
	switch {
	case task.AwaitingTitleSelection:
		return r.chooseTitle(ctx, task)

	case task.Lifecycle == types.LifecyclePaused:
		return r.orch.ResumeTask(ctx, task.ID)

	case task.Lifecycle == types.LifecycleWaitingForContinue:
		next, _ := task.CurrentStage.Next()
		if !r.confirm(fmt.Sprintf("Continue to %s?", next)) {
			return task, errStopped
		}
		return r.execute(ctx, task.ID)

	case task.CurrentStage == types.StageContent && task.TaskConfig.StepwiseChapters:
		return r.stepwise(ctx, task)

	default:
		return r.execute(ctx, task.ID)
	}
}

// partialBatchError reports a chapter batch that left chapters unwritten
type partialBatchError struct {
	failed int
}

func (e *partialBatchError) Error() string {
	return fmt.Sprintf("%d chapters failed to generate", e.failed)
}

func retryable(err error) bool {
	var partial *partialBatchError
	if errors.As(err, &partial) {
		return true
	}
	var pe *pipeline.Error
	return errors.As(err, &pe) && pe.Retryable()
}

func (r *terminalRunner) execute(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	res, err := r.orch.ExecuteStage(ctx, taskID, "")
	if err != nil {
		return nil, err
	}
	r.printer.PrintStageOutput(res.Stage, &res.Task.ProcessedData)

	task := res.Task
	if res.Stage == types.StageContent && task.CurrentStage == types.StageContent && !task.Lifecycle.Terminal() {
		if summary := task.ProcessedData.GenerationSummary; summary != nil && summary.TotalFailed > 0 {
			return task, &partialBatchError{failed: summary.TotalFailed}
		}
	}
	return task, nil
}

// stepwise writes the next chapter and asks whether to keep it. Declining
// rewrites the same chapter.
func (r *terminalRunner) stepwise(ctx context.Context, task *types.Task) (*types.Task, error) {
	var (
		res *types.StepwiseResult
		err error
	)
	if task.LastStepwiseOrder == 0 {
		res, err = r.orch.GenerateNextChapter(ctx, task.ID, 0)
	} else {
		res, err = r.orch.ContinueNextChapter(ctx, task.ID)
	}
	if err != nil {
		return nil, err
	}
	r.printer.PrintStepwise(res)
	r.printer.PrintReview(res.ReviewReport)

	for !res.StageFinished {
		switch strings.ToLower(r.ask("Keep this chapter? [Y]es / [r]ewrite / [q]uit", "y")) {
		case "y", "yes":
			return r.orch.GetTask(ctx, task.ID)
		case "q", "quit":
			return task, errStopped
		case "r", "rewrite":
			if res, err = r.orch.GenerateNextChapter(ctx, task.ID, res.Chapter.Order); err != nil {
				return nil, err
			}
			r.printer.PrintStepwise(res)
			r.printer.PrintReview(res.ReviewReport)
		default:
			r.printf("Please answer y, r or q.\n")
		}
	}
	return r.orch.GetTask(ctx, task.ID)
}

func (r *terminalRunner) chooseTitle(ctx context.Context, task *types.Task) (*types.Task, error) {
	titles := task.ProcessedData.Titles
	if r.assumeYes {
		return r.orch.SelectTitle(ctx, task.ID, titles[0], false)
	}

	for {
		r.printf("Choose a title:\n")
		for i, t := range titles {
			r.printf("  %d. %s\n", i+1, t)
		}
		answer := r.ask("Number, or type your own title", "1")
		if answer == "q" {
			return task, errStopped
		}
		if n, err := strconv.Atoi(answer); err == nil {
			if n >= 1 && n <= len(titles) {
				return r.orch.SelectTitle(ctx, task.ID, titles[n-1], false)
			}
			r.printf("Pick a number between 1 and %d.\n", len(titles))
			continue
		}
		return r.orch.SelectTitle(ctx, task.ID, answer, true)
	}
}

func (r *terminalRunner) confirm(question string) bool {
	if r.assumeYes {
		return true
	}
	answer := strings.ToLower(r.ask(question+" [Y/n]", "y"))
	return answer == "y" || answer == "yes"
}

// ask prints a prompt and reads one line. End of input counts as quit.
func (r *terminalRunner) ask(prompt, def string) string {
	r.printf("%s: ", prompt)
	line, err := r.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "q"
	}
	if line == "" {
		return def
	}
	return line
}

func (r *terminalRunner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// writeManuscript writes the finished novel as markdown and HTML
func (r *terminalRunner) writeManuscript(ctx context.Context, task *types.Task, dir string) error {
	chapters, err := r.orch.ListChapters(ctx, task.ID)
	if err != nil {
		return err
	}
	title := task.ProcessedData.SelectedTitle
	markdown := rendering.Manuscript(title, chapters)
	html, err := rendering.ToHTML(markdown)
	if err != nil {
		return err
	}

	name := strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(title), "_"), "_")
	if name == "" {
		name = task.ID.String()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for ext, content := range map[string]string{".md": markdown, ".html": html} {
		path := filepath.Join(dir, name+ext)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		r.printf("Wrote %s\n", path)
	}
	return nil
}
