package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/jonathan/novel-creator/internal/config"
	"github.com/jonathan/novel-creator/internal/db"
	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/memstore"
	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/review"
)

// newInvoker builds the model invocation service. Tests replace it.
var newInvoker = func(ctx context.Context, cfg *config.Config, catalog *prompts.Catalog) (pipeline.Invoker, func(), error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, nil, fmt.Errorf("an API key for provider %s is required (GEMINI_API_KEY or OPENAI_API_KEY)", cfg.Provider())
	}
	client, err := llm.NewClient(ctx, cfg.LLMConfig(), apiKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return llm.NewService(client, catalog), func() { _ = client.Close() }, nil
}

// engine is an orchestrator with the resources it owns
type engine struct {
	orch    *pipeline.Orchestrator
	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newEngine wires storage, the model and the reviewer into an orchestrator.
// An empty DatabaseURL keeps everything in memory.
func newEngine(ctx context.Context, cfg *config.Config, publisher pipeline.Publisher) (*engine, error) {
	e := &engine{}

	catalog, err := prompts.LoadDefaultCatalog()
	if err != nil {
		return nil, err
	}

	var (
		tasks   pipeline.TaskStore
		content pipeline.ContentStore
	)
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		e.closers = append(e.closers, database.Close)
		tasks, content = database, database
	} else {
		log.Println("[engine] DATABASE_URL not set; tasks are kept in memory")
		store := memstore.New()
		tasks, content = store, store
	}

	invoker, closeInvoker, err := newInvoker(ctx, cfg, catalog)
	if err != nil {
		e.Close()
		return nil, err
	}
	if closeInvoker != nil {
		e.closers = append(e.closers, closeInvoker)
	}

	e.orch, err = pipeline.New(pipeline.Options{
		Tasks:     tasks,
		Content:   content,
		Invoker:   invoker,
		Catalog:   catalog,
		Reviewer:  review.New(invoker),
		Publisher: publisher,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// loadConfig reads the optional config file, then the environment, then
// the defaults. Flags are applied by each command afterwards.
func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(config.Config{})
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// addConfigFlag registers the --config flag shared by every command
func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "config", "", "Path to config.json file (values can be overridden by flags)")
}
