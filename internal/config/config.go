// Package config provides configuration loading and validation for the
// server and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/types"
)

// Defaults applied by MergeWithDefaults when nothing else is set
const (
	DefaultPort          = 8080
	DefaultPromptGroupID = 7
)

// Config represents the configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults, the environment
// or CLI flags.
type Config struct {
	// Storage
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL; empty uses the in-memory store

	// Server
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// Model provider
	LLMProvider  string            `json:"llm_provider,omitempty" validate:"omitempty,oneof=gemini openai"`
	LLMBaseURL   string            `json:"llm_base_url,omitempty" validate:"omitempty,url"`
	GeminiAPIKey string            `json:"gemini_api_key,omitempty"`
	OpenAIAPIKey string            `json:"openai_api_key,omitempty"`
	Models       map[string]string `json:"models,omitempty"` // tier -> model override

	// Task defaults
	PromptGroupID int64            `json:"prompt_group_id,omitempty" validate:"gte=0"`
	Task          types.TaskConfig `json:"task,omitempty"`

	// Behavior
	Verbose bool `json:"verbose,omitempty"` // Print detailed progress
}

var validate = validator.New()

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values. Required
// values such as API keys are checked when a client is built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	for tier := range c.Models {
		switch llm.ModelTier(tier) {
		case llm.TierLite, llm.TierStandard, llm.TierAdvanced:
		default:
			return fmt.Errorf("config error: unknown model tier %q", tier)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.LLMProvider == "" {
		result.LLMProvider = defaults.LLMProvider
	}
	if result.LLMBaseURL == "" {
		result.LLMBaseURL = defaults.LLMBaseURL
	}
	if result.GeminiAPIKey == "" {
		result.GeminiAPIKey = defaults.GeminiAPIKey
	}
	if result.OpenAIAPIKey == "" {
		result.OpenAIAPIKey = defaults.OpenAIAPIKey
	}

	if result.Port == 0 {
		if defaults.Port > 0 {
			result.Port = defaults.Port
		} else {
			result.Port = DefaultPort
		}
	}
	if result.PromptGroupID == 0 {
		if defaults.PromptGroupID > 0 {
			result.PromptGroupID = defaults.PromptGroupID
		} else {
			result.PromptGroupID = DefaultPromptGroupID
		}
	}

	if len(defaults.Models) > 0 {
		models := make(map[string]string, len(defaults.Models)+len(result.Models))
		for k, v := range defaults.Models {
			models[k] = v
		}
		for k, v := range result.Models {
			models[k] = v
		}
		result.Models = models
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	return result
}

// ApplyEnv overrides fields with the environment variables that are set
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config error: PORT must be a number, got %q", v)
		}
		c.Port = port
	}
	return nil
}

// Provider returns the configured model provider
func (c *Config) Provider() llm.Provider {
	return llm.ParseProvider(c.LLMProvider)
}

// APIKey returns the key of the configured provider
func (c *Config) APIKey() string {
	if c.Provider() == llm.ProviderOpenAI {
		return c.OpenAIAPIKey
	}
	return c.GeminiAPIKey
}

// LLMConfig builds the model configuration with tier overrides applied
func (c *Config) LLMConfig() *llm.Config {
	cfg := llm.ConfigFor(c.Provider())
	cfg.BaseURL = c.LLMBaseURL
	for tier, model := range c.Models {
		cfg = cfg.WithModel(llm.ModelTier(tier), model)
	}
	return cfg
}

// DefaultPrompts returns the prompt configuration for new tasks
func (c *Config) DefaultPrompts() types.PromptConfig {
	id := c.PromptGroupID
	if id == 0 {
		id = DefaultPromptGroupID
	}
	return types.PromptConfig{PromptGroupID: &id}
}
