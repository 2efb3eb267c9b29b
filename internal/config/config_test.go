package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/novel-creator/internal/llm"
)

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"database_url": "postgres://localhost/novels",
		"port": 9090,
		"llm_provider": "openai",
		"models": {"advanced": "gpt-4.1"},
		"task": {"concurrency_limit": 3, "review_enabled": true},
		"verbose": true
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/novels", cfg.DatabaseURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, llm.ProviderOpenAI, cfg.Provider())
	assert.Equal(t, 3, cfg.Task.ConcurrencyLimit)
	assert.True(t, cfg.Task.ReviewEnabled)
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{ invalid json }`), 0644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{name: "valid", cfg: Config{Port: 8080, LLMProvider: "gemini", Models: map[string]string{"lite": "m"}}},
		{name: "bad port", cfg: Config{Port: 70000}, wantErr: "Port"},
		{name: "bad provider", cfg: Config{LLMProvider: "claude"}, wantErr: "LLMProvider"},
		{name: "bad base url", cfg: Config{LLMBaseURL: "not a url"}, wantErr: "LLMBaseURL"},
		{name: "bad tier", cfg: Config{Models: map[string]string{"huge": "m"}}, wantErr: "unknown model tier"},
		{name: "bad task limit", cfg: func() Config {
			c := Config{}
			c.Task.ConcurrencyLimit = 500
			return c
		}(), wantErr: "ConcurrencyLimit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	defaults := Config{
		DatabaseURL:  "postgres://default",
		LLMProvider:  "gemini",
		GeminiAPIKey: "default-key",
		Port:         9000,
		Models:       map[string]string{"lite": "small", "advanced": "big"},
	}

	partial := Config{
		GeminiAPIKey: "custom-key",
		Models:       map[string]string{"advanced": "bigger"},
	}

	merged := partial.MergeWithDefaults(defaults)

	// Custom values should be preserved
	assert.Equal(t, "custom-key", merged.GeminiAPIKey)
	assert.Equal(t, "bigger", merged.Models["advanced"])

	// Default values should fill in empty fields
	assert.Equal(t, "postgres://default", merged.DatabaseURL)
	assert.Equal(t, "gemini", merged.LLMProvider)
	assert.Equal(t, 9000, merged.Port)
	assert.Equal(t, "small", merged.Models["lite"])
	assert.Equal(t, int64(DefaultPromptGroupID), merged.PromptGroupID)
}

func TestMergeWithDefaults_EmptyDefaults(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://x"}

	merged := cfg.MergeWithDefaults(Config{})

	assert.Equal(t, "postgres://x", merged.DatabaseURL)
	assert.Equal(t, DefaultPort, merged.Port)
	assert.Nil(t, merged.Models)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_BASE_URL", "https://gateway.example.com/v1")
	t.Setenv("PORT", "7070")

	cfg := Config{DatabaseURL: "postgres://file", Port: 8080}
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "postgres://env", cfg.DatabaseURL)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "sk-env", cfg.APIKey())

	llmCfg := cfg.LLMConfig()
	assert.Equal(t, llm.ProviderOpenAI, llmCfg.Provider)
	assert.Equal(t, "https://gateway.example.com/v1", llmCfg.BaseURL)
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	cfg := Config{}
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLLMConfig_ModelOverrides(t *testing.T) {
	cfg := Config{Models: map[string]string{"advanced": "gemini-exp"}}

	llmCfg := cfg.LLMConfig()
	assert.Equal(t, llm.ProviderGemini, llmCfg.Provider)
	assert.Equal(t, "gemini-exp", llmCfg.GetModel(llm.TierAdvanced))
	assert.Equal(t, "gemini-2.5-flash", llmCfg.GetModel(llm.TierStandard))
}

func TestDefaultPrompts(t *testing.T) {
	prompts := (&Config{}).DefaultPrompts()
	require.NotNil(t, prompts.PromptGroupID)
	assert.Equal(t, int64(DefaultPromptGroupID), *prompts.PromptGroupID)
}
