package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/jonathan/novel-creator/internal/types"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Request is one model call. History holds prior turns; Prompt is the new
// user message.
type Request struct {
	Model       string
	Tier        ModelTier
	System      string
	History     []types.Message
	Prompt      string
	Temperature float64
	JSON        bool
}

// Response is the full text of a model call
type Response struct {
	Text    string
	ModelID string
}

// ChunkFunc receives streamed text in order. Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// Client is an abstraction over LLM providers
type Client interface {
	// Generate performs a buffered call
	Generate(ctx context.Context, req Request) (*Response, error)
	// GenerateStream forwards chunks to onChunk as they arrive and returns the
	// assembled text once the stream ends
	GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)
	// GetModel returns the provider model for a tier
	GetModel(tier ModelTier) string
	// Close releases any resources held by the client
	Close() error
}

// NewClient creates a new LLM client based on configuration
func NewClient(ctx context.Context, config *Config, apiKey string) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config, apiKey)
	default:
		return NewGeminiClient(ctx, config, apiKey)
	}
}

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		config: config,
	}, nil
}

func (c *GeminiClient) session(req Request) (*genai.ChatSession, string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.config.GetModel(req.Tier)
	}
	if modelName == "" {
		return nil, "", fmt.Errorf("no model configured for tier %s", req.Tier)
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(float32(req.Temperature))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	cs := model.StartChat()
	for _, m := range req.History {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return cs, modelName, nil
}

// Generate performs a buffered call
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	cs, modelName, err := c.session(req)
	if err != nil {
		return nil, err
	}

	resp, err := cs.SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, Classify(ProviderGemini, err)
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return nil, &APIError{Kind: ErrorKindUpstream, Provider: ProviderGemini, Message: err.Error(), Cause: err}
	}
	return &Response{Text: text, ModelID: modelName}, nil
}

// GenerateStream streams a call chunk by chunk
func (c *GeminiClient) GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	cs, modelName, err := c.session(req)
	if err != nil {
		return nil, err
	}

	iter := cs.SendMessageStream(ctx, genai.Text(req.Prompt))
	var sb strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, Classify(ProviderGemini, err)
		}
		chunk, err := extractTextFromResponse(resp)
		if err != nil {
			// Chunks without text parts (safety metadata) are skipped
			continue
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return nil, err
			}
		}
	}
	return &Response{Text: sb.String(), ModelID: modelName}, nil
}

// GetModel returns the model name for a tier
func (c *GeminiClient) GetModel(tier ModelTier) string {
	return c.config.GetModel(tier)
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}
