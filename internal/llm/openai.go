package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/jonathan/novel-creator/internal/types"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client using the openai-go chat completions API.
// Any OpenAI-compatible endpoint works through Config.BaseURL.
type OpenAIClient struct {
	client openai.Client
	config *Config
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(config *Config, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key missing")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), config: config}, nil
}

func (c *OpenAIClient) params(req Request) (openai.ChatCompletionNewParams, string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.config.GetModel(req.Tier)
	}
	if modelName == "" {
		return openai.ChatCompletionNewParams{}, "", errors.New("no model configured for tier " + string(req.Tier))
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, h := range req.History {
		switch h.Role {
		case types.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(h.Content))
		default:
			msgs = append(msgs, openai.UserMessage(h.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(modelName),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}, modelName, nil
}

// Generate performs a buffered call
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params, modelName, err := c.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Classify(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Kind: ErrorKindUpstream, Provider: ProviderOpenAI, Message: "empty choices"}
	}
	return &Response{Text: resp.Choices[0].Message.Content, ModelID: modelName}, nil
}

// GenerateStream streams a call chunk by chunk
func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	params, modelName, err := c.params(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onChunk != nil {
			if err := onChunk(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(ProviderOpenAI, err)
	}
	return &Response{Text: sb.String(), ModelID: modelName}, nil
}

// GetModel returns the model name for a tier
func (c *OpenAIClient) GetModel(tier ModelTier) string {
	return c.config.GetModel(tier)
}

// Close is a no-op; the HTTP client needs no teardown
func (c *OpenAIClient) Close() error {
	return nil
}
