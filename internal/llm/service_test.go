package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing
type MockClient struct {
	GenerateFunc       func(ctx context.Context, req Request) (*Response, error)
	GenerateStreamFunc func(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)
}

func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{Text: "mock", ModelID: "mock-model"}, nil
}

func (m *MockClient) GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	if m.GenerateStreamFunc != nil {
		return m.GenerateStreamFunc(ctx, req, onChunk)
	}
	return m.Generate(ctx, req)
}

func (m *MockClient) GetModel(_ ModelTier) string { return "mock-model" }

func (m *MockClient) Close() error { return nil }

func newTestService(t *testing.T, client Client) *Service {
	t.Helper()
	catalog, err := prompts.LoadDefaultCatalog()
	require.NoError(t, err)
	return NewService(client, catalog)
}

func TestService_CompleteResolvesCatalogTemplate(t *testing.T) {
	var got Request
	svc := newTestService(t, &MockClient{
		GenerateFunc: func(_ context.Context, req Request) (*Response, error) {
			got = req
			return &Response{Text: "héllo", ModelID: "m-1"}, nil
		},
	})

	history := []types.Message{{Role: types.RoleUser, Content: "abc"}, {Role: types.RoleAssistant, Content: "de"}}
	c, err := svc.Complete(context.Background(), Invocation{
		PromptID:    2,
		Context:     map[string]string{"Brainstorm": "a lighthouse keeper"},
		History:     history,
		ModelID:     "m-1",
		Temperature: 0.4,
		JSON:        true,
	})
	require.NoError(t, err)

	assert.Contains(t, got.Prompt, "a lighthouse keeper")
	assert.NotContains(t, got.Prompt, "{{.Brainstorm}}")
	assert.NotEmpty(t, got.System)
	assert.Equal(t, "m-1", got.Model)
	assert.InDelta(t, 0.4, got.Temperature, 1e-9)
	assert.True(t, got.JSON)
	assert.Equal(t, history, got.History)

	assert.Equal(t, "héllo", c.Text)
	assert.Equal(t, int64(5), c.OutputChars)
	assert.Equal(t, int64(len([]rune(got.System))+len([]rune(got.Prompt))+5), c.InputChars)
	assert.Equal(t, c.InputChars+c.OutputChars, c.Consumed())
	assert.Equal(t, "m-1", c.ModelID)
}

func TestService_CompleteResolvesWritingPrompt(t *testing.T) {
	var got Request
	svc := newTestService(t, &MockClient{
		GenerateFunc: func(_ context.Context, req Request) (*Response, error) {
			got = req
			return &Response{Text: "summary"}, nil
		},
	})

	_, err := svc.Complete(context.Background(), Invocation{
		PromptKey: "chapter-summary",
		Context:   map[string]string{"ChapterTitle": "Low Tide", "ChapterContent": "The sea withdrew."},
	})
	require.NoError(t, err)
	assert.Contains(t, got.Prompt, "Low Tide")
	assert.Contains(t, got.System, "editor")
}

func TestService_UnknownPrompt(t *testing.T) {
	svc := newTestService(t, &MockClient{})

	_, err := svc.Complete(context.Background(), Invocation{PromptID: 999})
	var nf *prompts.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = svc.Complete(context.Background(), Invocation{})
	assert.Error(t, err)
}

func TestService_StreamForwardsChunks(t *testing.T) {
	svc := newTestService(t, &MockClient{
		GenerateStreamFunc: func(_ context.Context, _ Request, onChunk ChunkFunc) (*Response, error) {
			for _, c := range []string{"Once ", "upon ", "a time"} {
				if err := onChunk(c); err != nil {
					return nil, err
				}
			}
			return &Response{Text: "Once upon a time", ModelID: "m"}, nil
		},
	})

	var chunks []string
	c, err := svc.Stream(context.Background(), Invocation{PromptID: 1}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Once ", "upon ", "a time"}, chunks)
	assert.Equal(t, int64(16), c.OutputChars)
}

func TestService_PropagatesClientError(t *testing.T) {
	quota := &APIError{Kind: ErrorKindQuota, Provider: ProviderGemini, Message: "quota"}
	svc := newTestService(t, &MockClient{
		GenerateFunc: func(context.Context, Request) (*Response, error) { return nil, quota },
	})

	_, err := svc.Complete(context.Background(), Invocation{PromptID: 1})
	assert.True(t, errors.Is(err, quota))
}
