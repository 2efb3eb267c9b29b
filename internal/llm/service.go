package llm

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jonathan/novel-creator/internal/prompts"
	"github.com/jonathan/novel-creator/internal/types"
)

// Invocation describes one call by prompt reference. Exactly one of
// PromptID (a catalog template) or PromptKey (an auxiliary prompt in
// prompts.WritingFile) is set.
type Invocation struct {
	PromptID    int64
	PromptKey   string
	Context     map[string]string
	History     []types.Message
	ModelID     string
	Tier        ModelTier
	Temperature float64
	JSON        bool
}

// Completion is the result of an invocation. Prompt is the rendered user
// message so callers can extend the conversation.
type Completion struct {
	Text        string `json:"-"`
	Prompt      string `json:"-"`
	InputChars  int64  `json:"inputChars"`
	OutputChars int64  `json:"outputChars"`
	ModelID     string `json:"modelId"`
}

// Consumed returns the characters billed for the call
func (c *Completion) Consumed() int64 {
	return c.InputChars + c.OutputChars
}

// Service resolves prompts and calls the configured client
type Service struct {
	client  Client
	catalog *prompts.Catalog
}

// NewService creates an invocation service
func NewService(client Client, catalog *prompts.Catalog) *Service {
	return &Service{client: client, catalog: catalog}
}

// Complete performs a buffered invocation
func (s *Service) Complete(ctx context.Context, inv Invocation) (*Completion, error) {
	req, err := s.buildRequest(inv)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return complete(req, resp), nil
}

// Stream performs a streamed invocation, forwarding chunks to onChunk
func (s *Service) Stream(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Completion, error) {
	req, err := s.buildRequest(inv)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GenerateStream(ctx, req, onChunk)
	if err != nil {
		return nil, err
	}
	return complete(req, resp), nil
}

func (s *Service) buildRequest(inv Invocation) (Request, error) {
	var system, user string
	switch {
	case inv.PromptID > 0:
		tmpl, err := s.catalog.Template(inv.PromptID)
		if err != nil {
			return Request{}, err
		}
		system, user = tmpl.System, tmpl.User
	case inv.PromptKey != "":
		var err error
		user, err = prompts.Get(prompts.WritingFile, inv.PromptKey)
		if err != nil {
			return Request{}, err
		}
		// System prompts are optional for auxiliary calls
		system, _ = prompts.Get(prompts.WritingFile, inv.PromptKey+"-system")
	default:
		return Request{}, fmt.Errorf("invocation has no prompt reference")
	}

	return Request{
		Model:       inv.ModelID,
		Tier:        inv.Tier,
		System:      prompts.Format(system, inv.Context),
		History:     inv.History,
		Prompt:      prompts.Format(user, inv.Context),
		Temperature: inv.Temperature,
		JSON:        inv.JSON,
	}, nil
}

func complete(req Request, resp *Response) *Completion {
	input := utf8.RuneCountInString(req.System) + utf8.RuneCountInString(req.Prompt)
	for _, m := range req.History {
		input += utf8.RuneCountInString(m.Content)
	}
	return &Completion{
		Text:        resp.Text,
		Prompt:      req.Prompt,
		InputChars:  int64(input),
		OutputChars: int64(utf8.RuneCountInString(resp.Text)),
		ModelID:     resp.ModelID,
	}
}
