// Package openai adapts the OpenAI Chat Completions API, or any compatible
// gateway reachable through BaseURL, to model.Model.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/shopmesh/model"
)

// ErrNoChoices is returned when a completion carries no choice.
var ErrNoChoices = errors.New("openai: completion has no choices")

// Options configure the adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	// BaseURL points the client at an OpenAI-compatible endpoint.
	BaseURL string
}

// Model generates with the Chat Completions API.
type Model struct {
	client *openai.Client
	opts   Options
}

func options(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewModel creates a model with its own client. Without an APIKey the client
// reads OPENAI_API_KEY.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := options(optFns)
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient shares an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: options(optFns)}
}

// Generate implements model.Model. Streaming requests emit every content
// delta as a partial response followed by one final response with usage.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		var (
			final model.Response
			err   error
		)
		if req.Stream {
			final, err = m.stream(ctx, m.params(req), out)
		} else {
			final, err = m.complete(ctx, m.params(req))
		}
		if err != nil {
			errCh <- err
			return
		}
		out <- final
	}()
	return out, errCh
}

func (m *Model) params(req model.Request) openai.ChatCompletionNewParams {
	maxTokens := m.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return openai.ChatCompletionNewParams{
		Model:               m.opts.Model,
		Messages:            buildMessages(req),
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

func (m *Model) complete(ctx context.Context, params openai.ChatCompletionNewParams) (model.Response, error) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai: %w", err)
	}
	return finalResponse(resp)
}

func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) (model.Response, error) {
	s := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	var acc openai.ChatCompletionAccumulator
	for s.Next() {
		chunk := s.Current()
		acc.AddChunk(chunk)
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			select {
			case out <- model.Response{ID: chunk.ID, Partial: true, Text: c.Delta.Content}:
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			}
		}
	}
	if err := s.Err(); err != nil {
		return model.Response{}, fmt.Errorf("openai stream: %w", err)
	}
	return finalResponse(&acc.ChatCompletion)
}

func finalResponse(resp *openai.ChatCompletion) (model.Response, error) {
	if len(resp.Choices) == 0 {
		return model.Response{}, ErrNoChoices
	}
	first := resp.Choices[0]
	return model.Response{
		ID:           resp.ID,
		Text:         first.Message.Content,
		FinishReason: first.FinishReason,
		Usage:        usageOf(resp.Usage),
	}, nil
}

func usageOf(u openai.CompletionUsage) *model.TokenUsage {
	if u.TotalTokens == 0 {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

// buildMessages maps the instructions to a system message and every
// normalized message to a user or assistant message.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	for _, msg := range req.Messages {
		if msg.Role == model.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(msg.Text))
			continue
		}
		msgs = append(msgs, openai.UserMessage(msg.Text))
	}
	return msgs
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai"}
}
