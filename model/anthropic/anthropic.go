// Package anthropic adapts the Anthropic Messages API to model.Model.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/shopmesh/model"
)

// Options configures the adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model generates with Claude.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func options(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewModel creates a model with its own client. Without an APIKey the client
// reads ANTHROPIC_API_KEY.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := options(optFns)
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient shares an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: options(optFns)}
}

// Generate implements model.Model. Streaming requests forward text deltas as
// partial responses and finish with the accumulated message.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		var (
			msg *anthropic.Message
			err error
		)
		if req.Stream {
			msg, err = m.stream(ctx, m.params(req), out)
		} else {
			msg, err = m.client.Messages.New(ctx, m.params(req))
		}
		if err != nil {
			errCh <- fmt.Errorf("anthropic: %w", err)
			return
		}
		out <- finalResponse(msg)
	}()
	return out, errCh
}

func (m *Model) params(req model.Request) anthropic.MessageNewParams {
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	p := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}
	if req.Instructions != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	return p
}

func (m *Model) stream(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) (*anthropic.Message, error) {
	s := m.client.Messages.NewStreaming(ctx, params)
	defer s.Close()

	var msg anthropic.Message
	for s.Next() {
		event := s.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		select {
		case out <- model.Response{ID: msg.ID, Partial: true, Text: delta.Text}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func finalResponse(msg *anthropic.Message) model.Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	reason := string(msg.StopReason)
	if reason == "" {
		reason = "stop"
	}
	in, outTokens := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return model.Response{
		ID:           msg.ID,
		Text:         text.String(),
		FinishReason: reason,
		Usage:        &model.TokenUsage{PromptTokens: in, CompletionTokens: outTokens, TotalTokens: in + outTokens},
	}
}

// buildMessages drops empty messages; the Messages API rejects them.
func buildMessages(msgs []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Text == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Text)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic"}
}
