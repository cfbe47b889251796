package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single text turn sent to the model.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized model input.
type Request struct {
	Instructions string    `json:"instructions"` // System prompt
	Messages     []Message `json:"messages"`
	MaxTokens    int64     `json:"max_tokens,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
}

// LastUserText returns the text of the final user message.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text
		}
	}
	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", ...
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock"
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockOptions configures a MockModel.
type MockOptions struct {
	// Delay is waited (honouring ctx) before the first chunk.
	Delay time.Duration
	// Err, when set, is returned instead of a completion.
	Err error
	// Handler computes the completion from the request. It takes precedence
	// over canned responses.
	Handler func(req Request) (string, error)
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
type MockModel struct {
	info      Info
	opts      MockOptions
	mu        sync.Mutex
	responses map[string]string
	calls     int
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string, optFns ...func(o *MockOptions)) *MockModel {
	opts := MockOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		opts:      opts,
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a user prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls returns how many times Generate was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Model; emits optional streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	canned, hasCanned := m.responses[req.LastUserText()]
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if m.opts.Delay > 0 {
			timer := time.NewTimer(m.opts.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-timer.C:
			}
		}
		if m.opts.Err != nil {
			errCh <- m.opts.Err
			return
		}

		var full string
		switch {
		case m.opts.Handler != nil:
			out, err := m.opts.Handler(req)
			if err != nil {
				errCh <- err
				return
			}
			full = out
		case hasCanned:
			full = canned
		default:
			full = fmt.Sprintf("Mock response to: %s", req.LastUserText())
		}

		if req.Stream {
			for _, word := range strings.SplitAfter(full, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: word}:
				}
			}
		}
		respCh <- Response{Text: full, FinishReason: "stop"}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// Collect drains a Generate call and returns the final text. Partial chunks
// are concatenated when the provider never sends a final chunk.
func Collect(ctx context.Context, respCh <-chan Response, errCh <-chan error) (string, error) {
	var (
		partial strings.Builder
		final   *string
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				partial.WriteString(r.Text)
				continue
			}
			text := r.Text
			final = &text
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
	if final != nil {
		return *final, nil
	}
	return partial.String(), nil
}
