package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
)

// FallbackChatText is returned when the reasoning service is unavailable.
const FallbackChatText = "I'm having trouble answering that right now. I can still search products or update your cart."

var errEmptyCompletion = errors.New("empty completion")

const chatInstructions = "You are a friendly grocery shopping assistant. Answer briefly and helpfully. " +
	"Never invent prices or stock levels."

var chatPrompt = util.MustParseTemplate("chat", `{{if .Recent}}Recent conversation:
{{range .Recent}}- user: {{.Text}} ({{.Handler}})
{{end}}
{{end}}Known shopper preferences:
{{.Memory}}

Shopper: {{.Text}}`)

// ChatOptions configures the chat handler.
type ChatOptions struct {
	Deadline     time.Duration
	MaxTokens    int
	HistoryLines int
	MemoryLines  int
	Fallback     string
	Logger       logging.Logger
}

// ChatOutcome is the chat handler's result.
type ChatOutcome struct {
	Text     string
	Degraded bool
	Reason   string
}

// Chat is a stateless pass-through to the reasoning service.
//
// The prompt carries the last HistoryLines messages of the session and a
// summary of at most MemoryLines relationships. Any failure, including an
// empty completion, returns Fallback with the degradation reason.
type Chat struct {
	reasoner core.ReasoningService
	opts     ChatOptions
}

// NewChat creates the chat handler.
func NewChat(reasoner core.ReasoningService, optFns ...func(o *ChatOptions)) *Chat {
	opts := ChatOptions{
		Deadline:     2 * time.Second,
		MaxTokens:    300,
		HistoryLines: 6,
		MemoryLines:  8,
		Fallback:     FallbackChatText,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
	return &Chat{reasoner: reasoner, opts: opts}
}

// Respond answers the turn or returns the static fallback on failure.
func (h *Chat) Respond(ctx context.Context, view core.ChatView, mc core.MemoryContext) ChatOutcome {
	recent := view.Recent
	if h.opts.HistoryLines > 0 && len(recent) > h.opts.HistoryLines {
		recent = recent[len(recent)-h.opts.HistoryLines:]
	}
	prompt, err := chatPrompt.Render(map[string]any{
		"Recent": recent,
		"Memory": mc.Summary(h.opts.MemoryLines),
		"Text":   view.Text,
	})
	if err != nil {
		h.opts.Logger.Error("render chat prompt", "error", err)
		return ChatOutcome{Text: h.opts.Fallback, Degraded: true, Reason: "error"}
	}

	start := time.Now()
	text, err := util.CallWithDeadline(ctx, h.opts.Deadline, func(ctx context.Context) (string, error) {
		return h.reasoner.Complete(ctx, core.CompletionRequest{
			Instructions: chatInstructions,
			Prompt:       prompt,
			MaxTokens:    h.opts.MaxTokens,
			Deadline:     start.Add(h.opts.Deadline),
		})
	})
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = &core.ProviderError{Component: core.ComponentChat, Err: errEmptyCompletion}
	}
	if err != nil {
		err = core.Classify(core.ComponentChat, h.opts.Deadline, err)
		h.opts.Logger.Warn("chat degraded", "user_id", view.UserID, "error", err, "duration", time.Since(start))
		return ChatOutcome{Text: h.opts.Fallback, Degraded: true, Reason: core.Degradation(err)}
	}
	return ChatOutcome{Text: text}
}
