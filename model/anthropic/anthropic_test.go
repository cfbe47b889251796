package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/shopmesh/model"
	"github.com/stretchr/testify/assert"
)

var _ model.Model = (*Model)(nil)

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages([]model.Message{
		{Role: model.RoleUser, Text: "hi"},
		{Role: model.RoleAssistant, Text: ""},
		{Role: model.RoleAssistant, Text: "hello"},
	})
	assert.Len(t, msgs, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
}

func TestFinalResponse(t *testing.T) {
	res := finalResponse(&anthropic.Message{
		ID: "msg_1",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"handler":`},
			{Type: "thinking"},
			{Type: "text", Text: `"search"}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 30, OutputTokens: 7},
	})
	assert.Equal(t, "msg_1", res.ID)
	assert.Equal(t, `{"handler":"search"}`, res.Text)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.Equal(t, 37, res.Usage.TotalTokens)

	assert.Equal(t, "stop", finalResponse(&anthropic.Message{}).FinishReason)
}

func TestParams(t *testing.T) {
	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.MaxTokens = 64
	})
	p := m.params(model.Request{Instructions: "route", Messages: []model.Message{{Role: model.RoleUser, Text: "milk"}}})
	assert.Equal(t, int64(64), p.MaxTokens)
	assert.Len(t, p.System, 1)

	p = m.params(model.Request{MaxTokens: 16})
	assert.Equal(t, int64(16), p.MaxTokens)
	assert.Empty(t, p.System)
}
