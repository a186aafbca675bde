package openai

import (
	"context"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/engine/model"
)

type stubChatClient struct {
	lastParams oai.ChatCompletionNewParams
	resp       *oai.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body oai.ChatCompletionNewParams, _ ...option.RequestOption) (*oai.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteTranslatesTextAndUsage(t *testing.T) {
	stub := &stubChatClient{resp: &oai.ChatCompletion{
		Choices: []oai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      oai.ChatCompletionMessage{Content: "world"},
			},
		},
		Usage: oai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}},
		},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "world", resp.Content[0].Parts[0].(model.TextPart).Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestCompleteSanitizesMCPToolNames(t *testing.T) {
	stub := &stubChatClient{resp: &oai.ChatCompletion{
		Choices: []oai.ChatCompletionChoice{{
			Message: oai.ChatCompletionMessage{
				ToolCalls: []oai.ChatCompletionMessageToolCall{
					{
						ID: "call-1",
						Function: oai.ChatCompletionMessageToolCallFunction{
							Name:      "mcp_fs_read_file",
							Arguments: `{"path":"a.go"}`,
						},
					},
				},
			},
		}},
	}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "read the file"}}},
		},
		Tools: []*model.ToolDefinition{
			{Name: "mcp/fs/read_file", Description: "reads a file"},
		},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "mcp_fs_read_file", string(resp.ToolCalls[0].Name))
	require.Len(t, stub.lastParams.Tools, 1)
	assert.Equal(t, "mcp_fs_read_file", stub.lastParams.Tools[0].Function.Name)
}

func TestCompleteEncodesToolResultAsToolMessage(t *testing.T) {
	stub := &stubChatClient{resp: &oai.ChatCompletion{Choices: []oai.ChatCompletionChoice{{Message: oai.ChatCompletionMessage{Content: "ack"}}}}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call-1", Name: "read_file", Input: []byte(`{"path":"a.go"}`)},
			}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call-1", Content: []byte(`"contents"`)},
			}},
		},
	}

	_, err = cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 2)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{})
	assert.Error(t, err)
}

func TestStreamUnsupported(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), &model.Request{})
	assert.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset by peer" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

func TestCompleteWrapsNetworkErrorsAsTransient(t *testing.T) {
	stub := &stubChatClient{err: fakeNetErr{}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 128})
	require.NoError(t, err)

	req := &model.Request{Messages: []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
	}}

	_, err = cl.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransient)
}
