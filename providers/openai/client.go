// Package openai provides a model.Client implementation backed by the
// OpenAI Chat Completions API, using github.com/openai/openai-go. It
// mirrors providers/anthropic's shape: translate engine requests into the
// provider's wire types, translate responses back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/tools"
)

// ChatCompletionsClient captures the subset of the OpenAI SDK client used by
// the adapter, so callers can pass either a real client or a test double.
type ChatCompletionsClient interface {
	New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
}

// Options configures optional adapter behavior.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatCompletionsClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model.Client.
func New(chat ChatCompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat completions client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: modelID, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := oai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		if isTransientBackendErr(err) {
			return nil, fmt.Errorf("openai: chat completions: %w: %w", model.ErrTransient, err)
		}
		return nil, fmt.Errorf("openai: chat completions: %w", err)
	}
	return translateResponse(resp), nil
}

// Stream is not supported by this adapter; the Agent Loop always has a
// non-streaming fallback via Complete.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := oai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxTokens = oai.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = oai.Float(temp)
	}
	return &params, nil
}

func encodeMessages(msgs []*model.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := flattenText(m.Parts)
		switch m.Role {
		case model.ConversationRoleSystem:
			if text != "" {
				out = append(out, oai.SystemMessage(text))
			}
		case model.ConversationRoleUser:
			out = append(out, encodeUserMessage(m, text))
		case model.ConversationRoleAssistant:
			out = append(out, encodeAssistantMessage(m, text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one encodable message is required")
	}
	return out, nil
}

// encodeUserMessage folds any ToolResultPart into individual tool-role
// messages, since Chat Completions carries tool results as their own
// message role rather than as content blocks on a user message.
func encodeUserMessage(m *model.Message, text string) oai.ChatCompletionMessageParamUnion {
	for _, p := range m.Parts {
		if v, ok := p.(model.ToolResultPart); ok {
			return oai.ToolMessage(string(v.Content), v.ToolUseID)
		}
	}
	return oai.UserMessage(text)
}

func encodeAssistantMessage(m *model.Message, text string) oai.ChatCompletionMessageParamUnion {
	var calls []oai.ChatCompletionMessageToolCallParam
	for _, p := range m.Parts {
		if v, ok := p.(model.ToolUsePart); ok {
			calls = append(calls, oai.ChatCompletionMessageToolCallParam{
				ID: v.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      string(v.Name),
					Arguments: string(v.Input),
				},
			})
		}
	}
	if len(calls) == 0 {
		return oai.AssistantMessage(text)
	}
	msg := oai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text != "" {
		msg.Content = oai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: oai.String(text),
		}
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func flattenText(parts []model.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if v, ok := p.(model.TextPart); ok {
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

func encodeTools(defs []*model.ToolDefinition) ([]oai.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]oai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		var params map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
		}
		out = append(out, oai.ChatCompletionToolParam{
			Function: oai.FunctionDefinitionParam{
				Name:        sanitizeToolName(string(def.Name)),
				Description: oai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// sanitizeToolName maps a fully qualified tool identifier (which may
// contain '/' from MCP namespacing) to OpenAI's allowed function-name
// character set, replacing any disallowed rune with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	name := string(out)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return true
	}
	return strings.Contains(err.Error(), "429")
}

// isTransientBackendErr reports whether err is safe to retry with backoff:
// HTTP 5xx responses, timeouts, and dropped connections. Rate limiting is
// classified separately by isRateLimited.
func isTransientBackendErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrTransient) {
		return true
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func translateResponse(resp *oai.ChatCompletion) *model.Response {
	out := &model.Response{}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if strings.TrimSpace(msg.Content) != "" {
			out.Content = append(out.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: msg.Content}},
			})
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:      call.ID,
				Name:    tools.Ident(call.Function.Name),
				Payload: json.RawMessage(call.Function.Arguments),
			})
		}
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}
