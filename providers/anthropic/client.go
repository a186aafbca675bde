// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates engine requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into model's generic types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/tools"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter, so callers can pass either a real client or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures optional adapter behavior.
type Options struct {
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
	// MaxTokens is the default completion cap when a request does not
	// specify one.
	MaxTokens int
	// Temperature is used when a request does not specify one.
	Temperature float64
	// ThinkingBudget is the default thinking token budget when thinking is
	// enabled but Request.Thinking.BudgetTokens is unset.
	ThinkingBudget int64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
	think        int64
}

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into model's generic structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		if isTransientBackendErr(err) {
			return nil, fmt.Errorf("anthropic: messages.new: %w: %w", model.ErrTransient, err)
		}
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg, nameMap)
}

// Stream is not supported by this adapter; the Agent Loop always has a
// non-streaming fallback via Complete.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	toolParams, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = int(c.think)
		}
		if budget < 1024 {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if int64(budget) >= int64(maxTokens) {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToSan)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, sanToCanon, nil
}

func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				sanitized, ok := nameMap[string(v.Name)]
				if !ok {
					return nil, nil, fmt.Errorf("anthropic: tool_use part references unknown tool %q", v.Name)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, sanitized))
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			}
			// Thinking and cache-checkpoint parts are provider-specific and
			// are not re-encoded here.
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := any(v.Content).(type) {
	case nil:
		content = ""
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := string(def.Name)
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized

		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", canonical, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToSan map[string]string) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceModeAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceModeTool:
		sanitized, ok := canonToSan[choice.Name]
		if !ok {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

// sanitizeToolName maps a fully qualified tool identifier (which may
// contain characters like '/' from MCP namespacing) to the character set
// Anthropic tool names allow, replacing any disallowed rune with '_'.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
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

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *sdk.Error
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
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Content = append(resp.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: block.Text}},
			})
		case "tool_use":
			name := block.Name
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      block.ID,
				Name:    tools.Ident(name),
				Payload: block.Input,
			})
		}
	}
	u := msg.Usage
	resp.Usage = model.TokenUsage{
		InputTokens:      int(u.InputTokens),
		OutputTokens:     int(u.OutputTokens),
		TotalTokens:      int(u.InputTokens + u.OutputTokens),
		CacheReadTokens:  int(u.CacheReadInputTokens),
		CacheWriteTokens: int(u.CacheCreationInputTokens),
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}
