// Package model defines the provider-agnostic request/response/message
// types the Agent Loop uses to talk to a text-completion backend, plus the
// Client/Streamer contract a concrete backend adapter implements. The core
// never imports a concrete provider package; it only depends on this
// package's interfaces.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentforge/engine/tools"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
	ConversationRoleTool      ConversationRole = "tool"
)

type (
	// Part is a marker interface implemented by every message content
	// block. Concrete variants keep provider-precise structure instead of
	// flattening everything to a string.
	Part interface {
		isPart()
	}

	// TextPart is a plain text content block.
	TextPart struct {
		Text string
	}

	// ThinkingPart carries provider-issued extended-reasoning content. The
	// Agent Loop emits no event for it and keeps it in the assistant message
	// it appends to history, so it is re-sent on later turns for every model.
	ThinkingPart struct {
		Text      string
		Signature string
		Index     int
		Final     bool
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID uniquely identifies this tool call within the run.
		ID string
		// Name is the tool identifier requested by the model.
		Name tools.Ident
		// Input is the canonical JSON arguments supplied by the model.
		Input json.RawMessage
	}

	// ToolResultPart carries a tool result attached to a user-role message
	// so the model can read it on the next turn.
	ToolResultPart struct {
		// ToolUseID correlates this result to a prior ToolUsePart.ID.
		ToolUseID string
		// Content is the result payload (text or JSON), empty on error.
		Content json.RawMessage
		// IsError reports whether Content represents a tool failure.
		IsError bool
		// IsPermissionError additionally marks a denial, so the model can
		// tell "I wasn't allowed" from "the tool failed".
		IsPermissionError bool
	}

	// CacheCheckpointPart marks a cache boundary in a message. Providers
	// that do not support prompt caching ignore this part.
	CacheCheckpointPart struct{}

	// Message is a single chat message: a role plus ordered content parts.
	Message struct {
		Role  ConversationRole
		Parts []Part
		// Meta carries optional application-specific metadata (e.g. the
		// token count once computed, or compaction bookkeeping).
		Meta map[string]any
	}

	// ToolDefinition describes a tool exposed to the model for this request.
	ToolDefinition struct {
		Name        tools.Ident
		Description string
		InputSchema json.RawMessage
	}

	// ToolCall is a tool invocation as reported back by the backend.
	ToolCall struct {
		ID      string
		Name    tools.Ident
		Payload json.RawMessage
	}

	// ToolChoiceMode controls how the model is asked to use tools.
	ToolChoiceMode string

	// ToolChoice configures tool-use behavior for a Request. Nil means the
	// provider's default (usually auto).
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string
	}

	// TokenUsage tracks token counts for one backend call.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// ThinkingOptions configures provider extended-reasoning behavior.
	ThinkingOptions struct {
		Enable       bool
		Interleaved  bool
		BudgetTokens int
	}

	// Request captures the inputs for one backend invocation.
	Request struct {
		RunID       string
		Model       string
		Messages    []*Message
		Temperature float32
		Tools       []*ToolDefinition
		ToolChoice  *ToolChoice
		MaxTokens   int
		Stream      bool
		Thinking    *ThinkingOptions
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		Content    []Message
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Chunk is one streaming event from the backend.
	Chunk struct {
		Type       string
		Message    *Message
		Thinking   string
		ToolCall   *ToolCall
		UsageDelta *TokenUsage
		StopReason string
	}

	// Client is the provider-agnostic backend contract. Concrete provider
	// adapters (see providers/anthropic, providers/openai) implement it;
	// the engine core only ever depends on this interface.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Callers drain Recv until
	// it returns io.EOF or another terminal error, then call Close.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
		Metadata() map[string]any
	}
)

const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeAny  ToolChoiceMode = "any"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

const (
	ChunkTypeText      = "text"
	ChunkTypeToolCall  = "tool_call"
	ChunkTypeThinking  = "thinking"
	ChunkTypeUsage     = "usage"
	ChunkTypeStop      = "stop"
)

// ErrStreamingUnsupported indicates the provider does not support streaming.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting (HTTP 429). This is one of the transient categories the Agent
// Loop's backoff policy retries against; once retries are exhausted it
// surfaces as Finished(reason=BackendError).
var ErrRateLimited = errors.New("model: rate limited")

// ErrTransient wraps backend errors that are safe to retry with backoff but
// are not rate limiting specifically: dropped connections, timeouts, and
// HTTP 5xx responses. Provider adapters wrap the underlying SDK error with
// this sentinel via fmt.Errorf("...: %w", ErrTransient) (or errors.Join) so
// errors.Is sees both the sentinel and the original cause.
var ErrTransient = errors.New("model: transient backend error")

func (TextPart) isPart()            {}
func (ThinkingPart) isPart()        {}
func (ToolUsePart) isPart()         {}
func (ToolResultPart) isPart()      {}
func (CacheCheckpointPart) isPart() {}
