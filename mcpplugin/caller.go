package mcpplugin

import (
	"context"
	"encoding/json"
)

// ToolSchema is a single tool definition returned by a plugin's list_tools
// discovery call.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Caller is the transport-agnostic surface the plugin Manager drives: a
// live session to one plugin process, over stdio or HTTP.
type Caller interface {
	ListTools(ctx context.Context) ([]ToolSchema, error)
	CallTool(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error)
	Close() error
}
