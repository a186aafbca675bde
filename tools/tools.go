// Package tools defines the metadata that describes a tool to the rest of
// the engine: its identity, its JSON schema, the permission category it
// falls under, and whether the Agent Loop may run it in parallel with
// others.
package tools

import "encoding/json"

// Ident is the strong type for a fully qualified tool identifier. MCP tools
// are namespaced as "mcp/<plugin>/<tool>"; built-ins use a bare name.
type Ident string

// Category classifies a tool for the Mode and Permission gates.
type Category string

const (
	CategoryRead              Category = "read"
	CategoryEdit              Category = "edit"
	CategoryBash              Category = "bash"
	CategoryExternalDirectory Category = "external_directory"
	CategoryMcpTools          Category = "mcp_tools"
)

// Spec is the descriptor for one tool: everything the Agent Loop, the
// Permission Evaluator, and the backend's tool-list need to know about it.
type Spec struct {
	// Name is the fully qualified tool identifier.
	Name Ident
	// Description is shown to the model and to human reviewers.
	Description string
	// InputSchema is the tool's JSON Schema for its arguments, validated by
	// the Tool Registry before dispatch.
	InputSchema json.RawMessage
	// Category drives Mode filtering and Permission Evaluator lookups.
	Category Category
	// Idempotent tools may be de-duplicated or run in parallel with other
	// independent idempotent tools within a single turn.
	Idempotent bool
	// Tags carries optional metadata labels consumed by policy or UI layers.
	Tags []string
}

// Call is one model-issued tool invocation.
type Call struct {
	// ID is the call's stable identifier, unique within one turn.
	ID string
	// Name is the tool being invoked.
	Name Ident
	// Arguments is the raw JSON the model supplied.
	Arguments json.RawMessage
}

// ErrorKind classifies why a Result carries no success payload. Kinds match
// the engine-wide error taxonomy: tool-originating failures never panic or
// propagate as a bare error, they become a Result the model can react to.
type ErrorKind string

const (
	ErrorKindToolFailure       ErrorKind = "tool_failure"
	ErrorKindPermissionDenied  ErrorKind = "permission_denied"
	ErrorKindPluginUnavailable ErrorKind = "plugin_unavailable"
	ErrorKindSubAgentLimit     ErrorKind = "sub_agent_limit"
)

// Result is the outcome of dispatching one Call.
type Result struct {
	// CallID references the Call this result answers.
	CallID string
	// Content is the success payload (text or structured JSON), empty on error.
	Content json.RawMessage
	// ErrorKind is empty on success.
	ErrorKind ErrorKind
	// ErrorMessage is the human-readable failure description, set iff ErrorKind is set.
	ErrorMessage string
	// IsPermissionError lets the model distinguish "I wasn't allowed" from
	// "the tool itself failed".
	IsPermissionError bool
	// Artifacts, when non-nil, carries a rendered artifact produced under
	// ArtifactsMode on/auto instead of (or alongside) Content.
	Artifacts json.RawMessage
}
