package models

import "time"

// MessageRole identifies the sender of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is an LLM request to invoke a tool. The ID is assigned by the
// LLM; when a provider omits it the transport synthesises one so tool
// results can always be matched back to their call.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is a single entry in a session's conversation log.
// Insertion order is the conversational order.
//
// Per-role fields:
//   - user/system: Content only
//   - assistant:   Content plus an optional ordered ToolCalls list
//   - tool:        Content (the rendered result) plus the ToolCallID it
//     answers and the ToolName that produced it
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CreateMessageRequest contains fields for appending a message.
type CreateMessageRequest struct {
	SessionID  string      `json:"session_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}
