package models

import "time"

// Message captures one entry in a research run's conversation transcript.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request embedded in an assistant message naming a
// tool and its arguments. Arguments holds the raw JSON object the model emitted.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	// ToolCall is set on assistant messages that request a tool.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// ToolCallID links a tool message back to the assistant call it answers.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
