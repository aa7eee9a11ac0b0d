package domain

// Chat roles understood by every LLM provider integration.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrators and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that request tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool result message back to the request it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool result messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// HasToolCalls reports whether the message requests at least one tool invocation.
func (m ChatMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Document is a single ranked result returned by the document retriever.
type Document struct {
	ID      string  `json:"id"`
	Source  string  `json:"source,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
