package llm

// Role describes who a message is from.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the ordered history handed to the model.
type Message struct {
	Role    Role
	Content string

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string
	// ToolCalls carries structured calls requested in an assistant message.
	ToolCalls []ToolCall
}

// ToolCall is a structured tool invocation requested by the model. Arguments
// is the raw JSON payload exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is a single model invocation: system prompt, ordered history and
// the declared schemas for the tools the agent may call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
}

// Response is the model's reply once streaming has finished: either plain
// text or one structured tool-call request.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}
