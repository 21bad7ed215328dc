package openai

import (
	"github.com/invopop/jsonschema"

	"github.com/stellavoice/voicecore/internal/llm"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

func toMessages(instructions string, history []llm.Message) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}
	for _, entry := range history {
		msg := message{Content: entry.Content, ToolCallID: entry.ToolCallID}
		switch entry.Role {
		case llm.RoleUser:
			msg.Role = messageRoleUser
		case llm.RoleAssistant:
			msg.Role = messageRoleAssistant
			for _, tCall := range entry.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					ID:   tCall.ID,
					Type: "function",
					Function: toolCallFunction{
						Name:      tCall.Name,
						Arguments: tCall.Arguments,
					},
				})
			}
		case llm.RoleTool:
			msg.Role = messageRoleTool
		default:
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}
