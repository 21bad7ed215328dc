package llm

import (
	"github.com/invopop/jsonschema"
)

// Tool is a declared capability: a name, a description, and a JSON schema
// for its arguments. Declarations are fetched once at session start and never
// resolved dynamically per call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the callable surface of a tool.
type ToolFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Parameter describes one argument of a declared tool.
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// NewTool builds a Tool declaration from a flat parameter map.
func NewTool(name, description string, parameters map[string]Parameter) Tool {
	schema := &jsonschema.Schema{
		Type:                 "object",
		Properties:           jsonschema.NewProperties(),
		AdditionalProperties: jsonschema.FalseSchema,
	}
	for paramName, param := range parameters {
		schema.Properties.Set(paramName, &jsonschema.Schema{
			Type:        param.Type,
			Description: param.Description,
		})
		if param.Required {
			schema.Required = append(schema.Required, paramName)
		}
	}

	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
	}
}
