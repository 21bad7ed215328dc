package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// validateArguments checks a raw JSON argument payload against a declared
// parameter schema. It covers the subset of JSON schema the registry declares:
// an object with typed properties, required names, and closed-world keys.
func validateArguments(schema *jsonschema.Schema, rawArguments string) error {
	if schema == nil {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(rawArguments)))
	decoder.UseNumber()
	var arguments map[string]any
	if err := decoder.Decode(&arguments); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	for _, name := range schema.Required {
		if _, ok := arguments[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, value := range arguments {
		propSchema, ok := lookupProperty(schema, name)
		if !ok {
			if schema.AdditionalProperties == jsonschema.FalseSchema {
				return fmt.Errorf("unknown argument %q", name)
			}
			continue
		}
		if err := checkType(propSchema.Type, value); err != nil {
			return fmt.Errorf("argument %q: %w", name, err)
		}
	}

	return nil
}

func lookupProperty(schema *jsonschema.Schema, name string) (*jsonschema.Schema, bool) {
	if schema.Properties == nil {
		return nil, false
	}
	return schema.Properties.Get(name)
}

func checkType(schemaType string, value any) error {
	if value == nil {
		return nil
	}
	switch schemaType {
	case "", "object", "array":
		return nil
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "number":
		if _, ok := value.(json.Number); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case "integer":
		number, ok := value.(json.Number)
		if !ok {
			return fmt.Errorf("expected integer, got %T", value)
		}
		if _, err := number.Int64(); err != nil {
			return fmt.Errorf("expected integer, got %s", number)
		}
	default:
		return nil
	}
	return nil
}
