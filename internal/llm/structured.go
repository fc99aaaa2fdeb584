package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"memsci/internal/types"
)

// ExtractJSON strips markdown code fences and surrounding prose from a
// model reply, returning the first JSON object or array found. Models
// wrap JSON in ```json fences often enough that every structured caller
// goes through here.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// ValidateAgainstSchema checks a decoded JSON value against the top level
// of a JSON schema: type, required properties, and enum membership. It is
// deliberately shallow; the structured prompts keep schemas flat.
func ValidateAgainstSchema(raw json.RawMessage, schema map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return types.Kindf(types.ErrLLMParseError, "structured output is not valid JSON: %v", err)
	}

	schemaType, _ := schema["type"].(string)
	switch schemaType {
	case "object", "":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return types.Kindf(types.ErrLLMParseError, "structured output is %T, want object", value)
		}
		required, _ := schema["required"].([]interface{})
		for _, r := range required {
			key, _ := r.(string)
			if _, present := obj[key]; !present {
				return types.Kindf(types.ErrLLMParseError, "structured output missing required field %q", key)
			}
		}
		props, _ := schema["properties"].(map[string]interface{})
		for key, p := range props {
			prop, _ := p.(map[string]interface{})
			enum, _ := prop["enum"].([]interface{})
			if len(enum) == 0 {
				continue
			}
			got, present := obj[key]
			if !present {
				continue
			}
			match := false
			for _, e := range enum {
				if e == got {
					match = true
					break
				}
			}
			if !match {
				return types.Kindf(types.ErrLLMParseError, "field %q value %v not in enum %v", key, got, enum)
			}
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return types.Kindf(types.ErrLLMParseError, "structured output is %T, want array", value)
		}
	}
	return nil
}

// FinishStructured fills the Structured field of a result from its text
// when a schema was requested, validating against the schema.
func FinishStructured(result *ChatResult, opts ChatOptions) error {
	if opts.Schema == nil {
		return nil
	}
	raw := json.RawMessage(ExtractJSON(result.Text))
	if err := ValidateAgainstSchema(raw, opts.Schema); err != nil {
		return err
	}
	result.Structured = raw
	return nil
}

// SchemaPrompt renders a schema instruction appended to the system prompt
// for providers without native structured output.
func SchemaPrompt(schema map[string]interface{}) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("\n\nRespond with a single JSON value matching this JSON schema, and nothing else:\n%s", data)
}
