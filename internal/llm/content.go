package llm

// ContentShape selects the provider's multimodal content-part layout. This
// is the only provider-aware branch inside the core: OpenAI-style parts
// carry {"type":"text","text":...}; DashScope-style parts carry
// {"text":...}. Media parts are supplied already provider-shaped and pass
// through in order.
type ContentShape int

const (
	ShapeOpenAI ContentShape = iota
	ShapeDashScope
)

// ShapeFor returns the content shape for a provider name.
func ShapeFor(provider string) ContentShape {
	if provider == "dashscope" {
		return ShapeDashScope
	}
	return ShapeOpenAI
}

// BuildContent renders ordered content parts in the provider's shape.
// Text-only messages should be sent as plain strings instead; callers only
// reach here when a message carries Parts.
func BuildContent(shape ContentShape, parts []ContentPart) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(parts))
	for _, p := range parts {
		if p.Media != nil {
			out = append(out, p.Media)
			continue
		}
		switch shape {
		case ShapeDashScope:
			out = append(out, map[string]interface{}{"text": p.Text})
		default:
			out = append(out, map[string]interface{}{"type": "text", "text": p.Text})
		}
	}
	return out
}

// FlattenParts joins the text parts of a message for providers that take
// plain strings only.
func FlattenParts(parts []ContentPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}
