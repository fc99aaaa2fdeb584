package reader

// InsufficientEvidence is the exact sentinel the summarizer returns when the
// retrieved memories cannot support an answer. Callers compare against it
// verbatim; it is never persisted to short-term memory.
const InsufficientEvidence = "信息不足，无法回答。"

const classifySystemPrompt = `You route one user message for a memory system.
Classify the intent:
- "read": the user asks about something previously discussed or stored.
- "write": the user states new information to remember.
- "chit-chat": greetings, small talk, or anything needing no memory.
Respond with JSON only.`

var classifySchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"intent"},
	"properties": map[string]interface{}{
		"intent": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"read", "write", "chit-chat"},
		},
	},
}

const decomposeSystemPrompt = `You decompose one user question about stored memories into
independent search sub-queries. Produce 1 to 3 sub-queries; a simple question
yields exactly one, itself. When the question is scoped to a time period,
fill time_range with RFC 3339 bounds. Respond with JSON only.`

var decomposeSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"sub_queries"},
	"properties": map[string]interface{}{
		"sub_queries": map[string]interface{}{"type": "array"},
		"time_range":  map[string]interface{}{"type": "object"},
	},
}

const summarizeSystemPrompt = `You answer one question using ONLY the retrieved memory evidence
provided. Write a concise natural-language answer grounded in the evidence.
If the evidence is insufficient to answer, respond with exactly:
信息不足，无法回答。
Do not invent facts. Do not mention the retrieval process.`

const directSystemPrompt = `You are a helpful assistant. Answer the user directly from the
conversation context.`
