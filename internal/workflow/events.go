package workflow

import "time"

// EventKind names one runtime event. Public consumers see start, message,
// end, and error only; internal consumers additionally see the node_*
// events.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventMessage   EventKind = "message"
	EventEnd       EventKind = "end"
	EventError     EventKind = "error"
	EventNodeStart EventKind = "node_start"
	EventNodeEnd   EventKind = "node_end"
	EventNodeChunk EventKind = "node_chunk"
	EventNodeError EventKind = "node_error"
)

// Event is one emission from a running execution.
type Event struct {
	Kind        EventKind   `json:"kind"`
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id,omitempty"`
	Text        string      `json:"text,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	Time        time.Time   `json:"time"`
}

// IsPublic reports whether the event belongs on the public stream.
func (e Event) IsPublic() bool {
	switch e.Kind {
	case EventStart, EventMessage, EventEnd, EventError:
		return true
	}
	return false
}

// EventSink receives runtime events in emission order. Implementations must
// not block for long; the runtime emits synchronously.
type EventSink func(Event)

// PublicOnly wraps a sink so it receives only public events.
func PublicOnly(sink EventSink) EventSink {
	return func(e Event) {
		if e.IsPublic() {
			sink(e)
		}
	}
}
