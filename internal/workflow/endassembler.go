package workflow

import (
	"strings"
	"time"
)

// endAssembler assembles one End node's ordered segments into the streamed
// response. A segment is emittable only when its dependency has completed;
// literals are emittable immediately. Tokens from an in-flight llm node
// feeding the cursor segment are forwarded live, in order.
type endAssembler struct {
	nodeID   string
	segments []Segment

	active    bool
	finished  bool
	cursor    int
	streamed  int // chars already forwarded for the cursor segment
	assembled strings.Builder

	pool      *Pool
	completed map[string]bool
	emit      func(text string)
}

func newEndAssembler(nodeID string, cfg EndConfig, pool *Pool, sink EventSink, executionID string) *endAssembler {
	return &endAssembler{
		nodeID:    nodeID,
		segments:  cfg.Segments,
		pool:      pool,
		completed: map[string]bool{},
		emit: func(text string) {
			if text == "" {
				return
			}
			sink(Event{
				Kind:        EventMessage,
				ExecutionID: executionID,
				NodeID:      nodeID,
				Text:        text,
				Time:        time.Now(),
			})
		},
	}
}

// activate marks the End node reachable and flushes what is already
// emittable.
func (a *endAssembler) activate() {
	if a.active {
		return
	}
	a.active = true
	a.flush()
}

// onChunk forwards a streaming token when the cursor segment depends on the
// emitting node.
func (a *endAssembler) onChunk(nodeID, token string) {
	if !a.active || a.finished || a.cursor >= len(a.segments) {
		return
	}
	seg := a.segments[a.cursor]
	if seg.DependsOn() != nodeID {
		return
	}
	a.emit(token)
	a.assembled.WriteString(token)
	a.streamed += len(token)
}

// onNodeComplete records a completion and flushes newly emittable segments.
func (a *endAssembler) onNodeComplete(nodeID string) {
	a.completed[nodeID] = true
	if a.active {
		a.flush()
	}
}

// flush emits segments in declared order until one is blocked on an
// incomplete dependency.
func (a *endAssembler) flush() {
	a.drain(false)
}

// drain emits segments in declared order. When force is set, segments whose
// dependency never ran (an untaken branch arm) resolve from the pool anyway,
// yielding empty, so later segments still emit.
func (a *endAssembler) drain(force bool) {
	for a.cursor < len(a.segments) {
		seg := a.segments[a.cursor]
		dep := seg.DependsOn()

		if seg.Selector == "" {
			a.emit(seg.Literal)
			a.assembled.WriteString(seg.Literal)
			a.cursor++
			a.streamed = 0
			continue
		}

		if dep != "" && !a.completed[dep] && !force {
			return
		}

		full := ""
		if v, ok := a.pool.Get(seg.Selector); ok {
			full = stringify(v.Data)
		}
		// Part of the value may already have streamed through onChunk.
		if a.streamed < len(full) {
			remainder := full[a.streamed:]
			a.emit(remainder)
			a.assembled.WriteString(remainder)
		}
		a.cursor++
		a.streamed = 0
	}
}

// finish runs when the End node itself executes. Remaining segments drain
// unconditionally: a segment referencing a node on an untaken branch arm
// resolves empty instead of blocking the literals declared after it.
func (a *endAssembler) finish() string {
	a.activate()
	a.drain(true)
	a.finished = true
	return a.assembled.String()
}
