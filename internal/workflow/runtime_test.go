package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/llm"
	"memsci/internal/relational"
	"memsci/internal/types"
)

// chatStep scripts one fake chat round.
type chatStep struct {
	tokens []string
	result llm.ChatResult
	err    error
}

type scriptedClient struct {
	mu    sync.Mutex
	steps []chatStep
	seen  [][]llm.ChatMessage
}

func (c *scriptedClient) Chat(_ context.Context, _ string, messages []llm.ChatMessage, opts llm.ChatOptions) (*llm.ChatResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, messages)
	if len(c.steps) == 0 {
		return &llm.ChatResult{Text: "out of script"}, nil
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	if opts.Stream && opts.OnToken != nil {
		for _, tok := range step.tokens {
			opts.OnToken(tok)
		}
	}
	result := step.result
	return &result, nil
}

// memExecStore keeps executions in memory for continuity tests.
type memExecStore struct {
	mu   sync.Mutex
	rows map[string]*relational.WorkflowExecution
}

func newMemExecStore() *memExecStore {
	return &memExecStore{rows: map[string]*relational.WorkflowExecution{}}
}

func (s *memExecStore) InsertExecution(_ context.Context, e relational.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Status = "running"
	e.StartedAt = time.Now()
	s.rows[e.ID] = &e
	return nil
}

func (s *memExecStore) SaveCheckpoint(_ context.Context, executionID string, checkpoint json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[executionID]; ok {
		row.Checkpoint = checkpoint
	}
	return nil
}

func (s *memExecStore) FinishExecution(_ context.Context, executionID, status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[executionID]; ok {
		row.Status = status
		row.Error = errText
	}
	return nil
}

func (s *memExecStore) LatestExecution(_ context.Context, conversationID string) (*relational.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *relational.WorkflowExecution
	for _, row := range s.rows {
		if row.ConversationID != conversationID {
			continue
		}
		if latest == nil || row.StartedAt.After(latest.StartedAt) {
			latest = row
		}
	}
	return latest, nil
}

func mustConfig(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Kind == EventMessage {
			out = append(out, e.Text)
		}
	}
	return out
}

func (l *eventLog) ranNodes() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]bool{}
	for _, e := range l.events {
		if e.Kind == EventNodeEnd {
			out[e.NodeID] = true
		}
	}
	return out
}

func TestExecuteStreamsSegmentsInOrder(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{tokens: []string{"Wo", "rld"}, result: llm.ChatResult{Text: "World"}},
	}}
	rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "llm1", Kind: KindLLM, Config: mustConfig(t, LLMNodeConfig{
				Prompt: "Greet {{ sys.message }}", Stream: true,
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{
				{Literal: "Hello, "},
				{Selector: "llm1.output"},
				{Literal: "!"},
			}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "llm1"},
			{From: "llm1", To: "end1"},
		},
	}

	log := &eventLog{}
	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "world", UserID: "u1"}, log.sink)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "Hello, World!", result.Output)

	messages := log.messages()
	if diff := cmp.Diff([]string{"Hello, ", "Wo", "rld", "!"}, messages); diff != "" {
		t.Fatalf("message events out of order (-want +got):\n%s", diff)
	}

	// Concatenated message events reproduce the terminal output exactly.
	assert.Equal(t, result.Output, strings.Join(messages, ""))

	kinds := log.kinds()
	assert.Equal(t, EventStart, kinds[0])
	assert.Equal(t, EventEnd, kinds[len(kinds)-1])
}

func TestExecuteBranchRunsOneArm(t *testing.T) {
	rt := NewRuntime(&scriptedClient{}, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "branch", Kind: KindIfElse, Config: mustConfig(t, IfElseConfig{Cases: []Case{
				{LogicalOperator: "and", Expressions: []Expression{
					{Selector: "sys.message", Comparator: CmpContains, Value: "yes"},
				}},
			}})},
			{ID: "endA", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Literal: "matched"}}})},
			{ID: "endB", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Literal: "fell through"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "branch"},
			{From: "branch", To: "endA", Handle: "CASE1"},
			{From: "branch", To: "endB", Handle: "CASE2"},
		},
	}

	t.Run("matching case", func(t *testing.T) {
		log := &eventLog{}
		result, err := rt.Execute(context.Background(), def, RunRequest{Message: "yes please", UserID: "u1"}, log.sink)
		require.NoError(t, err)
		assert.Equal(t, "matched", result.Output)
		ran := log.ranNodes()
		assert.True(t, ran["endA"])
		assert.False(t, ran["endB"])
	})

	t.Run("fallthrough case", func(t *testing.T) {
		log := &eventLog{}
		result, err := rt.Execute(context.Background(), def, RunRequest{Message: "nope", UserID: "u1"}, log.sink)
		require.NoError(t, err)
		assert.Equal(t, "fell through", result.Output)
		assert.Equal(t, []string{"fell through"}, log.messages())
	})
}

func TestExecuteClassifierRoutes(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{result: llm.ChatResult{Structured: json.RawMessage(`{"class_name":"write"}`)}},
	}}
	rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "cls", Kind: KindClassifier, Config: mustConfig(t, ClassifierConfig{
				InputSelector: "sys.message",
				Categories:    []string{"read", "write"},
			})},
			{ID: "endRead", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Literal: "read path"}}})},
			{ID: "endWrite", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Literal: "write path"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "cls"},
			{From: "cls", To: "endRead", Handle: "CASE1"},
			{From: "cls", To: "endWrite", Handle: "CASE2"},
		},
	}

	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "remember this", UserID: "u1"}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "write path", result.Output)
}

// classifierRoutingDef wires a classifier over the message into one End node
// per category; each arm surfaces the chosen class and activation handle.
func classifierRoutingDef(t *testing.T, categories []string) *Definition {
	t.Helper()
	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "cls", Kind: KindClassifier, Config: mustConfig(t, ClassifierConfig{
				InputSelector: "sys.message",
				Categories:    categories,
			})},
		},
		Edges: []EdgeDef{{From: "start1", To: "cls"}},
	}
	for i := range categories {
		endID := fmt.Sprintf("end%d", i+1)
		def.Nodes = append(def.Nodes, NodeDef{
			ID:   endID,
			Kind: KindEnd,
			Config: mustConfig(t, EndConfig{Segments: []Segment{
				{Selector: "cls.class_name"},
				{Literal: "|"},
				{Selector: "cls.output"},
			}}),
		})
		def.Edges = append(def.Edges, EdgeDef{From: "cls", To: endID, Handle: fmt.Sprintf("CASE%d", i+1)})
	}
	return def
}

func TestExecuteClassifierCategorySelection(t *testing.T) {
	t.Run("two categories picks the first arm", func(t *testing.T) {
		client := &scriptedClient{steps: []chatStep{
			{result: llm.ChatResult{Structured: json.RawMessage(`{"class_name":"产品咨询"}`)}},
		}}
		rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())
		def := classifierRoutingDef(t, []string{"产品咨询", "售后服务"})

		result, err := rt.Execute(context.Background(), def, RunRequest{
			Message: "我想买一台笔记本电脑", UserID: "u1",
		}, func(Event) {})
		require.NoError(t, err)
		assert.Equal(t, "产品咨询|CASE1", result.Output)

		// The classifier prompt carries the raw message and every category.
		require.Len(t, client.seen, 1)
		prompt := client.seen[0]
		assert.Equal(t, "我想买一台笔记本电脑", prompt[len(prompt)-1].Content)
		assert.Contains(t, prompt[0].Content, "售后服务")
	})

	t.Run("four categories picks the second arm", func(t *testing.T) {
		client := &scriptedClient{steps: []chatStep{
			{result: llm.ChatResult{Structured: json.RawMessage(`{"class_name":"订单查询"}`)}},
		}}
		rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())
		def := classifierRoutingDef(t, []string{"产品咨询", "订单查询", "售后服务", "投诉建议"})

		result, err := rt.Execute(context.Background(), def, RunRequest{
			Message: "我的订单什么时候能到？", UserID: "u1",
		}, func(Event) {})
		require.NoError(t, err)
		assert.Equal(t, "订单查询|CASE2", result.Output)
	})
}

func TestExecuteConversationContinuity(t *testing.T) {
	store := newMemExecStore()
	rt := NewRuntime(&scriptedClient{}, "test-model", store, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "count", Kind: KindAssigner, Config: mustConfig(t, AssignerConfig{Assignments: []Assignment{
				{Selector: "conv.turns", Operation: OpAssign, Value: 1.0},
			}})},
			{ID: "render", Kind: KindTemplate, Config: mustConfig(t, TemplateConfig{
				Template:  "turns={{ turns }}",
				Variables: map[string]string{"turns": "conv.turns"},
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "render.output"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "count"},
			{From: "count", To: "render"},
			{From: "render", To: "end1"},
		},
	}

	first, err := rt.Execute(context.Background(), def, RunRequest{
		Message: "hi", UserID: "u1", ConversationID: "conv-1",
	}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "turns=1", first.Output)

	// A second run in the same conversation sees the prior conv namespace.
	incr := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "count", Kind: KindAssigner, Config: mustConfig(t, AssignerConfig{Assignments: []Assignment{
				{Selector: "conv.turns", Operation: OpAdd, Value: 1.0},
			}})},
			{ID: "render", Kind: KindTemplate, Config: mustConfig(t, TemplateConfig{
				Template:  "turns={{ turns }}",
				Variables: map[string]string{"turns": "conv.turns"},
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "render.output"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "count"},
			{From: "count", To: "render"},
			{From: "render", To: "end1"},
		},
	}
	second, err := rt.Execute(context.Background(), incr, RunRequest{
		Message: "again", UserID: "u1", ConversationID: "conv-1",
	}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "turns=2", second.Output)
}

func TestExecuteErrorEdgeRecovers(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{err: types.Kindf(types.ErrLLMParseError, "model returned garbage")},
	}}
	rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "llm1", Kind: KindLLM, Config: mustConfig(t, LLMNodeConfig{Prompt: "hi"})},
			{ID: "fallback", Kind: KindTemplate, Config: mustConfig(t, TemplateConfig{
				Template: "Something went wrong.",
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "fallback.output"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "llm1"},
			{From: "llm1", To: "fallback", Handle: ErrorHandle},
			{From: "fallback", To: "end1"},
		},
	}

	log := &eventLog{}
	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "hi", UserID: "u1"}, log.sink)
	require.NoError(t, err)
	assert.Equal(t, "Something went wrong.", result.Output)
	assert.Contains(t, log.kinds(), EventNodeError)
}

func TestExecuteFailureWithoutErrorEdge(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{err: types.Kindf(types.ErrLLMParseError, "model returned garbage")},
	}}
	rt := NewRuntime(client, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "llm1", Kind: KindLLM, Config: mustConfig(t, LLMNodeConfig{Prompt: "hi"})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "llm1.output"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "llm1"},
			{From: "llm1", To: "end1"},
		},
	}

	log := &eventLog{}
	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "hi", UserID: "u1"}, log.sink)
	require.Error(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, log.kinds(), EventError)
}

func TestExecuteCodeNode(t *testing.T) {
	rt := NewRuntime(&scriptedClient{}, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "code1", Kind: KindCode, Config: mustConfig(t, CodeConfig{
				Code: `import "strings"

func Main(vars map[string]interface{}) map[string]interface{} {
	msg, _ := vars["msg"].(string)
	return map[string]interface{}{"shout": strings.ToUpper(msg)}
}`,
				Variables: map[string]string{"msg": "sys.message"},
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "code1.shout"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "code1"},
			{From: "code1", To: "end1"},
		},
	}

	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "quiet", UserID: "u1"}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "QUIET", result.Output)
}

func TestExecuteIterationNode(t *testing.T) {
	rt := NewRuntime(&scriptedClient{}, "test-model", nil, time.Minute, types.DefaultMemoryConfig())

	def := &Definition{
		Nodes: []NodeDef{
			{ID: "start1", Kind: KindStart},
			{ID: "seed", Kind: KindAssigner, Config: mustConfig(t, AssignerConfig{Assignments: []Assignment{
				{Selector: "conv.total", Operation: OpAssign, Value: 0.0},
				{Selector: "conv.items", Operation: OpAssign, Value: []interface{}{1.0, 2.0, 3.0}},
			}})},
			{ID: "iter", Kind: KindIteration, Config: mustConfig(t, LoopConfig{
				CollectionSelector: "conv.items",
				Body: Definition{
					Nodes: []NodeDef{
						{ID: "accumulate", Kind: KindAssigner, Config: mustConfig(t, AssignerConfig{Assignments: []Assignment{
							{Selector: "conv.total", Operation: OpAdd, ValueSelector: "iter.item"},
						}})},
					},
				},
			})},
			{ID: "render", Kind: KindTemplate, Config: mustConfig(t, TemplateConfig{
				Template:  "total={{ total }}",
				Variables: map[string]string{"total": "conv.total"},
			})},
			{ID: "end1", Kind: KindEnd, Config: mustConfig(t, EndConfig{Segments: []Segment{{Selector: "render.output"}}})},
		},
		Edges: []EdgeDef{
			{From: "start1", To: "seed"},
			{From: "seed", To: "iter"},
			{From: "iter", To: "render"},
			{From: "render", To: "end1"},
		},
	}

	result, err := rt.Execute(context.Background(), def, RunRequest{Message: "sum", UserID: "u1"}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "total=6", result.Output)
}

func TestPublicOnlyFiltersNodeEvents(t *testing.T) {
	log := &eventLog{}
	sink := PublicOnly(log.sink)
	sink(Event{Kind: EventNodeStart})
	sink(Event{Kind: EventMessage, Text: "hi"})
	sink(Event{Kind: EventNodeChunk, Text: "x"})
	sink(Event{Kind: EventEnd})
	assert.Equal(t, []EventKind{EventMessage, EventEnd}, log.kinds())
}
