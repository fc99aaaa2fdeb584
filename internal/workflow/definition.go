package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"memsci/internal/llm"
	"memsci/internal/types"
)

// NodeKind is the closed set of node variants.
type NodeKind string

const (
	KindStart      NodeKind = "start"
	KindLLM        NodeKind = "llm"
	KindIfElse     NodeKind = "if-else"
	KindAssigner   NodeKind = "assigner"
	KindTemplate   NodeKind = "jinja-render"
	KindClassifier NodeKind = "question-classifier"
	KindLoop       NodeKind = "loop"
	KindIteration  NodeKind = "iteration"
	KindCode       NodeKind = "code"
	KindEnd        NodeKind = "end"
)

// ErrorHandle marks an edge followed only when its source node fails.
const ErrorHandle = "error"

// NodeDef declares one node. Config is decoded into the kind's typed config
// at build time.
type NodeDef struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Title  string          `json:"title,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EdgeDef connects two nodes. Handle is empty for plain edges, CASEi for
// branch outputs, or "error" for failure routing.
type EdgeDef struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Handle string `json:"handle,omitempty"`
}

// Definition is one workflow DAG. Loop bodies nest their own Definition, so
// the outer graph stays acyclic.
type Definition struct {
	Nodes []NodeDef `json:"nodes"`
	Edges []EdgeDef `json:"edges"`
}

// LLMNodeConfig configures an llm node. The prompt is a template rendered
// against the variable pool.
type LLMNodeConfig struct {
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Prompt       string        `json:"prompt"`
	Model        string        `json:"model,omitempty"`
	Temperature  float64       `json:"temperature,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
	Tools        []llm.ToolDef `json:"tools,omitempty"`
}

// Comparison operators for if-else expressions.
type Comparator string

const (
	CmpEquals      Comparator = "eq"
	CmpNotEquals   Comparator = "ne"
	CmpGreaterThan Comparator = "gt"
	CmpLessThan    Comparator = "lt"
	CmpGreaterEq   Comparator = "ge"
	CmpLessEq      Comparator = "le"
	CmpContains    Comparator = "contains"
	CmpStartsWith  Comparator = "starts_with"
	CmpEmpty       Comparator = "empty"
	CmpNotEmpty    Comparator = "not_empty"
)

// Expression compares one pool variable against a literal.
type Expression struct {
	Selector   string      `json:"selector"`
	Comparator Comparator  `json:"comparator"`
	Value      interface{} `json:"value,omitempty"`
}

// Case is one if-else branch: its expressions combined with and/or.
type Case struct {
	LogicalOperator string       `json:"logical_operator"` // and, or
	Expressions     []Expression `json:"expressions"`
}

// IfElseConfig configures an if-else node. Case i emits CASEi; no match
// emits CASEn+1.
type IfElseConfig struct {
	Cases []Case `json:"cases"`
}

// AssignerOp mutates one conv.* variable.
type AssignerOp string

const (
	OpAdd         AssignerOp = "add"
	OpSub         AssignerOp = "sub"
	OpMul         AssignerOp = "mul"
	OpDiv         AssignerOp = "div"
	OpAssign      AssignerOp = "assign"
	OpCover       AssignerOp = "cover"
	OpClear       AssignerOp = "clear"
	OpAppend      AssignerOp = "append"
	OpRemoveFirst AssignerOp = "remove_first"
	OpRemoveLast  AssignerOp = "remove_last"
)

// Assignment is one assigner mutation. Value may be a literal or, when
// ValueSelector is set, read from the pool.
type Assignment struct {
	Selector      string      `json:"variable_selector"`
	Operation     AssignerOp  `json:"operation"`
	Value         interface{} `json:"value,omitempty"`
	ValueSelector string      `json:"value_selector,omitempty"`
}

// AssignerConfig configures an assigner node.
type AssignerConfig struct {
	Assignments []Assignment `json:"assignments"`
}

// TemplateConfig configures a jinja-render node. Variables maps template
// names onto pool selectors.
type TemplateConfig struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ClassifierConfig configures a question-classifier node.
type ClassifierConfig struct {
	InputSelector string   `json:"input_selector"`
	Categories    []string `json:"categories"`
	Model         string   `json:"model,omitempty"`
}

// LoopConfig configures loop and iteration nodes. Iteration maps over the
// collection selector; loop repeats the body until BreakSelector resolves
// truthy or MaxIterations is reached.
type LoopConfig struct {
	Body               Definition `json:"body"`
	CollectionSelector string     `json:"collection_selector,omitempty"`
	BreakSelector      string     `json:"break_selector,omitempty"`
	MaxIterations      int        `json:"max_iterations,omitempty"`
}

// CodeConfig configures a code node. Code is Go source interpreted in a
// sandbox; it must define Main(vars map[string]interface{}) map[string]interface{}.
type CodeConfig struct {
	Code      string            `json:"code"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Segment is one ordered piece of an End node's output: a literal, or a
// variable read from the pool when its owning node completes.
type Segment struct {
	Literal  string `json:"literal,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// DependsOn returns the node id a variable segment waits for, empty for
// literals and non-node namespaces.
func (s Segment) DependsOn() string {
	if s.Selector == "" {
		return ""
	}
	ns, _, ok := splitSelector(s.Selector)
	if !ok || ns == nsSys || ns == nsConv {
		return ""
	}
	return ns
}

// EndConfig configures an end node.
type EndConfig struct {
	Segments []Segment `json:"segments"`
}

// Validate checks structural invariants: exactly one start, at least one
// end, edge endpoints resolve, and the graph is acyclic.
func (d *Definition) Validate() error {
	ids := make(map[string]NodeKind, len(d.Nodes))
	starts, ends := 0, 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return types.Kindf(types.ErrInvalidInput, "node with empty id")
		}
		if strings.Contains(n.ID, ".") {
			return types.Kindf(types.ErrInvalidInput, "node id %q must not contain '.'", n.ID)
		}
		if n.ID == nsSys || n.ID == nsConv {
			return types.Kindf(types.ErrInvalidInput, "node id %q collides with a reserved namespace", n.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return types.Kindf(types.ErrInvalidInput, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = n.Kind
		switch n.Kind {
		case KindStart:
			starts++
		case KindEnd:
			ends++
		}
	}
	if starts != 1 {
		return types.Kindf(types.ErrInvalidInput, "workflow needs exactly one start node, has %d", starts)
	}
	if ends == 0 {
		return types.Kindf(types.ErrInvalidInput, "workflow needs at least one end node")
	}

	for _, e := range d.Edges {
		if _, ok := ids[e.From]; !ok {
			return types.Kindf(types.ErrInvalidInput, "edge from unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return types.Kindf(types.ErrInvalidInput, "edge to unknown node %q", e.To)
		}
	}

	if _, err := d.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns node ids in topological order. Cycles are an error;
// loops live in nested bodies, never as back-edges.
func (d *Definition) topoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Nodes))
	succ := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		succ[e.From] = append(succ[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(d.Nodes) {
		return nil, types.Kindf(types.ErrInvalidInput, "workflow graph has a cycle")
	}
	return order, nil
}

// startNode returns the unique start node.
func (d *Definition) startNode() (NodeDef, error) {
	for _, n := range d.Nodes {
		if n.Kind == KindStart {
			return n, nil
		}
	}
	return NodeDef{}, fmt.Errorf("no start node")
}

// decodeConfig unmarshals a node's config into its typed form.
func decodeConfig(n NodeDef, into interface{}) error {
	if len(n.Config) == 0 {
		return types.Kindf(types.ErrInvalidInput, "node %s (%s) requires a config", n.ID, n.Kind)
	}
	if err := json.Unmarshal(n.Config, into); err != nil {
		return types.Kindf(types.ErrInvalidInput, "bad config for node %s: %v", n.ID, err)
	}
	return nil
}
