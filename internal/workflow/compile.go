package workflow

import (
	"memsci/internal/types"
)

// compiledNode is one node with its config decoded and successors resolved.
// Kind dispatch happens here, at build time, never per call.
type compiledNode struct {
	def  NodeDef
	kind NodeKind

	llm        *LLMNodeConfig
	ifElse     *IfElseConfig
	assigner   *AssignerConfig
	template   *TemplateConfig
	classifier *ClassifierConfig
	loop       *LoopConfig
	code       *CodeConfig
	end        *EndConfig

	// succ maps activation handle to target node ids. Plain edges use the
	// empty handle.
	succ    map[string][]string
	errSucc []string
}

// isBranch reports whether the node activates exactly one handle.
func (n *compiledNode) isBranch() bool {
	return n.kind == KindIfElse || n.kind == KindClassifier
}

// Graph is a validated, compiled workflow ready to execute.
type Graph struct {
	def     *Definition
	order   []string
	nodes   map[string]*compiledNode
	startID string
}

// Compile validates a definition and resolves every node's typed config and
// successor table.
func Compile(def *Definition) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	order, err := def.topoOrder()
	if err != nil {
		return nil, err
	}
	start, err := def.startNode()
	if err != nil {
		return nil, types.Kindf(types.ErrInvalidInput, "%v", err)
	}

	nodes, err := compileNodes(def)
	if err != nil {
		return nil, err
	}
	return &Graph{def: def, order: order, nodes: nodes, startID: start.ID}, nil
}

// compileNodes decodes each node's typed config and wires the successor
// tables. Loop bodies reuse it without the outer start/end requirements.
func compileNodes(def *Definition) (map[string]*compiledNode, error) {
	nodes := make(map[string]*compiledNode, len(def.Nodes))
	for _, nd := range def.Nodes {
		cn := &compiledNode{def: nd, kind: nd.Kind, succ: map[string][]string{}}
		switch nd.Kind {
		case KindStart:
			// No config.
		case KindLLM:
			cn.llm = &LLMNodeConfig{}
			if err := decodeConfig(nd, cn.llm); err != nil {
				return nil, err
			}
		case KindIfElse:
			cn.ifElse = &IfElseConfig{}
			if err := decodeConfig(nd, cn.ifElse); err != nil {
				return nil, err
			}
		case KindAssigner:
			cn.assigner = &AssignerConfig{}
			if err := decodeConfig(nd, cn.assigner); err != nil {
				return nil, err
			}
		case KindTemplate:
			cn.template = &TemplateConfig{}
			if err := decodeConfig(nd, cn.template); err != nil {
				return nil, err
			}
		case KindClassifier:
			cn.classifier = &ClassifierConfig{}
			if err := decodeConfig(nd, cn.classifier); err != nil {
				return nil, err
			}
			if len(cn.classifier.Categories) == 0 {
				return nil, types.Kindf(types.ErrInvalidInput, "classifier %s needs categories", nd.ID)
			}
		case KindLoop, KindIteration:
			cn.loop = &LoopConfig{}
			if err := decodeConfig(nd, cn.loop); err != nil {
				return nil, err
			}
			if len(cn.loop.Body.Nodes) == 0 {
				return nil, types.Kindf(types.ErrInvalidInput, "loop %s has an empty body", nd.ID)
			}
			if _, err := cn.loop.Body.topoOrder(); err != nil {
				return nil, types.Kindf(types.ErrInvalidInput, "loop %s body: %v", nd.ID, err)
			}
		case KindCode:
			cn.code = &CodeConfig{}
			if err := decodeConfig(nd, cn.code); err != nil {
				return nil, err
			}
		case KindEnd:
			cn.end = &EndConfig{}
			if err := decodeConfig(nd, cn.end); err != nil {
				return nil, err
			}
		default:
			return nil, types.Kindf(types.ErrInvalidInput, "unknown node kind %q", nd.Kind)
		}
		nodes[nd.ID] = cn
	}

	for _, e := range def.Edges {
		from, ok := nodes[e.From]
		if !ok {
			return nil, types.Kindf(types.ErrInvalidInput, "edge from unknown node %q", e.From)
		}
		if e.Handle == ErrorHandle {
			from.errSucc = append(from.errSucc, e.To)
			continue
		}
		from.succ[e.Handle] = append(from.succ[e.Handle], e.To)
	}

	return nodes, nil
}

// determined reports whether an End node is certainly reachable given the
// branch decisions taken so far: every path constraint from start resolves
// through non-branch nodes or already-decided branches.
func (g *Graph) determined(endID string, decided map[string]string) bool {
	visited := map[string]bool{}
	queue := []string{g.startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if id == endID {
			return true
		}

		node := g.nodes[id]
		if node.isBranch() {
			handle, ok := decided[id]
			if !ok {
				continue
			}
			queue = append(queue, node.succ[handle]...)
			continue
		}
		for _, targets := range node.succ {
			queue = append(queue, targets...)
		}
	}
	return false
}
