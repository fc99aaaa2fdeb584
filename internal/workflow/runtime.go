// Package workflow executes typed workflow DAGs: a variable pool with
// sys/conv/node namespaces, build-time node compilation, sequential
// scheduling with branch activation, streaming End-node assembly, and
// checkpointed state for conversation continuity.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/relational"
	"memsci/internal/types"
)

// executionStore is the slice of the relational store the runtime persists
// through. Nil disables durability and continuity.
type executionStore interface {
	InsertExecution(ctx context.Context, e relational.WorkflowExecution) error
	SaveCheckpoint(ctx context.Context, executionID string, checkpoint json.RawMessage) error
	FinishExecution(ctx context.Context, executionID, status, errText string) error
	LatestExecution(ctx context.Context, conversationID string) (*relational.WorkflowExecution, error)
}

// Runtime executes compiled workflows.
type Runtime struct {
	client       llm.Client
	model        string
	toolHandlers map[string]ToolHandler
	store        executionStore
	nodeTimeout  time.Duration
	cfg          types.MemoryConfig
}

// NewRuntime creates a workflow Runtime. store may be nil.
func NewRuntime(client llm.Client, model string, store executionStore, nodeTimeout time.Duration, cfg types.MemoryConfig) *Runtime {
	if nodeTimeout <= 0 {
		nodeTimeout = 120 * time.Second
	}
	return &Runtime{
		client:       client,
		model:        model,
		toolHandlers: map[string]ToolHandler{},
		store:        store,
		nodeTimeout:  nodeTimeout,
		cfg:          cfg,
	}
}

// RegisterTool binds a handler the llm nodes may call.
func (r *Runtime) RegisterTool(name string, h ToolHandler) {
	r.toolHandlers[name] = h
}

// RunRequest starts one execution.
type RunRequest struct {
	AppID          string                 `json:"app_id"`
	Message        string                 `json:"message"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	UserID         string                 `json:"user_id"`
	WorkspaceID    string                 `json:"workspace_id,omitempty"`
	Files          []interface{}          `json:"files,omitempty"`
}

// RunResult is the terminal outcome of one execution.
type RunResult struct {
	ExecutionID string        `json:"execution_id"`
	Output      string        `json:"output"`
	Status      string        `json:"status"`
	Elapsed     time.Duration `json:"elapsed"`
	TokenUsage  llm.TokenUsage `json:"token_usage"`
}

// NodeResult wraps one node run.
type NodeResult struct {
	Status     string           `json:"status"`
	Input      interface{}      `json:"input,omitempty"`
	Output     map[string]Value `json:"output,omitempty"`
	Elapsed    time.Duration    `json:"elapsed_time"`
	TokenUsage llm.TokenUsage   `json:"token_usage"`
	Error      string           `json:"error,omitempty"`

	// handle is the activation edge a branch node selected.
	handle string
	err    error
}

// execution carries the per-run state.
type execution struct {
	id         string
	graph      *Graph
	pool       *Pool
	sink       EventSink
	assemblers map[string]*endAssembler
	decided    map[string]string
	activated  map[string]bool
	usage      llm.TokenUsage
}

// Execute runs a workflow to completion, emitting events to sink. The
// returned result carries the aggregated End output.
func (r *Runtime) Execute(ctx context.Context, def *Definition, req RunRequest, sink EventSink) (*RunResult, error) {
	graph, err := Compile(def)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(Event) {}
	}

	start := time.Now()
	exec := &execution{
		id:         uuid.NewString(),
		graph:      graph,
		pool:       NewPool(),
		sink:       sink,
		assemblers: map[string]*endAssembler{},
		decided:    map[string]string{},
		activated:  map[string]bool{graph.startID: true},
	}

	r.seedContinuity(ctx, req.ConversationID, exec.pool)
	exec.pool.InjectSys(sysVariables(exec.id, req))

	if r.store != nil {
		if err := r.store.InsertExecution(ctx, relational.WorkflowExecution{
			ID:             exec.id,
			ConversationID: req.ConversationID,
			WorkspaceID:    req.WorkspaceID,
			UserID:         req.UserID,
		}); err != nil {
			logging.Get(logging.CategoryWorkflow).Error("Execution bookkeeping failed: %v", err)
		}
	}

	for id, node := range graph.nodes {
		if node.kind == KindEnd {
			exec.assemblers[id] = newEndAssembler(id, *node.end, exec.pool, sink, exec.id)
		}
	}
	sink(Event{Kind: EventStart, ExecutionID: exec.id, Time: time.Now()})
	logging.Workflow("Execution started: id=%s app=%s nodes=%d", exec.id, req.AppID, len(graph.nodes))
	r.refreshAssemblers(exec)

	output, runErr := r.runGraph(ctx, exec)
	elapsed := time.Since(start)

	if runErr != nil {
		sink(Event{Kind: EventError, ExecutionID: exec.id, Error: runErr.Error(), Time: time.Now()})
		r.finish(ctx, exec.id, "failed", runErr.Error())
		return &RunResult{ExecutionID: exec.id, Status: "failed", Elapsed: elapsed, TokenUsage: exec.usage}, runErr
	}

	sink(Event{Kind: EventEnd, ExecutionID: exec.id, Output: output, Time: time.Now()})
	r.finish(ctx, exec.id, "completed", "")
	logging.Workflow("Execution completed: id=%s elapsed=%s", exec.id, elapsed)
	return &RunResult{
		ExecutionID: exec.id,
		Output:      output,
		Status:      "completed",
		Elapsed:     elapsed,
		TokenUsage:  exec.usage,
	}, nil
}

// runGraph walks the topological order, executing activated nodes.
func (r *Runtime) runGraph(ctx context.Context, exec *execution) (string, error) {
	finalOutput := ""
	for _, id := range exec.graph.order {
		if err := ctx.Err(); err != nil {
			return "", types.Kindf(types.ErrWorkflowCanceled, "execution canceled: %v", err)
		}
		if !exec.activated[id] {
			continue
		}
		node := exec.graph.nodes[id]

		result := r.runNode(ctx, exec, node)
		exec.usage.PromptTokens += result.TokenUsage.PromptTokens
		exec.usage.CompletionTokens += result.TokenUsage.CompletionTokens
		exec.usage.TotalTokens += result.TokenUsage.TotalTokens

		if result.Status == "failed" {
			exec.sink(Event{
				Kind: EventNodeError, ExecutionID: exec.id, NodeID: id,
				Error: result.Error, Time: time.Now(),
			})
			if len(node.errSucc) > 0 {
				// Recoverable: follow the error edge.
				exec.pool.SetNodeOutputs(id, map[string]Value{
					"error": {Type: TypeString, Data: result.Error},
				})
				for _, target := range node.errSucc {
					exec.activated[target] = true
				}
				r.checkpoint(ctx, exec)
				continue
			}
			return "", fmt.Errorf("node %s failed: %w", id, result.err)
		}

		exec.pool.SetNodeOutputs(id, result.Output)
		exec.sink(Event{
			Kind: EventNodeEnd, ExecutionID: exec.id, NodeID: id,
			Output: result.Output, Time: time.Now(),
		})

		for _, a := range exec.assemblers {
			a.onNodeComplete(id)
		}

		if node.kind == KindEnd {
			if v, ok := result.Output["output"]; ok {
				finalOutput = stringify(v.Data)
			}
		}

		// Branch nodes activate one handle; everything else activates all
		// plain successors.
		if node.isBranch() {
			exec.decided[id] = result.handle
			for _, target := range node.succ[result.handle] {
				exec.activated[target] = true
			}
			r.refreshAssemblers(exec)
		} else {
			for handle, targets := range node.succ {
				if handle == "" {
					for _, target := range targets {
						exec.activated[target] = true
					}
				}
			}
		}

		r.checkpoint(ctx, exec)
	}
	return finalOutput, nil
}

// runNode executes one node with the soft timeout and wraps the outcome.
func (r *Runtime) runNode(ctx context.Context, exec *execution, node *compiledNode) *NodeResult {
	exec.sink(Event{Kind: EventNodeStart, ExecutionID: exec.id, NodeID: node.def.ID, Time: time.Now()})
	start := time.Now()

	nodeCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
	defer cancel()

	result := r.dispatch(nodeCtx, exec, node)
	result.Elapsed = time.Since(start)

	if result.Error != "" && nodeCtx.Err() == context.DeadlineExceeded {
		result.err = types.Kindf(types.ErrWorkflowNodeTimeout,
			"node %s exceeded %s", node.def.ID, r.nodeTimeout)
		result.Error = result.err.Error()
	}
	return result
}

// dispatch runs the kind-specific body. Configs were resolved at compile
// time.
func (r *Runtime) dispatch(ctx context.Context, exec *execution, node *compiledNode) *NodeResult {
	switch node.kind {
	case KindStart:
		return &NodeResult{Status: "succeeded", Output: map[string]Value{}}

	case KindLLM:
		return r.runLLMNode(ctx, exec, node)

	case KindIfElse:
		handle := evaluateCases(exec.pool, *node.ifElse)
		return &NodeResult{
			Status: "succeeded",
			Output: map[string]Value{"result": {Type: TypeString, Data: handle}},
			handle: handle,
		}

	case KindAssigner:
		if err := applyAssignments(exec.pool, *node.assigner); err != nil {
			return failedResult(err)
		}
		return &NodeResult{Status: "succeeded", Output: map[string]Value{}}

	case KindTemplate:
		vars := resolveTemplateVars(exec.pool, node.template.Variables)
		rendered := renderTemplate(node.template.Template, vars)
		return &NodeResult{
			Status: "succeeded",
			Output: map[string]Value{"output": {Type: TypeString, Data: rendered}},
		}

	case KindClassifier:
		return r.runClassifier(ctx, exec, node)

	case KindLoop, KindIteration:
		return r.runLoop(ctx, exec, node)

	case KindCode:
		outputs, err := runCode(ctx, *node.code, exec.pool)
		if err != nil {
			return failedResult(err)
		}
		wrapped := make(map[string]Value, len(outputs))
		for k, v := range outputs {
			wrapped[k] = Value{Type: InferType(v), Data: v}
		}
		return &NodeResult{Status: "succeeded", Output: wrapped}

	case KindEnd:
		assembler := exec.assemblers[node.def.ID]
		aggregated := assembler.finish()
		return &NodeResult{
			Status: "succeeded",
			Output: map[string]Value{"output": {Type: TypeString, Data: aggregated}},
		}
	}
	return failedResult(types.Kindf(types.ErrInvalidInput, "unknown node kind %q", node.kind))
}

// runLLMNode renders the prompt, then either streams a plain chat or drives
// the tool loop.
func (r *Runtime) runLLMNode(ctx context.Context, exec *execution, node *compiledNode) *NodeResult {
	cfg := node.llm
	model := cfg.Model
	if model == "" {
		model = r.model
	}

	var messages []llm.ChatMessage
	if cfg.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: renderSelectors(cfg.SystemPrompt, exec.pool)})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: renderSelectors(cfg.Prompt, exec.pool)})

	opts := llm.ChatOptions{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tools:       cfg.Tools,
	}

	var result *llm.ChatResult
	var err error
	if len(cfg.Tools) > 0 {
		loop := &toolLoop{client: r.client, model: model, handlers: r.toolHandlers, cfg: r.cfg}
		result, err = loop.run(ctx, messages, opts)
	} else {
		if cfg.Stream {
			opts.Stream = true
			nodeID := node.def.ID
			opts.OnToken = func(token string) {
				exec.sink(Event{
					Kind: EventNodeChunk, ExecutionID: exec.id, NodeID: nodeID,
					Text: token, Time: time.Now(),
				})
				for _, a := range exec.assemblers {
					a.onChunk(nodeID, token)
				}
			}
		}
		result, err = r.client.Chat(ctx, model, messages, opts)
	}
	if err != nil {
		return failedResult(err)
	}

	return &NodeResult{
		Status: "succeeded",
		Output: map[string]Value{
			"output":      {Type: TypeString, Data: result.Text},
			"token_usage": {Type: TypeObject, Data: usageMap(result.Usage)},
		},
		TokenUsage: result.Usage,
	}
}

// runClassifier asks the model for a single category and emits the CASEi
// handle, 1-indexed over the configured categories.
func (r *Runtime) runClassifier(ctx context.Context, exec *execution, node *compiledNode) *NodeResult {
	cfg := node.classifier
	model := cfg.Model
	if model == "" {
		model = r.model
	}

	input := ""
	if v, ok := exec.pool.Get(cfg.InputSelector); ok {
		input = stringify(v.Data)
	}

	categoryList := ""
	for i, c := range cfg.Categories {
		categoryList += fmt.Sprintf("%d. %s\n", i+1, c)
	}
	system := "You classify one input into exactly one of the numbered categories.\n" +
		"Categories:\n" + categoryList + "Respond with JSON only."
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"class_name"},
		"properties": map[string]interface{}{
			"class_name": map[string]interface{}{
				"type": "string",
				"enum": toInterfaces(cfg.Categories),
			},
		},
	}

	result, err := r.client.Chat(ctx, model, []llm.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: input},
	}, llm.ChatOptions{Schema: schema})
	if err != nil {
		return failedResult(err)
	}

	var out struct {
		ClassName string `json:"class_name"`
	}
	if err := json.Unmarshal(result.Structured, &out); err != nil {
		return failedResult(types.Kindf(types.ErrLLMParseError, "decoding classification: %w", err))
	}

	handle := ""
	for i, c := range cfg.Categories {
		if c == out.ClassName {
			handle = fmt.Sprintf("CASE%d", i+1)
			break
		}
	}
	if handle == "" {
		return failedResult(types.Kindf(types.ErrLLMParseError, "classifier chose unknown category %q", out.ClassName))
	}

	return &NodeResult{
		Status: "succeeded",
		Output: map[string]Value{
			"class_name": {Type: TypeString, Data: out.ClassName},
			"output":     {Type: TypeString, Data: handle},
		},
		TokenUsage: result.Usage,
		handle:     handle,
	}
}

// runLoop executes the body subgraph repeatedly. Iteration maps over the
// collection selector exposing <loop_id>.item and <loop_id>.index; loop
// repeats until the break selector resolves truthy or the iteration cap.
func (r *Runtime) runLoop(ctx context.Context, exec *execution, node *compiledNode) *NodeResult {
	cfg := node.loop
	body, err := compileBody(&cfg.Body)
	if err != nil {
		return failedResult(err)
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	iterations := 0
	if node.kind == KindIteration {
		collection := []interface{}{}
		if v, ok := exec.pool.Get(cfg.CollectionSelector); ok {
			if arr, okArr := v.Data.([]interface{}); okArr {
				collection = arr
			}
		}
		for i, item := range collection {
			if err := ctx.Err(); err != nil {
				return failedResult(types.Kindf(types.ErrWorkflowCanceled, "iteration canceled: %v", err))
			}
			exec.pool.SetNodeOutputs(node.def.ID, map[string]Value{
				"item":  {Type: InferType(item), Data: item},
				"index": {Type: TypeNumber, Data: float64(i)},
			})
			if err := r.runSubgraph(ctx, exec, body); err != nil {
				return failedResult(err)
			}
			iterations++
		}
	} else {
		for iterations < maxIterations {
			if err := ctx.Err(); err != nil {
				return failedResult(types.Kindf(types.ErrWorkflowCanceled, "loop canceled: %v", err))
			}
			exec.pool.SetNodeOutputs(node.def.ID, map[string]Value{
				"index": {Type: TypeNumber, Data: float64(iterations)},
			})
			if err := r.runSubgraph(ctx, exec, body); err != nil {
				return failedResult(err)
			}
			iterations++
			if cfg.BreakSelector != "" {
				if v, ok := exec.pool.Get(cfg.BreakSelector); ok && isTruthy(v) {
					break
				}
			}
		}
	}

	return &NodeResult{
		Status: "succeeded",
		Output: map[string]Value{
			"iterations": {Type: TypeNumber, Data: float64(iterations)},
		},
	}
}

// runSubgraph executes a loop body against the shared pool. Bodies have no
// start node; every root (indegree zero) is activated.
func (r *Runtime) runSubgraph(ctx context.Context, exec *execution, body *Graph) error {
	activated := map[string]bool{}
	indegree := map[string]int{}
	for _, id := range body.order {
		indegree[id] = 0
	}
	for _, e := range body.def.Edges {
		if e.Handle != ErrorHandle {
			indegree[e.To]++
		}
	}
	for _, id := range body.order {
		if indegree[id] == 0 {
			activated[id] = true
		}
	}

	for _, id := range body.order {
		if !activated[id] {
			continue
		}
		node := body.nodes[id]
		result := r.runNode(ctx, exec, node)
		if result.Status == "failed" {
			if len(node.errSucc) > 0 {
				exec.pool.SetNodeOutputs(id, map[string]Value{
					"error": {Type: TypeString, Data: result.Error},
				})
				for _, target := range node.errSucc {
					activated[target] = true
				}
				continue
			}
			return fmt.Errorf("loop body node %s failed: %s", id, result.Error)
		}
		exec.pool.SetNodeOutputs(id, result.Output)

		if node.isBranch() {
			for _, target := range node.succ[result.handle] {
				activated[target] = true
			}
		} else {
			for handle, targets := range node.succ {
				if handle == "" {
					for _, target := range targets {
						activated[target] = true
					}
				}
			}
		}
	}
	return nil
}

// refreshAssemblers activates assemblers for End nodes whose reachability
// is now certain given the branch decisions so far.
func (r *Runtime) refreshAssemblers(exec *execution) {
	for id, a := range exec.assemblers {
		if !a.active && exec.graph.determined(id, exec.decided) {
			a.activate()
		}
	}
}

// seedContinuity restores conv.* from the last completed execution of the
// same conversation.
func (r *Runtime) seedContinuity(ctx context.Context, conversationID string, pool *Pool) {
	if r.store == nil || conversationID == "" {
		return
	}
	prior, err := r.store.LatestExecution(ctx, conversationID)
	if err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("Continuity lookup failed: %v", err)
		return
	}
	if prior == nil || prior.Status != "completed" || len(prior.Checkpoint) == 0 {
		return
	}
	var st poolState
	if err := json.Unmarshal(prior.Checkpoint, &st); err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("Bad prior checkpoint for %s: %v", conversationID, err)
		return
	}
	pool.SeedConv(st.Conv)
	logging.WorkflowDebug("Continuity seeded: conversation=%s conv_vars=%d", conversationID, len(st.Conv))
}

// checkpoint persists the pool between node transitions.
func (r *Runtime) checkpoint(ctx context.Context, exec *execution) {
	if r.store == nil {
		return
	}
	state, err := exec.pool.MarshalState()
	if err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Checkpoint marshal failed: %v", err)
		return
	}
	if err := r.store.SaveCheckpoint(ctx, exec.id, state); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Checkpoint save failed: %v", err)
	}
}

func (r *Runtime) finish(ctx context.Context, executionID, status, errText string) {
	if r.store == nil {
		return
	}
	if err := r.store.FinishExecution(ctx, executionID, status, errText); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("Execution close failed: %v", err)
	}
}

// compileBody compiles a loop body, which is exempt from the outer graph's
// start/end requirements.
func compileBody(body *Definition) (*Graph, error) {
	order, err := body.topoOrder()
	if err != nil {
		return nil, err
	}
	nodes, err := compileNodes(body)
	if err != nil {
		return nil, err
	}
	return &Graph{def: body, order: order, nodes: nodes}, nil
}

func sysVariables(executionID string, req RunRequest) map[string]Value {
	inputVars := map[string]interface{}{}
	for k, v := range req.Variables {
		inputVars[k] = v
	}
	files := make([]interface{}, len(req.Files))
	copy(files, req.Files)
	return map[string]Value{
		"message":         {Type: TypeString, Data: req.Message},
		"conversation_id": {Type: TypeString, Data: req.ConversationID},
		"execution_id":    {Type: TypeString, Data: executionID},
		"workspace_id":    {Type: TypeString, Data: req.WorkspaceID},
		"user_id":         {Type: TypeString, Data: req.UserID},
		"input_variables": {Type: TypeObject, Data: inputVars},
		"files":           {Type: TypeArrayFile, Data: files},
	}
}

func usageMap(u llm.TokenUsage) map[string]interface{} {
	return map[string]interface{}{
		"prompt_tokens":     float64(u.PromptTokens),
		"completion_tokens": float64(u.CompletionTokens),
		"total_tokens":      float64(u.TotalTokens),
	}
}

func failedResult(err error) *NodeResult {
	return &NodeResult{Status: "failed", Error: err.Error(), err: err}
}

func isTruthy(v Value) bool {
	switch data := v.Data.(type) {
	case bool:
		return data
	case string:
		return data != ""
	case float64:
		return data != 0
	}
	return false
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
