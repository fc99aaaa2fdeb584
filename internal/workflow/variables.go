package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"memsci/internal/types"
)

// VariableType constrains what a pool variable may hold. Type mismatch on
// write fails the writing node.
type VariableType string

const (
	TypeString      VariableType = "STRING"
	TypeNumber      VariableType = "NUMBER"
	TypeBoolean     VariableType = "BOOLEAN"
	TypeObject      VariableType = "OBJECT"
	TypeArrayString VariableType = "ARRAY_STRING"
	TypeArrayNumber VariableType = "ARRAY_NUMBER"
	TypeArrayObject VariableType = "ARRAY_OBJECT"
	TypeArrayFile   VariableType = "ARRAY_FILE"
)

// Value is one typed pool variable.
type Value struct {
	Type VariableType `json:"type"`
	Data interface{}  `json:"data"`
}

// ZeroValue returns the type's zero: "", 0, false, {}, [].
func ZeroValue(t VariableType) Value {
	switch t {
	case TypeString:
		return Value{Type: t, Data: ""}
	case TypeNumber:
		return Value{Type: t, Data: float64(0)}
	case TypeBoolean:
		return Value{Type: t, Data: false}
	case TypeObject:
		return Value{Type: t, Data: map[string]interface{}{}}
	default:
		return Value{Type: t, Data: []interface{}{}}
	}
}

// checkType reports whether data is acceptable for the declared type.
func checkType(t VariableType, data interface{}) bool {
	switch t {
	case TypeString:
		_, ok := data.(string)
		return ok
	case TypeNumber:
		switch data.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := data.(bool)
		return ok
	case TypeObject:
		_, ok := data.(map[string]interface{})
		return ok
	case TypeArrayString, TypeArrayNumber, TypeArrayObject, TypeArrayFile:
		_, ok := data.([]interface{})
		return ok
	}
	return false
}

// InferType maps a Go value onto the closest variable type.
func InferType(data interface{}) VariableType {
	switch v := data.(type) {
	case string:
		return TypeString
	case float64, float32, int, int32, int64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case map[string]interface{}:
		return TypeObject
	case []interface{}:
		for _, el := range v {
			switch el.(type) {
			case string:
				return TypeArrayString
			case float64, float32, int, int32, int64:
				return TypeArrayNumber
			default:
				return TypeArrayObject
			}
		}
		return TypeArrayObject
	default:
		return TypeObject
	}
}

// Namespaces with reserved prefixes. Everything else addresses a node id.
const (
	nsSys  = "sys"
	nsConv = "conv"
)

// Pool is the three-namespace variable store: sys.* is immutable after
// start, conv.* is mutable and persists across a conversation, and
// <node_id>.* holds per-node outputs.
type Pool struct {
	mu   sync.RWMutex
	sys  map[string]Value
	conv map[string]Value
	node map[string]map[string]Value
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		sys:  map[string]Value{},
		conv: map[string]Value{},
		node: map[string]map[string]Value{},
	}
}

// InjectSys assigns the sys.* namespace. Only the start node calls this,
// once per execution.
func (p *Pool) InjectSys(values map[string]Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.sys[k] = v
	}
}

// SeedConv preloads conv.* from a prior execution's state.
func (p *Pool) SeedConv(values map[string]Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.conv[k] = v
	}
}

// Get resolves a dotted selector like "sys.message", "conv.count", or
// "llm1.output".
func (p *Pool) Get(selector string) (Value, bool) {
	ns, name, ok := splitSelector(selector)
	if !ok {
		return Value{}, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch ns {
	case nsSys:
		v, ok := p.sys[name]
		return v, ok
	case nsConv:
		v, ok := p.conv[name]
		return v, ok
	default:
		outputs, ok := p.node[ns]
		if !ok {
			return Value{}, false
		}
		v, ok := outputs[name]
		return v, ok
	}
}

// SetConv writes a conv.* variable, enforcing the declared type. When the
// variable exists, the incoming data must match its type.
func (p *Pool) SetConv(name string, v Value) error {
	if !checkType(v.Type, v.Data) {
		return types.Kindf(types.ErrInvalidInput, "value for conv.%s is not a %s", name, v.Type)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conv[name]; ok && existing.Type != v.Type {
		return types.Kindf(types.ErrInvalidInput,
			"conv.%s is %s, cannot write %s", name, existing.Type, v.Type)
	}
	p.conv[name] = v
	return nil
}

// SetNodeOutputs publishes a node's outputs under its id.
func (p *Pool) SetNodeOutputs(nodeID string, outputs map[string]Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.node[nodeID] = outputs
}

// Set writes through a selector, rejecting the immutable sys namespace.
func (p *Pool) Set(selector string, v Value) error {
	ns, name, ok := splitSelector(selector)
	if !ok {
		return types.Kindf(types.ErrInvalidInput, "bad variable selector %q", selector)
	}
	switch ns {
	case nsSys:
		return types.Kindf(types.ErrInvalidInput, "sys namespace is immutable")
	case nsConv:
		return p.SetConv(name, v)
	default:
		return types.Kindf(types.ErrInvalidInput,
			"node outputs are written by the owning node, not selectors (%q)", selector)
	}
}

// ConvSnapshot copies the conv namespace for checkpointing.
func (p *Pool) ConvSnapshot() map[string]Value {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Value, len(p.conv))
	for k, v := range p.conv {
		out[k] = v
	}
	return out
}

// poolState is the serialized checkpoint form.
type poolState struct {
	Sys  map[string]Value            `json:"sys"`
	Conv map[string]Value            `json:"conv"`
	Node map[string]map[string]Value `json:"node"`
}

// MarshalState serializes the whole pool.
func (p *Pool) MarshalState() (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(poolState{Sys: p.sys, Conv: p.conv, Node: p.node})
}

// RestoreState loads a serialized pool.
func (p *Pool) RestoreState(raw json.RawMessage) error {
	var st poolState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("failed to decode pool state: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Sys != nil {
		p.sys = st.Sys
	}
	if st.Conv != nil {
		p.conv = st.Conv
	}
	if st.Node != nil {
		p.node = st.Node
	}
	return nil
}

func splitSelector(selector string) (ns, name string, ok bool) {
	parts := strings.SplitN(selector, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
