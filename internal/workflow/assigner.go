package workflow

import (
	"memsci/internal/types"
)

// applyAssignments runs an assigner node's mutations in order. The first
// failure aborts the node; earlier mutations stay applied.
func applyAssignments(pool *Pool, cfg AssignerConfig) error {
	for _, a := range cfg.Assignments {
		if err := applyAssignment(pool, a); err != nil {
			return err
		}
	}
	return nil
}

func applyAssignment(pool *Pool, a Assignment) error {
	ns, name, ok := splitSelector(a.Selector)
	if !ok {
		return types.Kindf(types.ErrInvalidInput, "bad assignment selector %q", a.Selector)
	}
	if ns == nsSys {
		return types.Kindf(types.ErrInvalidInput, "sys namespace is immutable")
	}
	if ns != nsConv {
		return types.Kindf(types.ErrInvalidInput, "assigner writes conv.* only, got %q", a.Selector)
	}

	operand := a.Value
	if a.ValueSelector != "" {
		v, ok := pool.Get(a.ValueSelector)
		if !ok {
			return types.Kindf(types.ErrInvalidInput, "value selector %q not found", a.ValueSelector)
		}
		operand = v.Data
	}

	current, exists := pool.Get(a.Selector)

	switch a.Operation {
	case OpAssign, OpCover:
		t := InferType(operand)
		if exists {
			t = current.Type
		}
		return pool.SetConv(name, Value{Type: t, Data: operand})

	case OpClear:
		if !exists {
			return types.Kindf(types.ErrInvalidInput, "cannot clear unknown variable %q", a.Selector)
		}
		return pool.SetConv(name, ZeroValue(current.Type))

	case OpAdd, OpSub, OpMul, OpDiv:
		if !exists {
			return types.Kindf(types.ErrInvalidInput, "arithmetic on unknown variable %q", a.Selector)
		}
		base, okBase := asNumber(current.Data)
		delta, okDelta := asNumber(operand)
		if !okBase || !okDelta {
			return types.Kindf(types.ErrInvalidInput, "%s requires numbers for %q", a.Operation, a.Selector)
		}
		var result float64
		switch a.Operation {
		case OpAdd:
			result = base + delta
		case OpSub:
			result = base - delta
		case OpMul:
			result = base * delta
		case OpDiv:
			if delta == 0 {
				return types.Kindf(types.ErrInvalidInput, "division by zero on %q", a.Selector)
			}
			result = base / delta
		}
		return pool.SetConv(name, Value{Type: TypeNumber, Data: result})

	case OpAppend:
		if !exists {
			return types.Kindf(types.ErrInvalidInput, "append to unknown variable %q", a.Selector)
		}
		arr, okArr := current.Data.([]interface{})
		if !okArr {
			return types.Kindf(types.ErrInvalidInput, "append requires an array at %q", a.Selector)
		}
		next := make([]interface{}, len(arr), len(arr)+1)
		copy(next, arr)
		next = append(next, operand)
		return pool.SetConv(name, Value{Type: current.Type, Data: next})

	case OpRemoveFirst, OpRemoveLast:
		if !exists {
			return types.Kindf(types.ErrInvalidInput, "remove from unknown variable %q", a.Selector)
		}
		arr, okArr := current.Data.([]interface{})
		if !okArr {
			return types.Kindf(types.ErrInvalidInput, "%s requires an array at %q", a.Operation, a.Selector)
		}
		if len(arr) == 0 {
			return pool.SetConv(name, current)
		}
		var next []interface{}
		if a.Operation == OpRemoveFirst {
			next = append([]interface{}{}, arr[1:]...)
		} else {
			next = append([]interface{}{}, arr[:len(arr)-1]...)
		}
		return pool.SetConv(name, Value{Type: current.Type, Data: next})
	}

	return types.Kindf(types.ErrInvalidInput, "unknown assigner operation %q", a.Operation)
}
