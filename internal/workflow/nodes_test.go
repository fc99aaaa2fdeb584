package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCases(t *testing.T) {
	pool := NewPool()
	pool.InjectSys(map[string]Value{
		"message": {Type: TypeString, Data: "hello world"},
	})
	require.NoError(t, pool.SetConv("count", Value{Type: TypeNumber, Data: float64(3)}))
	require.NoError(t, pool.SetConv("tags", Value{Type: TypeArrayString, Data: []interface{}{"a", "b"}}))

	t.Run("first matching case wins", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "conv.count", Comparator: CmpGreaterThan, Value: 10.0},
			}},
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "sys.message", Comparator: CmpContains, Value: "world"},
			}},
		}}
		assert.Equal(t, "CASE2", evaluateCases(pool, cfg))
	})

	t.Run("no match falls through to the else handle", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "conv.count", Comparator: CmpLessThan, Value: 0.0},
			}},
		}}
		assert.Equal(t, "CASE2", evaluateCases(pool, cfg))
	})

	t.Run("or short-circuits on any match", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "or", Expressions: []Expression{
				{Selector: "conv.count", Comparator: CmpEquals, Value: 99.0},
				{Selector: "sys.message", Comparator: CmpStartsWith, Value: "hello"},
			}},
		}}
		assert.Equal(t, "CASE1", evaluateCases(pool, cfg))
	})

	t.Run("empty works on missing variables", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "conv.missing", Comparator: CmpEmpty},
			}},
		}}
		assert.Equal(t, "CASE1", evaluateCases(pool, cfg))
	})

	t.Run("contains matches array membership", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "conv.tags", Comparator: CmpContains, Value: "b"},
			}},
		}}
		assert.Equal(t, "CASE1", evaluateCases(pool, cfg))
	})

	t.Run("equals bridges int and float", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{
			{LogicalOperator: "and", Expressions: []Expression{
				{Selector: "conv.count", Comparator: CmpEquals, Value: 3},
			}},
		}}
		assert.Equal(t, "CASE1", evaluateCases(pool, cfg))
	})

	t.Run("case with no expressions never matches", func(t *testing.T) {
		cfg := IfElseConfig{Cases: []Case{{LogicalOperator: "and"}}}
		assert.Equal(t, "CASE2", evaluateCases(pool, cfg))
	})
}

func TestApplyAssignments(t *testing.T) {
	newPool := func(t *testing.T) *Pool {
		pool := NewPool()
		require.NoError(t, pool.SetConv("count", Value{Type: TypeNumber, Data: float64(10)}))
		require.NoError(t, pool.SetConv("items", Value{Type: TypeArrayString, Data: []interface{}{"x", "y"}}))
		require.NoError(t, pool.SetConv("note", Value{Type: TypeString, Data: "keep"}))
		return pool
	}

	t.Run("arithmetic", func(t *testing.T) {
		pool := newPool(t)
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.count", Operation: OpAdd, Value: 5.0},
			{Selector: "conv.count", Operation: OpMul, Value: 2.0},
		}})
		require.NoError(t, err)
		v, _ := pool.Get("conv.count")
		assert.Equal(t, float64(30), v.Data)
	})

	t.Run("division by zero fails", func(t *testing.T) {
		pool := newPool(t)
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.count", Operation: OpDiv, Value: 0.0},
		}})
		assert.Error(t, err)
	})

	t.Run("clear resets to the type zero", func(t *testing.T) {
		pool := newPool(t)
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.count", Operation: OpClear},
			{Selector: "conv.items", Operation: OpClear},
			{Selector: "conv.note", Operation: OpClear},
		}})
		require.NoError(t, err)
		v, _ := pool.Get("conv.count")
		assert.Equal(t, float64(0), v.Data)
		v, _ = pool.Get("conv.items")
		assert.Equal(t, []interface{}{}, v.Data)
		v, _ = pool.Get("conv.note")
		assert.Equal(t, "", v.Data)
	})

	t.Run("append and remove", func(t *testing.T) {
		pool := newPool(t)
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.items", Operation: OpAppend, Value: "z"},
			{Selector: "conv.items", Operation: OpRemoveFirst},
		}})
		require.NoError(t, err)
		v, _ := pool.Get("conv.items")
		assert.Equal(t, []interface{}{"y", "z"}, v.Data)
	})

	t.Run("remove on empty array is a no-op", func(t *testing.T) {
		pool := NewPool()
		require.NoError(t, pool.SetConv("empty", Value{Type: TypeArrayString, Data: []interface{}{}}))
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.empty", Operation: OpRemoveLast},
		}})
		require.NoError(t, err)
		v, _ := pool.Get("conv.empty")
		assert.Empty(t, v.Data)
	})

	t.Run("value selector reads the pool", func(t *testing.T) {
		pool := newPool(t)
		pool.SetNodeOutputs("code1", map[string]Value{
			"delta": {Type: TypeNumber, Data: float64(4)},
		})
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.count", Operation: OpAdd, ValueSelector: "code1.delta"},
		}})
		require.NoError(t, err)
		v, _ := pool.Get("conv.count")
		assert.Equal(t, float64(14), v.Data)
	})

	t.Run("sys and node targets are rejected", func(t *testing.T) {
		pool := newPool(t)
		assert.Error(t, applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "sys.message", Operation: OpAssign, Value: "nope"},
		}}))
		assert.Error(t, applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "llm1.output", Operation: OpAssign, Value: "nope"},
		}}))
	})

	t.Run("first failure aborts later assignments", func(t *testing.T) {
		pool := newPool(t)
		err := applyAssignments(pool, AssignerConfig{Assignments: []Assignment{
			{Selector: "conv.count", Operation: OpAdd, Value: 1.0},
			{Selector: "conv.missing", Operation: OpClear},
			{Selector: "conv.count", Operation: OpAdd, Value: 100.0},
		}})
		require.Error(t, err)
		v, _ := pool.Get("conv.count")
		assert.Equal(t, float64(11), v.Data)
	})
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]Value{
		"name":  {Type: TypeString, Data: "Ada"},
		"count": {Type: TypeNumber, Data: float64(3)},
	}

	t.Run("substitutes known variables", func(t *testing.T) {
		out := renderTemplate("Hi {{ name }}, you have {{ count }} items.", vars)
		assert.Equal(t, "Hi Ada, you have 3 items.", out)
	})

	t.Run("missing variable with default uses the default", func(t *testing.T) {
		out := renderTemplate(`Hello {{ who|default("there") }}`, vars)
		assert.Equal(t, "Hello there", out)
	})

	t.Run("missing variable without default renders empty", func(t *testing.T) {
		out := renderTemplate("Hello {{ who }}!", vars)
		assert.Equal(t, "Hello !", out)
	})

	t.Run("single quoted and bare defaults", func(t *testing.T) {
		assert.Equal(t, "x", renderTemplate(`{{ a|default('x') }}`, nil))
		assert.Equal(t, "42", renderTemplate(`{{ a|default(42) }}`, nil))
	})
}

func TestRenderSelectors(t *testing.T) {
	pool := NewPool()
	pool.InjectSys(map[string]Value{"message": {Type: TypeString, Data: "what is Go?"}})
	pool.SetNodeOutputs("retriever", map[string]Value{
		"summary": {Type: TypeString, Data: "Go is a language."},
	})

	out := renderSelectors("Q: {{ sys.message }}\nContext: {{ retriever.summary }}\nMissing: {{ other.thing }}", pool)
	assert.Equal(t, "Q: what is Go?\nContext: Go is a language.\nMissing: ", out)
}
