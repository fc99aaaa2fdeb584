package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValue(t *testing.T) {
	tests := []struct {
		varType VariableType
		want    interface{}
	}{
		{TypeString, ""},
		{TypeNumber, float64(0)},
		{TypeBoolean, false},
		{TypeObject, map[string]interface{}{}},
		{TypeArrayString, []interface{}{}},
		{TypeArrayNumber, []interface{}{}},
		{TypeArrayObject, []interface{}{}},
		{TypeArrayFile, []interface{}{}},
	}
	for _, tc := range tests {
		t.Run(string(tc.varType), func(t *testing.T) {
			z := ZeroValue(tc.varType)
			assert.Equal(t, tc.varType, z.Type)
			assert.Equal(t, tc.want, z.Data)
		})
	}
}

func TestPoolSelectors(t *testing.T) {
	pool := NewPool()
	pool.InjectSys(map[string]Value{
		"message": {Type: TypeString, Data: "hi"},
	})
	pool.SetNodeOutputs("llm1", map[string]Value{
		"output": {Type: TypeString, Data: "answer"},
	})
	require.NoError(t, pool.SetConv("count", Value{Type: TypeNumber, Data: float64(2)}))

	t.Run("resolves all three namespaces", func(t *testing.T) {
		v, ok := pool.Get("sys.message")
		require.True(t, ok)
		assert.Equal(t, "hi", v.Data)

		v, ok = pool.Get("conv.count")
		require.True(t, ok)
		assert.Equal(t, float64(2), v.Data)

		v, ok = pool.Get("llm1.output")
		require.True(t, ok)
		assert.Equal(t, "answer", v.Data)
	})

	t.Run("missing and malformed selectors miss", func(t *testing.T) {
		_, ok := pool.Get("llm2.output")
		assert.False(t, ok)
		_, ok = pool.Get("noDot")
		assert.False(t, ok)
		_, ok = pool.Get("sys.")
		assert.False(t, ok)
	})
}

func TestPoolWriteRules(t *testing.T) {
	pool := NewPool()
	pool.InjectSys(map[string]Value{"user_id": {Type: TypeString, Data: "u1"}})

	t.Run("sys is immutable", func(t *testing.T) {
		err := pool.Set("sys.user_id", Value{Type: TypeString, Data: "u2"})
		assert.Error(t, err)
		v, _ := pool.Get("sys.user_id")
		assert.Equal(t, "u1", v.Data)
	})

	t.Run("conv writes enforce the declared type", func(t *testing.T) {
		require.NoError(t, pool.SetConv("topic", Value{Type: TypeString, Data: "go"}))
		err := pool.SetConv("topic", Value{Type: TypeNumber, Data: float64(1)})
		assert.Error(t, err)
	})

	t.Run("conv rejects data that mismatches its own type tag", func(t *testing.T) {
		err := pool.SetConv("flag", Value{Type: TypeBoolean, Data: "yes"})
		assert.Error(t, err)
	})

	t.Run("node namespace is not selector-writable", func(t *testing.T) {
		err := pool.Set("llm1.output", Value{Type: TypeString, Data: "x"})
		assert.Error(t, err)
	})
}

func TestPoolStateRoundTrip(t *testing.T) {
	pool := NewPool()
	pool.InjectSys(map[string]Value{"message": {Type: TypeString, Data: "hi"}})
	require.NoError(t, pool.SetConv("count", Value{Type: TypeNumber, Data: float64(7)}))
	pool.SetNodeOutputs("code1", map[string]Value{
		"result": {Type: TypeArrayString, Data: []interface{}{"a", "b"}},
	})

	raw, err := pool.MarshalState()
	require.NoError(t, err)

	restored := NewPool()
	require.NoError(t, restored.RestoreState(raw))

	v, ok := restored.Get("conv.count")
	require.True(t, ok)
	assert.Equal(t, float64(7), v.Data)

	v, ok = restored.Get("code1.result")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, v.Data)
}

func TestInferType(t *testing.T) {
	assert.Equal(t, TypeString, InferType("s"))
	assert.Equal(t, TypeNumber, InferType(3.5))
	assert.Equal(t, TypeBoolean, InferType(true))
	assert.Equal(t, TypeObject, InferType(map[string]interface{}{}))
	assert.Equal(t, TypeArrayString, InferType([]interface{}{"a"}))
	assert.Equal(t, TypeArrayNumber, InferType([]interface{}{1.0}))
	assert.Equal(t, TypeArrayObject, InferType([]interface{}{map[string]interface{}{}}))
}
