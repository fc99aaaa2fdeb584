package forgetting

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeight(t *testing.T) {
	t.Run("fresh memory has full weight", func(t *testing.T) {
		assert.Equal(t, 1.0, Weight(0, 7, 1))
		assert.Equal(t, 1.0, Weight(-1, 7, 1))
	})

	t.Run("weight decreases with elapsed time", func(t *testing.T) {
		w1 := Weight(1, 7, 1)
		w7 := Weight(7, 7, 1)
		w30 := Weight(30, 7, 1)
		assert.Greater(t, w1, w7)
		assert.Greater(t, w7, w30)
		assert.Greater(t, w30, 0.0)
	})

	t.Run("matches the curve at the time constant", func(t *testing.T) {
		assert.InDelta(t, math.Exp(-1), Weight(7, 7, 1), 1e-12)
	})

	t.Run("stronger memories decay slower", func(t *testing.T) {
		weak := Weight(7, 7, 0.5)
		strong := Weight(7, 7, 2.0)
		assert.Greater(t, strong, weak)
	})

	t.Run("zero strength decays fast but stays defined", func(t *testing.T) {
		w := Weight(1, 7, 0)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.Less(t, w, 1e-6)
	})

	t.Run("non-positive tau falls back", func(t *testing.T) {
		assert.InDelta(t, math.Exp(-1), Weight(1, 0, 1), 1e-12)
	})
}

func TestWeightAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lastAccess := now.Add(-7 * 24 * time.Hour)

	t.Run("uses elapsed days and importance", func(t *testing.T) {
		w := WeightAt(lastAccess, now, 7, 1.0, nil, 2.0)
		assert.InDelta(t, math.Exp(-1), w, 1e-9)
	})

	t.Run("prior activation slows decay", func(t *testing.T) {
		a := 1.0
		plain := WeightAt(lastAccess, now, 7, 1.0, nil, 2.0)
		boosted := WeightAt(lastAccess, now, 7, 1.0, &a, 2.0)
		assert.Greater(t, boosted, plain)
	})
}
