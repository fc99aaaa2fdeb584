package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/graph"
	"memsci/internal/types"
)

func ptr(v float64) *float64 { return &v }

func TestNormalize(t *testing.T) {
	t.Run("nil entries stay nil", func(t *testing.T) {
		out := normalize([]*float64{ptr(1), nil, ptr(3)})
		assert.NotNil(t, out[0])
		assert.Nil(t, out[1])
		assert.NotNil(t, out[2])
	})

	t.Run("all nil stays all nil", func(t *testing.T) {
		out := normalize([]*float64{nil, nil})
		assert.Nil(t, out[0])
		assert.Nil(t, out[1])
	})

	t.Run("singleton normalizes to one", func(t *testing.T) {
		out := normalize([]*float64{nil, ptr(42)})
		require.NotNil(t, out[1])
		assert.Equal(t, 1.0, *out[1])
	})

	t.Run("identical values normalize to one", func(t *testing.T) {
		out := normalize([]*float64{ptr(5), ptr(5), ptr(5)})
		for _, v := range out {
			require.NotNil(t, v)
			assert.Equal(t, 1.0, *v)
		}
	})

	t.Run("preserves order and bounds", func(t *testing.T) {
		out := normalize([]*float64{ptr(1), ptr(2), ptr(3)})
		require.NotNil(t, out[0])
		require.NotNil(t, out[2])
		assert.Less(t, *out[0], *out[1])
		assert.Less(t, *out[1], *out[2])
		for _, v := range out {
			assert.Greater(t, *v, 0.0)
			assert.Less(t, *v, 1.0)
		}
	})
}

func TestStageOne(t *testing.T) {
	items := []ScoredItem{
		{Node: graph.NodeHit{ID: "a"}, BaseScore: 0.2},
		{Node: graph.NodeHit{ID: "b"}, BaseScore: 0.9},
		{Node: graph.NodeHit{ID: "c"}, BaseScore: 0.5},
	}
	out := stageOne(items, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Node.ID)
	assert.Equal(t, "c", out[1].Node.ID)
}

func TestStageTwo(t *testing.T) {
	t.Run("activation items precede the rest", func(t *testing.T) {
		items := []ScoredItem{
			{Node: graph.NodeHit{ID: "cold1"}, BaseScore: 0.9},
			{Node: graph.NodeHit{ID: "hot_low"}, BaseScore: 0.1, ActivationScore: ptr(0.2)},
			{Node: graph.NodeHit{ID: "hot_high"}, BaseScore: 0.2, ActivationScore: ptr(0.8)},
			{Node: graph.NodeHit{ID: "cold2"}, BaseScore: 0.3},
		}
		out := stageTwo(items, 4)
		require.Len(t, out, 4)
		assert.Equal(t, "hot_high", out[0].Node.ID)
		assert.Equal(t, "hot_low", out[1].Node.ID)
		// Backfill keeps base score order from the incoming slice.
		assert.Equal(t, "cold1", out[2].Node.ID)
		assert.Equal(t, "cold2", out[3].Node.ID)
	})

	t.Run("limit truncates within the activation set", func(t *testing.T) {
		items := []ScoredItem{
			{Node: graph.NodeHit{ID: "a"}, ActivationScore: ptr(0.1)},
			{Node: graph.NodeHit{ID: "b"}, ActivationScore: ptr(0.9)},
			{Node: graph.NodeHit{ID: "c"}, BaseScore: 1.0},
		}
		out := stageTwo(items, 2)
		require.Len(t, out, 2)
		assert.Equal(t, "b", out[0].Node.ID)
		assert.Equal(t, "a", out[1].Node.ID)
	})
}

func TestFinalize(t *testing.T) {
	items := []ScoredItem{
		{BaseScore: 0.4},
		{BaseScore: 0.4, ActivationScore: ptr(0.7)},
	}
	finalize(items)
	assert.Equal(t, 0.4, items[0].FinalScore)
	assert.Equal(t, 0.7, items[1].FinalScore)
}

func TestDedupHits(t *testing.T) {
	hits := []graph.NodeHit{
		{ID: "1", Content: "User likes coffee"},
		{ID: "1", Content: "User likes coffee"},
		{ID: "2", Content: "USER LIKES COFFEE  "},
		{ID: "3", Content: "User dislikes tea"},
	}
	out := dedupHits(hits)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "3", out[1].ID)
}

func TestScoreBlendsContentSignals(t *testing.T) {
	cfg := types.DefaultMemoryConfig()
	cfg.RerankAlpha = 0.6
	r := &Retriever{cfg: cfg, now: time.Now}

	ch := &categoryHits{
		keyword: []graph.NodeHit{
			{ID: "kw_only", Content: "a", Score: 2.0},
			{ID: "both", Content: "b", Score: 1.0},
		},
		embedding: []graph.NodeHit{
			{ID: "both", Content: "b", Score: 0.9},
			{ID: "vec_only", Content: "c", Score: 0.4},
		},
	}

	items := r.score(ch, nil, SearchRequest{}, types.CategoryStatement)
	require.Len(t, items, 3)

	byID := map[string]ScoredItem{}
	for _, it := range items {
		byID[it.Node.ID] = it
	}

	t.Run("absent signals stay nil", func(t *testing.T) {
		assert.Nil(t, byID["kw_only"].EmbeddingScore)
		assert.Nil(t, byID["kw_only"].NormalizedEmbedding)
		assert.Nil(t, byID["vec_only"].BM25Score)
	})

	t.Run("content score is the alpha blend", func(t *testing.T) {
		both := byID["both"]
		require.NotNil(t, both.NormalizedBM25)
		require.NotNil(t, both.NormalizedEmbedding)
		want := 0.6**both.NormalizedBM25 + 0.4**both.NormalizedEmbedding
		assert.InDelta(t, want, both.ContentScore, 1e-12)
		assert.Equal(t, both.ContentScore, both.BaseScore)
	})

	t.Run("no forgetting weight unless requested", func(t *testing.T) {
		for _, it := range items {
			assert.Nil(t, it.ForgettingWeight)
		}
	})
}

func TestScoreAppliesForgettingWeight(t *testing.T) {
	cfg := types.DefaultMemoryConfig()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &Retriever{cfg: cfg, now: func() time.Time { return now }}

	stale := now.Add(-60 * 24 * time.Hour)
	ch := &categoryHits{
		keyword: []graph.NodeHit{
			{ID: "old", Content: "a", Score: 1.0, ImportanceScore: 0.5, CreatedAt: stale},
			{ID: "fresh", Content: "b", Score: 1.0, ImportanceScore: 0.5, CreatedAt: now},
		},
	}

	t.Run("knowledge categories are weighted", func(t *testing.T) {
		items := r.score(ch, nil, SearchRequest{ApplyForgetting: true}, types.CategoryStatement)
		require.Len(t, items, 2)
		for _, it := range items {
			require.NotNil(t, it.ForgettingWeight)
			assert.InDelta(t, it.ContentScore**it.ForgettingWeight, it.BaseScore, 1e-12)
		}
	})

	t.Run("chunks are exempt", func(t *testing.T) {
		items := r.score(ch, nil, SearchRequest{ApplyForgetting: true}, types.CategoryChunk)
		for _, it := range items {
			assert.Nil(t, it.ForgettingWeight)
			assert.Equal(t, it.ContentScore, it.BaseScore)
		}
	})
}

func TestEmptyResultsCoversAllCategories(t *testing.T) {
	results := emptyResults()
	require.Len(t, results, len(types.SearchCategories))
	for _, c := range types.SearchCategories {
		items, ok := results[c]
		require.True(t, ok)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	}
}
