package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/activation"
	"memsci/internal/graph"
	"memsci/internal/types"
)

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls++
	return []float32{1, 0, 0, 0}, nil
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		e.calls++
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (e *countingEmbedder) Dimensions() int { return 4 }
func (e *countingEmbedder) Name() string    { return "counting" }

func newTestRetriever(t *testing.T) (*Retriever, *graph.Store, *countingEmbedder) {
	t.Helper()
	store, err := graph.New(graph.Options{Path: ":memory:", Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedder := &countingEmbedder{}
	history := activation.NewManager(store, 0.5, 50)
	return New(store, embedder, history, types.DefaultMemoryConfig()), store, embedder
}

func seedTurn(t *testing.T, store *graph.Store, userID string) {
	t.Helper()
	now := time.Now().UTC()
	d := types.Dialogue{
		NodeBase: types.NodeBase{ID: uuid.NewString(), EndUserID: userID, CreatedAt: now},
		Content:  "user: I love espresso.",
	}
	c := types.Chunk{
		NodeBase:   types.NodeBase{ID: uuid.NewString(), EndUserID: userID, CreatedAt: now},
		DialogueID: d.ID,
		Content:    "user: I love espresso.",
		Embedding:  []float32{1, 0, 0, 0},
	}
	st := types.Statement{
		NodeBase:  types.NodeBase{ID: uuid.NewString(), EndUserID: userID, CreatedAt: now},
		ChunkID:   c.ID,
		Statement: "User likes espresso.",
		Embedding: []float32{1, 0, 0, 0},
	}
	require.NoError(t, store.UpsertIngestedBatch(context.Background(), graph.Batch{
		Dialogue:   &d,
		Chunks:     []types.Chunk{c},
		Statements: []types.Statement{st},
		Edges: []types.Edge{
			{Kind: types.EdgeHasChunk, FromID: d.ID, ToID: c.ID},
			{Kind: types.EdgeHasStatement, FromID: c.ID, ToID: st.ID},
		},
	}))
}

func TestSearchEmptyQuery(t *testing.T) {
	// The empty-query branch returns before any store or embedder work, so
	// a bare Retriever is enough.
	r := &Retriever{now: time.Now}

	resp, err := r.Search(context.Background(), SearchRequest{EndUserID: "u1", Query: "   "})
	require.NoError(t, err)
	assert.Equal(t, "Empty query", resp.Summary)
	require.Len(t, resp.Results, len(types.SearchCategories))
	for _, c := range types.SearchCategories {
		assert.Empty(t, resp.Results[c])
	}
}

func TestSearchScopesToIncludedCategories(t *testing.T) {
	r, store, embedder := newTestRetriever(t)
	seedTurn(t, store, "u1")

	resp, err := r.Search(context.Background(), SearchRequest{
		EndUserID: "u1",
		Query:     "espresso",
		Include:   []types.Category{types.CategoryStatement},
		Limit:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls, "query is embedded once regardless of category count")

	require.Len(t, resp.Results, len(types.SearchCategories))
	require.Len(t, resp.Results[types.CategoryStatement], 1)
	assert.Equal(t, "User likes espresso.", resp.Results[types.CategoryStatement][0].Node.Content)

	// The chunk matches both branches but its category was not requested.
	assert.Empty(t, resp.Results[types.CategoryChunk])
	assert.Empty(t, resp.Results[types.CategoryEntity])
	assert.Empty(t, resp.Results[types.CategorySummary])
}

func TestSearchRecordsAccessOnHits(t *testing.T) {
	r, store, _ := newTestRetriever(t)
	seedTurn(t, store, "u1")

	resp, err := r.Search(context.Background(), SearchRequest{EndUserID: "u1", Query: "espresso"})
	require.NoError(t, err)
	require.Len(t, resp.Results[types.CategoryStatement], 1)
	hit := resp.Results[types.CategoryStatement][0].Node

	state, err := store.ReadActivationState(context.Background(), "u1", []string{hit.ID})
	require.NoError(t, err)
	require.NotNil(t, state[hit.ID].ActivationValue)
	assert.Len(t, state[hit.ID].AccessHistory, 1)
}

func TestSearchIsScopedByUser(t *testing.T) {
	r, store, _ := newTestRetriever(t)
	seedTurn(t, store, "u1")

	resp, err := r.Search(context.Background(), SearchRequest{EndUserID: "u2", Query: "espresso"})
	require.NoError(t, err)
	for _, c := range types.SearchCategories {
		assert.Empty(t, resp.Results[c])
	}
}
