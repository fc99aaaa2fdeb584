package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/activation"
	"memsci/internal/graph"
	"memsci/internal/llm"
	"memsci/internal/types"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 4 }
func (fakeEmbedder) Name() string    { return "fake" }

type scriptedClient struct {
	results []llm.ChatResult
	errs    []error
	calls   int
}

func (c *scriptedClient) Chat(context.Context, string, []llm.ChatMessage, llm.ChatOptions) (*llm.ChatResult, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.results) {
		r := c.results[i]
		return &r, nil
	}
	return &llm.ChatResult{Structured: json.RawMessage(`{"statements":[],"entities":[],"summary":""}`)}, nil
}

func extractionResult(t *testing.T, ext extraction) llm.ChatResult {
	t.Helper()
	raw, err := json.Marshal(ext)
	require.NoError(t, err)
	return llm.ChatResult{Structured: raw}
}

func newTestPipeline(t *testing.T, client llm.Client) (*Pipeline, *graph.Store) {
	t.Helper()
	store, err := graph.New(graph.Options{Path: ":memory:", Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	history := activation.NewManager(store, 0.5, 50)
	return New(store, fakeEmbedder{}, client, history, "m"), store
}

func espressoExtraction() extraction {
	return extraction{
		Statements: []extractedStatement{{
			Statement: "User likes espresso.", StmtType: "FACT",
			TemporalInfo: "STATIC", Importance: 0.8,
		}},
		Entities: []extractedEntity{{
			Name: "Espresso", EntityType: "drink",
			ConnectStrength: 0.7, Aliases: []string{"coffee shots"},
		}},
		Summary: "User talked about espresso.",
	}
}

func TestIngestTurnGraphStorage(t *testing.T) {
	client := &scriptedClient{}
	client.results = []llm.ChatResult{extractionResult(t, espressoExtraction())}
	p, store := newTestPipeline(t, client)
	ctx := context.Background()

	result, err := p.IngestTurn(ctx, Request{
		EndUserID: "u1",
		Messages:  []types.Message{{Role: "user", Content: "I love espresso."}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, 1, result.Statements)
	assert.Equal(t, 1, result.Entities)
	assert.Equal(t, 1, result.Summaries)
	assert.Equal(t, 0, result.Reused)

	chunks, err := store.GetByDialogueID(ctx, "u1", result.DialogueID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	stmts, err := store.GetByChunkID(ctx, "u1", chunks[0].ID)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, "User likes espresso.", stmts[0].Content)

	t.Run("statement mentions the entity", func(t *testing.T) {
		entity, err := store.FindEntityByName(ctx, "u1", "espresso")
		require.NoError(t, err)
		require.NotNil(t, entity)

		edges, err := store.Edges(ctx, stmts[0].ID, types.EdgeMentions)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, entity.ID, edges[0].ToID)
		assert.Equal(t, 0.7, edges[0].Weight)
	})

	t.Run("knowledge nodes get an initial access", func(t *testing.T) {
		state, err := store.ReadActivationState(ctx, "u1", []string{stmts[0].ID})
		require.NoError(t, err)
		hit := state[stmts[0].ID]
		require.NotNil(t, hit.ActivationValue)
		assert.Len(t, hit.AccessHistory, 1)
	})

	t.Run("statement is keyword searchable", func(t *testing.T) {
		hits, err := store.KeywordSearch(ctx, "u1", types.CategoryStatement, "espresso", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
	})
}

func TestIngestTurnReusesExistingEntity(t *testing.T) {
	client := &scriptedClient{results: []llm.ChatResult{
		extractionResult(t, espressoExtraction()),
		extractionResult(t, extraction{
			Statements: []extractedStatement{{Statement: "User drinks espresso daily.", StmtType: "FACT"}},
			Entities: []extractedEntity{{
				Name: "espresso", EntityType: "drink",
				ConnectStrength: 0.7, Aliases: []string{"caffe"},
			}},
			Summary: "More espresso talk.",
		}),
	}}
	p, store := newTestPipeline(t, client)
	ctx := context.Background()

	_, err := p.IngestTurn(ctx, Request{
		EndUserID: "u1",
		Messages:  []types.Message{{Role: "user", Content: "I love espresso."}},
	})
	require.NoError(t, err)

	result, err := p.IngestTurn(ctx, Request{
		EndUserID: "u1",
		Messages:  []types.Message{{Role: "user", Content: "Espresso again today."}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reused)
	assert.Equal(t, 0, result.Entities, "matched entity must not be re-created")

	entity, err := store.FindEntityByName(ctx, "u1", "Espresso")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Contains(t, string(entity.Props), "caffe", "new alias joins the union")
	assert.Contains(t, string(entity.Props), "coffee shots", "existing aliases survive")
}

func TestIngestTurnRAGStorageSkipsExtraction(t *testing.T) {
	client := &scriptedClient{}
	p, store := newTestPipeline(t, client)
	ctx := context.Background()

	result, err := p.IngestTurn(ctx, Request{
		EndUserID:   "u1",
		Messages:    []types.Message{{Role: "user", Content: "just store this"}},
		StorageType: StorageRAG,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, client.calls)
	assert.Equal(t, 0, result.Statements)
	assert.Equal(t, 1, result.Chunks)

	counts, err := store.CountNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[types.Category]int{
		types.CategoryDialogue: 1,
		types.CategoryChunk:    1,
	}, counts)
}

func TestIngestTurnValidation(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedClient{})

	_, err := p.IngestTurn(context.Background(), Request{Messages: []types.Message{{Role: "user", Content: "x"}}})
	assert.True(t, types.IsKind(err, types.ErrInvalidInput))

	_, err = p.IngestTurn(context.Background(), Request{EndUserID: "u1"})
	assert.True(t, types.IsKind(err, types.ErrInvalidInput))
}

func TestIngestTurnRetriesExtractionOnParseError(t *testing.T) {
	client := &scriptedClient{
		errs:    []error{types.Kindf(types.ErrLLMParseError, "bad json")},
		results: []llm.ChatResult{{}, extractionResult(t, espressoExtraction())},
	}
	p, _ := newTestPipeline(t, client)

	result, err := p.IngestTurn(context.Background(), Request{
		EndUserID: "u1",
		Messages:  []types.Message{{Role: "user", Content: "I love espresso."}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, 1, result.Statements)
}

func TestIngestTurnFailsAfterSecondParseError(t *testing.T) {
	client := &scriptedClient{errs: []error{
		types.Kindf(types.ErrLLMParseError, "bad json"),
		types.Kindf(types.ErrLLMParseError, "still bad"),
	}}
	p, store := newTestPipeline(t, client)

	_, err := p.IngestTurn(context.Background(), Request{
		EndUserID: "u1",
		Messages:  []types.Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrExtractionFailed))

	// The failed turn leaves no partial rows behind.
	counts, err := store.CountNodes(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}
