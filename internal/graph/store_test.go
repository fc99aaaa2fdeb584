package graph

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Path: ":memory:", Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func base(userID string, at time.Time) types.NodeBase {
	return types.NodeBase{ID: uuid.NewString(), EndUserID: userID, CreatedAt: at}
}

// turnBatch builds one dialogue with a chunk, statements, and the linking
// edges, mirroring what the ingestion pipeline persists.
func turnBatch(userID string, at time.Time, statements ...types.Statement) Batch {
	d := types.Dialogue{NodeBase: base(userID, at), Content: "user: hello"}
	c := types.Chunk{NodeBase: base(userID, at), DialogueID: d.ID, Content: "user: hello"}

	batch := Batch{
		Dialogue: &d,
		Chunks:   []types.Chunk{c},
		Edges:    []types.Edge{{Kind: types.EdgeHasChunk, FromID: d.ID, ToID: c.ID}},
	}
	for i := range statements {
		statements[i].ChunkID = c.ID
		batch.Edges = append(batch.Edges,
			types.Edge{Kind: types.EdgeHasStatement, FromID: c.ID, ToID: statements[i].ID})
	}
	batch.Statements = statements
	return batch
}

func TestUpsertBatchAndTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := types.Statement{NodeBase: base("u1", now), Statement: "User likes espresso."}
	batch := turnBatch("u1", now, st)
	require.NoError(t, s.UpsertIngestedBatch(ctx, batch))

	t.Run("dialogue resolves to its chunks", func(t *testing.T) {
		chunks, err := s.GetByDialogueID(ctx, "u1", batch.Dialogue.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, types.CategoryChunk, chunks[0].Category)
	})

	t.Run("chunk resolves to its statements", func(t *testing.T) {
		stmts, err := s.GetByChunkID(ctx, "u1", batch.Chunks[0].ID)
		require.NoError(t, err)
		require.Len(t, stmts, 1)
		assert.Equal(t, "User likes espresso.", stmts[0].Content)
	})

	t.Run("lookups are scoped to the end user", func(t *testing.T) {
		hit, err := s.GetByID(ctx, "someone-else", st.ID)
		require.NoError(t, err)
		assert.Nil(t, hit)
	})
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A duplicate statement id violates the primary key mid-batch; the
	// dialogue and chunk written before it must roll back too.
	st := types.Statement{NodeBase: base("u1", now), Statement: "first"}
	dup := types.Statement{NodeBase: st.NodeBase, Statement: "second"}
	batch := turnBatch("u1", now, st, dup)

	require.Error(t, s.UpsertIngestedBatch(ctx, batch))

	counts, err := s.CountNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestKeywordSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mine := types.Statement{NodeBase: base("u1", now), Statement: "User drinks coffee every morning."}
	other := types.Statement{NodeBase: base("u2", now), Statement: "User drinks coffee at night."}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, mine)))
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u2", now, other)))

	t.Run("matches within the user scope only", func(t *testing.T) {
		hits, err := s.KeywordSearch(ctx, "u1", types.CategoryStatement, "coffee", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, mine.ID, hits[0].ID)
		assert.Greater(t, hits[0].Score, 0.0)
	})

	t.Run("empty query returns nothing", func(t *testing.T) {
		hits, err := s.KeywordSearch(ctx, "u1", types.CategoryStatement, "   ", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("punctuation cannot break the match syntax", func(t *testing.T) {
		_, err := s.KeywordSearch(ctx, "u1", types.CategoryStatement, `coffee" OR "x`, 10)
		assert.NoError(t, err)
	})

	t.Run("soft-deleted nodes stop matching", func(t *testing.T) {
		require.NoError(t, s.SoftDelete(ctx, "u1", mine.ID))
		hits, err := s.KeywordSearch(ctx, "u1", types.CategoryStatement, "coffee", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestEmbeddingSearchBruteForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	near := types.Statement{NodeBase: base("u1", now), Statement: "a", Embedding: []float32{1, 0, 0, 0}}
	far := types.Statement{NodeBase: base("u1", now), Statement: "b", Embedding: []float32{0, 1, 0, 0}}
	mid := types.Statement{NodeBase: base("u1", now), Statement: "c", Embedding: []float32{1, 1, 0, 0}}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, near, far, mid)))

	hits, err := s.EmbeddingSearch(ctx, "u1", types.CategoryStatement, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].ID)
	assert.Equal(t, mid.ID, hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	t.Run("empty vector is rejected", func(t *testing.T) {
		_, err := s.EmbeddingSearch(ctx, "u1", types.CategoryStatement, nil, 2)
		assert.Error(t, err)
	})
}

func TestTemporalSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	inRange := now.AddDate(0, -1, 0)
	outOfRange := now.AddDate(-2, 0, 0)

	valid := types.Statement{NodeBase: base("u1", now), Statement: "moved to Lisbon", ValidAt: &inRange}
	stale := types.Statement{NodeBase: base("u1", now), Statement: "lived in Berlin", ValidAt: &outOfRange}
	// No valid_at: falls back to creation time, which is inside the range.
	created := types.Statement{NodeBase: base("u1", inRange), Statement: "started a new job"}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, valid, stale, created)))

	hits, err := s.TemporalSearch(ctx, "u1", types.CategoryStatement,
		now.AddDate(0, -6, 0), now, 10)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.ID] = true
	}
	assert.True(t, ids[valid.ID])
	assert.True(t, ids[created.ID])
	assert.False(t, ids[stale.ID])
}

func entityBatch(userID string, at time.Time, entities ...types.ExtractedEntity) Batch {
	d := types.Dialogue{NodeBase: base(userID, at), Content: "user: hi"}
	return Batch{Dialogue: &d, Entities: entities}
}

func TestFindEntityByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := types.ExtractedEntity{
		NodeBase: base("u1", now), Name: "Rome", EntityType: "place",
		Aliases: []string{"The Eternal City"},
	}
	require.NoError(t, s.UpsertIngestedBatch(ctx, entityBatch("u1", now, e)))

	t.Run("name match is case-insensitive", func(t *testing.T) {
		hit, err := s.FindEntityByName(ctx, "u1", "  rome ")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, e.ID, hit.ID)
	})

	t.Run("alias match", func(t *testing.T) {
		hit, err := s.FindEntityByName(ctx, "u1", "the eternal city")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, e.ID, hit.ID)
	})

	t.Run("no match returns nil without error", func(t *testing.T) {
		hit, err := s.FindEntityByName(ctx, "u1", "Paris")
		require.NoError(t, err)
		assert.Nil(t, hit)
	})
}

func TestMergeEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	act := 0.7
	surviving := types.ExtractedEntity{NodeBase: base("u1", now), Name: "Rome", EntityType: "place"}
	absorbed := types.ExtractedEntity{NodeBase: base("u1", now), Name: "Roma", EntityType: "place",
		Aliases: []string{"The Eternal City"}}
	absorbed.ActivationValue = &act
	require.NoError(t, s.UpsertIngestedBatch(ctx, entityBatch("u1", now, surviving, absorbed)))

	st := types.Statement{NodeBase: base("u1", now), Statement: "User visited Roma."}
	batch := turnBatch("u1", now, st)
	batch.Edges = append(batch.Edges,
		types.Edge{Kind: types.EdgeMentions, FromID: st.ID, ToID: absorbed.ID})
	require.NoError(t, s.UpsertIngestedBatch(ctx, batch))

	require.NoError(t, s.MergeEntities(ctx, "u1", surviving.ID, absorbed.ID, 50))

	t.Run("absorbed node is retired", func(t *testing.T) {
		hit, err := s.GetByID(ctx, "u1", absorbed.ID)
		require.NoError(t, err)
		assert.Nil(t, hit)
	})

	t.Run("edges re-point to the survivor", func(t *testing.T) {
		edges, err := s.Edges(ctx, st.ID, types.EdgeMentions)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, surviving.ID, edges[0].ToID)
	})

	t.Run("survivor takes the max activation and the alias union", func(t *testing.T) {
		hit, err := s.GetByID(ctx, "u1", surviving.ID)
		require.NoError(t, err)
		require.NotNil(t, hit)
		require.NotNil(t, hit.ActivationValue)
		assert.Equal(t, 0.7, *hit.ActivationValue)
		assert.Contains(t, string(hit.Props), "Roma")
		assert.Contains(t, string(hit.Props), "The Eternal City")
	})

	t.Run("self-merge is rejected", func(t *testing.T) {
		assert.Error(t, s.MergeEntities(ctx, "u1", surviving.ID, surviving.ID, 50))
	})
}

func TestMergeStatementsRewritesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := types.Statement{NodeBase: base("u1", now), Statement: "User likes espresso."}
	b := types.Statement{NodeBase: base("u1", now), Statement: "User enjoys espresso drinks."}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, a, b)))

	fused := "User likes espresso drinks."
	require.NoError(t, s.MergeStatements(ctx, "u1", a.ID, b.ID, 50, fused))

	hit, err := s.GetByID(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, fused, hit.Content)

	// The keyword index follows the fused text and drops the absorbed row.
	hits, err := s.KeywordSearch(ctx, "u1", types.CategoryStatement, "espresso", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)
}

func TestBatchUpdateActivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	st := types.Statement{NodeBase: base("u1", now), Statement: "fact"}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, st)))

	update := ActivationUpdate{
		NodeID:        st.ID,
		Activation:    1.25,
		AccessHistory: []time.Time{now},
		Version:       0,
	}

	t.Run("matching version lands and bumps the version", func(t *testing.T) {
		conflicts, err := s.BatchUpdateActivation(ctx, "u1", []ActivationUpdate{update})
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		state, err := s.ReadActivationState(ctx, "u1", []string{st.ID})
		require.NoError(t, err)
		hit := state[st.ID]
		require.NotNil(t, hit.ActivationValue)
		assert.Equal(t, 1.25, *hit.ActivationValue)
		assert.Equal(t, int64(1), hit.Version)
		require.Len(t, hit.AccessHistory, 1)
	})

	t.Run("stale version is reported as a conflict", func(t *testing.T) {
		conflicts, err := s.BatchUpdateActivation(ctx, "u1", []ActivationUpdate{update})
		require.NoError(t, err)
		assert.Equal(t, []string{st.ID}, conflicts)
	})
}

func TestScanLowActivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low, high := 0.1, 0.9
	cold := types.Statement{NodeBase: base("u1", now), Statement: "cold"}
	cold.ActivationValue = &low
	hot := types.Statement{NodeBase: base("u1", now), Statement: "hot"}
	hot.ActivationValue = &high
	// Never accessed: nil activation, not a forgetting candidate.
	fresh := types.Statement{NodeBase: base("u1", now), Statement: "fresh"}
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, cold, hot, fresh)))

	hits, err := s.ScanLowActivation(ctx, "u1", types.CategoryStatement, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, cold.ID, hits[0].ID)
}

func TestSoftDeleteUnknownNode(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SoftDelete(context.Background(), "u1", "missing"))
}

func TestInsertPreservesNodeVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Ingestion persists nodes at version 1; the stored row must carry that
	// version or the first guarded activation update always conflicts.
	st := types.Statement{NodeBase: base("u1", now), Statement: "versioned"}
	st.Version = 1
	require.NoError(t, s.UpsertIngestedBatch(ctx, turnBatch("u1", now, st)))

	state, err := s.ReadActivationState(ctx, "u1", []string{st.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), state[st.ID].Version)

	conflicts, err := s.BatchUpdateActivation(ctx, "u1", []ActivationUpdate{{
		NodeID:        st.ID,
		Activation:    0.8,
		AccessHistory: []time.Time{now},
		Version:       1,
	}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestVecTableDeclaresCosineDistance(t *testing.T) {
	// KNN MATCH must hand back cosine distances; embeddingSearchVec scores
	// hits as 1-distance and the brute-force path computes true cosine.
	ddl := vecTableDDL("vec_statement", 4)
	assert.Contains(t, ddl, "distance_metric=cosine")
	assert.Contains(t, ddl, "FLOAT[4]")
}
