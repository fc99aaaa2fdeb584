// Package retrieval implements hybrid memory search. Keyword (BM25) and
// dense vector search run in parallel per category, scores are z-score
// normalized and blended, and a second ranking stage reorders the candidate
// set by ACT-R activation so frequently recalled memories surface first.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"memsci/internal/activation"
	"memsci/internal/embedding"
	"memsci/internal/forgetting"
	"memsci/internal/graph"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// SearchRequest describes one retrieval query.
type SearchRequest struct {
	EndUserID string           `json:"end_user_id"`
	Query     string           `json:"query"`
	Include   []types.Category `json:"include,omitempty"`
	Limit     int              `json:"limit,omitempty"`

	// ApplyForgetting weights base scores by the Ebbinghaus retention
	// curve before candidate selection. Off by default.
	ApplyForgetting bool `json:"apply_forgetting,omitempty"`
}

// SearchResponse holds per-category ranked results.
type SearchResponse struct {
	Results map[types.Category][]ScoredItem `json:"results"`
	Summary string                          `json:"summary,omitempty"`
	Elapsed time.Duration                   `json:"elapsed"`
}

// Retriever runs hybrid two-stage search over the memory graph.
type Retriever struct {
	store    *graph.Store
	embedder embedding.Engine
	history  *activation.Manager
	cfg      types.MemoryConfig

	now func() time.Time
}

// New creates a Retriever.
func New(store *graph.Store, embedder embedding.Engine, history *activation.Manager, cfg types.MemoryConfig) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		history:  history,
		cfg:      cfg,
		now:      time.Now,
	}
}

type categoryHits struct {
	keyword   []graph.NodeHit
	embedding []graph.NodeHit
}

// Search executes the full retrieval pipeline for one query.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()
	start := r.now()

	if strings.TrimSpace(req.Query) == "" {
		return &SearchResponse{
			Results: emptyResults(),
			Summary: "Empty query",
			Elapsed: r.now().Sub(start),
		}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	include := req.Include
	if len(include) == 0 {
		include = types.SearchCategories
	}
	multiplier := r.cfg.CandidateMultiplier
	if multiplier <= 0 {
		multiplier = 3
	}
	fetchLimit := limit * multiplier

	logging.Retrieval("Search start: user=%s categories=%d limit=%d query_len=%d",
		req.EndUserID, len(include), limit, len(req.Query))

	hits, err := r.gather(ctx, req.EndUserID, req.Query, include, fetchLimit)
	if err != nil {
		return nil, err
	}

	// Record access on all knowledge hits before normalization so the
	// activation scores reflect this recall.
	updated := r.recordAccess(ctx, req.EndUserID, hits)

	// Omitted categories still appear in the response, as empty lists; no
	// store queries run for them.
	results := emptyResults()
	for _, category := range include {
		ch := hits[category]
		items := r.score(ch, updated, req, category)
		items = stageOne(items, fetchLimit)
		items = stageTwo(items, limit)
		finalize(items)
		results[category] = items
	}

	elapsed := r.now().Sub(start)
	logging.Retrieval("Search done: user=%s elapsed=%s", req.EndUserID, elapsed)
	return &SearchResponse{Results: results, Elapsed: elapsed}, nil
}

func emptyResults() map[types.Category][]ScoredItem {
	results := make(map[types.Category][]ScoredItem, len(types.SearchCategories))
	for _, c := range types.SearchCategories {
		results[c] = []ScoredItem{}
	}
	return results
}

// Temporal returns statements whose validity or creation falls inside
// [from, to]. Activation is not updated for temporal lookups.
func (r *Retriever) Temporal(ctx context.Context, endUserID string, from, to time.Time, limit int) ([]graph.NodeHit, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.store.TemporalSearch(ctx, endUserID, types.CategoryStatement, from, to, limit)
}

// gather runs the keyword and embedding branches in parallel. Category
// queries inside each branch are also concurrent.
func (r *Retriever) gather(ctx context.Context, endUserID, query string, include []types.Category, fetchLimit int) (map[types.Category]*categoryHits, error) {
	hits := make(map[types.Category]*categoryHits, len(include))
	for _, c := range include {
		hits[c] = &categoryHits{}
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, category := range include {
		g.Go(func() error {
			found, err := r.store.KeywordSearch(gctx, endUserID, category, query, fetchLimit)
			if err != nil {
				return fmt.Errorf("keyword search %s: %w", category, err)
			}
			mu.Lock()
			hits[category].keyword = found
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		vector, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return types.Kindf(types.ErrEmbeddingFailed, "query embedding: %w", err)
		}
		inner, ictx := errgroup.WithContext(gctx)
		for _, category := range include {
			inner.Go(func() error {
				found, err := r.store.EmbeddingSearch(ictx, endUserID, category, vector, fetchLimit)
				if err != nil {
					return fmt.Errorf("embedding search %s: %w", category, err)
				}
				mu.Lock()
				hits[category].embedding = found
				mu.Unlock()
				return nil
			})
		}
		return inner.Wait()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, category := range include {
		ch := hits[category]
		ch.keyword = dedupHits(ch.keyword)
		ch.embedding = dedupHits(ch.embedding)
	}
	return hits, nil
}

// recordAccess updates activation for every knowledge hit across both
// branches and returns the refreshed node states keyed by id. Failures are
// logged and the pre-update state is kept; retrieval results still return.
func (r *Retriever) recordAccess(ctx context.Context, endUserID string, hits map[types.Category]*categoryHits) map[string]graph.NodeHit {
	var all []graph.NodeHit
	for _, ch := range hits {
		all = append(all, ch.keyword...)
		all = append(all, ch.embedding...)
	}
	if r.history == nil || len(all) == 0 {
		return nil
	}

	updated, err := r.history.RecordAccess(ctx, endUserID, all)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Error("Access recording failed, scores use stale activation: %v", err)
		return nil
	}
	return updated
}

// score merges the two branches for one category and computes every score
// stage up to base score.
func (r *Retriever) score(ch *categoryHits, updated map[string]graph.NodeHit, req SearchRequest, category types.Category) []ScoredItem {
	type merged struct {
		node graph.NodeHit
		bm25 *float64
		emb  *float64
	}

	order := make([]string, 0, len(ch.keyword)+len(ch.embedding))
	byID := make(map[string]*merged)

	for _, h := range ch.keyword {
		s := h.Score
		byID[h.ID] = &merged{node: h, bm25: &s}
		order = append(order, h.ID)
	}
	for _, h := range ch.embedding {
		s := h.Score
		if m, ok := byID[h.ID]; ok {
			m.emb = &s
			continue
		}
		byID[h.ID] = &merged{node: h, emb: &s}
		order = append(order, h.ID)
	}

	items := make([]ScoredItem, 0, len(order))
	bm25Raw := make([]*float64, 0, len(order))
	embRaw := make([]*float64, 0, len(order))
	actRaw := make([]*float64, 0, len(order))

	for _, id := range order {
		m := byID[id]
		node := m.node
		if fresh, ok := updated[id]; ok {
			node = fresh
		}
		items = append(items, ScoredItem{
			Node:           node,
			BM25Score:      m.bm25,
			EmbeddingScore: m.emb,
		})
		bm25Raw = append(bm25Raw, m.bm25)
		embRaw = append(embRaw, m.emb)
		actRaw = append(actRaw, node.ActivationValue)
	}

	bm25Norm := normalize(bm25Raw)
	embNorm := normalize(embRaw)
	actNorm := normalize(actRaw)

	alpha := r.cfg.RerankAlpha
	now := r.now()
	for i := range items {
		items[i].NormalizedBM25 = bm25Norm[i]
		items[i].NormalizedEmbedding = embNorm[i]
		items[i].NormalizedActivation = actNorm[i]
		items[i].ActivationScore = actNorm[i]

		var bm, em float64
		if bm25Norm[i] != nil {
			bm = *bm25Norm[i]
		}
		if embNorm[i] != nil {
			em = *embNorm[i]
		}
		items[i].ContentScore = alpha*bm + (1-alpha)*em
		items[i].BaseScore = items[i].ContentScore

		if req.ApplyForgetting && category.IsKnowledge() {
			w := r.forgettingWeight(items[i].Node, now)
			items[i].ForgettingWeight = &w
			items[i].BaseScore *= w
		}
	}
	return items
}

// forgettingWeight computes the retention weight for a node from its most
// recent access. Nodes with no history fall back to creation time.
func (r *Retriever) forgettingWeight(node graph.NodeHit, now time.Time) float64 {
	lastAccess := node.CreatedAt
	if n := len(node.AccessHistory); n > 0 {
		lastAccess = node.AccessHistory[n-1]
	}
	return forgetting.WeightAt(lastAccess, now, r.cfg.ForgettingTauDays,
		node.ImportanceScore, node.ActivationValue, r.cfg.ActivationBoostFactor)
}

// dedupHits drops duplicates by id first, then by normalized content, keeping
// the first (highest ranked) occurrence.
func dedupHits(hits []graph.NodeHit) []graph.NodeHit {
	seenID := make(map[string]bool, len(hits))
	seenContent := make(map[string]bool, len(hits))
	out := hits[:0:0]
	for _, h := range hits {
		if seenID[h.ID] {
			continue
		}
		key := types.NormalizeContent(h.Content)
		if seenContent[key] {
			continue
		}
		seenID[h.ID] = true
		seenContent[key] = true
		out = append(out, h)
	}
	return out
}
