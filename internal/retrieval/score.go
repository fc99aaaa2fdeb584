package retrieval

import (
	"math"
	"sort"

	"memsci/internal/graph"
)

// ScoredItem is one retrieved node with every scoring stage recorded.
// Pointer fields stay nil when the underlying signal is absent: a node found
// only by vector search has no BM25Score, and a never-accessed node has no
// ActivationScore.
type ScoredItem struct {
	Node graph.NodeHit `json:"node"`

	BM25Score      *float64 `json:"bm25_score,omitempty"`
	EmbeddingScore *float64 `json:"embedding_score,omitempty"`

	NormalizedBM25       *float64 `json:"normalized_bm25,omitempty"`
	NormalizedEmbedding  *float64 `json:"normalized_embedding,omitempty"`
	NormalizedActivation *float64 `json:"normalized_activation,omitempty"`

	ContentScore    float64  `json:"content_score"`
	ActivationScore *float64 `json:"activation_score,omitempty"`
	BaseScore       float64  `json:"base_score"`
	FinalScore      float64  `json:"final_score"`

	ForgettingWeight *float64 `json:"forgetting_weight,omitempty"`
}

// sigmoid squashes a z-score into (0,1).
func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// normalize applies z-score then sigmoid normalization across the non-nil
// values of a field. Nil entries stay nil. A singleton, or a field where
// every value is identical, normalizes to 1.0.
func normalize(values []*float64) []*float64 {
	out := make([]*float64, len(values))

	var present []float64
	for _, v := range values {
		if v != nil {
			present = append(present, *v)
		}
	}
	if len(present) == 0 {
		return out
	}
	if len(present) == 1 {
		one := 1.0
		for i, v := range values {
			if v != nil {
				out[i] = &one
			}
		}
		return out
	}

	var mean float64
	for _, v := range present {
		mean += v
	}
	mean /= float64(len(present))

	var variance float64
	for _, v := range present {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(present))
	std := math.Sqrt(variance)

	if std == 0 {
		one := 1.0
		for i, v := range values {
			if v != nil {
				out[i] = &one
			}
		}
		return out
	}

	for i, v := range values {
		if v != nil {
			n := sigmoid((*v - mean) / std)
			out[i] = &n
		}
	}
	return out
}

// stageOne keeps the top k items by base score.
func stageOne(items []ScoredItem, k int) []ScoredItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].BaseScore > items[j].BaseScore
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}

// stageTwo orders candidates by activation. Items carrying an activation
// score rank first, sorted by it descending; the remainder backfills in base
// score order up to limit.
func stageTwo(items []ScoredItem, limit int) []ScoredItem {
	var withAct, withoutAct []ScoredItem
	for _, it := range items {
		if it.ActivationScore != nil {
			withAct = append(withAct, it)
		} else {
			withoutAct = append(withoutAct, it)
		}
	}

	sort.SliceStable(withAct, func(i, j int) bool {
		return *withAct[i].ActivationScore > *withAct[j].ActivationScore
	})

	if len(withAct) >= limit {
		return withAct[:limit]
	}
	need := limit - len(withAct)
	if need > len(withoutAct) {
		need = len(withoutAct)
	}
	return append(withAct, withoutAct[:need]...)
}

// finalize sets the reported rank key: activation score when the item has
// one, base score otherwise.
func finalize(items []ScoredItem) {
	for i := range items {
		if items[i].ActivationScore != nil {
			items[i].FinalScore = *items[i].ActivationScore
		} else {
			items[i].FinalScore = items[i].BaseScore
		}
	}
}
