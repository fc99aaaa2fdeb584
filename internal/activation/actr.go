// Package activation implements ACT-R base-level activation over node
// access histories, and the batched access-history manager that keeps
// activation values current on every retrieval hit.
package activation

import (
	"math"
	"time"
)

// epsilon guards against a zero age when an access coincides with the
// evaluation instant.
const epsilon = 1e-3

// DefaultDecay is the ACT-R decay exponent d.
const DefaultDecay = 0.5

// Activation computes base-level activation for an access history at time
// now:
//
//	ln( sum_i (now - t_i)^(-d) )
//
// Ages are in seconds. Returns nil for an empty history; a node that has
// never been accessed has no activation and is excluded from
// activation-based ranking.
func Activation(history []time.Time, now time.Time, decay float64) *float64 {
	if len(history) == 0 {
		return nil
	}
	if decay <= 0 {
		decay = DefaultDecay
	}

	sum := 0.0
	for _, t := range history {
		age := now.Sub(t).Seconds()
		if age < epsilon {
			age = epsilon
		}
		sum += math.Pow(age, -decay)
	}
	v := math.Log(sum)
	return &v
}

// MemoryStrength blends importance with prior activation:
//
//	importance * (1 + activationPrev * boost)
//
// clamped to [importance, +inf). Used only inside the forgetting weight;
// activation_value itself stays pure ACT-R.
func MemoryStrength(importance float64, activationPrev *float64, boost float64) float64 {
	if activationPrev == nil {
		return importance
	}
	s := importance * (1 + *activationPrev*boost)
	if s < importance {
		return importance
	}
	return s
}

// AppendAccess appends ts to history and trims to cap, dropping oldest
// entries FIFO. The returned slice is a copy; histories are append-only.
func AppendAccess(history []time.Time, ts time.Time, cap int) []time.Time {
	out := make([]time.Time, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, ts)
	if cap > 0 && len(out) > cap {
		out = out[len(out)-cap:]
	}
	return out
}
