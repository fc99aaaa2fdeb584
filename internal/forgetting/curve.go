// Package forgetting implements Ebbinghaus-style memory decay. Retention
// weight decreases exponentially with time since last access, moderated by
// memory strength so that important or frequently reinforced memories decay
// slower.
package forgetting

import (
	"math"
	"time"

	"memsci/internal/activation"
)

// Weight returns the Ebbinghaus retention weight for a memory last accessed
// elapsedDays ago with memory strength s, using time constant tauDays.
//
//	w = exp(-Δt / (τ · S))
//
// Strength is clamped to a small positive floor so a zero-importance node
// decays fast instead of dividing by zero.
func Weight(elapsedDays, tauDays, strength float64) float64 {
	if elapsedDays <= 0 {
		return 1.0
	}
	if tauDays <= 0 {
		tauDays = 1.0
	}
	const strengthFloor = 1e-6
	if strength < strengthFloor {
		strength = strengthFloor
	}
	return math.Exp(-elapsedDays / (tauDays * strength))
}

// WeightAt computes the retention weight for a node given its last access
// time, importance score, and prior activation value.
func WeightAt(lastAccess, now time.Time, tauDays, importance float64, activationPrev *float64, boost float64) float64 {
	elapsed := now.Sub(lastAccess).Hours() / 24.0
	strength := activation.MemoryStrength(importance, activationPrev, boost)
	return Weight(elapsed, tauDays, strength)
}
