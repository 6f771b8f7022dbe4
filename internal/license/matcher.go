package license

import "aquacli/internal/hardware"

// Component weights for fuzzy hardware matching. A component contributes
// its weight only when both snapshots carry a non-empty, exactly equal
// value; anything missing on either side contributes zero. The weights
// sum to 1.0, so a single component swap (most commonly a network card
// changing the MAC) still clears the default threshold while a wholesale
// machine change does not.
var componentWeights = map[string]float64{
	hardware.ComponentBoard: 0.40,
	hardware.ComponentCPU:   0.30,
	hardware.ComponentMAC:   0.30,
}

// DefaultThreshold is the similarity score a snapshot pair must reach to
// count as the same machine.
const DefaultThreshold = 0.60

// Similarity computes the weighted similarity score in [0,1] between two
// hardware snapshots. Two completely empty snapshots score 0: an empty
// fingerprint is never evidence of anything.
func Similarity(a, b hardware.Snapshot) float64 {
	ac, bc := a.Components(), b.Components()

	var score float64
	for name, weight := range componentWeights {
		av, bv := ac[name], bc[name]
		if av != "" && bv != "" && av == bv {
			score += weight
		}
	}
	return score
}

// Matches reports whether two snapshots identify the same machine at the
// given threshold, along with the computed similarity score.
func Matches(a, b hardware.Snapshot, threshold float64) (bool, float64) {
	score := Similarity(a, b)
	return score >= threshold, score
}
