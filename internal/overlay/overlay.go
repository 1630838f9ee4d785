// Package overlay builds each peer's neighbor set from the authoritative
// peer list by Zipf-weighted sampling without replacement, per base spec
// §4.5. The peer list is sorted into a deterministic rank order, each
// rank is assigned weight 1/(rank+1)^alpha, and neighbors are drawn by
// repeated weighted sampling with renormalization — the same
// rank-then-weight shape as the teacher project's consistent-hash ring
// (internal/ring/consistent_hash.go), which sorts its virtual nodes into
// a deterministic order before any selection is made.
package overlay

import (
	"gossipmesh/internal/identity"
	"gossipmesh/internal/rng"
)

// Alpha is the Zipf exponent from base spec §4.5.
const Alpha = 1.0

// Size returns k = min(floor(n/2)+1, n) for a peer list of size n
// (excluding self), per base spec §4.5 and the neighbor-set size
// invariant I5.
func Size(n int) int {
	if n <= 0 {
		return 0
	}
	k := n/2 + 1
	if k > n {
		k = n
	}
	return k
}

// Build selects Size(len(peers)) neighbors from peers (which must already
// exclude self) using Zipf-weighted sampling without replacement. Given
// an identical peers slice and an identical rng.Source seed, Build
// returns a reproducible selection, per base spec §4.5's determinism
// requirement.
func Build(peers []identity.ID, r *rng.Source) []identity.ID {
	n := len(peers)
	if n == 0 {
		return nil
	}

	sorted := append([]identity.ID(nil), peers...)
	identity.Sort(sorted)

	k := Size(n)
	if k >= n {
		return sorted
	}

	weights := make([]float64, n)
	for i := range sorted {
		weights[i] = 1.0 / zipfPow(float64(i+1), Alpha)
	}

	chosen := make([]identity.ID, 0, k)
	remaining := append([]identity.ID(nil), sorted...)
	remainingWeights := append([]float64(nil), weights...)

	for len(chosen) < k && len(remaining) > 0 {
		idx := weightedPick(remainingWeights, r)
		chosen = append(chosen, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingWeights = append(remainingWeights[:idx], remainingWeights[idx+1:]...)
	}
	return chosen
}

func zipfPow(rank, alpha float64) float64 {
	if alpha == 1.0 {
		return rank
	}
	result := 1.0
	// alpha is fixed at 1.0 by the spec; this integer-exponent loop only
	// exists to keep the formula honest if Alpha is ever tuned.
	for i := 0.0; i < alpha; i++ {
		result *= rank
	}
	return result
}

// weightedPick draws one index from weights with probability
// proportional to weight, per base spec §4.5 steps 3-4.
func weightedPick(weights []float64, r *rng.Source) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	target := r.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return i
		}
	}
	return len(weights) - 1
}
