package match

import (
	"math"

	"github.com/andresmejia3/facetag/internal/store"
)

// Similarity computes the cosine similarity of a and b in [-1, 1].
// It returns exactly 0 when the lengths differ or either vector has zero
// magnitude, so degenerate input never matches anything.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return math.Max(-1, math.Min(1, sim))
}

// FindMatch returns the first identity, in the given order, holding any
// embedding whose similarity to query is strictly above threshold.
//
// This is an existence query with early exit, not a nearest-neighbor search:
// a later identity with a higher score never displaces an earlier one.
// Callers pass identities in store order (sorted by id string).
func FindMatch(identities []store.Identity, query []float32, threshold float64) (*store.Identity, bool) {
	for i := range identities {
		for _, emb := range identities[i].Embeddings {
			if Similarity(emb, query) > threshold {
				return &identities[i], true
			}
		}
	}
	return nil, false
}

// BestScore is the highest similarity between query and any of the
// identity's embeddings. Diagnostics only; it never drives FindMatch.
func BestScore(identity store.Identity, query []float32) float64 {
	best := math.Inf(-1)
	for _, emb := range identity.Embeddings {
		if s := Similarity(emb, query); s > best {
			best = s
		}
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}
