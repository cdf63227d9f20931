package vectorindex

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. A zero-norm vector scores 0 against everything, as does a length
// mismatch.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push parallel vectors a hair past 1.
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

type scored struct {
	id    string
	score float64
	seq   uint64
}

// rank sorts by score descending then seq ascending and truncates to topK.
func rank(hits []scored, topK int) []Match {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seq < hits[j].seq
	})
	if topK < len(hits) {
		hits = hits[:topK]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{ID: h.id, Score: h.score}
	}
	return out
}
