package retrieval

import (
	"sort"
	"time"

	"github.com/avansa/shadowmem/internal/storage"
)

// rrfK is the Reciprocal Rank Fusion smoothing constant from Cormack,
// Clarke & Buettcher (2009). It dampens the influence of any single list's
// top position: rank 0 contributes 1/61, rank 1 contributes 1/62.
const rrfK = 60

// rankedList pairs a signal with its ordered (best-first) candidates.
type rankedList struct {
	signal     Signal
	candidates []storage.Candidate
}

// fusedCandidate is one record id with its cumulative RRF score and the
// signals that ranked it.
type fusedCandidate struct {
	id      int64
	score   float64
	signals []Signal
}

// fuse merges the signal-ordered lists into one ranking by rank position.
// Native scores are ignored entirely: keyword rank, cosine similarity, and
// trigram overlap live on incompatible scales, and position-based fusion
// avoids the cross-signal normalization step where hybrid search usually
// goes wrong. A record ranked by several signals accumulates a contribution
// from each, so agreement between independent strategies boosts it.
func fuse(lists []rankedList, k int) []fusedCandidate {
	scores := make(map[int64]float64)
	signals := make(map[int64][]Signal)

	for _, list := range lists {
		for rank, c := range list.candidates {
			scores[c.ID] += 1.0 / float64(k+rank+1)
			signals[c.ID] = append(signals[c.ID], list.signal)
		}
	}

	out := make([]fusedCandidate, 0, len(scores))
	for id, score := range scores {
		out = append(out, fusedCandidate{id: id, score: score, signals: signals[id]})
	}
	sortFused(out)
	return out
}

// applyRecency blends a recency term into each fused score:
// weight * 1/(1 + ageInDays). The weight defaults low so recency acts as a
// tiebreaker among near-equals, never as a dominant ranking factor. Records
// whose age is unknown (missing from ages) get no boost.
func applyRecency(fused []fusedCandidate, ages map[int64]time.Duration, weight float64) {
	if weight <= 0 {
		return
	}
	for i := range fused {
		age, ok := ages[fused[i].id]
		if !ok {
			continue
		}
		ageDays := age.Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		fused[i].score += weight * (1.0 / (1.0 + ageDays))
	}
	sortFused(fused)
}

// sortFused orders by descending score, ties broken by ascending id so the
// final ranking is deterministic for identical inputs.
func sortFused(fused []fusedCandidate) {
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].id < fused[j].id
	})
}
