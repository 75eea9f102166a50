package query

import (
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

const rrfK = 60.0

// recallCandidate accumulates the evidence for one concept while a
// recall runs. Similarity stays zero for concepts that only entered
// through link expansion; Attention stays zero for seeds nothing
// links to.
type recallCandidate struct {
	Concept    common.Concept
	Similarity float64
	Attention  float64
}

// seedLimit over-fetches seeds so fusion can reorder without starving
// the final page.
func seedLimit(limit int) int {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	return min(max(limit*6, 40), 240)
}

// buildRankPositions ranks the candidates that carry the signal under
// test. Returned positions are 1-based and keyed by candidate index;
// candidates the include predicate rejects get no position, which
// rrfComponent scores as zero.
func buildRankPositions(
	candidates []recallCandidate,
	include func(c recallCandidate) bool,
	less func(a, b recallCandidate) bool,
) map[int]int {
	order := make([]int, 0, len(candidates))
	for i, candidate := range candidates {
		if include(candidate) {
			order = append(order, i)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return less(candidates[order[i]], candidates[order[j]])
	})

	positions := make(map[int]int, len(order))
	for rank, index := range order {
		positions[index] = rank + 1
	}

	return positions
}

func rrfComponent(rank int, weight float64) float64 {
	if rank <= 0 {
		return 0
	}
	return weight / (rrfK + float64(rank))
}

// fuseCandidates merges the similarity and attention rankings with
// reciprocal rank fusion and returns the top candidates. Concepts
// present in both rankings outrank concepts carried by a single one,
// and every tie breaks deterministically.
func fuseCandidates(candidates []recallCandidate, limit int) []RecalledConcept {
	if len(candidates) == 0 || limit <= 0 {
		return nil
	}

	similarityRanks := buildRankPositions(candidates,
		func(c recallCandidate) bool { return c.Similarity > 0 },
		func(a, b recallCandidate) bool {
			if a.Similarity == b.Similarity {
				return a.Concept.ID < b.Concept.ID
			}
			return a.Similarity > b.Similarity
		})

	attentionRanks := buildRankPositions(candidates,
		func(c recallCandidate) bool { return c.Attention > 0 },
		func(a, b recallCandidate) bool {
			if a.Attention == b.Attention {
				if a.Similarity == b.Similarity {
					return a.Concept.ID < b.Concept.ID
				}
				return a.Similarity > b.Similarity
			}
			return a.Attention > b.Attention
		})

	scored := make([]RecalledConcept, len(candidates))
	for i, candidate := range candidates {
		score := rrfComponent(similarityRanks[i], 1.0)
		score += rrfComponent(attentionRanks[i], 1.0)
		scored[i] = RecalledConcept{
			Concept:    candidate.Concept,
			Score:      score,
			Similarity: candidate.Similarity,
			Attention:  candidate.Attention,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			if scored[i].Similarity == scored[j].Similarity {
				if scored[i].Attention == scored[j].Attention {
					return scored[i].Concept.ID < scored[j].Concept.ID
				}
				return scored[i].Attention > scored[j].Attention
			}
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Score > scored[j].Score
	})

	if limit > len(scored) {
		limit = len(scored)
	}
	return scored[:limit]
}
