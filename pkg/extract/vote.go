package extract

import (
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

// Strategy selects how per-extractor candidates are combined into the
// final concept set.
type Strategy string

const (
	// StrategyUnion keeps every concept any extractor found. Confidence
	// is the weight of the strongest extractor that voted for it.
	StrategyUnion Strategy = "union"
	// StrategyIntersection keeps only concepts at least two extractors
	// agree on. Confidence is the share of voters that agreed.
	StrategyIntersection Strategy = "intersection"
	// StrategyWeighted sums the weights of the extractors that voted
	// for a concept, capped at 1.0, and keeps it when the sum clears
	// the vote threshold.
	StrategyWeighted Strategy = "weighted"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyUnion, StrategyIntersection, StrategyWeighted:
		return true
	}
	return false
}

type vote struct {
	extractor  string
	weight     float64
	confidence float64
}

// ballot collects the votes a single canonical concept received across
// the ensemble, one vote per extractor.
type ballot struct {
	concept common.Concept
	votes   []vote
}

func (b *ballot) addVote(v vote) {
	for i := range b.votes {
		if b.votes[i].extractor == v.extractor {
			if v.confidence > b.votes[i].confidence {
				b.votes[i].confidence = v.confidence
			}
			return
		}
	}
	b.votes = append(b.votes, v)
}

func (b *ballot) extractorNames() []string {
	names := make([]string, 0, len(b.votes))
	for _, v := range b.votes {
		names = append(names, v.extractor)
	}
	sort.Strings(names)
	return names
}

// tallyVotes turns the collected ballots into the final voted concept
// list. voterCount is the number of extractors that completed without
// error; the intersection share is measured against it. Results are
// ordered confidence-descending, canonical form ascending.
func tallyVotes(ballots map[string]*ballot, strategy Strategy, threshold float64, voterCount int) []common.VotedConcept {
	voted := make([]common.VotedConcept, 0, len(ballots))
	for _, b := range ballots {
		confidence, keep := scoreBallot(b, strategy, threshold, voterCount)
		if !keep {
			continue
		}
		voted = append(voted, common.VotedConcept{
			Concept:        b.concept,
			Confidence:     confidence,
			Extractors:     b.extractorNames(),
			AgreementCount: len(b.votes),
		})
	}

	sort.Slice(voted, func(i, j int) bool {
		if voted[i].Confidence != voted[j].Confidence {
			return voted[i].Confidence > voted[j].Confidence
		}
		return voted[i].Concept.CanonicalForm < voted[j].Concept.CanonicalForm
	})
	return voted
}

func scoreBallot(b *ballot, strategy Strategy, threshold float64, voterCount int) (float64, bool) {
	switch strategy {
	case StrategyUnion:
		best := 0.0
		for _, v := range b.votes {
			if v.weight > best {
				best = v.weight
			}
		}
		if best > 1 {
			best = 1
		}
		return best, true

	case StrategyIntersection:
		if len(b.votes) < 2 || voterCount == 0 {
			return 0, false
		}
		return float64(len(b.votes)) / float64(voterCount), true

	default:
		sum := 0.0
		for _, v := range b.votes {
			sum += v.weight
		}
		if sum > 1 {
			sum = 1
		}
		if sum < threshold {
			return 0, false
		}
		return sum, true
	}
}
