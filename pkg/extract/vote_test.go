package extract

import (
	"testing"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

func testBallot(form string, votes ...vote) *ballot {
	b := &ballot{concept: common.Concept{ID: "c-" + form, CanonicalForm: form}}
	for _, v := range votes {
		b.addVote(v)
	}
	return b
}

// Four concepts seen by different extractor subsets of a three-voter
// ensemble with the stock weights.
func testBallots() map[string]*ballot {
	pattern := func(conf float64) vote { return vote{extractor: "pattern", weight: 0.3, confidence: conf} }
	semantic := func(conf float64) vote { return vote{extractor: "semantic", weight: 0.5, confidence: conf} }
	generative := func(conf float64) vote { return vote{extractor: "generative", weight: 0.8, confidence: conf} }

	return map[string]*ballot{
		"growl": testBallot("growl", pattern(0.6)),
		"jazz":  testBallot("jazz", pattern(0.8), semantic(0.9)),
		"kite":  testBallot("kite", generative(0.7)),
		"moss":  testBallot("moss", pattern(0.9), semantic(0.8), generative(0.9)),
	}
}

func votedForm(voted []common.VotedConcept, form string) (common.VotedConcept, bool) {
	for _, v := range voted {
		if v.Concept.CanonicalForm == form {
			return v, true
		}
	}
	return common.VotedConcept{}, false
}

func TestTallyVotes_WeightedThreshold(t *testing.T) {
	voted := tallyVotes(testBallots(), StrategyWeighted, 0.4, 3)

	if _, ok := votedForm(voted, "growl"); ok {
		t.Fatalf("expected a lone 0.3 voter to stay below the threshold, got %v", voted)
	}

	jazz, ok := votedForm(voted, "jazz")
	if !ok {
		t.Fatalf("expected jazz to pass with two voters, got %v", voted)
	}
	if jazz.Confidence != 0.8 {
		t.Fatalf("expected summed confidence 0.8, got %f", jazz.Confidence)
	}
	if jazz.AgreementCount != 2 {
		t.Fatalf("expected agreement count 2, got %d", jazz.AgreementCount)
	}

	kite, ok := votedForm(voted, "kite")
	if !ok {
		t.Fatalf("expected the generative voter to pass alone, got %v", voted)
	}
	if kite.Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %f", kite.Confidence)
	}

	moss, ok := votedForm(voted, "moss")
	if !ok {
		t.Fatalf("expected moss to pass, got %v", voted)
	}
	if moss.Confidence != 1.0 {
		t.Fatalf("expected summed confidence capped at 1.0, got %f", moss.Confidence)
	}
}

func TestTallyVotes_OrderedByConfidenceThenForm(t *testing.T) {
	voted := tallyVotes(testBallots(), StrategyWeighted, 0.4, 3)

	if len(voted) != 3 {
		t.Fatalf("expected 3 voted concepts, got %d", len(voted))
	}
	got := []string{
		voted[0].Concept.CanonicalForm,
		voted[1].Concept.CanonicalForm,
		voted[2].Concept.CanonicalForm,
	}
	want := []string{"moss", "jazz", "kite"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestTallyVotes_IntersectionRequiresAgreement(t *testing.T) {
	voted := tallyVotes(testBallots(), StrategyIntersection, 0.4, 3)

	if len(voted) != 2 {
		t.Fatalf("expected 2 agreed concepts, got %d: %v", len(voted), voted)
	}

	moss, ok := votedForm(voted, "moss")
	if !ok {
		t.Fatalf("expected moss in the intersection, got %v", voted)
	}
	if moss.Confidence != 1.0 {
		t.Fatalf("expected full agreement confidence 1.0, got %f", moss.Confidence)
	}

	jazz, ok := votedForm(voted, "jazz")
	if !ok {
		t.Fatalf("expected jazz in the intersection, got %v", voted)
	}
	want := 2.0 / 3.0
	if jazz.Confidence != want {
		t.Fatalf("expected agreement share %f, got %f", want, jazz.Confidence)
	}
}

func TestTallyVotes_UnionKeepsEverything(t *testing.T) {
	voted := tallyVotes(testBallots(), StrategyUnion, 0.4, 3)

	if len(voted) != 4 {
		t.Fatalf("expected all 4 concepts, got %d", len(voted))
	}

	growl, _ := votedForm(voted, "growl")
	if growl.Confidence != 0.3 {
		t.Fatalf("expected strongest contributor weight 0.3, got %f", growl.Confidence)
	}
	moss, _ := votedForm(voted, "moss")
	if moss.Confidence != 0.8 {
		t.Fatalf("expected strongest contributor weight 0.8, got %f", moss.Confidence)
	}
}

func TestTallyVotes_IntersectionIsSubsetOfUnion(t *testing.T) {
	union := tallyVotes(testBallots(), StrategyUnion, 0.4, 3)
	intersection := tallyVotes(testBallots(), StrategyIntersection, 0.4, 3)

	for _, v := range intersection {
		if _, ok := votedForm(union, v.Concept.CanonicalForm); !ok {
			t.Fatalf("intersection produced %q which the union lacks", v.Concept.CanonicalForm)
		}
	}
}

func TestBallot_RepeatVotesFromOneExtractorCollapse(t *testing.T) {
	b := testBallot("moss",
		vote{extractor: "pattern", weight: 0.3, confidence: 0.4},
		vote{extractor: "pattern", weight: 0.3, confidence: 0.9},
	)

	if len(b.votes) != 1 {
		t.Fatalf("expected a single vote per extractor, got %d", len(b.votes))
	}
	if b.votes[0].confidence != 0.9 {
		t.Fatalf("expected the stronger confidence to win, got %f", b.votes[0].confidence)
	}

	voted := tallyVotes(map[string]*ballot{"moss": b}, StrategyIntersection, 0.4, 3)
	if len(voted) != 0 {
		t.Fatalf("expected one extractor voting twice to count once, got %v", voted)
	}
}
