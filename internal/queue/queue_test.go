package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/graph"

	"github.com/rabbitmq/amqp091-go"
)

func TestLooksLikeHTML(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"Morning espresso at the cafe.", false},
		{"i <3 espresso", false},
		{"<html><body>hi</body></html>", true},
		{"<P>Shouting markup</P>", true},
		{"line<br/>break", true},
	}
	for _, c := range cases {
		if got := looksLikeHTML(c.message); got != c.want {
			t.Fatalf("looksLikeHTML(%q) = %v, want %v", c.message, got, c.want)
		}
	}
}

func TestCleanMessage_PlainTextPassesThroughTrimmed(t *testing.T) {
	got := CleanMessage("  Morning espresso at the cafe.  ")
	if got != "Morning espresso at the cafe." {
		t.Fatalf("expected trimmed passthrough, got %q", got)
	}

	if got := CleanMessage("   \n\t  "); got != "" {
		t.Fatalf("expected empty result for blank message, got %q", got)
	}
}

func TestCleanMessage_HTMLKeepsReadableText(t *testing.T) {
	message := `<html><head><title>Service notes</title></head><body>
<article>
<p>The espresso machine needs descaling after the morning rush, and the grinder burrs are due for replacement this quarter.</p>
<p>Milk deliveries moved to Tuesdays, so weekend service relies on the freezer stock and the oat milk cartons in the back room.</p>
<p>The new barista finished training on the pour over station and can now cover the opening shift without supervision.</p>
</article>
</body></html>`

	got := CleanMessage(message)
	if got == "" {
		t.Fatal("expected non-empty result for HTML message")
	}
	// Extraction keeps the readable text; the fallback keeps the raw
	// message. Either way no content is lost.
	if !strings.Contains(got, "espresso machine needs descaling") {
		t.Fatalf("expected article text to survive cleaning, got %q", got)
	}
}

func TestRetries(t *testing.T) {
	if got := Retries(amqp091.Delivery{}); got != 0 {
		t.Fatalf("expected 0 retries without headers, got %d", got)
	}

	msg := amqp091.Delivery{Headers: amqp091.Table{"x-retries": int32(4)}}
	if got := Retries(msg); got != 4 {
		t.Fatalf("expected 4 retries, got %d", got)
	}

	msg = amqp091.Delivery{Headers: amqp091.Table{"x-retries": "four"}}
	if got := Retries(msg); got != 0 {
		t.Fatalf("expected 0 retries for malformed header, got %d", got)
	}
}

func TestContributionCandidates_UsesWeakerVoteConfidence(t *testing.T) {
	espresso := common.Concept{ID: "c-espresso", CanonicalForm: "espresso", Embedding: []float32{1, 0}}
	grinder := common.Concept{ID: "c-grinder", CanonicalForm: "grinder"}

	voted := []common.VotedConcept{
		{Concept: common.Concept{ID: "c-espresso", CanonicalForm: "espresso"}, Confidence: 0.9},
		// Votes without a resolved ID match on the canonical form.
		{Concept: common.Concept{CanonicalForm: "grinder"}, Confidence: 0.7},
	}
	result := graph.IngestResult{
		StrongLinks: []graph.LinkedPair{{A: espresso, B: grinder}},
	}
	received := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	job := IngestJob{TenantID: "tenant-1", ReceivedAt: received}

	candidates := contributionCandidates(job, result, voted, common.TierBalanced)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	cand := candidates[0]
	if cand.SubjectForm != "espresso" || cand.ObjectForm != "grinder" {
		t.Fatalf("expected espresso/grinder pair, got %s/%s", cand.SubjectForm, cand.ObjectForm)
	}
	if cand.Confidence != 0.7 {
		t.Fatalf("expected weaker vote confidence 0.7, got %v", cand.Confidence)
	}
	if len(cand.Embedding) != 2 || cand.Embedding[0] != 1 {
		t.Fatalf("expected subject embedding to carry over, got %v", cand.Embedding)
	}
	if !cand.ObservedAt.Equal(received) {
		t.Fatalf("expected observed time %v, got %v", received, cand.ObservedAt)
	}
	if cand.Tier != common.TierBalanced {
		t.Fatalf("expected balanced tier, got %s", cand.Tier)
	}
	if cand.TenantID != "tenant-1" {
		t.Fatalf("expected tenant-1, got %s", cand.TenantID)
	}
}

func TestContributionCandidates_UnvotedEndpointZeroesConfidence(t *testing.T) {
	voted := []common.VotedConcept{
		{Concept: common.Concept{ID: "c-espresso", CanonicalForm: "espresso"}, Confidence: 0.9},
	}
	result := graph.IngestResult{
		StrongLinks: []graph.LinkedPair{{
			A: common.Concept{ID: "c-espresso", CanonicalForm: "espresso"},
			B: common.Concept{ID: "c-mystery", CanonicalForm: "mystery"},
		}},
	}

	candidates := contributionCandidates(IngestJob{TenantID: "tenant-1"}, result, voted, common.TierMaximum)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].Confidence != 0 {
		t.Fatalf("expected zero confidence for unvoted endpoint, got %v", candidates[0].Confidence)
	}
	if candidates[0].ObservedAt.IsZero() {
		t.Fatal("expected observed time to default to now")
	}
}

func TestContributionCandidates_EmbeddingFallsBackToObject(t *testing.T) {
	voted := []common.VotedConcept{
		{Concept: common.Concept{ID: "c-a", CanonicalForm: "mornings"}, Confidence: 0.8},
		{Concept: common.Concept{ID: "c-b", CanonicalForm: "espresso"}, Confidence: 0.8},
	}
	result := graph.IngestResult{
		StrongLinks: []graph.LinkedPair{{
			A: common.Concept{ID: "c-a", CanonicalForm: "mornings"},
			B: common.Concept{ID: "c-b", CanonicalForm: "espresso", Embedding: []float32{0, 1}},
		}},
	}

	candidates := contributionCandidates(IngestJob{TenantID: "tenant-1"}, result, voted, common.TierMaximum)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if len(candidates[0].Embedding) != 2 || candidates[0].Embedding[1] != 1 {
		t.Fatalf("expected object embedding fallback, got %v", candidates[0].Embedding)
	}
}
