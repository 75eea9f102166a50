package extract

import (
	"context"
	"testing"
)

func TestPatternExtractor_QuotedPhraseWinsOverProperNoun(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{
		TenantID: "tenant-a",
		Text:     `I finally read "Deep Work" on the train.`,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d: %v", len(candidates), candidates)
	}
	if candidates[0].SurfaceForm != "Deep Work" {
		t.Fatalf("expected surface form %q, got %q", "Deep Work", candidates[0].SurfaceForm)
	}
	if candidates[0].Confidence != 0.9 {
		t.Fatalf("expected quoted confidence 0.9, got %f", candidates[0].Confidence)
	}
}

func TestPatternExtractor_ProperNounRuns(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{
		TenantID: "tenant-a",
		Text:     "We are moving to New York with Alice next spring.",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(candidates), candidates)
	}
	if candidates[0].SurfaceForm != "New York" || candidates[1].SurfaceForm != "Alice" {
		t.Fatalf("expected New York and Alice, got %v", candidates)
	}
	for _, c := range candidates {
		if c.Confidence != 0.8 {
			t.Fatalf("expected proper noun confidence 0.8, got %f for %q", c.Confidence, c.SurfaceForm)
		}
	}
}

func TestPatternExtractor_SentenceLeadingStopwordRejected(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{
		TenantID: "tenant-a",
		Text:     "The weather is nice.",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", candidates)
	}
}

func TestPatternExtractor_RepeatedContentWords(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{
		TenantID: "tenant-a",
		Text:     "coffee first thing, coffee at noon, always coffee",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d: %v", len(candidates), candidates)
	}
	if candidates[0].SurfaceForm != "coffee" {
		t.Fatalf("expected coffee, got %q", candidates[0].SurfaceForm)
	}
	if candidates[0].Confidence != 0.6 {
		t.Fatalf("expected repetition confidence 0.6, got %f", candidates[0].Confidence)
	}
}

func TestPatternExtractor_DuplicateSurfaceFormsCollapse(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{
		TenantID: "tenant-a",
		Text:     `"New York" is calling. New York has everything.`,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	count := 0
	for _, c := range candidates {
		if c.SurfaceForm == "New York" {
			count++
			if c.Confidence != 0.9 {
				t.Fatalf("expected first-rule confidence 0.9, got %f", c.Confidence)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected New York exactly once, got %d in %v", count, candidates)
	}
}

func TestPatternExtractor_BlankInput(t *testing.T) {
	p := NewPatternExtractor(0.3)

	candidates, err := p.Extract(context.Background(), Request{TenantID: "tenant-a", Text: "   \n  "})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if candidates != nil {
		t.Fatalf("expected nil candidates, got %v", candidates)
	}
}
