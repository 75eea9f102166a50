package anonymize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/ai"
	"github.com/mnemon-ai/mnemon/pkg/common"
)

type stubAI struct {
	embedding []float32
	err       error
}

func (s *stubAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (s *stubAI) GenerateCompletionWithFormat(ctx context.Context, name string, description string, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (s *stubAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return s.embedding, s.err
}

func (s *stubAI) ResetMetrics() {}

func (s *stubAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func newTestPipeline(t *testing.T, params NewPipelineParams) *Pipeline {
	t.Helper()
	if params.NodeID == "" {
		params.NodeID = "node-1"
	}
	p, err := NewPipeline(params)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return p
}

func testCandidate() Candidate {
	return Candidate{
		TenantID:    "tenant-a",
		SubjectForm: "Coffee",
		ObjectForm:  "morning",
		Confidence:  0.9,
		Embedding:   []float32{0.1, 0.2, 0.3},
		ObservedAt:  time.Date(2026, 3, 17, 14, 30, 0, 0, time.UTC),
	}
}

func TestAnonymize_StripsIdentityAndGeneralizesTime(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{})

	pattern, err := p.Anonymize(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if pattern.TimeContext.HourOfDay != 14 {
		t.Fatalf("expected hour 14, got %d", pattern.TimeContext.HourOfDay)
	}
	if pattern.TimeContext.DayOfWeek != int(time.Tuesday) {
		t.Fatalf("expected Tuesday, got %d", pattern.TimeContext.DayOfWeek)
	}
	if len(pattern.AnonymizedID) != 64 {
		t.Fatalf("expected a 256-bit hex ID, got %q", pattern.AnonymizedID)
	}
	if pattern.PrivacyTier != common.TierMaximum {
		t.Fatalf("expected the unkeyed tier by default, got %q", pattern.PrivacyTier)
	}
	if pattern.ContributorCount != 1 || len(pattern.Contributors) != 1 || pattern.Contributors[0] != "node-1" {
		t.Fatalf("expected a single contribution from node-1, got %+v", pattern)
	}
	if pattern.QualityScore != 0.9 {
		t.Fatalf("expected quality 0.9, got %f", pattern.QualityScore)
	}
	if pattern.Category != "" {
		t.Fatalf("expected no category outside the permissive tier, got %q", pattern.Category)
	}
}

func TestAnonymize_DeterministicAcrossDirectionAndCasing(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{})

	first, err := p.Anonymize(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	swapped := testCandidate()
	swapped.SubjectForm = "  MORNING "
	swapped.ObjectForm = "coffee."
	second, err := p.Anonymize(context.Background(), swapped)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if first.AnonymizedID != second.AnonymizedID {
		t.Fatalf("expected direction and casing to hash identically, got %q vs %q",
			first.AnonymizedID, second.AnonymizedID)
	}
}

func TestAnonymize_KeyedTierDivergesFromUnkeyed(t *testing.T) {
	keys := func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("key-for-" + tenantID), nil
	}
	p := newTestPipeline(t, NewPipelineParams{Keys: keys})

	unkeyed, err := p.Anonymize(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	balanced := testCandidate()
	balanced.Tier = common.TierBalanced
	keyed, err := p.Anonymize(context.Background(), balanced)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if keyed.PrivacyTier != common.TierBalanced {
		t.Fatalf("expected the balanced tier to survive, got %q", keyed.PrivacyTier)
	}
	if keyed.AnonymizedID == unkeyed.AnonymizedID {
		t.Fatal("expected the tenant key to change the hash")
	}

	again, err := p.Anonymize(context.Background(), balanced)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if again.AnonymizedID != keyed.AnonymizedID {
		t.Fatal("expected the keyed hash to be stable for one tenant")
	}

	otherTenant := balanced
	otherTenant.TenantID = "tenant-b"
	other, err := p.Anonymize(context.Background(), otherTenant)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if other.AnonymizedID == keyed.AnonymizedID {
		t.Fatal("expected different tenant keys to produce different hashes")
	}
}

func TestAnonymize_KeyFailureFallsBackToMaximum(t *testing.T) {
	failing := func(ctx context.Context, tenantID string) ([]byte, error) {
		return nil, fmt.Errorf("key service down")
	}
	p := newTestPipeline(t, NewPipelineParams{Keys: failing})

	cand := testCandidate()
	cand.Tier = common.TierBalanced
	pattern, err := p.Anonymize(context.Background(), cand)
	if err != nil {
		t.Fatalf("expected the fallback to succeed, got %v", err)
	}
	if pattern.PrivacyTier != common.TierMaximum {
		t.Fatalf("expected fallback to the stricter tier, got %q", pattern.PrivacyTier)
	}

	unkeyed, err := newTestPipeline(t, NewPipelineParams{}).Anonymize(context.Background(), testCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pattern.AnonymizedID != unkeyed.AnonymizedID {
		t.Fatal("expected the fallback hash to equal the unkeyed hash")
	}
}

func TestAnonymize_PermissiveTierCarriesCategory(t *testing.T) {
	keys := func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("tenant-key"), nil
	}
	p := newTestPipeline(t, NewPipelineParams{Keys: keys})

	cand := testCandidate()
	cand.Tier = common.TierPermissive
	cand.Category = " Beverage Habits "
	pattern, err := p.Anonymize(context.Background(), cand)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pattern.Category != "beverage habits" {
		t.Fatalf("expected a normalized category, got %q", pattern.Category)
	}

	cand.Tier = common.TierBalanced
	pattern, err = p.Anonymize(context.Background(), cand)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pattern.Category != "" {
		t.Fatalf("expected the balanced tier to drop the category, got %q", pattern.Category)
	}
}

func TestAnonymize_BelowShareConfidenceIsNotShareable(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{})

	cand := testCandidate()
	cand.Confidence = 0.4
	_, err := p.Anonymize(context.Background(), cand)
	if !errors.Is(err, ErrNotShareable) {
		t.Fatalf("expected ErrNotShareable, got %v", err)
	}
}

func TestAnonymize_MissingEmbeddingDropsForCycle(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{})

	cand := testCandidate()
	cand.Embedding = nil
	_, err := p.Anonymize(context.Background(), cand)
	if !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped without an embedding source, got %v", err)
	}

	if got := p.DegradeQuality(0.8); got != 0.4 {
		t.Fatalf("expected quality degraded to 0.4, got %f", got)
	}
}

func TestAnonymize_EmbeddingGeneratedWhenAbsent(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{
		AI: &stubAI{embedding: []float32{0.5, 0.5}},
	})

	cand := testCandidate()
	cand.Embedding = nil
	pattern, err := p.Anonymize(context.Background(), cand)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(pattern.Embedding) != 2 {
		t.Fatalf("expected the generated embedding, got %v", pattern.Embedding)
	}
}

func TestAnonymize_EmbedderFailureDropsForCycle(t *testing.T) {
	p := newTestPipeline(t, NewPipelineParams{
		AI: &stubAI{err: fmt.Errorf("model offline")},
	})

	cand := testCandidate()
	cand.Embedding = nil
	_, err := p.Anonymize(context.Background(), cand)
	if !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped on embedder failure, got %v", err)
	}
}
