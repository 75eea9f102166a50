package anonymize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"
	badgerstore "github.com/mnemon-ai/mnemon/pkg/store/badger"
)

func newTestGate(t *testing.T, k int) *KGate {
	t.Helper()
	s, err := badgerstore.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	gate, err := NewKGate(NewKGateParams{Store: s, K: k})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	return gate
}

func contributionFrom(node string) common.FederationPattern {
	return common.FederationPattern{
		AnonymizedID:     "pattern-1",
		TimeContext:      common.TimeContext{HourOfDay: 9, DayOfWeek: 1},
		ContributorCount: 1,
		QualityScore:     0.7,
		LastUpdated:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		PrivacyTier:      common.TierMaximum,
		Contributors:     []string{node},
	}
}

func TestKGate_PatternStaysHiddenUntilKContributors(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(t, 5)

	for i := 1; i <= 4; i++ {
		merged, err := gate.Stage(ctx, contributionFrom(fmt.Sprintf("node-%d", i)))
		if err != nil {
			t.Fatalf("failed to stage contribution %d: %v", i, err)
		}
		if merged.ContributorCount != i {
			t.Fatalf("expected %d distinct contributors, got %d", i, merged.ContributorCount)
		}

		visible, err := gate.Promoted(ctx, store.QueryPatternsParams{})
		if err != nil {
			t.Fatalf("failed to query promoted patterns: %v", err)
		}
		if len(visible) != 0 {
			t.Fatalf("expected nothing visible at %d contributors, got %v", i, visible)
		}
		if _, err := gate.Promote(ctx, "pattern-1"); !errors.Is(err, ErrInsufficientContributors) {
			t.Fatalf("expected ErrInsufficientContributors at %d contributors, got %v", i, err)
		}
	}

	merged, err := gate.Stage(ctx, contributionFrom("node-5"))
	if err != nil {
		t.Fatalf("failed to stage the fifth contribution: %v", err)
	}
	if merged.ContributorCount != 5 {
		t.Fatalf("expected 5 distinct contributors, got %d", merged.ContributorCount)
	}

	visible, err := gate.Promoted(ctx, store.QueryPatternsParams{})
	if err != nil {
		t.Fatalf("failed to query promoted patterns: %v", err)
	}
	if len(visible) != 1 || visible[0].AnonymizedID != "pattern-1" {
		t.Fatalf("expected the pattern to become visible at k, got %v", visible)
	}

	promoted, err := gate.Promote(ctx, "pattern-1")
	if err != nil {
		t.Fatalf("expected promotion at k, got %v", err)
	}
	if promoted.ContributorCount != 5 {
		t.Fatalf("expected contributor count 5, got %d", promoted.ContributorCount)
	}
}

func TestKGate_RepeatContributionsFromOneNodeDoNotPromote(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(t, 3)

	for i := 0; i < 10; i++ {
		merged, err := gate.Stage(ctx, contributionFrom("node-1"))
		if err != nil {
			t.Fatalf("failed to stage: %v", err)
		}
		if merged.ContributorCount != 1 {
			t.Fatalf("expected one distinct contributor, got %d", merged.ContributorCount)
		}
	}

	visible, err := gate.Promoted(ctx, store.QueryPatternsParams{})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected one noisy node to stay below k, got %v", visible)
	}
}

func TestKGate_PromotedForcesTheFloor(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(t, 4)

	for i := 1; i <= 2; i++ {
		if _, err := gate.Stage(ctx, contributionFrom(fmt.Sprintf("node-%d", i))); err != nil {
			t.Fatalf("failed to stage: %v", err)
		}
	}

	// A caller asking with a lower floor must not see staged patterns.
	visible, err := gate.Promoted(ctx, store.QueryPatternsParams{MinContributors: 1})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected the gate to override a permissive floor, got %v", visible)
	}
}

func TestKGate_PromoteUnknownPattern(t *testing.T) {
	gate := newTestGate(t, 3)

	_, err := gate.Promote(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
