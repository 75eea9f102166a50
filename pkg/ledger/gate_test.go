package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func staticTiers(tier Tier) TierLookup {
	return func(ctx context.Context, tenantID string) (Tier, error) {
		return tier, nil
	}
}

func TestGate_FreeTierMustContribute(t *testing.T) {
	g, err := NewGate(NewGateParams{Tiers: staticTiers(TierFree)})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	d, err := g.Decide(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatalf("expected the write to proceed, got %v", err)
	}
	if !d.Contribute {
		t.Fatal("expected free tier to contribute")
	}

	_, err = g.Decide(context.Background(), "tenant-a", true)
	if !errors.Is(err, ErrContributionRequired) {
		t.Fatalf("expected ErrContributionRequired on free-tier opt-out, got %v", err)
	}
}

func TestGate_PaidTierChoosesPerWrite(t *testing.T) {
	g, err := NewGate(NewGateParams{Tiers: staticTiers(TierPaid)})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	d, err := g.Decide(context.Background(), "tenant-a", true)
	if err != nil {
		t.Fatalf("expected the opt-out to be honored, got %v", err)
	}
	if d.Contribute {
		t.Fatal("expected no contribution when a paid tenant opts out")
	}

	d, err = g.Decide(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Contribute {
		t.Fatal("expected contribution when a paid tenant stays in")
	}
}

func TestGate_LookupFailureFailsSafe(t *testing.T) {
	failing := func(ctx context.Context, tenantID string) (Tier, error) {
		return "", fmt.Errorf("tier service down")
	}
	g, err := NewGate(NewGateParams{Tiers: failing})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	// Unreachable tier service applies the strictest policy.
	_, err = g.Decide(context.Background(), "tenant-a", true)
	if !errors.Is(err, ErrContributionRequired) {
		t.Fatalf("expected the fail-safe policy to reject the opt-out, got %v", err)
	}

	d, err := g.Decide(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatalf("expected the write to proceed, got %v", err)
	}
	if !d.Contribute || d.Tier != TierFree {
		t.Fatalf("expected mandatory contribution under the fail-safe policy, got %+v", d)
	}
}

func TestGate_UnknownTierTreatedAsFree(t *testing.T) {
	g, err := NewGate(NewGateParams{Tiers: staticTiers(Tier("enterprise-trial"))})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	_, err = g.Decide(context.Background(), "tenant-a", true)
	if !errors.Is(err, ErrContributionRequired) {
		t.Fatalf("expected unknown tiers to get the strict policy, got %v", err)
	}
}
