package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// Tier is a tenant's billing tier as reported by the external tier
// service. Only the free/paid distinction matters to the gate.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// TierLookup resolves a tenant's tier. The gate consults it
// synchronously on every gated write.
type TierLookup func(ctx context.Context, tenantID string) (Tier, error)

// ErrContributionRequired rejects a free-tier write that tries to opt
// out of contribution. The rejection happens before the local write is
// accepted, so nothing has to be rolled back.
var ErrContributionRequired = errors.New("free tier requires contribution")

// Decision is the gate's verdict for one write.
type Decision struct {
	Tier       Tier
	Contribute bool
}

// Gate enforces the per-tier contribution policy: free-tier tenants
// must contribute to the federation on every write, paid tenants choose
// per write. When the tier service is unreachable the gate fails safe
// to the free-tier policy.
type Gate struct {
	tiers TierLookup
}

// NewGateParams configures a Gate. Tiers is required.
type NewGateParams struct {
	Tiers TierLookup
}

func NewGate(params NewGateParams) (*Gate, error) {
	if params.Tiers == nil {
		return nil, fmt.Errorf("gate requires a tier lookup")
	}
	return &Gate{tiers: params.Tiers}, nil
}

// StaticTiers builds a TierLookup over a fixed tenant table. Tenants
// missing from the table resolve with an error, which makes the gate
// fall back to its restrictive free-tier policy.
func StaticTiers(tenants map[string]Tier) TierLookup {
	return func(_ context.Context, tenantID string) (Tier, error) {
		tier, ok := tenants[tenantID]
		if !ok {
			return "", fmt.Errorf("unknown tenant %s", tenantID)
		}
		return tier, nil
	}
}

// Decide evaluates one write. optOut is the writer's request to keep
// this write out of the federation. A free-tier opt-out is rejected
// with ErrContributionRequired and the write must not proceed.
func (g *Gate) Decide(ctx context.Context, tenantID string, optOut bool) (Decision, error) {
	tier, err := g.tiers(ctx, tenantID)
	if err != nil {
		logger.Warn("[Ledger] Tier lookup failed, applying free-tier policy", "tenant", tenantID, "error", err)
		tier = TierFree
	}

	switch tier {
	case TierPaid:
		return Decision{Tier: TierPaid, Contribute: !optOut}, nil
	default:
		if optOut {
			return Decision{}, fmt.Errorf("%w: tenant %s", ErrContributionRequired, tenantID)
		}
		return Decision{Tier: TierFree, Contribute: true}, nil
	}
}
