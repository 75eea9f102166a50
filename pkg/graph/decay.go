package graph

import (
	"context"
	"fmt"
)

// DecayResult reports one decay sweep.
type DecayResult struct {
	Updated int
	Pruned  int
}

// Decay multiplies every link weight of the tenant by DecayFactor and
// prunes links that fall below MinLinkStrength. The sweep takes the
// same tenant lock as Ingest, is idempotent per trigger, and only runs
// when explicitly called; periodic execution is the Scheduler's job.
func (e *Engine) Decay(ctx context.Context, tenantID string) (DecayResult, error) {
	unlock := e.lockTenant(tenantID)
	defer unlock()

	stats, err := e.store.DecayLinks(ctx, tenantID, e.config.DecayFactor, e.config.MinLinkStrength)
	if err != nil {
		return DecayResult{}, fmt.Errorf("failed to decay links: %w", err)
	}
	return DecayResult{Updated: stats.Updated, Pruned: stats.Pruned}, nil
}
