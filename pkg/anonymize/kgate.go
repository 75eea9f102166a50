package anonymize

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// DefaultK is the k-anonymity threshold: a pattern stays invisible to
// queries until this many distinct nodes have contributed it.
const DefaultK = 5

// ErrInsufficientContributors is returned when a pattern has not yet
// accumulated k distinct contributors.
var ErrInsufficientContributors = errors.New("pattern below k-anonymity threshold")

// KGate stages contributed patterns and only exposes those whose
// distinct contributor count has reached k. Staging and promotion share
// one store; the gate is the single place that decides visibility, so
// no query path can reach a staged pattern by accident.
type KGate struct {
	store store.MemoryStore
	k     int
}

// NewKGateParams configures a KGate. Store is required. K defaults to
// DefaultK.
type NewKGateParams struct {
	Store store.MemoryStore
	K     int
}

func NewKGate(params NewKGateParams) (*KGate, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("k-gate requires a store")
	}
	k := params.K
	if k <= 0 {
		k = DefaultK
	}
	return &KGate{store: params.Store, k: k}, nil
}

// K returns the configured contributor threshold.
func (g *KGate) K() int {
	return g.k
}

// Stage merges a contributed pattern into the staging pool. Contributor
// sets union store-side, so staging the same pattern from k distinct
// nodes is what eventually promotes it. The merged row is returned;
// callers must not expose it unless Promoted reports it.
func (g *KGate) Stage(ctx context.Context, pattern common.FederationPattern) (common.FederationPattern, error) {
	merged, err := g.store.UpsertPattern(ctx, pattern)
	if err != nil {
		return common.FederationPattern{}, fmt.Errorf("failed to stage pattern: %w", err)
	}
	if merged.ContributorCount >= g.k {
		logger.Debug(
			"[Anonymize] Pattern crossed k threshold",
			"contributors", merged.ContributorCount,
			"k", g.k,
		)
	}
	return merged, nil
}

// Promote returns the pattern if it has cleared the k threshold and
// ErrInsufficientContributors otherwise. Unknown patterns surface the
// store's not-found error.
func (g *KGate) Promote(ctx context.Context, anonymizedID string) (common.FederationPattern, error) {
	pattern, err := g.store.GetPattern(ctx, anonymizedID)
	if err != nil {
		return common.FederationPattern{}, err
	}
	if pattern.ContributorCount < g.k {
		return common.FederationPattern{}, fmt.Errorf(
			"%w: %d of %d contributors",
			ErrInsufficientContributors, pattern.ContributorCount, g.k,
		)
	}
	return pattern, nil
}

// Promoted queries the pool with the k floor forced on, regardless of
// what the caller put in params.
func (g *KGate) Promoted(ctx context.Context, params store.QueryPatternsParams) ([]common.FederationPattern, error) {
	if params.MinContributors < g.k {
		params.MinContributors = g.k
	}
	patterns, err := g.store.QueryPatterns(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to query promoted patterns: %w", err)
	}
	return patterns, nil
}
