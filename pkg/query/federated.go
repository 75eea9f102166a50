package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// federatedRecall pays for the query, fans it out to the mesh, and
// merges the pattern answers. The debit happens before any peer is
// contacted; a rejected debit is the only error this path returns.
// Everything after it degrades instead of failing: the second return
// value reports whether the shared portion fell short of the service's
// consistency level.
func (s *Service) federatedRecall(
	ctx context.Context,
	embedding []float32,
	limit int,
	trace Tracer,
) ([]common.FederationPattern, bool, error) {
	if s.ledger == nil || s.peers == nil {
		return nil, true, nil
	}

	if _, err := s.ledger.Debit(ctx, s.ledger.QueryCost(), "federation_query"); err != nil {
		return nil, false, fmt.Errorf("failed to pay for federated recall: %w", err)
	}

	fctx, cancel := context.WithTimeout(ctx, s.federationTimeout)
	defer cancel()

	answers, contacted, err := s.peers.QueryPeers(fctx, embedding, limit)
	if err != nil {
		logger.Warn("[Query] Peer fan-out failed, serving local only", "error", err)
		return nil, true, nil
	}
	for _, answer := range answers {
		RecordContactedPeerIDs(trace, answer.PeerID)
	}

	needed := 1
	if s.consistency == ConsistencyQuorum {
		needed = s.quorumSize
	}
	degraded := len(answers) < needed
	if degraded {
		logger.Warn("[Query] Shared recall below consistency level",
			"answered", len(answers), "contacted", contacted, "needed", needed)
	}

	patterns := mergePatterns(answers, limit)
	for _, pattern := range patterns {
		RecordSharedPatternIDs(trace, pattern.AnonymizedID)
	}
	return patterns, degraded, nil
}

// mergePatterns deduplicates pattern answers across peers. When two
// peers return the same anonymized ID the higher-precedence version
// wins, using the same order conflict resolution uses on the sync path.
func mergePatterns(answers []federation.PeerAnswer, limit int) []common.FederationPattern {
	byID := make(map[string]common.FederationPattern)
	for _, answer := range answers {
		for _, pattern := range answer.Patterns {
			if pattern.AnonymizedID == "" {
				continue
			}
			held, ok := byID[pattern.AnonymizedID]
			if !ok || patternWins(pattern, held) {
				byID[pattern.AnonymizedID] = pattern
			}
		}
	}
	if len(byID) == 0 {
		return nil
	}

	merged := make([]common.FederationPattern, 0, len(byID))
	for _, pattern := range byID {
		merged = append(merged, pattern)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return patternWins(merged[i], merged[j])
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func patternWins(a, b common.FederationPattern) bool {
	if a.ContributorCount != b.ContributorCount {
		return a.ContributorCount > b.ContributorCount
	}
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.AnonymizedID < b.AnonymizedID
}
