package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// embedQuery returns the query embedding, or nil when the provider is
// unavailable. A nil embedding switches seeding to exact canonical
// lookups so local recall keeps working without the model.
func (s *Service) embedQuery(ctx context.Context, query string) []float32 {
	embedding, err := s.ai.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		logger.Warn("[Query] Embedding unavailable, falling back to exact lookup", "error", err)
		return nil
	}
	return embedding
}

// localRecall seeds candidates from the query, expands them one hop
// through their attention links, and fuses the similarity and attention
// rankings into the final order.
func (s *Service) localRecall(
	ctx context.Context,
	tenantID string,
	query string,
	embedding []float32,
	limit int,
	trace Tracer,
) ([]RecalledConcept, error) {
	seeds, err := s.seedCandidates(ctx, tenantID, query, embedding, limit)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	candidates := make([]recallCandidate, 0, len(seeds))
	position := make(map[string]int, len(seeds))
	seededIDs := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		position[seed.Concept.ID] = len(candidates)
		candidates = append(candidates, recallCandidate{
			Concept:    seed.Concept,
			Similarity: seed.Score,
		})
		seededIDs = append(seededIDs, seed.Concept.ID)
	}
	RecordSeededConceptIDs(trace, seededIDs...)

	for _, seed := range seeds {
		neighbors, err := s.graph.Neighbors(ctx, tenantID, seed.Concept.ID, s.neighborLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", seed.Concept.ID, err)
		}
		for _, neighbor := range neighbors {
			idx, ok := position[neighbor.Concept.ID]
			if !ok {
				idx = len(candidates)
				position[neighbor.Concept.ID] = idx
				candidates = append(candidates, recallCandidate{Concept: neighbor.Concept})
				RecordExpandedConceptIDs(trace, neighbor.Concept.ID)
			}
			// Neighbors of a strong seed carry more of its evidence
			// than neighbors of a marginal one.
			candidates[idx].Attention += neighbor.Weight * seed.Score
		}
	}

	return fuseCandidates(candidates, limit), nil
}

// seedCandidates finds the concepts the query is about. With an
// embedding it is a similarity search over the tenant's concepts;
// without one it degrades to canonical lookups of the whole query and
// its individual words.
func (s *Service) seedCandidates(
	ctx context.Context,
	tenantID string,
	query string,
	embedding []float32,
	limit int,
) ([]store.ScoredConcept, error) {
	if len(embedding) > 0 {
		return s.store.SimilarConcepts(ctx, tenantID, embedding, seedLimit(limit), s.minScore)
	}

	surfaces := make([]string, 0, 8)
	if normalized := util.NormalizeSurfaceForm(query); normalized != "" {
		surfaces = append(surfaces, normalized)
	}
	for _, word := range strings.Fields(query) {
		normalized := util.NormalizeSurfaceForm(word)
		if len(normalized) < 3 {
			continue
		}
		surfaces = append(surfaces, normalized)
	}

	maxSeeds := seedLimit(limit)
	seeds := make([]store.ScoredConcept, 0, len(surfaces))
	seen := make(map[string]struct{}, len(surfaces))
	for _, surface := range surfaces {
		if len(seeds) >= maxSeeds {
			break
		}
		concept, err := s.store.GetConceptBySurface(ctx, tenantID, surface)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up %q: %w", surface, err)
		}
		if _, dup := seen[concept.ID]; dup {
			continue
		}
		seen[concept.ID] = struct{}{}
		seeds = append(seeds, store.ScoredConcept{Concept: concept, Score: 1})
	}
	return seeds, nil
}
