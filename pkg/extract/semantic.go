package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemon-ai/mnemon/pkg/ai"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

const (
	defaultSemanticMinScore = 0.75
	defaultSemanticLimit    = 10
)

// SemanticExtractor embeds the message and recalls the tenant concepts
// it is closest to. It only ever re-surfaces known concepts, so its
// votes confirm rather than discover.
type SemanticExtractor struct {
	weight   float64
	ai       ai.Client
	store    store.MemoryStore
	minScore float64
	limit    int
}

// NewSemanticExtractorParams configures a SemanticExtractor. AI and
// Store are required. MinScore defaults to 0.75, Limit to 10.
type NewSemanticExtractorParams struct {
	Weight   float64
	AI       ai.Client
	Store    store.MemoryStore
	MinScore float64
	Limit    int
}

func NewSemanticExtractor(params NewSemanticExtractorParams) (*SemanticExtractor, error) {
	if params.AI == nil {
		return nil, fmt.Errorf("semantic extractor requires an AI client")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("semantic extractor requires a store")
	}
	minScore := params.MinScore
	if minScore <= 0 {
		minScore = defaultSemanticMinScore
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSemanticLimit
	}
	return &SemanticExtractor{
		weight:   params.Weight,
		ai:       params.AI,
		store:    params.Store,
		minScore: minScore,
		limit:    limit,
	}, nil
}

func (s *SemanticExtractor) Name() string {
	return "semantic"
}

func (s *SemanticExtractor) Weight() float64 {
	return s.weight
}

func (s *SemanticExtractor) Extract(ctx context.Context, req Request) ([]Candidate, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, nil
	}

	embedding, err := s.ai.GenerateEmbedding(ctx, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to embed message: %w", err)
	}
	if len(embedding) == 0 {
		return nil, nil
	}

	matches, err := s.store.SimilarConcepts(ctx, req.TenantID, embedding, s.limit, s.minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to match known concepts: %w", err)
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, Candidate{
			SurfaceForm: m.Concept.CanonicalForm,
			Confidence:  m.Score,
		})
	}
	return candidates, nil
}
