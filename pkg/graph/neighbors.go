package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// Neighbor pairs a linked concept with the link that reaches it.
type Neighbor struct {
	Concept            common.Concept
	Weight             float64
	ReinforcementCount int
	LastReinforced     time.Time
}

// Neighbors returns the concepts linked to conceptID ranked by link
// weight descending. Links whose far concept is missing are skipped.
func (e *Engine) Neighbors(ctx context.Context, tenantID, conceptID string, limit int) ([]Neighbor, error) {
	links, err := e.store.NeighborLinks(ctx, tenantID, conceptID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbor links: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(links))
	for _, link := range links {
		otherID := link.ConceptA
		if otherID == conceptID {
			otherID = link.ConceptB
		}

		concept, err := e.store.GetConcept(ctx, tenantID, otherID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load neighbor concept: %w", err)
		}

		neighbors = append(neighbors, Neighbor{
			Concept:            concept,
			Weight:             link.Weight,
			ReinforcementCount: link.ReinforcementCount,
			LastReinforced:     link.LastReinforced,
		})
	}
	return neighbors, nil
}
