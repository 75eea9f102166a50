package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Canonicalize resolves a surface form to its tenant-scoped concept,
// creating the concept and its canonical mapping on first sight. The
// same input always resolves to the same concept, and resolving a
// concept's canonical form yields that concept again. A blank surface
// form resolves to the zero concept without error.
func (e *Engine) Canonicalize(ctx context.Context, tenantID, surfaceForm string) (common.Concept, error) {
	unlock := e.lockTenant(tenantID)
	defer unlock()

	return e.resolveConcept(ctx, tenantID, surfaceForm, time.Now().UTC())
}

// resolveConcept is Canonicalize without the tenant lock, for callers
// already inside the critical region.
func (e *Engine) resolveConcept(ctx context.Context, tenantID, surfaceForm string, seenAt time.Time) (common.Concept, error) {
	canonical := util.NormalizeSurfaceForm(surfaceForm)
	if canonical == "" {
		return common.Concept{}, nil
	}
	surface := util.CollapseWhitespace(surfaceForm)

	newID, err := gonanoid.New()
	if err != nil {
		return common.Concept{}, err
	}

	concept, created, err := e.store.ResolveConcept(ctx, tenantID, surface, canonical, newID, seenAt)
	if err != nil {
		return common.Concept{}, fmt.Errorf("failed to canonicalize %q: %w", surface, err)
	}
	if created {
		logger.Debug("[Graph] Concept created", "tenant", tenantID, "concept", concept.CanonicalForm)
	}
	concept.TenantID = tenantID
	return concept, nil
}
