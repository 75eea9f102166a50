// Package anonymize turns local graph knowledge into federation
// patterns that carry no tenant identity and no raw text. It hosts the
// staged anonymization pipeline, the k-anonymity gate, and the
// differential-privacy noise applied to outbound query results.
package anonymize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/ai"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

const (
	defaultShareConfidence = 0.6
	defaultDegradeFactor   = 0.5
)

var (
	// ErrNotShareable marks candidates that never leave the node: below
	// the share confidence or missing their identity.
	ErrNotShareable = errors.New("candidate not shareable")
	// ErrDropped marks a contribution that failed an anonymization
	// stage and is skipped for this cycle. Callers degrade the
	// candidate's quality and retry on a later cycle.
	ErrDropped = errors.New("contribution dropped for this cycle")
)

// Candidate is a local relationship proposed for federation: the two
// canonical forms of a link (ObjectForm empty for a single-concept
// cluster), the confidence the graph assigns it, and the observation
// context that will be generalized away.
type Candidate struct {
	TenantID    string
	SubjectForm string
	ObjectForm  string
	Confidence  float64
	Embedding   []float32
	ObservedAt  time.Time
	Tier        common.PrivacyTier
	Category    string
}

// KeyLookup returns the tenant-held key used for the keyed privacy
// tiers. A missing key is not an error to the caller: the pipeline
// falls back to the unkeyed maximum tier.
type KeyLookup func(ctx context.Context, tenantID string) ([]byte, error)

// Pipeline applies the staged anonymization transforms. Identity is
// stripped first, timestamps are generalized to hour-of-day and
// day-of-week, concept identity is hashed per privacy tier, and only
// the embedding plus generalized metadata survive into the pattern.
type Pipeline struct {
	nodeID          string
	keys            KeyLookup
	ai              ai.Client
	shareConfidence float64
	degradeFactor   float64
}

// NewPipelineParams configures a Pipeline. NodeID is required. Keys may
// be nil, which forces every keyed tier down to TierMaximum. AI may be
// nil, in which case candidates without embeddings are dropped.
// ShareConfidence defaults to 0.6, DegradeFactor to 0.5.
type NewPipelineParams struct {
	NodeID          string
	Keys            KeyLookup
	AI              ai.Client
	ShareConfidence float64
	DegradeFactor   float64
}

func NewPipeline(params NewPipelineParams) (*Pipeline, error) {
	if params.NodeID == "" {
		return nil, fmt.Errorf("pipeline requires a node ID")
	}
	shareConfidence := params.ShareConfidence
	if shareConfidence <= 0 {
		shareConfidence = defaultShareConfidence
	}
	degradeFactor := params.DegradeFactor
	if degradeFactor <= 0 || degradeFactor >= 1 {
		degradeFactor = defaultDegradeFactor
	}
	return &Pipeline{
		nodeID:          params.NodeID,
		keys:            params.Keys,
		ai:              params.AI,
		shareConfidence: shareConfidence,
		degradeFactor:   degradeFactor,
	}, nil
}

// Anonymize runs one candidate through every stage and returns the
// federation pattern, attributed only to this node. ErrNotShareable
// means the candidate was never eligible; ErrDropped means a stage
// failed and the contribution should be retried later at degraded
// quality.
func (p *Pipeline) Anonymize(ctx context.Context, cand Candidate) (common.FederationPattern, error) {
	subject := util.NormalizeSurfaceForm(cand.SubjectForm)
	object := util.NormalizeSurfaceForm(cand.ObjectForm)
	if subject == "" {
		return common.FederationPattern{}, fmt.Errorf("%w: empty subject", ErrNotShareable)
	}
	if cand.Confidence < p.shareConfidence {
		return common.FederationPattern{}, fmt.Errorf(
			"%w: confidence %.2f below share floor %.2f",
			ErrNotShareable, cand.Confidence, p.shareConfidence,
		)
	}

	tier, key := p.resolveTier(ctx, cand)

	anonymizedID, err := hashIdentity(relationshipIdentity(subject, object), key)
	if err != nil {
		return common.FederationPattern{}, fmt.Errorf("%w: hashing identity: %v", ErrDropped, err)
	}

	embedding, err := p.resolveEmbedding(ctx, cand, subject, object)
	if err != nil {
		return common.FederationPattern{}, fmt.Errorf("%w: %v", ErrDropped, err)
	}

	pattern := common.FederationPattern{
		AnonymizedID:     anonymizedID,
		Embedding:        embedding,
		TimeContext:      GeneralizeTime(cand.ObservedAt),
		ContributorCount: 1,
		QualityScore:     cand.Confidence,
		LastUpdated:      time.Now().UTC(),
		PrivacyTier:      tier,
		Contributors:     []string{p.nodeID},
	}
	if tier == common.TierPermissive {
		pattern.Category = util.NormalizeSurfaceForm(cand.Category)
	}

	logger.Debug(
		"[Anonymize] Candidate anonymized",
		"tier", string(tier),
		"quality", pattern.QualityScore,
	)
	return pattern, nil
}

// resolveTier picks the effective privacy tier. Keyed tiers need the
// tenant key; when it cannot be fetched the candidate is promoted to
// the stricter unkeyed tier rather than failing open.
func (p *Pipeline) resolveTier(ctx context.Context, cand Candidate) (common.PrivacyTier, []byte) {
	tier := cand.Tier
	switch tier {
	case common.TierBalanced, common.TierPermissive:
	default:
		return common.TierMaximum, nil
	}

	if p.keys == nil {
		return common.TierMaximum, nil
	}
	key, err := p.keys(ctx, cand.TenantID)
	if err != nil || len(key) == 0 {
		logger.Warn("[Anonymize] Tenant key unavailable, using maximum tier", "error", err)
		return common.TierMaximum, nil
	}
	return tier, key
}

func (p *Pipeline) resolveEmbedding(ctx context.Context, cand Candidate, subject, object string) ([]float32, error) {
	if len(cand.Embedding) > 0 {
		return cand.Embedding, nil
	}
	if p.ai == nil {
		return nil, fmt.Errorf("no embedding available")
	}

	text := subject
	if object != "" {
		text = subject + " " + object
	}
	embedding, err := p.ai.GenerateEmbedding(ctx, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("embedding unavailable: %v", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding unavailable: empty vector")
	}
	return embedding, nil
}

// DegradeQuality returns the quality a dropped contribution carries
// into its next attempt.
func (p *Pipeline) DegradeQuality(quality float64) float64 {
	return quality * p.degradeFactor
}

// GeneralizeTime reduces a timestamp to the hour-of-day and day-of-week
// buckets that survive anonymization.
func GeneralizeTime(t time.Time) common.TimeContext {
	t = t.UTC()
	return common.TimeContext{
		HourOfDay: t.Hour(),
		DayOfWeek: int(t.Weekday()),
	}
}
