package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// ProcessIngest runs one message through the gate, the extraction
// ensemble and the attention graph, then hands shareable candidates to
// the contribute queue. Malformed jobs and policy rejections return
// nil so the delivery is acked instead of retried.
func (p *Processor) ProcessIngest(ctx context.Context, body []byte) error {
	var job IngestJob
	if err := json.Unmarshal(body, &job); err != nil {
		logger.Warn("[Queue] Dropping malformed ingest job", "err", err)
		return nil
	}
	if job.TenantID == "" || strings.TrimSpace(job.Message) == "" {
		logger.Warn("[Queue] Dropping empty ingest job", "tenant", job.TenantID, "correlation_id", job.CorrelationID)
		return nil
	}

	// The server already rejected forbidden opt-outs before enqueuing;
	// re-deciding here keeps a stale or hand-published job from
	// skipping its mandatory contribution.
	decision, err := p.gate.Decide(ctx, job.TenantID, job.OptOut)
	if errors.Is(err, ledger.ErrContributionRequired) {
		logger.Warn("[Queue] Dropping opt-out from free tier", "tenant", job.TenantID, "correlation_id", job.CorrelationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to decide contribution policy: %w", err)
	}

	text := CleanMessage(job.Message)
	voted, err := p.ensemble.Extract(ctx, job.TenantID, text)
	if err != nil {
		return fmt.Errorf("failed to extract concepts: %w", err)
	}

	result, err := p.graph.Ingest(ctx, job.TenantID, text, voted)
	if err != nil {
		return fmt.Errorf("failed to ingest message: %w", err)
	}

	logger.Info("[Queue] Message ingested",
		"tenant", job.TenantID,
		"correlation_id", job.CorrelationID,
		"concepts", len(result.Concepts),
		"strong_pairs", result.StrongPairs,
		"compounds", len(result.Compounds),
	)

	if !p.federated || !decision.Contribute {
		return nil
	}

	candidates := contributionCandidates(job, result, voted, p.tier)
	if len(candidates) == 0 {
		return nil
	}

	contribute := ContributeJob{
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Candidates:    candidates,
	}
	payload, err := json.Marshal(contribute)
	if err != nil {
		return fmt.Errorf("failed to marshal contribute job: %w", err)
	}
	if err := PublishFIFO(p.ch, QueueContribute, payload); err != nil {
		return fmt.Errorf("failed to enqueue contribute job: %w", err)
	}

	logger.Debug("[Queue] Contribution candidates queued", "tenant", job.TenantID, "count", len(candidates))
	return nil
}

// contributionCandidates turns the ingest's strong pairs into
// anonymization candidates. Confidence is the weaker of the two vote
// confidences, so a pair is only as shareable as its least agreed
// endpoint.
func contributionCandidates(job IngestJob, result graph.IngestResult, voted []common.VotedConcept, tier common.PrivacyTier) []anonymize.Candidate {
	observed := job.ReceivedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	confidence := make(map[string]float64, len(voted)*2)
	for _, v := range voted {
		if v.Concept.ID != "" {
			confidence[v.Concept.ID] = v.Confidence
		}
		if v.Concept.CanonicalForm != "" {
			confidence[v.Concept.CanonicalForm] = v.Confidence
		}
	}

	candidates := make([]anonymize.Candidate, 0, len(result.StrongLinks))
	for _, link := range result.StrongLinks {
		candidates = append(candidates, anonymize.Candidate{
			TenantID:    job.TenantID,
			SubjectForm: link.A.CanonicalForm,
			ObjectForm:  link.B.CanonicalForm,
			Confidence:  min(voteConfidence(confidence, link.A), voteConfidence(confidence, link.B)),
			Embedding:   linkEmbedding(link),
			ObservedAt:  observed,
			Tier:        tier,
		})
	}
	return candidates
}

// voteConfidence resolves a concept to its ensemble confidence. A
// concept with no matching vote reports zero, which keeps the pair
// below the share floor.
func voteConfidence(confidence map[string]float64, c common.Concept) float64 {
	if score, ok := confidence[c.ID]; ok {
		return score
	}
	if score, ok := confidence[c.CanonicalForm]; ok {
		return score
	}
	return 0
}

func linkEmbedding(link graph.LinkedPair) []float32 {
	if len(link.A.Embedding) > 0 {
		return link.A.Embedding
	}
	return link.B.Embedding
}
