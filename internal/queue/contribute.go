package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// ProcessContribute anonymizes a batch of candidates and stages the
// survivors in the shared pool. Candidates below the share floor are
// withheld for good; candidates that fail an anonymization stage are
// requeued at degraded quality until the floor retires them. Storage
// and ledger failures fail the job so the broker retries it.
func (p *Processor) ProcessContribute(ctx context.Context, body []byte) error {
	var job ContributeJob
	if err := json.Unmarshal(body, &job); err != nil {
		logger.Warn("[Queue] Dropping malformed contribute job", "err", err)
		return nil
	}
	if job.TenantID == "" || len(job.Candidates) == 0 {
		return nil
	}
	if !p.federated {
		logger.Warn("[Queue] Dropping contribute job on non-federated node", "tenant", job.TenantID)
		return nil
	}

	accepted := make([]common.FederationPattern, 0, len(job.Candidates))
	requeue := make([]anonymize.Candidate, 0)
	withheld := 0

	for _, cand := range job.Candidates {
		pattern, err := p.pipeline.Anonymize(ctx, cand)
		switch {
		case errors.Is(err, anonymize.ErrNotShareable):
			withheld++
			continue
		case errors.Is(err, anonymize.ErrDropped):
			logger.Warn("[Queue] Contribution dropped, requeueing at degraded quality",
				"tenant", job.TenantID,
				"err", err,
			)
			cand.Confidence = p.pipeline.DegradeQuality(cand.Confidence)
			requeue = append(requeue, cand)
			continue
		case err != nil:
			return fmt.Errorf("failed to anonymize candidate: %w", err)
		}

		stored, err := p.pool.Contribute(ctx, pattern)
		if err != nil {
			return fmt.Errorf("failed to stage pattern: %w", err)
		}
		if _, err := p.ledger.Credit(ctx, p.ledger.ContributionGain(), "contribution"); err != nil {
			return fmt.Errorf("failed to credit contribution: %w", err)
		}
		accepted = append(accepted, stored)
	}

	if len(requeue) > 0 {
		if err := p.requeueDegraded(job, requeue); err != nil {
			return err
		}
	}

	if len(accepted) > 0 && p.gossiper != nil {
		if err := p.gossiper.Announce(ctx, accepted); err != nil {
			logger.Warn("[Queue] Pattern announcement failed", "err", err)
		}
	}

	logger.Info("[Queue] Contribution cycle complete",
		"tenant", job.TenantID,
		"correlation_id", job.CorrelationID,
		"accepted", len(accepted),
		"withheld", withheld,
		"requeued", len(requeue),
	)
	return nil
}

func (p *Processor) requeueDegraded(job ContributeJob, candidates []anonymize.Candidate) error {
	payload, err := json.Marshal(ContributeJob{
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Candidates:    candidates,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal degraded contribute job: %w", err)
	}
	if err := PublishFIFO(p.ch, QueueContribute, payload); err != nil {
		return fmt.Errorf("failed to requeue degraded candidates: %w", err)
	}
	return nil
}
