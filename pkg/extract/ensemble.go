package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

const (
	defaultVoteThreshold    = 0.4
	defaultExtractorTimeout = 30 * time.Second
)

// Canonicalizer folds a raw surface form onto its stored concept.
// Satisfied by graph.Engine.
type Canonicalizer interface {
	Canonicalize(ctx context.Context, tenantID string, surfaceForm string) (common.Concept, error)
}

// Ensemble fans one message out to every configured extractor and folds
// their candidates into a voted concept set. A failing extractor only
// weakens the vote, it never fails the call.
type Ensemble struct {
	extractors []Extractor
	canon      Canonicalizer
	strategy   Strategy
	threshold  float64
	timeout    time.Duration
	metrics    *metricsRegistry
}

// NewEnsembleParams configures an Ensemble. Extractors and
// Canonicalizer are required. Strategy defaults to StrategyWeighted,
// VoteThreshold to 0.4 and ExtractorTimeout to 30s.
type NewEnsembleParams struct {
	Extractors       []Extractor
	Canonicalizer    Canonicalizer
	Strategy         Strategy
	VoteThreshold    float64
	ExtractorTimeout time.Duration
}

func NewEnsemble(params NewEnsembleParams) (*Ensemble, error) {
	if len(params.Extractors) == 0 {
		return nil, fmt.Errorf("ensemble requires at least one extractor")
	}
	if params.Canonicalizer == nil {
		return nil, fmt.Errorf("ensemble requires a canonicalizer")
	}

	strategy := params.Strategy
	if strategy == "" {
		strategy = StrategyWeighted
	}
	if !strategy.valid() {
		return nil, fmt.Errorf("unknown voting strategy %q", strategy)
	}

	threshold := params.VoteThreshold
	if threshold <= 0 {
		threshold = defaultVoteThreshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("vote threshold must not exceed 1, got %f", threshold)
	}

	timeout := params.ExtractorTimeout
	if timeout <= 0 {
		timeout = defaultExtractorTimeout
	}

	return &Ensemble{
		extractors: params.Extractors,
		canon:      params.Canonicalizer,
		strategy:   strategy,
		threshold:  threshold,
		timeout:    timeout,
		metrics:    newMetricsRegistry(),
	}, nil
}

type extractorResult struct {
	name       string
	weight     float64
	candidates []Candidate
}

// Extract runs every extractor against the message and returns the
// concepts that survive the vote, ordered confidence-descending.
func (e *Ensemble) Extract(ctx context.Context, tenantID string, text string) ([]common.VotedConcept, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	req := Request{TenantID: tenantID, Text: text}

	results := make([]extractorResult, 0, len(e.extractors))
	mergeMu := sync.Mutex{}

	g, gCtx := errgroup.WithContext(ctx)
	for _, extractor := range e.extractors {
		ex := extractor
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				exCtx, cancel := context.WithTimeout(gCtx, e.timeout)
				defer cancel()

				start := time.Now()
				candidates, err := ex.Extract(exCtx, req)
				e.metrics.recordAttempt(ex.Name(), time.Since(start), len(candidates), err != nil)
				if err != nil {
					logger.Warn(
						"[Extract] Extractor skipped",
						"extractor", ex.Name(),
						"tenant", tenantID,
						"error", err,
					)
					return nil
				}

				mergeMu.Lock()
				results = append(results, extractorResult{
					name:       ex.Name(),
					weight:     ex.Weight(),
					candidates: candidates,
				})
				mergeMu.Unlock()
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		logger.Warn("[Extract] All extractors failed", "tenant", tenantID)
		return nil, nil
	}

	ballots, err := e.collectBallots(ctx, tenantID, results)
	if err != nil {
		return nil, err
	}

	voted := tallyVotes(ballots, e.strategy, e.threshold, len(results))
	for _, v := range voted {
		e.metrics.recordAccepted(v.Extractors)
	}

	logger.Debug(
		"[Extract] Vote complete",
		"tenant", tenantID,
		"strategy", string(e.strategy),
		"voters", len(results),
		"concepts", len(voted),
	)
	return voted, nil
}

// collectBallots canonicalizes every candidate and groups the votes by
// canonical form. A candidate that fails to canonicalize is dropped,
// one that normalizes to nothing never reaches the ballot box.
func (e *Ensemble) collectBallots(ctx context.Context, tenantID string, results []extractorResult) (map[string]*ballot, error) {
	ballots := make(map[string]*ballot)
	for _, res := range results {
		for _, cand := range res.candidates {
			concept, err := e.canon.Canonicalize(ctx, tenantID, cand.SurfaceForm)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn(
					"[Extract] Candidate dropped",
					"tenant", tenantID,
					"surface", cand.SurfaceForm,
					"error", err,
				)
				continue
			}
			if concept.ID == "" {
				continue
			}

			b, ok := ballots[concept.CanonicalForm]
			if !ok {
				b = &ballot{concept: concept}
				ballots[concept.CanonicalForm] = b
			}
			b.addVote(vote{extractor: res.name, weight: res.weight, confidence: cand.Confidence})
		}
	}
	return ballots, nil
}

// Metrics returns a copy of the per-extractor counters.
func (e *Ensemble) Metrics() map[string]ExtractorMetrics {
	return e.metrics.snapshot()
}

// ResetMetrics clears the per-extractor counters.
func (e *Ensemble) ResetMetrics() {
	e.metrics.reset()
}

// AdaptiveWeights scales each extractor's configured weight by how many
// of its candidates have survived past votes. Extractors with no track
// record keep their configured weight.
func (e *Ensemble) AdaptiveWeights() map[string]float64 {
	out := make(map[string]float64, len(e.extractors))
	for _, ex := range e.extractors {
		out[ex.Name()] = ex.Weight() * e.metrics.acceptanceRatio(ex.Name())
	}
	return out
}
