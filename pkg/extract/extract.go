// Package extract runs an ensemble of independent concept extractors
// over message text and merges their candidates through a configurable
// voting strategy into confidence-scored concepts. Extractors fail
// independently: a slow or broken extractor is excluded from the vote,
// it never fails the ensemble call.
package extract

import (
	"context"
)

// Request is one extraction call. TenantID scopes extractors that
// consult tenant state, such as the semantic extractor's concept
// matching.
type Request struct {
	TenantID string
	Text     string
}

// Candidate is one concept surfaced by a single extractor, before
// canonicalization and voting.
type Candidate struct {
	SurfaceForm string
	Confidence  float64
}

// Extractor is the capability every ensemble member implements.
type Extractor interface {
	// Name identifies the extractor in votes and metrics.
	Name() string
	// Weight is the extractor's configured vote weight in [0,1].
	Weight() float64
	Extract(ctx context.Context, req Request) ([]Candidate, error)
}
