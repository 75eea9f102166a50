package store

import (
	"context"
	"errors"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

var (
	// ErrNotFound is returned by point lookups when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientCredit is returned when a debit would take a
	// balance below zero. The write is rejected as a whole.
	ErrInsufficientCredit = errors.New("insufficient credit balance")
)

// ScoredConcept pairs a concept with its similarity score against a
// query embedding.
type ScoredConcept struct {
	Concept common.Concept
	Score   float64
}

// DecayStats reports the outcome of one decay sweep.
type DecayStats struct {
	Updated int
	Pruned  int
}

// QueryPatternsParams narrows a federation pattern query. Embedding is
// optional; when nil, patterns are returned most recently updated
// first. MinContributors is the k-anonymity floor and must be set by
// the caller on every query path.
type QueryPatternsParams struct {
	Embedding       []float32
	Limit           int
	MinContributors int
}

// LinkReinforcement is one saturating weight update for an unordered
// concept pair. Rate is the learning rate for this observation; the
// store applies w' = min(1, w + rate*(1-w)) against the current weight
// so concurrent reinforcements never lose updates.
type LinkReinforcement struct {
	ConceptA string
	ConceptB string
	Rate     float64
	At       time.Time
}

// MemoryStore is the persistence contract for a node. It covers the
// per-tenant attention graph, the anonymized federation pool, the
// credit ledger, and the peer table. Batch operations are transactional:
// either every row in the batch lands or none do.
type MemoryStore interface {
	// Concepts and canonical mappings.
	GetConcept(ctx context.Context, tenantID, conceptID string) (common.Concept, error)
	GetConceptBySurface(ctx context.Context, tenantID, surfaceForm string) (common.Concept, error)
	// ResolveConcept atomically looks up the concept for a surface form,
	// creating the concept and its mapping when absent. On a concurrent
	// insert of the same canonical form the stored row wins and is
	// returned; the second boolean reports whether a new concept was
	// created by this call.
	ResolveConcept(ctx context.Context, tenantID, surfaceForm, canonicalForm, newID string, seenAt time.Time) (common.Concept, bool, error)
	TouchConcepts(ctx context.Context, tenantID string, conceptIDs []string, seenAt time.Time) error
	SaveConceptEmbeddings(ctx context.Context, tenantID string, embeddings map[string][]float32) error
	ListConcepts(ctx context.Context, tenantID string) ([]common.Concept, error)
	ListTenants(ctx context.Context) ([]string, error)
	SimilarConcepts(ctx context.Context, tenantID string, embedding []float32, limit int, minScore float64) ([]ScoredConcept, error)

	// Attention links.
	GetLink(ctx context.Context, tenantID, conceptA, conceptB string) (common.AttentionLink, error)
	ReinforceLinks(ctx context.Context, tenantID string, updates []LinkReinforcement) error
	NeighborLinks(ctx context.Context, tenantID, conceptID string, limit int) ([]common.AttentionLink, error)
	DecayLinks(ctx context.Context, tenantID string, factor, minStrength float64) (DecayStats, error)

	// Compound concepts.
	UpsertCompound(ctx context.Context, compound common.CompoundConcept) error
	ListCompounds(ctx context.Context, tenantID string) ([]common.CompoundConcept, error)

	// Federation patterns. UpsertPattern merges contributor sets and
	// returns the stored row after the merge.
	UpsertPattern(ctx context.Context, pattern common.FederationPattern) (common.FederationPattern, error)
	GetPattern(ctx context.Context, anonymizedID string) (common.FederationPattern, error)
	QueryPatterns(ctx context.Context, params QueryPatternsParams) ([]common.FederationPattern, error)
	ListPatterns(ctx context.Context) ([]common.FederationPattern, error)
	PrunePatterns(ctx context.Context, olderThan time.Time) (int, error)

	// Contribution credits. GrantCredit seeds a node's period with its
	// opening allowance exactly once; concurrent calls for the same
	// period land a single grant. SpendCredit applies an atomic
	// compare-and-decrement and returns ErrInsufficientCredit when the
	// balance cannot cover the amount.
	GetCredit(ctx context.Context, nodeID, period string) (common.ContributionCredit, error)
	GrantCredit(ctx context.Context, nodeID, period string, amount int64) (common.ContributionCredit, error)
	EarnCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error)
	SpendCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error)

	// Federation peers.
	UpsertPeer(ctx context.Context, peer common.PeerNode) error
	GetPeer(ctx context.Context, nodeID string) (common.PeerNode, error)
	ListPeers(ctx context.Context) ([]common.PeerNode, error)
	DeletePeer(ctx context.Context, nodeID string) error

	Close() error
}
