// Package query composes recall answers from the local attention graph
// and, when enabled, the federation mesh. Local recall embeds the query,
// seeds candidates by vector similarity, expands the seeds through their
// attention links, and fuses both rankings with reciprocal rank fusion.
// Federated recall debits the credit ledger first, fans the query out to
// synced peers, and merges the anonymized patterns that arrive in time;
// peer timeouts degrade the answer to local-only instead of failing it.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/ai"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// Consistency levels for federated recall. Eventual accepts whatever
// peers answered before the timeout; quorum additionally requires
// QuorumSize answers before the shared portion counts as complete.
const (
	ConsistencyEventual = "eventual"
	ConsistencyQuorum   = "quorum"
)

const (
	defaultRecallLimit       = 10
	defaultNeighborLimit     = 8
	defaultRecallMinScore    = 0.3
	defaultFederationTimeout = 5 * time.Second
	defaultQuorumSize        = 2
)

// PeerQuerier fans a pattern query out to the mesh and gathers the
// answers that arrive before the context expires. Implemented by
// *federation.Gossiper.
type PeerQuerier interface {
	QueryPeers(ctx context.Context, embedding []float32, limit int) ([]federation.PeerAnswer, int, error)
}

// RecallRequest describes one recall. Federated asks for the shared
// pool on top of the local graph; it requires the service to be built
// with a ledger and a peer querier. Trace is an optional sink for
// recall metadata.
type RecallRequest struct {
	TenantID  string
	Query     string
	Limit     int
	Federated bool
	Trace     Tracer
}

// RecalledConcept is one local answer. Similarity is the cosine score
// against the query embedding (zero when the concept only entered
// through link expansion); Attention is the accumulated link weight
// from the seeds that reached it. Score is the fused rank score the
// result list is ordered by.
type RecalledConcept struct {
	Concept    common.Concept `json:"concept"`
	Score      float64        `json:"score"`
	Similarity float64        `json:"similarity,omitempty"`
	Attention  float64        `json:"attention,omitempty"`
}

// RecallResult is the composed answer. Degraded reports that a
// federated request could not complete its shared portion: the local
// concepts are still authoritative, but Patterns may be missing or
// below the requested consistency level.
type RecallResult struct {
	Concepts []RecalledConcept          `json:"concepts"`
	Patterns []common.FederationPattern `json:"patterns,omitempty"`
	Degraded bool                       `json:"degraded"`
}

// Service answers recall requests. Construct with NewService.
type Service struct {
	store  store.MemoryStore
	graph  *graph.Engine
	ai     ai.Client
	ledger *ledger.Ledger
	peers  PeerQuerier

	consistency       string
	quorumSize        int
	federationTimeout time.Duration
	neighborLimit     int
	minScore          float64
}

// NewServiceParams configures a Service. Store, Graph and AI are
// required. Ledger and Peers enable federated recall; without them
// every federated request degrades to local-only.
type NewServiceParams struct {
	Store  store.MemoryStore
	Graph  *graph.Engine
	AI     ai.Client
	Ledger *ledger.Ledger
	Peers  PeerQuerier
	// Consistency selects how many peer answers the shared portion
	// needs. Defaults to ConsistencyEventual.
	Consistency string
	// QuorumSize is the answer floor under ConsistencyQuorum.
	// Defaults to 2.
	QuorumSize int
	// FederationTimeout bounds the remote fan-out. Defaults to 5s.
	FederationTimeout time.Duration
	// NeighborLimit caps link expansion per seed. Defaults to 8.
	NeighborLimit int
	// MinScore is the similarity floor for seeding. Defaults to 0.3.
	MinScore float64
}

func NewService(params NewServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("query service requires a store")
	}
	if params.Graph == nil {
		return nil, fmt.Errorf("query service requires a graph engine")
	}
	if params.AI == nil {
		return nil, fmt.Errorf("query service requires an AI client")
	}
	consistency := params.Consistency
	if consistency == "" {
		consistency = ConsistencyEventual
	}
	if consistency != ConsistencyEventual && consistency != ConsistencyQuorum {
		return nil, fmt.Errorf("unknown consistency level %q", consistency)
	}
	quorumSize := params.QuorumSize
	if quorumSize <= 0 {
		quorumSize = defaultQuorumSize
	}
	federationTimeout := params.FederationTimeout
	if federationTimeout <= 0 {
		federationTimeout = defaultFederationTimeout
	}
	neighborLimit := params.NeighborLimit
	if neighborLimit <= 0 {
		neighborLimit = defaultNeighborLimit
	}
	minScore := params.MinScore
	if minScore <= 0 {
		minScore = defaultRecallMinScore
	}
	return &Service{
		store:             params.Store,
		graph:             params.Graph,
		ai:                params.AI,
		ledger:            params.Ledger,
		peers:             params.Peers,
		consistency:       consistency,
		quorumSize:        quorumSize,
		federationTimeout: federationTimeout,
		neighborLimit:     neighborLimit,
		minScore:          minScore,
	}, nil
}

// Recall answers a query from the tenant's attention graph and, when
// requested, the federation pool. Local recall never depends on the
// mesh; a federated request that cannot reach enough peers returns the
// local answer with Degraded set instead of an error. Only the credit
// debit can reject a federated request outright, surfacing
// ledger.ErrCreditExhausted.
func (s *Service) Recall(ctx context.Context, req RecallRequest) (RecallResult, error) {
	if req.TenantID == "" {
		return RecallResult{}, fmt.Errorf("recall requires a tenant id")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return RecallResult{}, fmt.Errorf("recall requires a query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	embedding := s.embedQuery(ctx, query)

	concepts, err := s.localRecall(ctx, req.TenantID, query, embedding, limit, req.Trace)
	if err != nil {
		return RecallResult{}, err
	}

	result := RecallResult{Concepts: concepts}
	if !req.Federated {
		return result, nil
	}

	patterns, degraded, err := s.federatedRecall(ctx, embedding, limit, req.Trace)
	if err != nil {
		return RecallResult{}, err
	}
	result.Patterns = patterns
	result.Degraded = degraded
	return result, nil
}
