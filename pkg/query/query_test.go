package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/ai"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/store"
	badgerstore "github.com/mnemon-ai/mnemon/pkg/store/badger"
)

type stubAI struct {
	embedding []float32
	err       error
}

func (s *stubAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (s *stubAI) GenerateCompletionWithFormat(ctx context.Context, name string, description string, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (s *stubAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return s.embedding, s.err
}

func (s *stubAI) ResetMetrics() {}

func (s *stubAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

type stubPeers struct {
	answers   []federation.PeerAnswer
	contacted int
	err       error

	// blockUntilDone makes QueryPeers wait out the caller's context,
	// standing in for a mesh that never answers in time.
	blockUntilDone bool
	sawDeadline    bool
}

func (s *stubPeers) QueryPeers(ctx context.Context, embedding []float32, limit int) ([]federation.PeerAnswer, int, error) {
	_, s.sawDeadline = ctx.Deadline()
	if s.blockUntilDone {
		<-ctx.Done()
		return nil, s.contacted, nil
	}
	return s.answers, s.contacted, s.err
}

// newTestService builds a service over an in-memory store seeded with
// a small graph: coffee links strongly to espresso and weakly to milk,
// and only coffee and espresso carry embeddings near the test query.
func newTestService(t *testing.T, params NewServiceParams) *Service {
	t.Helper()

	s, err := badgerstore.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	seen := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	for _, c := range []struct{ id, form string }{
		{"c-coffee", "coffee"},
		{"c-espresso", "espresso"},
		{"c-milk", "milk"},
	} {
		if _, _, err := s.ResolveConcept(ctx, "tenant-1", c.form, c.form, c.id, seen); err != nil {
			t.Fatalf("failed to seed concept %s: %v", c.id, err)
		}
	}
	err = s.SaveConceptEmbeddings(ctx, "tenant-1", map[string][]float32{
		"c-coffee":   {1, 0, 0},
		"c-espresso": {0.8, 0.6, 0},
		"c-milk":     {0, 1, 0},
	})
	if err != nil {
		t.Fatalf("failed to seed embeddings: %v", err)
	}
	err = s.ReinforceLinks(ctx, "tenant-1", []store.LinkReinforcement{
		{ConceptA: "c-coffee", ConceptB: "c-espresso", Rate: 0.9, At: seen},
		{ConceptA: "c-coffee", ConceptB: "c-milk", Rate: 0.5, At: seen},
	})
	if err != nil {
		t.Fatalf("failed to seed links: %v", err)
	}

	engine, err := graph.NewEngine(graph.NewEngineParams{Store: s})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	params.Store = s
	params.Graph = engine
	if params.AI == nil {
		params.AI = &stubAI{embedding: []float32{1, 0, 0}}
	}
	svc, err := NewService(params)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return svc
}

func newTestLedger(t *testing.T, s store.MemoryStore, params ledger.NewLedgerParams) *ledger.Ledger {
	t.Helper()
	params.Store = s
	if params.NodeID == "" {
		params.NodeID = "node-1"
	}
	l, err := ledger.NewLedger(params)
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	return l
}

func TestRecall_FusesSimilarityAndAttention(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewServiceParams{})

	trace := NewRecallTrace()
	result, err := svc.Recall(ctx, RecallRequest{
		TenantID: "tenant-1",
		Query:    "morning coffee",
		Limit:    5,
		Trace:    trace,
	})
	if err != nil {
		t.Fatalf("failed to recall: %v", err)
	}
	if result.Degraded {
		t.Fatal("expected a local recall to never be degraded")
	}

	if len(result.Concepts) != 3 {
		t.Fatalf("expected 3 concepts, got %d", len(result.Concepts))
	}
	gotOrder := []string{
		result.Concepts[0].Concept.ID,
		result.Concepts[1].Concept.ID,
		result.Concepts[2].Concept.ID,
	}
	wantOrder := []string{"c-coffee", "c-espresso", "c-milk"}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("expected order %v, got %v", wantOrder, gotOrder)
		}
	}

	milk := result.Concepts[2]
	if milk.Similarity != 0 {
		t.Fatalf("expected milk recalled through expansion only, got similarity %v", milk.Similarity)
	}
	if milk.Attention <= 0 {
		t.Fatalf("expected accumulated attention on milk, got %v", milk.Attention)
	}

	snapshot := trace.Snapshot()
	if len(snapshot.SeededConceptIDs) != 2 {
		t.Fatalf("expected 2 seeded concepts, got %v", snapshot.SeededConceptIDs)
	}
	if len(snapshot.ExpandedConceptIDs) != 1 || snapshot.ExpandedConceptIDs[0] != "c-milk" {
		t.Fatalf("expected milk traced as expanded, got %v", snapshot.ExpandedConceptIDs)
	}
}

func TestRecall_EmbedderOutageFallsBackToExactLookup(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewServiceParams{
		AI: &stubAI{err: fmt.Errorf("model offline")},
	})

	result, err := svc.Recall(ctx, RecallRequest{
		TenantID: "tenant-1",
		Query:    "Espresso!",
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("expected the fallback path to answer, got %v", err)
	}
	if len(result.Concepts) != 2 {
		t.Fatalf("expected espresso plus its neighbor, got %d concepts", len(result.Concepts))
	}
	if result.Concepts[0].Concept.ID != "c-espresso" {
		t.Fatalf("expected the exact match first, got %s", result.Concepts[0].Concept.ID)
	}
	if result.Concepts[1].Concept.ID != "c-coffee" {
		t.Fatalf("expected the linked concept second, got %s", result.Concepts[1].Concept.ID)
	}
}

func TestRecall_UnknownTenantReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewServiceParams{})

	result, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-9", Query: "coffee"})
	if err != nil {
		t.Fatalf("expected an empty recall, got %v", err)
	}
	if len(result.Concepts) != 0 {
		t.Fatalf("expected no concepts for an unknown tenant, got %d", len(result.Concepts))
	}
}

func TestRecall_ValidatesRequest(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewServiceParams{})

	if _, err := svc.Recall(ctx, RecallRequest{Query: "coffee"}); err == nil {
		t.Fatal("expected a missing tenant to be rejected")
	}
	if _, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "   "}); err == nil {
		t.Fatal("expected a blank query to be rejected")
	}
}

func TestRecall_FederatedMergesPeerAnswers(t *testing.T) {
	ctx := context.Background()
	updated := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	peers := &stubPeers{
		contacted: 2,
		answers: []federation.PeerAnswer{
			{PeerID: "node-b", Patterns: []common.FederationPattern{
				{AnonymizedID: "pat-1", ContributorCount: 7, QualityScore: 0.9, LastUpdated: updated},
			}},
			{PeerID: "node-c", Patterns: []common.FederationPattern{
				{AnonymizedID: "pat-1", ContributorCount: 5, QualityScore: 0.6, LastUpdated: updated},
				{AnonymizedID: "pat-2", ContributorCount: 6, QualityScore: 0.7, LastUpdated: updated},
			}},
		},
	}

	svc := newTestService(t, NewServiceParams{Peers: peers})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{})
	svc.ledger = led

	trace := NewRecallTrace()
	result, err := svc.Recall(ctx, RecallRequest{
		TenantID:  "tenant-1",
		Query:     "coffee",
		Federated: true,
		Trace:     trace,
	})
	if err != nil {
		t.Fatalf("failed to recall: %v", err)
	}
	if result.Degraded {
		t.Fatal("expected a full federated answer, got degraded")
	}

	if len(result.Patterns) != 2 {
		t.Fatalf("expected 2 merged patterns, got %d", len(result.Patterns))
	}
	if result.Patterns[0].AnonymizedID != "pat-1" || result.Patterns[0].ContributorCount != 7 {
		t.Fatalf("expected the higher-precedence pat-1 first, got %+v", result.Patterns[0])
	}
	if result.Patterns[1].AnonymizedID != "pat-2" {
		t.Fatalf("expected pat-2 second, got %s", result.Patterns[1].AnonymizedID)
	}

	balance, err := led.Balance(ctx)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if balance.Balance != 9 {
		t.Fatalf("expected the query debit applied, got balance %d", balance.Balance)
	}

	snapshot := trace.Snapshot()
	if len(snapshot.ContactedPeerIDs) != 2 {
		t.Fatalf("expected both peers traced, got %v", snapshot.ContactedPeerIDs)
	}
	if len(snapshot.SharedPatternIDs) != 2 {
		t.Fatalf("expected both patterns traced, got %v", snapshot.SharedPatternIDs)
	}
}

func TestRecall_CreditExhaustionKeepsLocalRecallAvailable(t *testing.T) {
	ctx := context.Background()
	peers := &stubPeers{contacted: 1, answers: []federation.PeerAnswer{{PeerID: "node-b"}}}

	svc := newTestService(t, NewServiceParams{Peers: peers})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{PeriodGrant: 1, QueryCost: 1})
	svc.ledger = led

	if _, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true}); err != nil {
		t.Fatalf("expected the first federated recall to spend the last credit, got %v", err)
	}

	_, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true})
	if !errors.Is(err, ledger.ErrCreditExhausted) {
		t.Fatalf("expected ErrCreditExhausted, got %v", err)
	}

	local, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee"})
	if err != nil {
		t.Fatalf("expected local recall unaffected by the empty balance, got %v", err)
	}
	if len(local.Concepts) == 0 {
		t.Fatal("expected local concepts despite the empty balance")
	}
}

func TestRecall_PeerFailureDegradesToLocalOnly(t *testing.T) {
	ctx := context.Background()
	peers := &stubPeers{err: fmt.Errorf("mesh unreachable")}

	svc := newTestService(t, NewServiceParams{Peers: peers})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{})
	svc.ledger = led

	result, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true})
	if err != nil {
		t.Fatalf("expected degradation instead of an error, got %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected the result flagged degraded")
	}
	if len(result.Concepts) == 0 {
		t.Fatal("expected the local answer preserved")
	}
	if len(result.Patterns) != 0 {
		t.Fatalf("expected no shared patterns, got %d", len(result.Patterns))
	}
}

func TestRecall_SlowMeshDegradesWithinTimeout(t *testing.T) {
	ctx := context.Background()
	peers := &stubPeers{contacted: 2, blockUntilDone: true}

	svc := newTestService(t, NewServiceParams{
		Peers:             peers,
		FederationTimeout: 50 * time.Millisecond,
	})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{})
	svc.ledger = led

	result, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true})
	if err != nil {
		t.Fatalf("expected degradation instead of an error, got %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected the result flagged degraded")
	}
	if !peers.sawDeadline {
		t.Fatal("expected the fan-out bounded by a deadline")
	}
}

func TestRecall_QuorumShortfallFlagsDegraded(t *testing.T) {
	ctx := context.Background()
	updated := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	peers := &stubPeers{
		contacted: 3,
		answers: []federation.PeerAnswer{
			{PeerID: "node-b", Patterns: []common.FederationPattern{
				{AnonymizedID: "pat-1", ContributorCount: 5, LastUpdated: updated},
			}},
		},
	}

	svc := newTestService(t, NewServiceParams{
		Peers:       peers,
		Consistency: ConsistencyQuorum,
		QuorumSize:  2,
	})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{})
	svc.ledger = led

	result, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true})
	if err != nil {
		t.Fatalf("expected a partial answer instead of an error, got %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected a sub-quorum answer flagged degraded")
	}
	if len(result.Patterns) != 1 {
		t.Fatalf("expected the partial patterns kept, got %d", len(result.Patterns))
	}
}

func TestRecall_FederatedWithoutMeshSkipsDebit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewServiceParams{})
	led := newTestLedger(t, svc.store, ledger.NewLedgerParams{})
	svc.ledger = led

	result, err := svc.Recall(ctx, RecallRequest{TenantID: "tenant-1", Query: "coffee", Federated: true})
	if err != nil {
		t.Fatalf("expected a degraded answer, got %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degradation when no mesh is attached")
	}

	balance, err := led.Balance(ctx)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if balance.Balance != 10 {
		t.Fatalf("expected no debit without a mesh, got balance %d", balance.Balance)
	}
}
