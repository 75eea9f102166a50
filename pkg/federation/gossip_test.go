package federation

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// testNode bundles one node's full federation stack on a loopback hub.
type testNode struct {
	id        string
	store     store.MemoryStore
	registry  *Registry
	pool      *Pool
	transport *LoopbackTransport
	gossiper  *Gossiper
}

func newTestNode(t *testing.T, hub *LoopbackHub, id string) *testNode {
	t.Helper()

	s := newTestStore(t)
	registry, err := NewRegistry(NewRegistryParams{Store: s})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	handshaker, err := NewHandshaker(NewHandshakerParams{Registry: registry})
	if err != nil {
		t.Fatalf("failed to build handshaker: %v", err)
	}
	gate, err := anonymize.NewKGate(anonymize.NewKGateParams{Store: s, K: 3})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	noise, err := anonymize.NewNoise(anonymize.NewNoiseParams{K: 3, Rand: rand.New(rand.NewSource(11))})
	if err != nil {
		t.Fatalf("failed to build noise: %v", err)
	}
	pool, err := NewPool(NewPoolParams{Store: s, Gate: gate, Noise: noise, MinConsensus: 1})
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	led, err := ledger.NewLedger(ledger.NewLedgerParams{Store: s, NodeID: id})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	transport := hub.Attach(id)
	gossiper, err := NewGossiper(NewGossiperParams{
		Registry:    registry,
		Handshaker:  handshaker,
		Pool:        pool,
		Ledger:      led,
		Transport:   transport,
		Self:        Sender{NodeID: id},
		PeerTimeout: 200 * time.Millisecond,
		PeerRetries: 1,
		Rand:        rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("failed to build gossiper: %v", err)
	}

	return &testNode{
		id:        id,
		store:     s,
		registry:  registry,
		pool:      pool,
		transport: transport,
		gossiper:  gossiper,
	}
}

// pump handles every message currently queued on the node's inbox and
// returns how many were handled.
func (n *testNode) pump(t *testing.T, ctx context.Context) int {
	t.Helper()
	handled := 0
	for {
		select {
		case in := <-n.transport.Receive():
			if err := n.gossiper.Handle(ctx, in); err != nil {
				t.Fatalf("failed to handle %s from %s: %v", in.Message.Type, in.PeerID, err)
			}
			handled++
		default:
			return handled
		}
	}
}

// federate walks two nodes through discovery and handshake until each
// sees the other as synced.
func federate(t *testing.T, ctx context.Context, a, b *testNode) {
	t.Helper()
	if _, err := a.registry.Discover(ctx, b.id, ""); err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}
	if err := a.gossiper.Round(ctx); err != nil {
		t.Fatalf("failed to run round: %v", err)
	}
	b.pump(t, ctx)
	a.pump(t, ctx)

	if _, err := a.registry.RequireSynced(ctx, b.id); err != nil {
		t.Fatalf("expected %s to see %s synced: %v", a.id, b.id, err)
	}
	if _, err := b.registry.RequireSynced(ctx, a.id); err != nil {
		t.Fatalf("expected %s to see %s synced: %v", b.id, a.id, err)
	}
}

func TestGossiper_HandshakeOverTransport(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")

	federate(t, ctx, a, b)
}

func TestGossiper_RoundExchangesPatternsAndCredit(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	if _, err := a.pool.Contribute(ctx, testPattern("p1", 3, base)); err != nil {
		t.Fatalf("failed to contribute: %v", err)
	}

	// B opens the round; A answers with the patterns B's digest lacks.
	if err := b.gossiper.Round(ctx); err != nil {
		t.Fatalf("failed to run round: %v", err)
	}
	a.pump(t, ctx)
	b.pump(t, ctx)

	stored, err := b.store.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("expected the pattern to reach node-b: %v", err)
	}
	if stored.ContributorCount != 3 {
		t.Fatalf("expected contributor count 3, got %d", stored.ContributorCount)
	}

	credits := a.gossiper.PeerCredits()
	credit, ok := credits["node-b"]
	if !ok {
		t.Fatalf("expected node-a to hold node-b's credit state, got %v", credits)
	}
	if credit.Balance != 10 {
		t.Fatalf("expected the advertised opening balance of 10, got %d", credit.Balance)
	}
}

func TestGossiper_AnnouncePushesPatterns(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	pattern, err := a.pool.Contribute(ctx, testPattern("p1", 3, base))
	if err != nil {
		t.Fatalf("failed to contribute: %v", err)
	}
	if err := a.gossiper.Announce(ctx, []common.FederationPattern{pattern}); err != nil {
		t.Fatalf("failed to announce: %v", err)
	}
	b.pump(t, ctx)

	if _, err := b.store.GetPattern(ctx, "p1"); err != nil {
		t.Fatalf("expected the announced pattern on node-b: %v", err)
	}
	if got := b.pool.Confirmations("p1"); got != 1 {
		t.Fatalf("expected one confirmation from the origin, got %d", got)
	}
}

func TestGossiper_DuplicateMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(MsgPatternSync, Sender{NodeID: "node-a"}, 3, PatternSyncPayload{
		Patterns: []common.FederationPattern{testPattern("p1", 3, base)},
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}

	if err := b.gossiper.Handle(ctx, Inbound{PeerID: "node-a", Message: msg}); err != nil {
		t.Fatalf("failed to handle: %v", err)
	}

	// Same envelope ID with a mutated payload must be ignored outright.
	tampered := msg
	raw, err := json.Marshal(PatternSyncPayload{
		Patterns: []common.FederationPattern{testPattern("p1", 6, base.Add(time.Hour))},
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	tampered.Payload = raw
	if err := b.gossiper.Handle(ctx, Inbound{PeerID: "node-a", Message: tampered}); err != nil {
		t.Fatalf("failed to handle duplicate: %v", err)
	}

	stored, err := b.store.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to read pattern: %v", err)
	}
	if stored.ContributorCount != 3 {
		t.Fatalf("expected the duplicate to be dropped, count moved to %d", stored.ContributorCount)
	}
}

func TestGossiper_ForwardRespectsHopLimit(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	c := newTestNode(t, hub, "node-c")
	federate(t, ctx, a, b)
	federate(t, ctx, b, c)

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	// Two hops left: B absorbs and relays to C.
	spreading, err := NewMessage(MsgPatternSync, Sender{NodeID: "node-a"}, 2, PatternSyncPayload{
		Patterns: []common.FederationPattern{testPattern("p-spread", 3, base)},
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	if err := b.gossiper.Handle(ctx, Inbound{PeerID: "node-a", Message: spreading}); err != nil {
		t.Fatalf("failed to handle: %v", err)
	}
	c.pump(t, ctx)
	if _, err := c.store.GetPattern(ctx, "p-spread"); err != nil {
		t.Fatalf("expected the relayed pattern on node-c: %v", err)
	}

	// One hop budget: consumed on the A to B leg, so C never sees it.
	dying, err := NewMessage(MsgPatternSync, Sender{NodeID: "node-a"}, 1, PatternSyncPayload{
		Patterns: []common.FederationPattern{testPattern("p-dies", 3, base)},
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	if err := b.gossiper.Handle(ctx, Inbound{PeerID: "node-a", Message: dying}); err != nil {
		t.Fatalf("failed to handle: %v", err)
	}
	if handled := c.pump(t, ctx); handled != 0 {
		t.Fatalf("expected no relay past the hop limit, node-c handled %d", handled)
	}
	if _, err := c.store.GetPattern(ctx, "p-dies"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the hop-limited pattern to stay off node-c, got %v", err)
	}
}

func TestGossiper_UnreachablePeerTurnsSuspected(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	hub.Detach("node-b")

	// Default threshold is three misses.
	for i := 0; i < 3; i++ {
		if err := a.gossiper.Round(ctx); err != nil {
			t.Fatalf("failed to run round: %v", err)
		}
	}

	peer, err := a.registry.Get(ctx, "node-b")
	if err != nil {
		t.Fatalf("failed to read peer: %v", err)
	}
	if peer.State != common.PeerSuspected {
		t.Fatalf("expected the unreachable peer to turn suspected, got %q", peer.State)
	}

	eligible, err := a.registry.Eligible(ctx)
	if err != nil {
		t.Fatalf("failed to list eligible peers: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("expected no eligible peers, got %+v", eligible)
	}
}

func TestGossiper_StrangerHeartbeatStartsDiscovery(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")

	msg, err := NewMessage(MsgHeartbeat, Sender{NodeID: "node-x", Address: "127.0.0.1:9300"}, 1, nil)
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	if err := a.gossiper.Handle(ctx, Inbound{PeerID: "node-x", Message: msg}); err != nil {
		t.Fatalf("failed to handle: %v", err)
	}

	peer, err := a.registry.Get(ctx, "node-x")
	if err != nil {
		t.Fatalf("expected the stranger to be discovered: %v", err)
	}
	if peer.State != common.PeerDiscovered {
		t.Fatalf("expected discovered state, got %q", peer.State)
	}
	if peer.Address != "127.0.0.1:9300" {
		t.Fatalf("expected the announced address recorded, got %q", peer.Address)
	}
}

func TestGossiper_RejectsSyncFromUnsyncedPeer(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")

	if _, err := a.registry.Discover(ctx, "node-b", ""); err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(MsgPatternSync, Sender{NodeID: "node-b"}, 3, PatternSyncPayload{
		Patterns: []common.FederationPattern{testPattern("p1", 3, base)},
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}

	err = a.gossiper.Handle(ctx, Inbound{PeerID: "node-b", Message: msg})
	if !errors.Is(err, ErrPeerNotSynced) {
		t.Fatalf("expected ErrPeerNotSynced, got %v", err)
	}
	if _, err := a.store.GetPattern(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no pattern stored from an unsynced peer, got %v", err)
	}
}

func TestGossiper_QueryPeersGathersRemotePatterns(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	if _, err := b.pool.Contribute(ctx, testPattern("srv1", 4, base)); err != nil {
		t.Fatalf("failed to contribute pattern: %v", err)
	}

	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	type outcome struct {
		answers   []PeerAnswer
		contacted int
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		answers, contacted, err := a.gossiper.QueryPeers(qctx, []float32{0.5, 0.25, 0.125}, 5)
		done <- outcome{answers, contacted, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case out := <-done:
			if out.err != nil {
				t.Fatalf("failed to query peers: %v", out.err)
			}
			if out.contacted != 1 {
				t.Fatalf("expected 1 peer contacted, got %d", out.contacted)
			}
			if len(out.answers) != 1 {
				t.Fatalf("expected 1 answer, got %d", len(out.answers))
			}
			if out.answers[0].PeerID != "node-b" {
				t.Fatalf("expected answer from node-b, got %s", out.answers[0].PeerID)
			}
			if len(out.answers[0].Patterns) != 1 {
				t.Fatalf("expected 1 served pattern, got %d", len(out.answers[0].Patterns))
			}
			served := out.answers[0].Patterns[0]
			if served.AnonymizedID != "srv1" {
				t.Fatalf("expected srv1 served, got %s", served.AnonymizedID)
			}
			if len(served.Contributors) != 0 {
				t.Fatalf("expected contributor identities stripped, got %v", served.Contributors)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for query answers")
		default:
			b.pump(t, ctx)
			a.pump(t, ctx)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestGossiper_QueryPeersWithNoSyncedPeers(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")

	answers, contacted, err := a.gossiper.QueryPeers(ctx, []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("failed to query with empty mesh: %v", err)
	}
	if contacted != 0 || len(answers) != 0 {
		t.Fatalf("expected no contacts on an empty mesh, got %d contacted, %d answers", contacted, len(answers))
	}
}

func TestGossiper_FloodingPeerLosesTrust(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopbackHub()
	a := newTestNode(t, hub, "node-a")
	b := newTestNode(t, hub, "node-b")
	federate(t, ctx, a, b)

	before, err := a.registry.Get(ctx, "node-b")
	if err != nil {
		t.Fatalf("failed to read peer: %v", err)
	}

	// Unknown message types change no peer state, so any trust drop
	// comes from the rate limiter alone. The default burst is 40.
	for i := 0; i < 50; i++ {
		msg, err := NewMessage("bogus_type", Sender{NodeID: "node-b"}, 1, nil)
		if err != nil {
			t.Fatalf("failed to build message: %v", err)
		}
		if err := a.gossiper.Handle(ctx, Inbound{PeerID: "node-b", Message: msg}); err != nil {
			t.Fatalf("failed to handle message: %v", err)
		}
	}

	after, err := a.registry.Get(ctx, "node-b")
	if err != nil {
		t.Fatalf("failed to read peer: %v", err)
	}
	if after.TrustScore >= before.TrustScore {
		t.Fatalf("expected flooding to cost trust, got %v -> %v", before.TrustScore, after.TrustScore)
	}
	if after.State != common.PeerSynced {
		t.Fatalf("expected rate limiting to leave the peer synced, got %s", after.State)
	}
}
