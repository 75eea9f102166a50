package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"
	badgerstore "github.com/mnemon-ai/mnemon/pkg/store/badger"
)

// testClock is a hand-advanced clock shared by registry tests.
type testClock struct {
	lock sync.Mutex
	at   time.Time
}

func newTestClock() *testClock {
	return &testClock{at: time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.at = c.at.Add(d)
	c.lock.Unlock()
}

func newTestStore(t *testing.T) store.MemoryStore {
	t.Helper()
	s, err := badgerstore.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T, params NewRegistryParams) *Registry {
	t.Helper()
	if params.Store == nil {
		params.Store = newTestStore(t)
	}
	r, err := NewRegistry(params)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return r
}

// syncPeer walks a peer through discovery and handshake to synced.
func syncPeer(t *testing.T, r *Registry, nodeID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Discover(ctx, nodeID, "127.0.0.1:9000"); err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}
	if _, err := r.BeginHandshake(ctx, nodeID); err != nil {
		t.Fatalf("failed to begin handshake: %v", err)
	}
	if _, err := r.MarkSynced(ctx, nodeID, 1); err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}
}

func TestRegistry_LifecycleToSynced(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})

	peer, err := r.Discover(ctx, "peer-1", "127.0.0.1:9000")
	if err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}
	if peer.State != common.PeerDiscovered {
		t.Fatalf("expected discovered state, got %q", peer.State)
	}
	if peer.TrustScore != 0.5 {
		t.Fatalf("expected neutral initial trust, got %v", peer.TrustScore)
	}

	peer, err = r.BeginHandshake(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to begin handshake: %v", err)
	}
	if peer.State != common.PeerHandshaking {
		t.Fatalf("expected handshaking state, got %q", peer.State)
	}

	peer, err = r.MarkSynced(ctx, "peer-1", 2)
	if err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}
	if peer.State != common.PeerSynced {
		t.Fatalf("expected synced state, got %q", peer.State)
	}
	if peer.ProtocolVersion != 2 {
		t.Fatalf("expected negotiated version 2, got %d", peer.ProtocolVersion)
	}
}

func TestRegistry_DiscoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})
	syncPeer(t, r, "peer-1")

	peer, err := r.Discover(ctx, "peer-1", "127.0.0.1:9100")
	if err != nil {
		t.Fatalf("failed to rediscover peer: %v", err)
	}
	if peer.State != common.PeerSynced {
		t.Fatalf("expected rediscovery to keep the synced state, got %q", peer.State)
	}
	if peer.Address != "127.0.0.1:9100" {
		t.Fatalf("expected the address to refresh, got %q", peer.Address)
	}
}

func TestRegistry_SyncedRequiresHandshake(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})

	if _, err := r.Discover(ctx, "peer-1", ""); err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}
	if _, err := r.MarkSynced(ctx, "peer-1", 1); err == nil {
		t.Fatal("expected marking a discovered peer synced to fail")
	}
}

func TestRegistry_MissedHeartbeatsSuspendPeer(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{SuspectAfter: 3})
	syncPeer(t, r, "peer-1")
	syncPeer(t, r, "peer-2")

	for i := 0; i < 2; i++ {
		peer, err := r.MarkMissed(ctx, "peer-1")
		if err != nil {
			t.Fatalf("failed to mark missed: %v", err)
		}
		if peer.State != common.PeerSynced {
			t.Fatalf("expected peer to stay synced below the threshold, got %q", peer.State)
		}
	}

	peer, err := r.MarkMissed(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}
	if peer.State != common.PeerSuspected {
		t.Fatalf("expected the third miss to suspect the peer, got %q", peer.State)
	}

	eligible, err := r.Eligible(ctx)
	if err != nil {
		t.Fatalf("failed to list eligible peers: %v", err)
	}
	if len(eligible) != 1 || eligible[0].NodeID != "peer-2" {
		t.Fatalf("expected only peer-2 to stay eligible, got %+v", eligible)
	}
}

func TestRegistry_HeartbeatRecoversSuspectedPeer(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{SuspectAfter: 1})
	syncPeer(t, r, "peer-1")

	if _, err := r.MarkMissed(ctx, "peer-1"); err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}

	peer, err := r.RecordHeartbeat(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to record heartbeat: %v", err)
	}
	if peer.State != common.PeerSynced {
		t.Fatalf("expected the heartbeat to recover the peer, got %q", peer.State)
	}
	if peer.MissedHeartbeats != 0 {
		t.Fatalf("expected the miss counter to reset, got %d", peer.MissedHeartbeats)
	}
}

func TestRegistry_SweepRemovesOverdueSuspects(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r := newTestRegistry(t, NewRegistryParams{
		SuspectAfter: 1,
		RemoveGrace:  5 * time.Minute,
		Now:          clock.Now,
	})
	syncPeer(t, r, "peer-1")

	if _, err := r.MarkMissed(ctx, "peer-1"); err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}

	removed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected the peer to survive inside the grace window, removed %d", removed)
	}

	clock.Advance(6 * time.Minute)
	removed, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removal past the grace window, got %d", removed)
	}

	peer, err := r.Get(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to read tombstone: %v", err)
	}
	if peer.State != common.PeerRemoved {
		t.Fatalf("expected a removed tombstone, got %q", peer.State)
	}

	if err := r.Forget(ctx, "peer-1"); err != nil {
		t.Fatalf("failed to forget peer: %v", err)
	}
	if _, err := r.Get(ctx, "peer-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the forgotten peer to be gone, got %v", err)
	}
}

func TestRegistry_RequireSynced(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})

	if _, err := r.Discover(ctx, "peer-1", ""); err != nil {
		t.Fatalf("failed to discover peer: %v", err)
	}
	if _, err := r.RequireSynced(ctx, "peer-1"); !errors.Is(err, ErrPeerNotSynced) {
		t.Fatalf("expected ErrPeerNotSynced for a discovered peer, got %v", err)
	}

	syncPeer(t, r, "peer-2")
	if _, err := r.RequireSynced(ctx, "peer-2"); err != nil {
		t.Fatalf("expected a synced peer to pass, got %v", err)
	}
}

func TestRegistry_TrustMovesWithBehavior(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})
	syncPeer(t, r, "peer-1")

	peer, err := r.RecordHeartbeat(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to record heartbeat: %v", err)
	}
	if peer.TrustScore <= 0.5 {
		t.Fatalf("expected heartbeats to raise trust above 0.5, got %v", peer.TrustScore)
	}

	raised := peer.TrustScore
	peer, err = r.MarkMissed(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}
	if peer.TrustScore >= raised {
		t.Fatalf("expected a miss to lower trust below %v, got %v", raised, peer.TrustScore)
	}
}

func TestRegistry_PenalizeDocksTrustOnly(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewRegistryParams{})
	syncPeer(t, r, "peer-1")

	peer, err := r.Penalize(ctx, "peer-1")
	if err != nil {
		t.Fatalf("failed to penalize: %v", err)
	}
	if peer.TrustScore >= 0.5 {
		t.Fatalf("expected a penalty to lower trust below 0.5, got %v", peer.TrustScore)
	}
	if peer.MissedHeartbeats != 0 {
		t.Fatalf("expected heartbeat bookkeeping untouched, got %d misses", peer.MissedHeartbeats)
	}
	if peer.State != common.PeerSynced {
		t.Fatalf("expected the peer to stay synced, got %s", peer.State)
	}
}
