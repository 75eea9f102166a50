package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// ErrPeerNotSynced is returned when an operation requires a peer in
// the synced state and the peer is anywhere else in its lifecycle.
var ErrPeerNotSynced = errors.New("peer not synced")

const (
	defaultSuspectAfter = 3
	defaultRemoveGrace  = 5 * time.Minute
	defaultInitialTrust = 0.5
	trustReward         = 0.02
	trustPenalty        = 0.1
)

// Registry tracks every known peer and drives its lifecycle:
// discovered, handshaking, synced, suspected, removed. A peer missing
// SuspectAfter consecutive heartbeats turns suspected and drops out of
// gossip fanout; one good heartbeat brings it back to synced. A peer
// suspected for longer than RemoveGrace is removed. Removed peers stay
// in the table as tombstones until Forget deletes the row. All state
// lives in the store, so a restart resumes where the node left off.
type Registry struct {
	store        store.MemoryStore
	suspectAfter int
	removeGrace  time.Duration
	now          func() time.Time
}

type NewRegistryParams struct {
	Store store.MemoryStore
	// SuspectAfter is the number of consecutive missed heartbeats
	// before a synced peer turns suspected. Defaults to 3.
	SuspectAfter int
	// RemoveGrace is how long a peer may stay suspected before it is
	// removed. Defaults to 5 minutes.
	RemoveGrace time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

func NewRegistry(params NewRegistryParams) (*Registry, error) {
	if params.Store == nil {
		return nil, errors.New("registry requires a store")
	}
	if params.SuspectAfter == 0 {
		params.SuspectAfter = defaultSuspectAfter
	}
	if params.SuspectAfter < 1 {
		return nil, fmt.Errorf("suspect threshold must be positive, got %d", params.SuspectAfter)
	}
	if params.RemoveGrace == 0 {
		params.RemoveGrace = defaultRemoveGrace
	}
	if params.RemoveGrace < 0 {
		return nil, fmt.Errorf("remove grace must be positive, got %s", params.RemoveGrace)
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	return &Registry{
		store:        params.Store,
		suspectAfter: params.SuspectAfter,
		removeGrace:  params.RemoveGrace,
		now:          params.Now,
	}, nil
}

// Discover records a newly learned peer in the discovered state. An
// already known peer keeps its state; only the address is refreshed.
func (r *Registry) Discover(ctx context.Context, nodeID, address string) (common.PeerNode, error) {
	if nodeID == "" {
		return common.PeerNode{}, errors.New("peer node id is required")
	}

	existing, err := r.store.GetPeer(ctx, nodeID)
	if err == nil {
		if address != "" && existing.Address != address {
			existing.Address = address
			if err := r.store.UpsertPeer(ctx, existing); err != nil {
				return common.PeerNode{}, fmt.Errorf("failed to update peer address: %w", err)
			}
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}

	peer := common.PeerNode{
		NodeID:        nodeID,
		Address:       address,
		State:         common.PeerDiscovered,
		TrustScore:    defaultInitialTrust,
		LastHeartbeat: r.now().UTC(),
	}
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to record peer: %w", err)
	}

	logger.Info("[Federation] Peer discovered", "peer", nodeID, "address", address)
	return peer, nil
}

// BeginHandshake moves a discovered peer into the handshaking state.
// Calling it again while the handshake is in flight is a no-op.
func (r *Registry) BeginHandshake(ctx context.Context, nodeID string) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}

	switch peer.State {
	case common.PeerHandshaking:
		return peer, nil
	case common.PeerDiscovered:
	default:
		return common.PeerNode{}, fmt.Errorf("cannot handshake peer %s in state %q", nodeID, peer.State)
	}

	peer.State = common.PeerHandshaking
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to update peer state: %w", err)
	}
	return peer, nil
}

// MarkSynced completes a handshake: the peer becomes synced with the
// negotiated protocol version and a clean heartbeat record.
func (r *Registry) MarkSynced(ctx context.Context, nodeID string, protocolVersion int) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State != common.PeerHandshaking {
		return common.PeerNode{}, fmt.Errorf("cannot sync peer %s in state %q", nodeID, peer.State)
	}

	peer.State = common.PeerSynced
	peer.ProtocolVersion = protocolVersion
	peer.LastHeartbeat = r.now().UTC()
	peer.MissedHeartbeats = 0
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to update peer state: %w", err)
	}

	logger.Info("[Federation] Peer synced", "peer", nodeID, "protocolVersion", protocolVersion)
	return peer, nil
}

// RecordHeartbeat refreshes a peer's liveness. A suspected peer that
// heartbeats again recovers straight to synced.
func (r *Registry) RecordHeartbeat(ctx context.Context, nodeID string) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State == common.PeerRemoved {
		return peer, nil
	}

	peer.LastHeartbeat = r.now().UTC()
	peer.MissedHeartbeats = 0
	if peer.State == common.PeerSuspected {
		peer.State = common.PeerSynced
		logger.Info("[Federation] Suspected peer recovered", "peer", nodeID)
	}
	if peer.State == common.PeerSynced {
		peer.TrustScore = clampTrust(peer.TrustScore + trustReward)
	}

	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to update peer state: %w", err)
	}
	return peer, nil
}

// MarkMissed counts one failed contact. Crossing the suspect threshold
// moves a synced peer to suspected, which keeps it tracked but out of
// gossip fanout.
func (r *Registry) MarkMissed(ctx context.Context, nodeID string) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State == common.PeerRemoved {
		return peer, nil
	}

	peer.MissedHeartbeats++
	peer.TrustScore = clampTrust(peer.TrustScore - trustPenalty)
	if peer.State == common.PeerSynced && peer.MissedHeartbeats >= r.suspectAfter {
		peer.State = common.PeerSuspected
		logger.Warn("[Federation] Peer suspected",
			"peer", nodeID,
			"missedHeartbeats", peer.MissedHeartbeats,
		)
	}

	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to update peer state: %w", err)
	}
	return peer, nil
}

// Penalize docks a peer's trust without touching its heartbeat
// bookkeeping. Applied when a live peer misbehaves, such as flooding
// past the inbound rate limit.
func (r *Registry) Penalize(ctx context.Context, nodeID string) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State == common.PeerRemoved {
		return peer, nil
	}

	peer.TrustScore = clampTrust(peer.TrustScore - trustPenalty)
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to update peer state: %w", err)
	}
	return peer, nil
}

// Remove tombstones a peer. The row stays visible for introspection
// until Forget deletes it.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State == common.PeerRemoved {
		return nil
	}

	peer.State = common.PeerRemoved
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return fmt.Errorf("failed to update peer state: %w", err)
	}

	logger.Warn("[Federation] Peer removed", "peer", nodeID)
	return nil
}

// Forget deletes a peer row entirely.
func (r *Registry) Forget(ctx context.Context, nodeID string) error {
	return r.store.DeletePeer(ctx, nodeID)
}

// Sweep removes peers that have sat suspected past the grace window.
// It returns how many peers were removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list peers: %w", err)
	}

	cutoff := r.now().Add(-r.removeGrace)
	removed := 0
	for _, peer := range peers {
		if peer.State != common.PeerSuspected {
			continue
		}
		if peer.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := r.Remove(ctx, peer.NodeID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Get returns one peer by node ID.
func (r *Registry) Get(ctx context.Context, nodeID string) (common.PeerNode, error) {
	return r.store.GetPeer(ctx, nodeID)
}

// List returns every tracked peer, tombstones included.
func (r *Registry) List(ctx context.Context) ([]common.PeerNode, error) {
	return r.store.ListPeers(ctx)
}

// Eligible returns the peers gossip rounds may contact: synced only.
func (r *Registry) Eligible(ctx context.Context) ([]common.PeerNode, error) {
	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]common.PeerNode, 0, len(peers))
	for _, peer := range peers {
		if peer.State == common.PeerSynced {
			eligible = append(eligible, peer)
		}
	}
	return eligible, nil
}

// RequireSynced returns the peer when it is synced and
// ErrPeerNotSynced otherwise.
func (r *Registry) RequireSynced(ctx context.Context, nodeID string) (common.PeerNode, error) {
	peer, err := r.store.GetPeer(ctx, nodeID)
	if err != nil {
		return common.PeerNode{}, fmt.Errorf("failed to look up peer: %w", err)
	}
	if peer.State != common.PeerSynced {
		return common.PeerNode{}, fmt.Errorf("%w: %s is %s", ErrPeerNotSynced, nodeID, peer.State)
	}
	return peer, nil
}

func clampTrust(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
