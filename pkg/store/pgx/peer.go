package pgx

import (
	"context"
	"errors"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const upsertPeerSQL = `
INSERT INTO federation_peers (node_id, address, state, trust_score, protocol_version, missed_heartbeats, last_heartbeat)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (node_id) DO UPDATE
SET address = EXCLUDED.address,
    state = EXCLUDED.state,
    trust_score = EXCLUDED.trust_score,
    protocol_version = EXCLUDED.protocol_version,
    missed_heartbeats = EXCLUDED.missed_heartbeats,
    last_heartbeat = EXCLUDED.last_heartbeat;
`

const getPeerSQL = `
SELECT node_id, address, state, trust_score, protocol_version, missed_heartbeats, last_heartbeat
FROM federation_peers
WHERE node_id = $1;
`

const listPeersSQL = `
SELECT node_id, address, state, trust_score, protocol_version, missed_heartbeats, last_heartbeat
FROM federation_peers
ORDER BY node_id;
`

const deletePeerSQL = `
DELETE FROM federation_peers WHERE node_id = $1;
`

func (s *MemoryDBStorage) UpsertPeer(ctx context.Context, peer common.PeerNode) error {
	_, err := s.conn.Exec(ctx, upsertPeerSQL,
		peer.NodeID, peer.Address, string(peer.State), peer.TrustScore,
		peer.ProtocolVersion, peer.MissedHeartbeats, peer.LastHeartbeat.UTC(),
	)
	return err
}

func (s *MemoryDBStorage) GetPeer(ctx context.Context, nodeID string) (common.PeerNode, error) {
	var p common.PeerNode
	var state string
	err := s.conn.QueryRow(ctx, getPeerSQL, nodeID).Scan(
		&p.NodeID, &p.Address, &state, &p.TrustScore, &p.ProtocolVersion, &p.MissedHeartbeats, &p.LastHeartbeat,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.PeerNode{}, store.ErrNotFound
	}
	if err != nil {
		return common.PeerNode{}, err
	}
	p.State = common.PeerState(state)
	return p, nil
}

func (s *MemoryDBStorage) ListPeers(ctx context.Context) ([]common.PeerNode, error) {
	rows, err := s.conn.Query(ctx, listPeersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := make([]common.PeerNode, 0)
	for rows.Next() {
		var p common.PeerNode
		var state string
		err := rows.Scan(&p.NodeID, &p.Address, &state, &p.TrustScore, &p.ProtocolVersion, &p.MissedHeartbeats, &p.LastHeartbeat)
		if err != nil {
			return nil, err
		}
		p.State = common.PeerState(state)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *MemoryDBStorage) DeletePeer(ctx context.Context, nodeID string) error {
	_, err := s.conn.Exec(ctx, deletePeerSQL, nodeID)
	return err
}
