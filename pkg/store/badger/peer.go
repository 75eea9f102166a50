package badger

import (
	"context"
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"

	badgerdb "github.com/dgraph-io/badger/v4"
)

func (s *MemoryBadgerStorage) UpsertPeer(ctx context.Context, peer common.PeerNode) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return setJSON(txn, scopedKey(prefixPeer, peer.NodeID), peer)
	})
}

func (s *MemoryBadgerStorage) GetPeer(ctx context.Context, nodeID string) (common.PeerNode, error) {
	var p common.PeerNode
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, scopedKey(prefixPeer, nodeID), &p)
	})
	if err != nil {
		return common.PeerNode{}, err
	}
	return p, nil
}

func (s *MemoryBadgerStorage) ListPeers(ctx context.Context) ([]common.PeerNode, error) {
	peers := make([]common.PeerNode, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, []byte{prefixPeer}, func(p common.PeerNode) bool {
			peers = append(peers, p)
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeID < peers[j].NodeID
	})
	return peers, nil
}

func (s *MemoryBadgerStorage) DeletePeer(ctx context.Context, nodeID string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(scopedKey(prefixPeer, nodeID))
	})
}
