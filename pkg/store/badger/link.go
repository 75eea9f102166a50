package badger

import (
	"context"
	"errors"
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
)

func (s *MemoryBadgerStorage) GetLink(ctx context.Context, tenantID, conceptA, conceptB string) (common.AttentionLink, error) {
	a, b := common.LinkKey(conceptA, conceptB)

	var l common.AttentionLink
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, scopedKey(prefixLink, tenantID, a, b), &l)
	})
	return l, err
}

func (s *MemoryBadgerStorage) ReinforceLinks(ctx context.Context, tenantID string, updates []store.LinkReinforcement) error {
	if len(updates) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, u := range updates {
			a, b := common.LinkKey(u.ConceptA, u.ConceptB)
			if a == b {
				continue
			}

			key := scopedKey(prefixLink, tenantID, a, b)
			var l common.AttentionLink
			err := getJSON(txn, key, &l)
			switch {
			case errors.Is(err, store.ErrNotFound):
				l = common.AttentionLink{
					ConceptA: a,
					ConceptB: b,
					TenantID: tenantID,
				}
			case err != nil:
				return err
			}

			l.Weight = common.ReinforceWeight(l.Weight, u.Rate)
			l.ReinforcementCount++
			if u.At.After(l.LastReinforced) {
				l.LastReinforced = u.At.UTC()
			}

			if err := setJSON(txn, key, l); err != nil {
				return err
			}
			if err := txn.Set(scopedKey(prefixLinkRev, tenantID, b, a), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MemoryBadgerStorage) NeighborLinks(ctx context.Context, tenantID, conceptID string, limit int) ([]common.AttentionLink, error) {
	links := make([]common.AttentionLink, 0)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		err := scanJSON(txn, scopedPrefix(prefixLink, tenantID, conceptID), func(l common.AttentionLink) bool {
			links = append(links, l)
			return true
		})
		if err != nil {
			return err
		}

		// Links where conceptID sorts second live under the reverse index.
		it := txn.NewIterator(badgerdb.IteratorOptions{
			Prefix: scopedPrefix(prefixLinkRev, tenantID, conceptID),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			other := string(key[len(scopedPrefix(prefixLinkRev, tenantID, conceptID)):])

			var l common.AttentionLink
			if err := getJSON(txn, scopedKey(prefixLink, tenantID, other, conceptID), &l); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			links = append(links, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].Weight == links[j].Weight {
			if links[i].ConceptA == links[j].ConceptA {
				return links[i].ConceptB < links[j].ConceptB
			}
			return links[i].ConceptA < links[j].ConceptA
		}
		return links[i].Weight > links[j].Weight
	})
	if limit > 0 && len(links) > limit {
		links = links[:limit]
	}
	return links, nil
}

func (s *MemoryBadgerStorage) DecayLinks(ctx context.Context, tenantID string, factor, minStrength float64) (store.DecayStats, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var stats store.DecayStats
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		stats = store.DecayStats{}

		decayed := make([]common.AttentionLink, 0)
		err := scanJSON(txn, scopedPrefix(prefixLink, tenantID), func(l common.AttentionLink) bool {
			l.Weight *= factor
			decayed = append(decayed, l)
			return true
		})
		if err != nil {
			return err
		}

		for _, l := range decayed {
			key := scopedKey(prefixLink, tenantID, l.ConceptA, l.ConceptB)
			stats.Updated++
			if l.Weight < minStrength {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(scopedKey(prefixLinkRev, tenantID, l.ConceptB, l.ConceptA)); err != nil {
					return err
				}
				stats.Pruned++
				continue
			}
			if err := setJSON(txn, key, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.DecayStats{}, err
	}

	logger.Debug("[Store] Decay sweep", "tenant", tenantID, "updated", stats.Updated, "pruned", stats.Pruned)
	return stats, nil
}
