package badger

import (
	"context"
	"errors"
	"sort"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
)

func (s *MemoryBadgerStorage) UpsertCompound(ctx context.Context, compound common.CompoundConcept) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		key := scopedKey(prefixCompound, compound.TenantID, compound.CanonicalForm)

		var stored common.CompoundConcept
		err := getJSON(txn, key, &stored)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stored = compound
		case err != nil:
			return err
		default:
			stored.OccurrenceCount += compound.OccurrenceCount
			stored.MemberIDs = compound.MemberIDs
		}
		return setJSON(txn, key, stored)
	})
}

func (s *MemoryBadgerStorage) ListCompounds(ctx context.Context, tenantID string) ([]common.CompoundConcept, error) {
	compounds := make([]common.CompoundConcept, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, scopedPrefix(prefixCompound, tenantID), func(c common.CompoundConcept) bool {
			compounds = append(compounds, c)
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(compounds, func(i, j int) bool {
		if compounds[i].OccurrenceCount == compounds[j].OccurrenceCount {
			return compounds[i].CanonicalForm < compounds[j].CanonicalForm
		}
		return compounds[i].OccurrenceCount > compounds[j].OccurrenceCount
	})
	return compounds, nil
}
