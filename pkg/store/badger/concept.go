package badger

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
)

func (s *MemoryBadgerStorage) GetConcept(ctx context.Context, tenantID, conceptID string) (common.Concept, error) {
	var c common.Concept
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, scopedKey(prefixConcept, tenantID, conceptID), &c)
	})
	return c, err
}

func (s *MemoryBadgerStorage) GetConceptBySurface(ctx context.Context, tenantID, surfaceForm string) (common.Concept, error) {
	var c common.Concept
	err := s.db.View(func(txn *badgerdb.Txn) error {
		conceptID, err := getString(txn, scopedKey(prefixSurface, tenantID, surfaceForm))
		if err != nil {
			return err
		}
		return getJSON(txn, scopedKey(prefixConcept, tenantID, conceptID), &c)
	})
	return c, err
}

// ResolveConcept maps a surface form to its concept, creating concept
// and mapping as needed. The canonical index guarantees one concept per
// canonical form, mirroring the unique constraint of the SQL backend.
func (s *MemoryBadgerStorage) ResolveConcept(
	ctx context.Context,
	tenantID, surfaceForm, canonicalForm, newID string,
	seenAt time.Time,
) (common.Concept, bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var (
		c       common.Concept
		created bool
	)
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		created = false

		conceptID, err := getString(txn, scopedKey(prefixSurface, tenantID, surfaceForm))
		if err == nil {
			return getJSON(txn, scopedKey(prefixConcept, tenantID, conceptID), &c)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		conceptID, err = getString(txn, scopedKey(prefixCanonical, tenantID, canonicalForm))
		switch {
		case err == nil:
			// Known canonical form under a new surface spelling.
			if err := getJSON(txn, scopedKey(prefixConcept, tenantID, conceptID), &c); err != nil {
				return err
			}
			logger.Debug("[Store] Canonical collision resolved", "tenant", tenantID, "canonical", canonicalForm, "winner", c.ID)
			if !slices.Contains(c.SurfaceForms, surfaceForm) {
				c.SurfaceForms = append(c.SurfaceForms, surfaceForm)
				sort.Strings(c.SurfaceForms)
				if err := setJSON(txn, scopedKey(prefixConcept, tenantID, c.ID), c); err != nil {
					return err
				}
			}
		case errors.Is(err, store.ErrNotFound):
			c = common.Concept{
				ID:            newID,
				CanonicalForm: canonicalForm,
				SurfaceForms:  []string{surfaceForm},
				FirstSeen:     seenAt.UTC(),
				LastSeen:      seenAt.UTC(),
				TenantID:      tenantID,
			}
			if err := setJSON(txn, scopedKey(prefixConcept, tenantID, c.ID), c); err != nil {
				return err
			}
			if err := txn.Set(scopedKey(prefixCanonical, tenantID, canonicalForm), []byte(c.ID)); err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		return txn.Set(scopedKey(prefixSurface, tenantID, surfaceForm), []byte(c.ID))
	})
	return c, created, err
}

func (s *MemoryBadgerStorage) TouchConcepts(ctx context.Context, tenantID string, conceptIDs []string, seenAt time.Time) error {
	if len(conceptIDs) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, id := range conceptIDs {
			key := scopedKey(prefixConcept, tenantID, id)
			var c common.Concept
			if err := getJSON(txn, key, &c); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			c.OccurrenceCount++
			if seenAt.After(c.LastSeen) {
				c.LastSeen = seenAt.UTC()
			}
			if err := setJSON(txn, key, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MemoryBadgerStorage) SaveConceptEmbeddings(ctx context.Context, tenantID string, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		for id, emb := range embeddings {
			key := scopedKey(prefixConcept, tenantID, id)
			var c common.Concept
			if err := getJSON(txn, key, &c); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			c.Embedding = emb
			if err := setJSON(txn, key, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MemoryBadgerStorage) ListConcepts(ctx context.Context, tenantID string) ([]common.Concept, error) {
	concepts := make([]common.Concept, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, scopedPrefix(prefixConcept, tenantID), func(c common.Concept) bool {
			concepts = append(concepts, c)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(concepts, func(i, j int) bool {
		return concepts[i].CanonicalForm < concepts[j].CanonicalForm
	})
	return concepts, nil
}

func (s *MemoryBadgerStorage) ListTenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	tenants := make([]string, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte{prefixConcept}})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			end := bytes.IndexByte(key[1:], 0x00)
			if end < 0 {
				continue
			}
			tenant := string(key[1 : 1+end])
			if _, ok := seen[tenant]; ok {
				continue
			}
			seen[tenant] = struct{}{}
			tenants = append(tenants, tenant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	return tenants, nil
}

// SimilarConcepts scans every embedded concept of the tenant and ranks
// by cosine similarity. A linear scan is fine at embedded-store scale;
// deployments with large tenants run the pgvector backend instead.
func (s *MemoryBadgerStorage) SimilarConcepts(
	ctx context.Context,
	tenantID string,
	embedding []float32,
	limit int,
	minScore float64,
) ([]store.ScoredConcept, error) {
	scored := make([]store.ScoredConcept, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, scopedPrefix(prefixConcept, tenantID), func(c common.Concept) bool {
			if len(c.Embedding) == 0 {
				return true
			}
			score := store.CosineSimilarity(embedding, c.Embedding)
			if score >= minScore {
				scored = append(scored, store.ScoredConcept{Concept: c, Score: score})
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Concept.ID < scored[j].Concept.ID
		}
		return scored[i].Score > scored[j].Score
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
