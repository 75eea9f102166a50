package badger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// mergePatterns folds an incoming pattern into the stored one with the
// same rules as the SQL backend: contributor union, monotonic count,
// best quality, latest update, first embedding wins.
func mergePatterns(stored, incoming common.FederationPattern) common.FederationPattern {
	seen := make(map[string]struct{}, len(stored.Contributors)+len(incoming.Contributors))
	merged := make([]string, 0, len(stored.Contributors)+len(incoming.Contributors))
	for _, c := range append(append([]string{}, stored.Contributors...), incoming.Contributors...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		merged = append(merged, c)
	}
	sort.Strings(merged)
	stored.Contributors = merged

	count := len(merged)
	if stored.ContributorCount > count {
		count = stored.ContributorCount
	}
	if incoming.ContributorCount > count {
		count = incoming.ContributorCount
	}
	stored.ContributorCount = count

	if incoming.QualityScore > stored.QualityScore {
		stored.QualityScore = incoming.QualityScore
	}
	if incoming.LastUpdated.After(stored.LastUpdated) {
		stored.LastUpdated = incoming.LastUpdated
	}
	if len(stored.Embedding) == 0 {
		stored.Embedding = incoming.Embedding
	}
	return stored
}

func (s *MemoryBadgerStorage) UpsertPattern(ctx context.Context, pattern common.FederationPattern) (common.FederationPattern, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if pattern.Contributors == nil {
		pattern.Contributors = []string{}
	}

	var out common.FederationPattern
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key := scopedKey(prefixPattern, pattern.AnonymizedID)

		var stored common.FederationPattern
		err := getJSON(txn, key, &stored)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out = pattern
			if len(out.Contributors) > out.ContributorCount {
				out.ContributorCount = len(out.Contributors)
			}
		case err != nil:
			return err
		default:
			out = mergePatterns(stored, pattern)
		}
		return setJSON(txn, key, out)
	})
	return out, err
}

func (s *MemoryBadgerStorage) GetPattern(ctx context.Context, anonymizedID string) (common.FederationPattern, error) {
	var p common.FederationPattern
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, scopedKey(prefixPattern, anonymizedID), &p)
	})
	return p, err
}

func (s *MemoryBadgerStorage) QueryPatterns(ctx context.Context, params store.QueryPatternsParams) ([]common.FederationPattern, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	type scoredPattern struct {
		pattern common.FederationPattern
		score   float64
	}

	matches := make([]scoredPattern, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, []byte{prefixPattern}, func(p common.FederationPattern) bool {
			if p.ContributorCount < params.MinContributors {
				return true
			}
			sp := scoredPattern{pattern: p}
			if len(params.Embedding) > 0 {
				if len(p.Embedding) == 0 {
					return true
				}
				sp.score = store.CosineSimilarity(params.Embedding, p.Embedding)
			}
			matches = append(matches, sp)
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	if len(params.Embedding) > 0 {
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].score == matches[j].score {
				return matches[i].pattern.AnonymizedID < matches[j].pattern.AnonymizedID
			}
			return matches[i].score > matches[j].score
		})
	} else {
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].pattern.LastUpdated.Equal(matches[j].pattern.LastUpdated) {
				return matches[i].pattern.AnonymizedID < matches[j].pattern.AnonymizedID
			}
			return matches[i].pattern.LastUpdated.After(matches[j].pattern.LastUpdated)
		})
	}

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]common.FederationPattern, len(matches))
	for i := range matches {
		out[i] = matches[i].pattern
	}
	return out, nil
}

func (s *MemoryBadgerStorage) ListPatterns(ctx context.Context) ([]common.FederationPattern, error) {
	patterns := make([]common.FederationPattern, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanJSON(txn, []byte{prefixPattern}, func(p common.FederationPattern) bool {
			patterns = append(patterns, p)
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].LastUpdated.Equal(patterns[j].LastUpdated) {
			return patterns[i].AnonymizedID < patterns[j].AnonymizedID
		}
		return patterns[i].LastUpdated.After(patterns[j].LastUpdated)
	})
	return patterns, nil
}

func (s *MemoryBadgerStorage) PrunePatterns(ctx context.Context, olderThan time.Time) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	pruned := 0
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		pruned = 0
		stale := make([]string, 0)
		err := scanJSON(txn, []byte{prefixPattern}, func(p common.FederationPattern) bool {
			if p.LastUpdated.Before(olderThan) {
				stale = append(stale, p.AnonymizedID)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range stale {
			if err := txn.Delete(scopedKey(prefixPattern, id)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
