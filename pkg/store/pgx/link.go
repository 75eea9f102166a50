package pgx

import (
	"context"
	"errors"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const getLinkSQL = `
SELECT concept_a, concept_b, weight, reinforcement_count, last_reinforced, tenant_id
FROM attention_links
WHERE tenant_id = $1 AND concept_a = $2 AND concept_b = $3;
`

// reinforceLinkSQL applies the saturating weight update in place. A new
// pair starts at rate * 1.0, an existing pair moves a rate-sized
// fraction of its remaining headroom toward 1.0.
const reinforceLinkSQL = `
INSERT INTO attention_links (tenant_id, concept_a, concept_b, weight, reinforcement_count, last_reinforced)
VALUES ($1, $2, $3, LEAST(1.0, $4::double precision), 1, $5)
ON CONFLICT (tenant_id, concept_a, concept_b) DO UPDATE
SET weight = LEAST(1.0, attention_links.weight + $4::double precision * (1.0 - attention_links.weight)),
    reinforcement_count = attention_links.reinforcement_count + 1,
    last_reinforced = GREATEST(attention_links.last_reinforced, EXCLUDED.last_reinforced);
`

const neighborLinksSQL = `
SELECT concept_a, concept_b, weight, reinforcement_count, last_reinforced, tenant_id
FROM attention_links
WHERE tenant_id = $1 AND (concept_a = $2 OR concept_b = $2)
ORDER BY weight DESC, concept_a, concept_b
LIMIT $3;
`

const decayLinksSQL = `
UPDATE attention_links SET weight = weight * $2
WHERE tenant_id = $1;
`

const pruneLinksSQL = `
DELETE FROM attention_links
WHERE tenant_id = $1 AND weight < $2;
`

func (s *MemoryDBStorage) GetLink(ctx context.Context, tenantID, conceptA, conceptB string) (common.AttentionLink, error) {
	a, b := common.LinkKey(conceptA, conceptB)

	var l common.AttentionLink
	err := s.conn.QueryRow(ctx, getLinkSQL, tenantID, a, b).Scan(
		&l.ConceptA, &l.ConceptB, &l.Weight, &l.ReinforcementCount, &l.LastReinforced, &l.TenantID,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.AttentionLink{}, store.ErrNotFound
	}
	return l, err
}

// ReinforceLinks applies a batch of saturating weight updates in one
// transaction. Pairs are normalized before writing so both orderings of
// the same pair land on the same row.
func (s *MemoryDBStorage) ReinforceLinks(ctx context.Context, tenantID string, updates []store.LinkReinforcement) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		a, b := common.LinkKey(u.ConceptA, u.ConceptB)
		if a == b {
			continue
		}
		if _, err := tx.Exec(ctx, reinforceLinkSQL, tenantID, a, b, u.Rate, u.At.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *MemoryDBStorage) NeighborLinks(ctx context.Context, tenantID, conceptID string, limit int) ([]common.AttentionLink, error) {
	rows, err := s.conn.Query(ctx, neighborLinksSQL, tenantID, conceptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make([]common.AttentionLink, 0, limit)
	for rows.Next() {
		var l common.AttentionLink
		err := rows.Scan(&l.ConceptA, &l.ConceptB, &l.Weight, &l.ReinforcementCount, &l.LastReinforced, &l.TenantID)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DecayLinks multiplies every link weight of the tenant by factor and
// prunes links that fall below minStrength, in one transaction.
func (s *MemoryDBStorage) DecayLinks(ctx context.Context, tenantID string, factor, minStrength float64) (store.DecayStats, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return store.DecayStats{}, err
	}
	defer tx.Rollback(ctx)

	updated, err := tx.Exec(ctx, decayLinksSQL, tenantID, factor)
	if err != nil {
		return store.DecayStats{}, err
	}

	pruned, err := tx.Exec(ctx, pruneLinksSQL, tenantID, minStrength)
	if err != nil {
		return store.DecayStats{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.DecayStats{}, err
	}

	stats := store.DecayStats{
		Updated: int(updated.RowsAffected()),
		Pruned:  int(pruned.RowsAffected()),
	}
	logger.Debug("[Store] Decay sweep", "tenant", tenantID, "updated", stats.Updated, "pruned", stats.Pruned)
	return stats, nil
}
