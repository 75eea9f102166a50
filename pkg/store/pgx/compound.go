package pgx

import (
	"context"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

const upsertCompoundSQL = `
INSERT INTO compound_concepts (tenant_id, id, canonical_form, member_ids, occurrence_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, canonical_form) DO UPDATE
SET occurrence_count = compound_concepts.occurrence_count + EXCLUDED.occurrence_count,
    member_ids = EXCLUDED.member_ids;
`

const listCompoundsSQL = `
SELECT id, canonical_form, member_ids, occurrence_count, tenant_id
FROM compound_concepts
WHERE tenant_id = $1
ORDER BY occurrence_count DESC, canonical_form;
`

// UpsertCompound records one observation of a compound. The occurrence
// count on the given compound is treated as a delta and added to the
// stored count when the compound already exists.
func (s *MemoryDBStorage) UpsertCompound(ctx context.Context, compound common.CompoundConcept) error {
	_, err := s.conn.Exec(ctx, upsertCompoundSQL,
		compound.TenantID, compound.ID, compound.CanonicalForm,
		compound.MemberIDs, compound.OccurrenceCount,
	)
	return err
}

func (s *MemoryDBStorage) ListCompounds(ctx context.Context, tenantID string) ([]common.CompoundConcept, error) {
	rows, err := s.conn.Query(ctx, listCompoundsSQL, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	compounds := make([]common.CompoundConcept, 0)
	for rows.Next() {
		var c common.CompoundConcept
		err := rows.Scan(&c.ID, &c.CanonicalForm, &c.MemberIDs, &c.OccurrenceCount, &c.TenantID)
		if err != nil {
			return nil, err
		}
		compounds = append(compounds, c)
	}
	return compounds, rows.Err()
}
