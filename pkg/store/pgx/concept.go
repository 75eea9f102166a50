package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const conceptColumns = `
	c.id, c.canonical_form, c.occurrence_count, c.first_seen, c.last_seen, c.tenant_id,
	COALESCE(sf.forms, '{}')
`

const conceptSurfaceJoin = `
	LEFT JOIN LATERAL (
		SELECT array_agg(m.surface_form ORDER BY m.surface_form) AS forms
		FROM canonical_mappings m
		WHERE m.tenant_id = c.tenant_id AND m.concept_id = c.id
	) sf ON TRUE
`

const getConceptSQL = `
SELECT ` + conceptColumns + `
FROM concepts c` + conceptSurfaceJoin + `
WHERE c.tenant_id = $1 AND c.id = $2;
`

const getConceptBySurfaceSQL = `
SELECT ` + conceptColumns + `
FROM canonical_mappings cm
JOIN concepts c ON c.tenant_id = cm.tenant_id AND c.id = cm.concept_id` + conceptSurfaceJoin + `
WHERE cm.tenant_id = $1 AND cm.surface_form = $2;
`

const listConceptsSQL = `
SELECT ` + conceptColumns + `
FROM concepts c` + conceptSurfaceJoin + `
WHERE c.tenant_id = $1
ORDER BY c.canonical_form;
`

const lookupMappingSQL = `
SELECT concept_id FROM canonical_mappings
WHERE tenant_id = $1 AND surface_form = $2;
`

const upsertConceptSQL = `
INSERT INTO concepts (tenant_id, id, canonical_form, occurrence_count, first_seen, last_seen)
VALUES ($1, $2, $3, 0, $4, $4)
ON CONFLICT (tenant_id, canonical_form) DO UPDATE
SET last_seen = GREATEST(concepts.last_seen, EXCLUDED.last_seen)
RETURNING id, canonical_form, occurrence_count, first_seen, last_seen;
`

const insertMappingSQL = `
INSERT INTO canonical_mappings (tenant_id, surface_form, concept_id)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, surface_form) DO NOTHING;
`

const listTenantsSQL = `
SELECT DISTINCT tenant_id FROM concepts ORDER BY tenant_id;
`

const touchConceptsSQL = `
UPDATE concepts
SET occurrence_count = occurrence_count + 1,
    last_seen = GREATEST(last_seen, $3)
WHERE tenant_id = $1 AND id = ANY($2);
`

const saveEmbeddingSQL = `
UPDATE concepts SET embedding = $3
WHERE tenant_id = $1 AND id = $2;
`

const similarConceptsSQL = `
SELECT ` + conceptColumns + `, 1 - (c.embedding <=> $2) AS score
FROM concepts c` + conceptSurfaceJoin + `
WHERE c.tenant_id = $1 AND c.embedding IS NOT NULL AND 1 - (c.embedding <=> $2) >= $4
ORDER BY c.embedding <=> $2
LIMIT $3;
`

func scanConcept(row pgxv5.Row) (common.Concept, error) {
	var c common.Concept
	err := row.Scan(
		&c.ID, &c.CanonicalForm, &c.OccurrenceCount,
		&c.FirstSeen, &c.LastSeen, &c.TenantID, &c.SurfaceForms,
	)
	return c, err
}

func (s *MemoryDBStorage) GetConcept(ctx context.Context, tenantID, conceptID string) (common.Concept, error) {
	c, err := scanConcept(s.conn.QueryRow(ctx, getConceptSQL, tenantID, conceptID))
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Concept{}, store.ErrNotFound
	}
	return c, err
}

func (s *MemoryDBStorage) GetConceptBySurface(ctx context.Context, tenantID, surfaceForm string) (common.Concept, error) {
	c, err := scanConcept(s.conn.QueryRow(ctx, getConceptBySurfaceSQL, tenantID, surfaceForm))
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Concept{}, store.ErrNotFound
	}
	return c, err
}

// ResolveConcept maps a surface form to its concept, creating the
// concept and the mapping when they do not exist yet. When another
// writer races the insert on the same canonical form, the stored row
// wins and is returned.
func (s *MemoryDBStorage) ResolveConcept(
	ctx context.Context,
	tenantID, surfaceForm, canonicalForm, newID string,
	seenAt time.Time,
) (common.Concept, bool, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return common.Concept{}, false, err
	}
	defer tx.Rollback(ctx)

	var conceptID string
	err = tx.QueryRow(ctx, lookupMappingSQL, tenantID, surfaceForm).Scan(&conceptID)
	if err == nil {
		c, err := scanConcept(tx.QueryRow(ctx, getConceptSQL, tenantID, conceptID))
		if err != nil {
			return common.Concept{}, false, err
		}
		return c, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgxv5.ErrNoRows) {
		return common.Concept{}, false, err
	}

	var c common.Concept
	c.TenantID = tenantID
	err = tx.QueryRow(ctx, upsertConceptSQL, tenantID, newID, canonicalForm, seenAt.UTC()).Scan(
		&c.ID, &c.CanonicalForm, &c.OccurrenceCount, &c.FirstSeen, &c.LastSeen,
	)
	if err != nil {
		return common.Concept{}, false, err
	}

	if _, err := tx.Exec(ctx, insertMappingSQL, tenantID, surfaceForm, c.ID); err != nil {
		return common.Concept{}, false, err
	}
	c.SurfaceForms = []string{surfaceForm}

	created := c.ID == newID
	if created {
		logger.Debug("[Store] Concept created", "tenant", tenantID, "canonical", canonicalForm)
	} else {
		logger.Debug("[Store] Canonical collision resolved", "tenant", tenantID, "canonical", canonicalForm, "winner", c.ID)
	}
	return c, created, tx.Commit(ctx)
}

func (s *MemoryDBStorage) TouchConcepts(ctx context.Context, tenantID string, conceptIDs []string, seenAt time.Time) error {
	if len(conceptIDs) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, touchConceptsSQL, tenantID, conceptIDs, seenAt.UTC())
	return err
}

// SaveConceptEmbeddings writes embeddings for the given concepts in one
// transaction.
func (s *MemoryDBStorage) SaveConceptEmbeddings(ctx context.Context, tenantID string, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for id, emb := range embeddings {
		if _, err := tx.Exec(ctx, saveEmbeddingSQL, tenantID, id, pgvector.NewVector(emb)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *MemoryDBStorage) ListConcepts(ctx context.Context, tenantID string) ([]common.Concept, error) {
	rows, err := s.conn.Query(ctx, listConceptsSQL, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	concepts := make([]common.Concept, 0)
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

func (s *MemoryDBStorage) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, listTenantsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *MemoryDBStorage) SimilarConcepts(
	ctx context.Context,
	tenantID string,
	embedding []float32,
	limit int,
	minScore float64,
) ([]store.ScoredConcept, error) {
	rows, err := s.conn.Query(ctx, similarConceptsSQL, tenantID, pgvector.NewVector(embedding), limit, minScore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.ScoredConcept, 0, limit)
	for rows.Next() {
		var sc store.ScoredConcept
		err := rows.Scan(
			&sc.Concept.ID, &sc.Concept.CanonicalForm, &sc.Concept.OccurrenceCount,
			&sc.Concept.FirstSeen, &sc.Concept.LastSeen, &sc.Concept.TenantID,
			&sc.Concept.SurfaceForms, &sc.Score,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
