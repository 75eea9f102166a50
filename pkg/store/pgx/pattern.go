package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const patternColumns = `
	anonymized_id, embedding, hour_of_day, day_of_week, contributor_count,
	quality_score, last_updated, privacy_tier, category, contributors
`

// upsertPatternSQL merges an incoming pattern into the pool. Contributor
// sets union, the count never moves backwards, quality keeps its best
// value, and the first stored embedding wins since the anonymized ID is
// content-derived.
const upsertPatternSQL = `
INSERT INTO federation_patterns (` + patternColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (anonymized_id) DO UPDATE
SET contributors = (
        SELECT COALESCE(array_agg(DISTINCT c), '{}')
        FROM unnest(federation_patterns.contributors || EXCLUDED.contributors) AS c
    ),
    contributor_count = GREATEST(
        federation_patterns.contributor_count,
        EXCLUDED.contributor_count,
        (SELECT COUNT(DISTINCT c)
         FROM unnest(federation_patterns.contributors || EXCLUDED.contributors) AS c)
    ),
    quality_score = GREATEST(federation_patterns.quality_score, EXCLUDED.quality_score),
    last_updated = GREATEST(federation_patterns.last_updated, EXCLUDED.last_updated),
    embedding = COALESCE(federation_patterns.embedding, EXCLUDED.embedding)
RETURNING ` + patternColumns + `;
`

const getPatternSQL = `
SELECT ` + patternColumns + `
FROM federation_patterns
WHERE anonymized_id = $1;
`

const queryPatternsByEmbeddingSQL = `
SELECT ` + patternColumns + `
FROM federation_patterns
WHERE contributor_count >= $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2
LIMIT $3;
`

const queryPatternsByRecencySQL = `
SELECT ` + patternColumns + `
FROM federation_patterns
WHERE contributor_count >= $1
ORDER BY last_updated DESC
LIMIT $2;
`

const listPatternsSQL = `
SELECT ` + patternColumns + `
FROM federation_patterns
ORDER BY last_updated DESC;
`

const prunePatternsSQL = `
DELETE FROM federation_patterns
WHERE last_updated < $1;
`

func patternEmbeddingParam(p common.FederationPattern) any {
	if len(p.Embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(p.Embedding)
}

func scanPattern(row pgxv5.Row) (common.FederationPattern, error) {
	var p common.FederationPattern
	var emb *pgvector.Vector
	err := row.Scan(
		&p.AnonymizedID, &emb, &p.TimeContext.HourOfDay, &p.TimeContext.DayOfWeek,
		&p.ContributorCount, &p.QualityScore, &p.LastUpdated, &p.PrivacyTier,
		&p.Category, &p.Contributors,
	)
	if emb != nil {
		p.Embedding = emb.Slice()
	}
	return p, err
}

// UpsertPattern merges the given pattern into the pool and returns the
// stored row after the merge.
func (s *MemoryDBStorage) UpsertPattern(ctx context.Context, pattern common.FederationPattern) (common.FederationPattern, error) {
	contributors := pattern.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	return scanPattern(s.conn.QueryRow(ctx, upsertPatternSQL,
		pattern.AnonymizedID, patternEmbeddingParam(pattern),
		pattern.TimeContext.HourOfDay, pattern.TimeContext.DayOfWeek,
		pattern.ContributorCount, pattern.QualityScore,
		pattern.LastUpdated.UTC(), string(pattern.PrivacyTier), pattern.Category, contributors,
	))
}

func (s *MemoryDBStorage) GetPattern(ctx context.Context, anonymizedID string) (common.FederationPattern, error) {
	p, err := scanPattern(s.conn.QueryRow(ctx, getPatternSQL, anonymizedID))
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.FederationPattern{}, store.ErrNotFound
	}
	return p, err
}

// QueryPatterns returns patterns visible at the given contributor floor,
// nearest-first when an embedding is provided and most recent first
// otherwise.
func (s *MemoryDBStorage) QueryPatterns(ctx context.Context, params store.QueryPatternsParams) ([]common.FederationPattern, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		rows pgxv5.Rows
		err  error
	)
	if len(params.Embedding) > 0 {
		rows, err = s.conn.Query(ctx, queryPatternsByEmbeddingSQL,
			params.MinContributors, pgvector.NewVector(params.Embedding), limit)
	} else {
		rows, err = s.conn.Query(ctx, queryPatternsByRecencySQL, params.MinContributors, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPatterns(rows)
}

func (s *MemoryDBStorage) ListPatterns(ctx context.Context) ([]common.FederationPattern, error) {
	rows, err := s.conn.Query(ctx, listPatternsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPatterns(rows)
}

func (s *MemoryDBStorage) PrunePatterns(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.conn.Exec(ctx, prunePatternsSQL, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func collectPatterns(rows pgxv5.Rows) ([]common.FederationPattern, error) {
	patterns := make([]common.FederationPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
