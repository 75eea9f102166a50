package pgx

import (
	"context"
	"errors"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const getCreditSQL = `
SELECT node_id, period, earned, spent
FROM contribution_credits
WHERE node_id = $1 AND period = $2;
`

const earnCreditSQL = `
INSERT INTO contribution_credits (node_id, period, earned, spent)
VALUES ($1, $2, $3, 0)
ON CONFLICT (node_id, period) DO UPDATE
SET earned = contribution_credits.earned + EXCLUDED.earned
RETURNING earned, spent;
`

const grantCreditSQL = `
INSERT INTO contribution_credits (node_id, period, earned, spent)
VALUES ($1, $2, $3, 0)
ON CONFLICT (node_id, period) DO NOTHING;
`

// spendCreditSQL is a compare-and-decrement: the debit only lands when
// the remaining balance covers it, so the balance can never go
// negative, not even under concurrent spenders.
const spendCreditSQL = `
UPDATE contribution_credits
SET spent = spent + $3
WHERE node_id = $1 AND period = $2 AND earned - spent >= $3
RETURNING earned, spent;
`

const insertLedgerSQL = `
INSERT INTO credit_ledger (node_id, period, amount, balance, reason)
VALUES ($1, $2, $3, $4, $5);
`

func (s *MemoryDBStorage) GetCredit(ctx context.Context, nodeID, period string) (common.ContributionCredit, error) {
	c := common.ContributionCredit{NodeID: nodeID, Period: period}
	err := s.conn.QueryRow(ctx, getCreditSQL, nodeID, period).Scan(&c.NodeID, &c.Period, &c.Earned, &c.Spent)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.ContributionCredit{}, store.ErrNotFound
	}
	c.Balance = c.Earned - c.Spent
	return c, err
}

// GrantCredit seeds the node's period with its opening allowance. The
// insert lands at most once per (node, period); racing grants and
// repeated calls leave the stored row untouched and return it.
func (s *MemoryDBStorage) GrantCredit(ctx context.Context, nodeID, period string, amount int64) (common.ContributionCredit, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, grantCreditSQL, nodeID, period, amount)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, insertLedgerSQL, nodeID, period, amount, amount, "period_grant"); err != nil {
			return common.ContributionCredit{}, err
		}
	}

	c := common.ContributionCredit{NodeID: nodeID, Period: period}
	err = tx.QueryRow(ctx, getCreditSQL, nodeID, period).Scan(&c.NodeID, &c.Period, &c.Earned, &c.Spent)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	c.Balance = c.Earned - c.Spent
	return c, tx.Commit(ctx)
}

// EarnCredit adds amount to the node's earned total for the period and
// writes an audit row with the resulting balance.
func (s *MemoryDBStorage) EarnCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	defer tx.Rollback(ctx)

	c := common.ContributionCredit{NodeID: nodeID, Period: period}
	err = tx.QueryRow(ctx, earnCreditSQL, nodeID, period, amount).Scan(&c.Earned, &c.Spent)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	c.Balance = c.Earned - c.Spent

	if _, err := tx.Exec(ctx, insertLedgerSQL, nodeID, period, amount, c.Balance, reason); err != nil {
		return common.ContributionCredit{}, err
	}
	return c, tx.Commit(ctx)
}

// SpendCredit debits amount from the node's balance for the period. The
// debit is atomic: when the balance cannot cover it, nothing is written
// and ErrInsufficientCredit is returned.
func (s *MemoryDBStorage) SpendCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return common.ContributionCredit{}, err
	}
	defer tx.Rollback(ctx)

	c := common.ContributionCredit{NodeID: nodeID, Period: period}
	err = tx.QueryRow(ctx, spendCreditSQL, nodeID, period, amount).Scan(&c.Earned, &c.Spent)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.ContributionCredit{}, store.ErrInsufficientCredit
	}
	if err != nil {
		return common.ContributionCredit{}, err
	}
	c.Balance = c.Earned - c.Spent

	if _, err := tx.Exec(ctx, insertLedgerSQL, nodeID, period, -amount, c.Balance, reason); err != nil {
		return common.ContributionCredit{}, err
	}
	return c, tx.Commit(ctx)
}
