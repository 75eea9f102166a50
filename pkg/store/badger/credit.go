package badger

import (
	"context"
	"errors"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ledgerEntry is one audit row for a credit movement. Amount is
// negative for debits; Balance is the balance after the movement.
type ledgerEntry struct {
	NodeID    string    `json:"node_id"`
	Period    string    `json:"period"`
	Amount    int64     `json:"amount"`
	Balance   int64     `json:"balance"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func appendLedgerEntry(txn *badgerdb.Txn, entry ledgerEntry) error {
	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	key := scopedKey(prefixLedger, entry.NodeID, entry.Period, entry.CreatedAt.UTC().Format(time.RFC3339Nano)+"/"+id)
	return setJSON(txn, key, entry)
}

func (s *MemoryBadgerStorage) GetCredit(ctx context.Context, nodeID, period string) (common.ContributionCredit, error) {
	var c common.ContributionCredit
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, scopedKey(prefixCredit, nodeID, period), &c)
	})
	if err != nil {
		return common.ContributionCredit{}, err
	}
	c.Balance = c.Earned - c.Spent
	return c, nil
}

// GrantCredit seeds the node's period with its opening allowance. Only
// the first call for a (node, period) writes anything; later calls
// return the stored row untouched.
func (s *MemoryBadgerStorage) GrantCredit(ctx context.Context, nodeID, period string, amount int64) (common.ContributionCredit, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var out common.ContributionCredit
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key := scopedKey(prefixCredit, nodeID, period)

		var c common.ContributionCredit
		err := getJSON(txn, key, &c)
		if err == nil {
			c.Balance = c.Earned - c.Spent
			out = c
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		c = common.ContributionCredit{NodeID: nodeID, Period: period, Earned: amount, Balance: amount}
		if err := setJSON(txn, key, c); err != nil {
			return err
		}

		out = c
		return appendLedgerEntry(txn, ledgerEntry{
			NodeID:    nodeID,
			Period:    period,
			Amount:    amount,
			Balance:   amount,
			Reason:    "period_grant",
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return common.ContributionCredit{}, err
	}
	return out, nil
}

// EarnCredit adds amount to the node's earned total for the period and
// writes an audit row with the resulting balance.
func (s *MemoryBadgerStorage) EarnCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var out common.ContributionCredit
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key := scopedKey(prefixCredit, nodeID, period)

		c := common.ContributionCredit{NodeID: nodeID, Period: period}
		if err := getJSON(txn, key, &c); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		c.Earned += amount
		c.Balance = c.Earned - c.Spent
		if err := setJSON(txn, key, c); err != nil {
			return err
		}

		out = c
		return appendLedgerEntry(txn, ledgerEntry{
			NodeID:    nodeID,
			Period:    period,
			Amount:    amount,
			Balance:   c.Balance,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return common.ContributionCredit{}, err
	}
	return out, nil
}

// SpendCredit debits amount from the node's balance for the period. The
// debit is atomic: when the balance cannot cover it, nothing is written
// and ErrInsufficientCredit is returned. A node with no credit row for
// the period has nothing to spend.
func (s *MemoryBadgerStorage) SpendCredit(ctx context.Context, nodeID, period string, amount int64, reason string) (common.ContributionCredit, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var out common.ContributionCredit
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key := scopedKey(prefixCredit, nodeID, period)

		var c common.ContributionCredit
		err := getJSON(txn, key, &c)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrInsufficientCredit
		}
		if err != nil {
			return err
		}
		if c.Earned-c.Spent < amount {
			return store.ErrInsufficientCredit
		}

		c.Spent += amount
		c.Balance = c.Earned - c.Spent
		if err := setJSON(txn, key, c); err != nil {
			return err
		}

		out = c
		return appendLedgerEntry(txn, ledgerEntry{
			NodeID:    nodeID,
			Period:    period,
			Amount:    -amount,
			Balance:   c.Balance,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return common.ContributionCredit{}, err
	}
	return out, nil
}
