// Package ledger holds the federation credit economy: a per-node,
// per-period balance debited by federation queries and credited by
// accepted contributions, plus the contribution gate that enforces
// per-tier sharing policy before any local write is accepted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

const (
	defaultPeriodGrant      = 10
	defaultQueryCost        = 1
	defaultContributionGain = 2
)

// ErrCreditExhausted is returned when a debit would take the balance
// negative. The caller gets this explicitly; no partial or silently
// degraded result stands in for it.
var ErrCreditExhausted = errors.New("credit balance exhausted")

// Ledger tracks one node's credit against the federation. Balances are
// kept per accounting period; a fresh period starts from the configured
// opening grant, so the balance effectively resets at every boundary.
type Ledger struct {
	store            store.MemoryStore
	nodeID           string
	periodGrant      int64
	queryCost        int64
	contributionGain int64
	now              func() time.Time
}

// NewLedgerParams configures a Ledger. Store and NodeID are required.
// PeriodGrant defaults to 10 credits, QueryCost to 1 and
// ContributionGain to 2. Now overrides the clock in tests.
type NewLedgerParams struct {
	Store            store.MemoryStore
	NodeID           string
	PeriodGrant      int64
	QueryCost        int64
	ContributionGain int64
	Now              func() time.Time
}

func NewLedger(params NewLedgerParams) (*Ledger, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger requires a store")
	}
	if params.NodeID == "" {
		return nil, fmt.Errorf("ledger requires a node ID")
	}
	periodGrant := params.PeriodGrant
	if periodGrant <= 0 {
		periodGrant = defaultPeriodGrant
	}
	queryCost := params.QueryCost
	if queryCost <= 0 {
		queryCost = defaultQueryCost
	}
	contributionGain := params.ContributionGain
	if contributionGain <= 0 {
		contributionGain = defaultContributionGain
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:            params.Store,
		nodeID:           params.NodeID,
		periodGrant:      periodGrant,
		queryCost:        queryCost,
		contributionGain: contributionGain,
		now:              now,
	}, nil
}

// QueryCost returns the configured debit for one federation query.
func (l *Ledger) QueryCost() int64 {
	return l.queryCost
}

// ContributionGain returns the configured credit for one accepted
// contribution.
func (l *Ledger) ContributionGain() int64 {
	return l.contributionGain
}

func (l *Ledger) period() string {
	return common.PeriodOf(l.now().UTC())
}

// Balance returns the node's credit for the current period, seeding the
// period with the opening grant on first touch.
func (l *Ledger) Balance(ctx context.Context) (common.ContributionCredit, error) {
	c, err := l.store.GrantCredit(ctx, l.nodeID, l.period(), l.periodGrant)
	if err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to read credit balance: %w", err)
	}
	return c, nil
}

// Credit records earned credit, typically for an accepted contribution.
func (l *Ledger) Credit(ctx context.Context, amount int64, reason string) (common.ContributionCredit, error) {
	period := l.period()
	if _, err := l.store.GrantCredit(ctx, l.nodeID, period, l.periodGrant); err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to seed credit period: %w", err)
	}

	c, err := l.store.EarnCredit(ctx, l.nodeID, period, amount, reason)
	if err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to credit balance: %w", err)
	}
	logger.Debug("[Ledger] Credit earned", "amount", amount, "balance", c.Balance, "reason", reason)
	return c, nil
}

// Debit spends credit, typically ahead of a federation query. The
// decrement is atomic against the stored balance; when it cannot be
// covered the balance is untouched and ErrCreditExhausted is returned.
func (l *Ledger) Debit(ctx context.Context, amount int64, reason string) (common.ContributionCredit, error) {
	period := l.period()
	if _, err := l.store.GrantCredit(ctx, l.nodeID, period, l.periodGrant); err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to seed credit period: %w", err)
	}

	c, err := l.store.SpendCredit(ctx, l.nodeID, period, amount, reason)
	if errors.Is(err, store.ErrInsufficientCredit) {
		return common.ContributionCredit{}, fmt.Errorf("%w: need %d", ErrCreditExhausted, amount)
	}
	if err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to debit balance: %w", err)
	}
	logger.Debug("[Ledger] Credit spent", "amount", amount, "balance", c.Balance, "reason", reason)
	return c, nil
}

// ResetPeriod rolls the ledger onto the current period. Prior periods
// keep their rows for audit; the new period starts from the opening
// grant. Safe to call on every boundary tick, or never.
func (l *Ledger) ResetPeriod(ctx context.Context) (common.ContributionCredit, error) {
	c, err := l.store.GrantCredit(ctx, l.nodeID, l.period(), l.periodGrant)
	if err != nil {
		return common.ContributionCredit{}, fmt.Errorf("failed to roll credit period: %w", err)
	}
	logger.Info("[Ledger] Period rolled", "period", c.Period, "balance", c.Balance)
	return c, nil
}
