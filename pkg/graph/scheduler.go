package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/leaselock"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

const decayLeaseKey = "graph_decay_sweep"

// Scheduler triggers periodic decay sweeps across all tenants. With a
// lease client configured, multiple processes sharing one database
// elect a single sweeper per round through the shared lock; everyone
// else skips the round.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	lease    *leaselock.Client
}

// NewSchedulerParams defines the configuration for creating a
// Scheduler. Engine is required; Lease is optional and only useful on
// the Postgres backend.
type NewSchedulerParams struct {
	Engine   *Engine
	Interval time.Duration
	Lease    *leaselock.Client
}

func NewScheduler(params NewSchedulerParams) (*Scheduler, error) {
	if params.Engine == nil {
		return nil, errors.New("decay scheduler requires an engine")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		engine:   params.Engine,
		interval: interval,
		lease:    params.Lease,
	}, nil
}

// Run sweeps every interval until ctx is done. Individual sweep
// failures are logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("[Graph] Decay scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Graph] Decay scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				logger.Warn("[Graph] Decay sweep failed", "err", err)
			}
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) error {
	if s.lease == nil {
		return s.sweepTenants(ctx)
	}

	err := s.lease.WithLease(ctx, decayLeaseKey, leaselock.Options{TTL: s.interval}, func(ctx context.Context) error {
		return s.sweepTenants(ctx)
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Debug("[Graph] Decay sweep held by another process")
		return nil
	}
	return err
}

func (s *Scheduler) sweepTenants(ctx context.Context) error {
	tenants, err := s.engine.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	updated, pruned := 0, 0
	for _, tenant := range tenants {
		res, err := s.engine.Decay(ctx, tenant)
		if err != nil {
			return err
		}
		updated += res.Updated
		pruned += res.Pruned
	}

	logger.Info("[Graph] Decay sweep complete", "tenants", len(tenants), "updated", updated, "pruned", pruned)
	return nil
}
