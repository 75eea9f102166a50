package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

const defaultInterval = 15 * time.Minute

// Exporter publishes the pool's servable patterns on a cadence and
// restores them when a node joins.
type Exporter struct {
	pool     *federation.Pool
	archives *Store
	nodeID   string
	interval time.Duration
	now      func() time.Time
}

type NewExporterParams struct {
	Pool     *federation.Pool
	Archives *Store
	NodeID   string
	// Interval is the export cadence. Defaults to 15 minutes.
	Interval time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

func NewExporter(params NewExporterParams) (*Exporter, error) {
	if params.Pool == nil {
		return nil, errors.New("exporter requires a pool")
	}
	if params.Archives == nil {
		return nil, errors.New("exporter requires a snapshot store")
	}
	if params.NodeID == "" {
		return nil, errors.New("exporter requires a node ID")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Exporter{
		pool:     params.Pool,
		archives: params.Archives,
		nodeID:   params.NodeID,
		interval: interval,
		now:      now,
	}, nil
}

// Bootstrap seeds the pool from the latest archive. A missing archive
// is a clean first start, not an error.
func (e *Exporter) Bootstrap(ctx context.Context) (int, error) {
	archive, err := e.archives.Latest(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		logger.Info("[Snapshot] No archive to bootstrap from")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	restored, err := e.pool.Bootstrap(ctx, archive.Patterns)
	if err != nil {
		return restored, err
	}
	logger.Info("[Snapshot] Pool restored",
		"from", archive.NodeID,
		"created", archive.CreatedAt,
		"patterns", len(archive.Patterns),
		"restored", restored,
	)
	return restored, nil
}

// Export publishes the current servable pool once and returns the
// archive key. An empty pool publishes nothing.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	patterns, err := e.pool.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if len(patterns) == 0 {
		return "", nil
	}

	key, err := e.archives.Upload(ctx, Archive{
		NodeID:    e.nodeID,
		CreatedAt: e.now().UTC(),
		Patterns:  patterns,
	})
	if err != nil {
		return "", err
	}
	logger.Debug("[Snapshot] Pool exported", "key", key, "patterns", len(patterns))
	return key, nil
}

// Run exports on a fixed cadence until the context ends. Upload
// failures are logged and retried on the next tick.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Export(ctx); err != nil {
				logger.Warn("[Snapshot] Export failed", "error", err)
			}
		}
	}
}
