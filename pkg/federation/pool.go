package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

const (
	defaultMinConsensus = 2
	defaultPatternTTL   = 30 * 24 * time.Hour
	defaultDigestLimit  = 256
	defaultSyncLimit    = 64
)

// patternPrecedes reports whether a wins over b when both claim the
// same pattern slot. Higher contributor count wins, then the more
// recent update, then the lexicographically smaller anonymized ID, so
// every node resolves a duplicate the same way regardless of arrival
// order.
func patternPrecedes(a, b common.FederationPattern) bool {
	if a.ContributorCount != b.ContributorCount {
		return a.ContributorCount > b.ContributorCount
	}
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.AnonymizedID < b.AnonymizedID
}

// Pool is the node's view of the shared pattern space. Local
// contributions enter through Contribute and are trusted immediately;
// patterns learned from gossip enter through Absorb and are held back
// from query serving until MinConsensus distinct peers have confirmed
// them. Every read that leaves the pool respects the contributor floor
// of the anonymity gate, and remote serving additionally applies
// differential-privacy noise.
type Pool struct {
	store        store.MemoryStore
	gate         *anonymize.KGate
	noise        *anonymize.Noise
	minConsensus int
	patternTTL   time.Duration
	digestLimit  int
	syncLimit    int
	now          func() time.Time

	lock     sync.Mutex
	confirms map[string]map[string]time.Time
	trusted  map[string]time.Time
}

type NewPoolParams struct {
	Store store.MemoryStore
	Gate  *anonymize.KGate
	Noise *anonymize.Noise
	// MinConsensus is the number of distinct peers that must confirm
	// a gossip-learned pattern before it is served. Defaults to 2.
	MinConsensus int
	// PatternTTL is how long a pattern may go without an update before
	// Sweep discards it. Defaults to 30 days.
	PatternTTL time.Duration
	// DigestLimit caps how many pattern summaries one gossip round
	// advertises. Defaults to 256.
	DigestLimit int
	// SyncLimit caps how many full patterns one sync reply carries.
	// Defaults to 64.
	SyncLimit int
	// Now overrides the clock for tests.
	Now func() time.Time
}

func NewPool(params NewPoolParams) (*Pool, error) {
	if params.Store == nil {
		return nil, errors.New("pool requires a store")
	}
	if params.Gate == nil {
		return nil, errors.New("pool requires an anonymity gate")
	}
	if params.Noise == nil {
		return nil, errors.New("pool requires a noise source")
	}
	if params.MinConsensus == 0 {
		params.MinConsensus = defaultMinConsensus
	}
	if params.MinConsensus < 1 {
		return nil, fmt.Errorf("consensus threshold must be positive, got %d", params.MinConsensus)
	}
	if params.PatternTTL == 0 {
		params.PatternTTL = defaultPatternTTL
	}
	if params.PatternTTL < 0 {
		return nil, fmt.Errorf("pattern ttl must be positive, got %s", params.PatternTTL)
	}
	if params.DigestLimit <= 0 {
		params.DigestLimit = defaultDigestLimit
	}
	if params.SyncLimit <= 0 {
		params.SyncLimit = defaultSyncLimit
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	return &Pool{
		store:        params.Store,
		gate:         params.Gate,
		noise:        params.Noise,
		minConsensus: params.MinConsensus,
		patternTTL:   params.PatternTTL,
		digestLimit:  params.DigestLimit,
		syncLimit:    params.SyncLimit,
		now:          params.Now,
		confirms:     make(map[string]map[string]time.Time),
		trusted:      make(map[string]time.Time),
	}, nil
}

// Contribute stages a locally produced pattern. Local patterns are
// trusted without peer consensus since this node witnessed the source.
func (p *Pool) Contribute(ctx context.Context, pattern common.FederationPattern) (common.FederationPattern, error) {
	stored, err := p.gate.Stage(ctx, pattern)
	if err != nil {
		return common.FederationPattern{}, err
	}

	p.lock.Lock()
	p.trusted[stored.AnonymizedID] = p.now()
	p.lock.Unlock()
	return stored, nil
}

// Absorb folds patterns received from a peer into the pool. Each
// incoming pattern competes with the stored version under the
// deterministic precedence rules; losers still count as a confirmation
// from that peer. The returned count is how many patterns changed the
// stored state.
func (p *Pool) Absorb(ctx context.Context, peerID string, patterns []common.FederationPattern) (int, error) {
	absorbed := 0
	for _, pattern := range patterns {
		if pattern.AnonymizedID == "" {
			continue
		}

		stored, err := p.store.GetPattern(ctx, pattern.AnonymizedID)
		apply := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			apply = true
		case err != nil:
			return absorbed, fmt.Errorf("failed to look up pattern: %w", err)
		default:
			// Higher quality supersedes even when precedence ties.
			apply = patternPrecedes(pattern, stored) || pattern.QualityScore > stored.QualityScore
		}

		if apply {
			if _, err := p.store.UpsertPattern(ctx, pattern); err != nil {
				return absorbed, fmt.Errorf("failed to store pattern: %w", err)
			}
			absorbed++
		}
		p.confirm(pattern.AnonymizedID, peerID)
	}

	if absorbed > 0 {
		logger.Debug("[Federation] Patterns absorbed",
			"peer", peerID,
			"received", len(patterns),
			"absorbed", absorbed,
		)
	}
	return absorbed, nil
}

func (p *Pool) confirm(anonymizedID, peerID string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	peers, ok := p.confirms[anonymizedID]
	if !ok {
		peers = make(map[string]time.Time)
		p.confirms[anonymizedID] = peers
	}
	peers[peerID] = p.now()
}

// Confirmed reports whether a pattern may be served: this node
// contributed to it, restored it from a snapshot, or at least
// MinConsensus distinct peers have sent it.
func (p *Pool) Confirmed(anonymizedID string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.trusted[anonymizedID]; ok {
		return true
	}
	return len(p.confirms[anonymizedID]) >= p.minConsensus
}

// Confirmations returns how many distinct peers have sent the pattern.
func (p *Pool) Confirmations(anonymizedID string) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.confirms[anonymizedID])
}

// Digest summarizes the patterns this node can advertise to peers.
// Staged patterns below the contributor floor are included so observer
// counts can accumulate across nodes; they remain unservable until the
// floor is met.
func (p *Pool) Digest(ctx context.Context) ([]PatternDigest, error) {
	patterns, err := p.store.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	if len(patterns) > p.digestLimit {
		patterns = patterns[:p.digestLimit]
	}

	digests := make([]PatternDigest, 0, len(patterns))
	for _, pattern := range patterns {
		digests = append(digests, PatternDigest{
			AnonymizedID:     pattern.AnonymizedID,
			ContributorCount: pattern.ContributorCount,
			QualityScore:     pattern.QualityScore,
			LastUpdated:      pattern.LastUpdated,
		})
	}
	return digests, nil
}

// Diff returns the stored patterns a peer appears to be missing or
// holding a losing version of, judged against the digest it sent. The
// reply is capped at SyncLimit patterns per round; later rounds carry
// the rest.
func (p *Pool) Diff(ctx context.Context, remote []PatternDigest) ([]common.FederationPattern, error) {
	theirs := make(map[string]PatternDigest, len(remote))
	for _, digest := range remote {
		theirs[digest.AnonymizedID] = digest
	}

	patterns, err := p.store.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}

	missing := make([]common.FederationPattern, 0)
	for _, pattern := range patterns {
		if len(missing) >= p.syncLimit {
			break
		}
		digest, known := theirs[pattern.AnonymizedID]
		if !known {
			missing = append(missing, pattern)
			continue
		}
		remoteVersion := common.FederationPattern{
			AnonymizedID:     digest.AnonymizedID,
			ContributorCount: digest.ContributorCount,
			QualityScore:     digest.QualityScore,
			LastUpdated:      digest.LastUpdated,
		}
		if patternPrecedes(pattern, remoteVersion) || pattern.QualityScore > remoteVersion.QualityScore {
			missing = append(missing, pattern)
		}
	}
	return missing, nil
}

// Search returns servable patterns ranked by similarity to the query
// embedding, or by recency when the embedding is nil. Only patterns at
// or above the contributor floor and past the consensus check are
// returned.
func (p *Pool) Search(ctx context.Context, embedding []float32, limit int) ([]common.FederationPattern, error) {
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch so the consensus filter can drop rows without
	// starving the caller.
	promoted, err := p.gate.Promoted(ctx, store.QueryPatternsParams{
		Embedding: embedding,
		Limit:     limit * 2,
	})
	if err != nil {
		return nil, err
	}

	served := make([]common.FederationPattern, 0, limit)
	for _, pattern := range promoted {
		if !p.Confirmed(pattern.AnonymizedID) {
			continue
		}
		served = append(served, pattern)
		if len(served) == limit {
			break
		}
	}
	return served, nil
}

// ServeRemote answers a peer's pattern query. Results pass the same
// floor and consensus checks as Search and then receive
// differential-privacy noise with contributor lists stripped.
func (p *Pool) ServeRemote(ctx context.Context, embedding []float32, limit int) ([]common.FederationPattern, error) {
	served, err := p.Search(ctx, embedding, limit)
	if err != nil {
		return nil, err
	}
	return p.noise.Patterns(served), nil
}

// Sweep discards patterns that have gone a full TTL without updates
// and drops bookkeeping for confirmations older than the TTL. It
// returns how many stored patterns were pruned.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.patternTTL)
	pruned, err := p.store.PrunePatterns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}

	p.lock.Lock()
	for id, peers := range p.confirms {
		for peerID, at := range peers {
			if at.Before(cutoff) {
				delete(peers, peerID)
			}
		}
		if len(peers) == 0 {
			delete(p.confirms, id)
		}
	}
	for id, at := range p.trusted {
		if at.Before(cutoff) {
			delete(p.trusted, id)
		}
	}
	p.lock.Unlock()

	if pruned > 0 {
		logger.Info("[Federation] Pattern pool swept", "pruned", pruned)
	}
	return pruned, nil
}

// Snapshot returns the servable slice of the pool: patterns at or
// above the contributor floor that passed the consensus check. It is
// what a pool export persists and what a joining peer restores.
func (p *Pool) Snapshot(ctx context.Context) ([]common.FederationPattern, error) {
	patterns, err := p.store.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}

	servable := make([]common.FederationPattern, 0, len(patterns))
	for _, pattern := range patterns {
		if pattern.ContributorCount < p.gate.K() {
			continue
		}
		if !p.Confirmed(pattern.AnonymizedID) {
			continue
		}
		servable = append(servable, pattern)
	}
	return servable, nil
}

// Bootstrap seeds the pool from another pool's snapshot before the
// first gossip round. Restored patterns are trusted without fresh peer
// consensus because the exporting pool only snapshots what it already
// served; collisions with stored patterns resolve under the usual
// precedence rules.
func (p *Pool) Bootstrap(ctx context.Context, patterns []common.FederationPattern) (int, error) {
	restored := 0
	for _, pattern := range patterns {
		if pattern.AnonymizedID == "" {
			continue
		}

		stored, err := p.store.GetPattern(ctx, pattern.AnonymizedID)
		apply := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			apply = true
		case err != nil:
			return restored, fmt.Errorf("failed to look up pattern: %w", err)
		default:
			apply = patternPrecedes(pattern, stored) || pattern.QualityScore > stored.QualityScore
		}

		if apply {
			if _, err := p.store.UpsertPattern(ctx, pattern); err != nil {
				return restored, fmt.Errorf("failed to store pattern: %w", err)
			}
			restored++
		}

		p.lock.Lock()
		p.trusted[pattern.AnonymizedID] = p.now()
		p.lock.Unlock()
	}

	if restored > 0 {
		logger.Info("[Federation] Pool bootstrapped from snapshot", "restored", restored)
	}
	return restored, nil
}
