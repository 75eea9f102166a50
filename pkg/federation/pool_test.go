package federation

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

func newTestPool(t *testing.T, params NewPoolParams) *Pool {
	t.Helper()
	if params.Store == nil {
		params.Store = newTestStore(t)
	}
	if params.Gate == nil {
		gate, err := anonymize.NewKGate(anonymize.NewKGateParams{Store: params.Store, K: 3})
		if err != nil {
			t.Fatalf("failed to build gate: %v", err)
		}
		params.Gate = gate
	}
	if params.Noise == nil {
		noise, err := anonymize.NewNoise(anonymize.NewNoiseParams{K: 3, Rand: rand.New(rand.NewSource(7))})
		if err != nil {
			t.Fatalf("failed to build noise: %v", err)
		}
		params.Noise = noise
	}
	p, err := NewPool(params)
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	return p
}

func testPattern(id string, count int, updated time.Time) common.FederationPattern {
	contributors := make([]string, count)
	for i := range contributors {
		contributors[i] = "node-" + string(rune('a'+i))
	}
	return common.FederationPattern{
		AnonymizedID:     id,
		Embedding:        []float32{0.5, 0.25, 0.125},
		TimeContext:      common.TimeContext{HourOfDay: 9, DayOfWeek: 2},
		ContributorCount: count,
		QualityScore:     0.8,
		LastUpdated:      updated,
		PrivacyTier:      common.TierMaximum,
		Contributors:     contributors,
	}
}

func TestPatternPrecedes(t *testing.T) {
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a    common.FederationPattern
		b    common.FederationPattern
		want bool
	}{
		{
			name: "higher contributor count wins",
			a:    testPattern("p1", 5, base),
			b:    testPattern("p1", 3, base.Add(time.Hour)),
			want: true,
		},
		{
			name: "count tie falls to the later update",
			a:    testPattern("p1", 4, base.Add(time.Minute)),
			b:    testPattern("p1", 4, base),
			want: true,
		},
		{
			name: "full tie falls to the smaller id",
			a:    testPattern("aaa", 4, base),
			b:    testPattern("bbb", 4, base),
			want: true,
		},
		{
			name: "lower count loses regardless of recency",
			a:    testPattern("p1", 2, base.Add(time.Hour)),
			b:    testPattern("p1", 6, base),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := patternPrecedes(tt.a, tt.b); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			// The relation must be antisymmetric for distinct versions
			// so every node picks the same winner.
			if tt.a.AnonymizedID != tt.b.AnonymizedID ||
				tt.a.ContributorCount != tt.b.ContributorCount ||
				!tt.a.LastUpdated.Equal(tt.b.LastUpdated) {
				if rev := patternPrecedes(tt.b, tt.a); rev == tt.want {
					t.Fatalf("expected the reverse comparison to flip, got %v both ways", rev)
				}
			}
		})
	}
}

func TestPool_AbsorbStoresNewPatterns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	absorbed, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{
		testPattern("p1", 2, base),
		testPattern("p2", 1, base),
	})
	if err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if absorbed != 2 {
		t.Fatalf("expected both patterns absorbed, got %d", absorbed)
	}

	stored, err := s.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to read pattern: %v", err)
	}
	if stored.ContributorCount != 2 {
		t.Fatalf("expected contributor count 2, got %d", stored.ContributorCount)
	}
}

func TestPool_AbsorbKeepsWinningVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{testPattern("p1", 4, base)}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	// A lower-count version loses and must not change the store.
	loser := testPattern("p1", 1, base.Add(time.Hour))
	loser.QualityScore = 0.2
	absorbed, err := p.Absorb(ctx, "peer-2", []common.FederationPattern{loser})
	if err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if absorbed != 0 {
		t.Fatalf("expected the losing version to be ignored, absorbed %d", absorbed)
	}

	stored, err := s.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to read pattern: %v", err)
	}
	if stored.ContributorCount != 4 {
		t.Fatalf("expected the stored count to survive, got %d", stored.ContributorCount)
	}

	// A higher-count version supersedes.
	winner := testPattern("p1", 6, base.Add(2*time.Hour))
	absorbed, err = p.Absorb(ctx, "peer-3", []common.FederationPattern{winner})
	if err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if absorbed != 1 {
		t.Fatalf("expected the winning version to apply, absorbed %d", absorbed)
	}

	stored, err = s.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to read pattern: %v", err)
	}
	if stored.ContributorCount != 6 {
		t.Fatalf("expected the count to advance to 6, got %d", stored.ContributorCount)
	}
}

func TestPool_ConsensusGatesGossipPatterns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s, MinConsensus: 2})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	// Promoted by count, but only one peer has vouched for it.
	pattern := testPattern("p1", 4, base)
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{pattern}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if p.Confirmed("p1") {
		t.Fatal("expected a single confirmation to stay below consensus")
	}

	served, err := p.Search(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(served) != 0 {
		t.Fatalf("expected no servable patterns before consensus, got %d", len(served))
	}

	// The same peer repeating itself is not consensus.
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{pattern}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if p.Confirmed("p1") {
		t.Fatal("expected repeat confirmations from one peer to not count twice")
	}

	if _, err := p.Absorb(ctx, "peer-2", []common.FederationPattern{pattern}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if !p.Confirmed("p1") {
		t.Fatal("expected two distinct peers to reach consensus")
	}

	served, err = p.Search(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(served) != 1 || served[0].AnonymizedID != "p1" {
		t.Fatalf("expected the confirmed pattern to serve, got %+v", served)
	}
}

func TestPool_LocalContributionsAreTrusted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s, MinConsensus: 2})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	if _, err := p.Contribute(ctx, testPattern("p1", 3, base)); err != nil {
		t.Fatalf("failed to contribute: %v", err)
	}
	if !p.Confirmed("p1") {
		t.Fatal("expected a local contribution to be trusted without peer consensus")
	}
}

func TestPool_SearchRespectsContributorFloor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s, MinConsensus: 1})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	// Below the gate's k of 3: staged, never served.
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{testPattern("p1", 2, base)}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	served, err := p.Search(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(served) != 0 {
		t.Fatalf("expected the staged pattern to stay hidden below the floor, got %d", len(served))
	}

	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{testPattern("p1", 3, base.Add(time.Hour))}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	served, err = p.Search(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(served) != 1 {
		t.Fatalf("expected the pattern to serve at the floor, got %d", len(served))
	}
}

func TestPool_ServeRemoteStripsContributors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s, MinConsensus: 1})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{testPattern("p1", 4, base)}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	served, err := p.ServeRemote(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to serve: %v", err)
	}
	if len(served) != 1 {
		t.Fatalf("expected one served pattern, got %d", len(served))
	}
	if served[0].Contributors != nil {
		t.Fatalf("expected contributor identities stripped, got %v", served[0].Contributors)
	}
	if served[0].ContributorCount < 3 {
		t.Fatalf("expected the noised count to stay at or above the floor, got %d", served[0].ContributorCount)
	}
}

func TestPool_DiffReturnsWhatThePeerLacks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s})
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{
		testPattern("p1", 4, base),
		testPattern("p2", 2, base),
	}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	// The peer knows p1 at the same version and has never seen p2.
	remote := []PatternDigest{
		{AnonymizedID: "p1", ContributorCount: 4, QualityScore: 0.8, LastUpdated: base},
	}
	missing, err := p.Diff(ctx, remote)
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	if len(missing) != 1 || missing[0].AnonymizedID != "p2" {
		t.Fatalf("expected only p2 in the diff, got %+v", missing)
	}

	// A stale digest version flags the pattern for resend.
	remote = []PatternDigest{
		{AnonymizedID: "p1", ContributorCount: 2, QualityScore: 0.8, LastUpdated: base},
		{AnonymizedID: "p2", ContributorCount: 2, QualityScore: 0.8, LastUpdated: base},
	}
	missing, err = p.Diff(ctx, remote)
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	if len(missing) != 1 || missing[0].AnonymizedID != "p1" {
		t.Fatalf("expected the stale p1 in the diff, got %+v", missing)
	}
}

func TestPool_SweepPrunesExpiredPatterns(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{
		Store:      s,
		PatternTTL: 24 * time.Hour,
		Now:        clock.Now,
	})

	old := testPattern("p-old", 4, clock.Now().Add(-48*time.Hour))
	fresh := testPattern("p-fresh", 4, clock.Now())
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{old, fresh}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	pruned, err := p.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one expired pattern pruned, got %d", pruned)
	}

	if _, err := s.GetPattern(ctx, "p-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the expired pattern to be gone, got %v", err)
	}
	if _, err := s.GetPattern(ctx, "p-fresh"); err != nil {
		t.Fatalf("expected the fresh pattern to survive, got %v", err)
	}
}

func TestPool_SnapshotExportsOnlyServablePatterns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, NewPoolParams{})

	served := testPattern("p-served", 4, base)
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{served}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if _, err := p.Absorb(ctx, "peer-2", []common.FederationPattern{served}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	// Below the contributor floor despite two confirmations.
	low := testPattern("p-low", 2, base)
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{low}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}
	if _, err := p.Absorb(ctx, "peer-2", []common.FederationPattern{low}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	// Above the floor but only one peer has confirmed it.
	lonely := testPattern("p-lonely", 4, base)
	if _, err := p.Absorb(ctx, "peer-1", []common.FederationPattern{lonely}); err != nil {
		t.Fatalf("failed to absorb: %v", err)
	}

	servable, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("failed to snapshot: %v", err)
	}
	if len(servable) != 1 {
		t.Fatalf("expected 1 servable pattern, got %d", len(servable))
	}
	if servable[0].AnonymizedID != "p-served" {
		t.Fatalf("expected p-served, got %s", servable[0].AnonymizedID)
	}
}

func TestPool_BootstrapTrustsRestoredPatterns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, NewPoolParams{})

	restored, err := p.Bootstrap(ctx, []common.FederationPattern{testPattern("p-restore", 4, base)})
	if err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored pattern, got %d", restored)
	}
	if !p.Confirmed("p-restore") {
		t.Fatal("expected a restored pattern to be servable without peer consensus")
	}

	served, err := p.Search(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(served) != 1 || served[0].AnonymizedID != "p-restore" {
		t.Fatalf("expected the restored pattern to be served, got %v", served)
	}
}

func TestPool_BootstrapKeepsWinningStoredVersion(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	p := newTestPool(t, NewPoolParams{Store: s})

	if _, err := s.UpsertPattern(ctx, testPattern("p-restore", 5, base)); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	restored, err := p.Bootstrap(ctx, []common.FederationPattern{testPattern("p-restore", 4, base)})
	if err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}
	if restored != 0 {
		t.Fatalf("expected the stored version to win, got %d restored", restored)
	}
	if !p.Confirmed("p-restore") {
		t.Fatal("expected the pattern to be trusted even when the stored version wins")
	}

	stored, err := s.GetPattern(ctx, "p-restore")
	if err != nil {
		t.Fatalf("failed to read pattern: %v", err)
	}
	if stored.ContributorCount != 5 {
		t.Fatalf("expected contributor count 5 to survive, got %d", stored.ContributorCount)
	}
}
