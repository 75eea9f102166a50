package anonymize

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

// DefaultEpsilon is the differential-privacy budget for outbound query
// results. Smaller epsilon means more noise.
const DefaultEpsilon = 1.0

// Noise draws Laplace noise for the fields of patterns served to remote
// peers. Counts and confidence get noised so a peer issuing repeated
// queries cannot pin down exact contributor numbers, while the noised
// count never drops below k so the gate invariant stays observable.
type Noise struct {
	epsilon float64
	k       int

	lock sync.Mutex
	rng  *rand.Rand
}

// NewNoiseParams configures a Noise source. Epsilon defaults to
// DefaultEpsilon, K to DefaultK. Rand may inject a seeded source for
// deterministic tests; by default a time-seeded source is used.
type NewNoiseParams struct {
	Epsilon float64
	K       int
	Rand    *rand.Rand
}

func NewNoise(params NewNoiseParams) (*Noise, error) {
	epsilon := params.Epsilon
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	k := params.K
	if k <= 0 {
		k = DefaultK
	}
	rng := params.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Noise{epsilon: epsilon, k: k, rng: rng}, nil
}

// laplace draws one sample from Laplace(0, 1/epsilon) via the inverse
// CDF. The uniform draw rejects exactly zero so the log stays finite.
func (n *Noise) laplace() float64 {
	n.lock.Lock()
	f := n.rng.Float64()
	for f == 0 {
		f = n.rng.Float64()
	}
	n.lock.Unlock()

	u := f - 0.5
	scale := 1.0 / n.epsilon
	if u < 0 {
		return scale * math.Log(1+2*u)
	}
	return -scale * math.Log(1-2*u)
}

// Pattern returns a copy of p ready to leave the node: contributor
// count and quality score carry Laplace noise, the count is clamped to
// [k, inf) and the quality to [0,1], and the contributor node IDs are
// stripped entirely.
func (n *Noise) Pattern(p common.FederationPattern) common.FederationPattern {
	count := int(math.Round(float64(p.ContributorCount) + n.laplace()))
	if count < n.k {
		count = n.k
	}
	p.ContributorCount = count

	quality := p.QualityScore + n.laplace()
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	p.QualityScore = quality

	p.Contributors = nil
	return p
}

// Patterns applies Pattern to every element.
func (n *Noise) Patterns(patterns []common.FederationPattern) []common.FederationPattern {
	out := make([]common.FederationPattern, len(patterns))
	for i, p := range patterns {
		out[i] = n.Pattern(p)
	}
	return out
}
