// Package graph implements the per-tenant attention concept graph.
// Voted concepts from the extraction ensemble feed unordered concept
// pairs whose link weights grow by saturating Hebbian reinforcement and
// shrink under periodic decay sweeps. The engine also canonicalizes
// surface forms, promotes frequently co-occurring n-grams to compound
// concepts, and answers neighbor queries for recall.
package graph

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/mnemon-ai/mnemon/pkg/store"
)

// Config holds the tunable graph dynamics. Zero fields are replaced by
// defaults in NewEngine.
type Config struct {
	// HebbianRate is the reinforcement rate applied to concept pairs
	// co-occurring in one sentence.
	HebbianRate float64
	// WeakFactor scales HebbianRate for pairs that only share a message.
	WeakFactor float64
	// DecayFactor multiplies every link weight once per decay sweep.
	DecayFactor float64
	// MinLinkStrength is the prune floor: links decayed below it are
	// removed.
	MinLinkStrength float64
	// CompoundThreshold is the joint occurrence count an n-gram must
	// exceed before it is promoted to a compound concept.
	CompoundThreshold int
	// CompoundMaxLen caps the n-gram length considered for compounds.
	CompoundMaxLen int
	// CompoundWindow is the number of recent sentence sequences kept
	// per tenant for compound detection.
	CompoundWindow int
}

// DefaultConfig returns the shipped graph dynamics.
func DefaultConfig() Config {
	return Config{
		HebbianRate:       0.15,
		WeakFactor:        0.5,
		DecayFactor:       0.85,
		MinLinkStrength:   0.1,
		CompoundThreshold: 3,
		CompoundMaxLen:    3,
		CompoundWindow:    50,
	}
}

const tenantLockCount = 64

// Engine owns all graph mutation for its store. Mutations are
// serialized per tenant through a striped lock, so reinforcement and
// decay never interleave for the same tenant.
//
// An Engine should be created using NewEngine.
type Engine struct {
	store  store.MemoryStore
	config Config

	tenantLocks [tenantLockCount]sync.Mutex

	windowLock sync.Mutex
	windows    map[string]*ingestWindow
}

// NewEngineParams defines the configuration for creating an Engine.
//
// Store is the backing MemoryStore and is required. Config tunes the
// graph dynamics; zero fields fall back to DefaultConfig values.
type NewEngineParams struct {
	Store  store.MemoryStore
	Config Config
}

// NewEngine creates an Engine over the given store.
//
// Example:
//
//	engine, err := graph.NewEngine(graph.NewEngineParams{
//		Store:  storage,
//		Config: graph.DefaultConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewEngine(params NewEngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, errors.New("graph engine requires a store")
	}

	cfg := params.Config
	defaults := DefaultConfig()
	if cfg.HebbianRate <= 0 {
		cfg.HebbianRate = defaults.HebbianRate
	}
	if cfg.WeakFactor <= 0 {
		cfg.WeakFactor = defaults.WeakFactor
	}
	if cfg.DecayFactor <= 0 {
		cfg.DecayFactor = defaults.DecayFactor
	}
	if cfg.MinLinkStrength <= 0 {
		cfg.MinLinkStrength = defaults.MinLinkStrength
	}
	if cfg.CompoundThreshold <= 0 {
		cfg.CompoundThreshold = defaults.CompoundThreshold
	}
	if cfg.CompoundMaxLen <= 0 {
		cfg.CompoundMaxLen = defaults.CompoundMaxLen
	}
	if cfg.CompoundWindow <= 0 {
		cfg.CompoundWindow = defaults.CompoundWindow
	}

	if cfg.HebbianRate > 1 || cfg.WeakFactor > 1 || cfg.DecayFactor >= 1 {
		return nil, errors.New("graph rates must stay below 1")
	}

	return &Engine{
		store:   params.Store,
		config:  cfg,
		windows: make(map[string]*ingestWindow),
	}, nil
}

// Config returns the effective dynamics after defaulting.
func (e *Engine) Config() Config {
	return e.config
}

// lockTenant enters the tenant's critical region and returns the
// matching unlock.
func (e *Engine) lockTenant(tenantID string) func() {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	mu := &e.tenantLocks[h.Sum32()%tenantLockCount]
	mu.Lock()
	return mu.Unlock
}
