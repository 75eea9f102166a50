package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"

	"github.com/go-playground/validator"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/yaml.v3"
)

// Config holds the domain tunables of a node, loaded from a YAML file
// with environment overrides for deployment-specific values. Process
// wiring (database URLs, broker credentials, API keys) stays in the
// environment and is read through internal/util.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Graph      GraphConfig      `yaml:"graph"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Credits    CreditsConfig    `yaml:"credits"`
	Federation FederationConfig `yaml:"federation"`
	Tenants    []TenantConfig   `yaml:"tenants"`
}

// NodeConfig identifies this node inside the federation.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address" validate:"required"`
}

// GraphConfig controls attention graph dynamics.
type GraphConfig struct {
	HebbianRate       float64       `yaml:"hebbian_rate" validate:"gt=0,lte=1"`
	WeakFactor        float64       `yaml:"weak_factor" validate:"gt=0,lte=1"`
	DecayFactor       float64       `yaml:"decay_factor" validate:"gt=0,lt=1"`
	MinLinkStrength   float64       `yaml:"min_link_strength" validate:"gte=0,lt=1"`
	DecayInterval     time.Duration `yaml:"decay_interval" validate:"gt=0"`
	CompoundThreshold int           `yaml:"compound_threshold" validate:"gte=2"`
	CompoundMaxLen    int           `yaml:"compound_max_len" validate:"gte=2,lte=5"`
	CompoundWindow    int           `yaml:"compound_window" validate:"gt=0"`
}

// ExtractionConfig controls the ensemble and its voter.
type ExtractionConfig struct {
	Strategy         string             `yaml:"strategy" validate:"oneof=union intersection weighted"`
	VoteThreshold    float64            `yaml:"vote_threshold" validate:"gte=0,lte=1"`
	ExtractorTimeout time.Duration      `yaml:"extractor_timeout" validate:"gt=0"`
	Weights          map[string]float64 `yaml:"weights"`
	SemanticMinScore float64            `yaml:"semantic_min_score" validate:"gte=0,lte=1"`
	Enabled          []string           `yaml:"enabled"`
}

// PrivacyConfig controls anonymization and the k-anonymity gate.
type PrivacyConfig struct {
	Tier            string        `yaml:"tier" validate:"oneof=maximum balanced permissive"`
	KThreshold      int           `yaml:"k_threshold" validate:"gte=2"`
	ShareConfidence float64       `yaml:"share_confidence" validate:"gte=0,lte=1"`
	Epsilon         float64       `yaml:"epsilon" validate:"gt=0"`
	DegradeFactor   float64       `yaml:"degrade_factor" validate:"gt=0,lte=1"`
	PatternTTL      time.Duration `yaml:"pattern_ttl" validate:"gt=0"`
}

// CreditsConfig controls the contribution economy.
type CreditsConfig struct {
	QueryCost        int64  `yaml:"query_cost" validate:"gt=0"`
	ContributionGain int64  `yaml:"contribution_gain" validate:"gt=0"`
	InitialGrant     int64  `yaml:"initial_grant" validate:"gte=0"`
	ResetPeriod      string `yaml:"reset_period" validate:"oneof=monthly weekly"`
}

// FederationConfig controls peer sync and gossip.
type FederationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Seeds             []string      `yaml:"seeds"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	SyncInterval      time.Duration `yaml:"sync_interval" validate:"gt=0"`
	Fanout            int           `yaml:"fanout" validate:"gt=0"`
	MinConsensus      int           `yaml:"min_consensus" validate:"gt=0"`
	QuorumSize        int           `yaml:"quorum_size" validate:"gt=0"`
	ReplicationFactor int           `yaml:"replication_factor" validate:"gt=0"`
	ConsistencyLevel  string        `yaml:"consistency_level" validate:"oneof=eventual quorum"`
	SuspectAfter      int           `yaml:"suspect_after" validate:"gt=0"`
	RemoveGrace       time.Duration `yaml:"remove_grace" validate:"gt=0"`
	QueryTimeout      time.Duration `yaml:"query_timeout" validate:"gt=0"`
	PeerRateLimit     float64       `yaml:"peer_rate_limit" validate:"gt=0"`
	PeerRateBurst     int           `yaml:"peer_rate_burst" validate:"gt=0"`
}

// TenantConfig declares a tenant this node serves and its billing tier.
type TenantConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Tier string `yaml:"tier" validate:"oneof=free standard premium"`
	Key  string `yaml:"key"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Address: "localhost:8080",
		},
		Graph: GraphConfig{
			HebbianRate:       0.15,
			WeakFactor:        0.5,
			DecayFactor:       0.85,
			MinLinkStrength:   0.1,
			DecayInterval:     time.Hour,
			CompoundThreshold: 3,
			CompoundMaxLen:    3,
			CompoundWindow:    50,
		},
		Extraction: ExtractionConfig{
			Strategy:         "weighted",
			VoteThreshold:    0.4,
			ExtractorTimeout: 30 * time.Second,
			Weights: map[string]float64{
				"pattern":    0.3,
				"semantic":   0.5,
				"generative": 0.8,
			},
			SemanticMinScore: 0.75,
			Enabled:          []string{"pattern", "semantic", "generative"},
		},
		Privacy: PrivacyConfig{
			Tier:            "maximum",
			KThreshold:      5,
			ShareConfidence: 0.6,
			Epsilon:         1.0,
			DegradeFactor:   0.5,
			PatternTTL:      30 * 24 * time.Hour,
		},
		Credits: CreditsConfig{
			QueryCost:        1,
			ContributionGain: 2,
			InitialGrant:     10,
			ResetPeriod:      "monthly",
		},
		Federation: FederationConfig{
			Enabled:           true,
			HeartbeatInterval: 10 * time.Second,
			SyncInterval:      30 * time.Second,
			Fanout:            3,
			MinConsensus:      2,
			QuorumSize:        2,
			ReplicationFactor: 3,
			ConsistencyLevel:  "eventual",
			SuspectAfter:      3,
			RemoveGrace:       5 * time.Minute,
			QueryTimeout:      5 * time.Second,
			PeerRateLimit:     20,
			PeerRateBurst:     40,
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file is absent. Environment overrides are applied after the file, and
// the result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Node.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node id: %w", err)
		}
		cfg.Node.ID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section against its struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if id := util.GetEnv("NODE_ID"); id != "" {
		cfg.Node.ID = id
	}
	if addr := util.GetEnv("NODE_ADDRESS"); addr != "" {
		cfg.Node.Address = addr
	}
	cfg.Federation.Enabled = util.GetEnvBool("FEDERATION_ENABLED", cfg.Federation.Enabled)
	if k := int(util.GetEnvNumeric("PRIVACY_K_THRESHOLD", cfg.Privacy.KThreshold)); k > 0 {
		cfg.Privacy.KThreshold = k
	}
	cfg.Graph.DecayInterval = util.GetEnvDuration("GRAPH_DECAY_INTERVAL", cfg.Graph.DecayInterval)
	cfg.Federation.SyncInterval = util.GetEnvDuration("FEDERATION_SYNC_INTERVAL", cfg.Federation.SyncInterval)
	cfg.Federation.HeartbeatInterval = util.GetEnvDuration("FEDERATION_HEARTBEAT_INTERVAL", cfg.Federation.HeartbeatInterval)
}
