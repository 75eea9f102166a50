package common

import "time"

// Concept represents a canonical unit of extracted knowledge within a
// tenant's attention graph. A concept aggregates every surface form that
// maps to the same canonical form and tracks how often it has been
// observed.
//
// Concepts are never hard-deleted; links between them are what decay
// removes. A concept with no remaining links is simply dormant until it
// is observed again.
type Concept struct {
	ID              string    `json:"id"`
	CanonicalForm   string    `json:"canonical_form"`
	SurfaceForms    []string  `json:"surface_forms"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	TenantID        string    `json:"tenant_id"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// AttentionLink is a weighted undirected edge between two concepts. The
// pair is stored in canonical order (ConceptA < ConceptB) so the same
// unordered pair always resolves to the same row.
//
// Weight stays within [0,1]: reinforcement saturates toward 1.0, decay
// multiplies toward 0, and links below the configured minimum strength
// are pruned.
type AttentionLink struct {
	ConceptA           string    `json:"concept_a"`
	ConceptB           string    `json:"concept_b"`
	Weight             float64   `json:"weight"`
	ReinforcementCount int       `json:"reinforcement_count"`
	LastReinforced     time.Time `json:"last_reinforced"`
	TenantID           string    `json:"tenant_id"`
}

// CompoundConcept groups an ordered n-gram of concepts that co-occur
// often enough to act as a single unit of meaning.
type CompoundConcept struct {
	ID              string   `json:"id"`
	MemberIDs       []string `json:"member_ids"`
	CanonicalForm   string   `json:"canonical_form"`
	OccurrenceCount int      `json:"occurrence_count"`
	TenantID        string   `json:"tenant_id"`
}

// VotedConcept is the transient result of one ensemble extraction call:
// a canonicalized concept plus the confidence the voter assigned to it
// and the extractors that contributed it.
type VotedConcept struct {
	Concept        Concept  `json:"concept"`
	Confidence     float64  `json:"confidence"`
	Extractors     []string `json:"extractors"`
	AgreementCount int      `json:"agreement_count"`
}

// PrivacyTier selects how concept identity is protected when a pattern
// leaves the local node.
type PrivacyTier string

const (
	// TierMaximum hashes identity with an unkeyed one-way hash. Nothing
	// can map the pattern back to a local concept.
	TierMaximum PrivacyTier = "maximum"
	// TierBalanced hashes identity with a tenant-held key. The owning
	// tenant can re-identify its own patterns, nobody else can.
	TierBalanced PrivacyTier = "balanced"
	// TierPermissive is keyed like TierBalanced but additionally allows
	// relationship metadata to carry coarse category labels.
	TierPermissive PrivacyTier = "permissive"
)

// TimeContext is the generalized form of an observation timestamp.
// Only the hour of day and day of week survive anonymization.
type TimeContext struct {
	HourOfDay int `json:"hour_of_day"`
	DayOfWeek int `json:"day_of_week"`
}

// FederationPattern is the anonymized, shareable representation of a
// learned relationship. It carries no tenant identity and no raw text,
// only hashed identity, an embedding, and generalized metadata.
//
// A pattern becomes visible to queries once ContributorCount reaches
// the k-anonymity threshold; below that it stays staged.
type FederationPattern struct {
	AnonymizedID     string      `json:"anonymized_id"`
	Embedding        []float32   `json:"embedding,omitempty"`
	TimeContext      TimeContext `json:"time_context"`
	ContributorCount int         `json:"contributor_count"`
	QualityScore     float64     `json:"quality_score"`
	LastUpdated      time.Time   `json:"last_updated"`
	PrivacyTier      PrivacyTier `json:"privacy_tier"`
	Category         string      `json:"category,omitempty"`
	Contributors     []string    `json:"contributors,omitempty"`
}

// ContributionCredit tracks the federation credit balance of one node
// for one accounting period. Balance is always Earned - Spent and is
// never allowed to go negative.
type ContributionCredit struct {
	NodeID  string `json:"node_id"`
	Earned  int64  `json:"earned"`
	Spent   int64  `json:"spent"`
	Balance int64  `json:"balance"`
	Period  string `json:"period"`
}

// PeerState is the lifecycle state of a known peer node.
type PeerState string

const (
	PeerDiscovered  PeerState = "discovered"
	PeerHandshaking PeerState = "handshaking"
	PeerSynced      PeerState = "synced"
	PeerSuspected   PeerState = "suspected"
	PeerRemoved     PeerState = "removed"
)

// PeerNode describes one known federation peer and its health.
type PeerNode struct {
	NodeID           string    `json:"node_id"`
	Address          string    `json:"address"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	State            PeerState `json:"state"`
	TrustScore       float64   `json:"trust_score"`
	ProtocolVersion  int       `json:"protocol_version"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
}

// LinkKey returns the canonical ordering of an unordered concept pair.
// Self-loops are the caller's responsibility to reject.
func LinkKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ReinforceWeight applies one saturating reinforcement step to a link
// weight: the weight moves a rate-sized fraction of its remaining
// headroom toward 1.0 and never exceeds it. Repeated reinforcement
// approaches 1.0 asymptotically instead of growing without bound.
func ReinforceWeight(weight, rate float64) float64 {
	next := weight + rate*(1.0-weight)
	if next > 1.0 {
		return 1.0
	}
	if next < 0 {
		return 0
	}
	return next
}

// PeriodOf formats t as the accounting period credits are keyed by.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
