// Package federation connects independent memory nodes into a gossip
// mesh. Peers move through an explicit lifecycle (discovered,
// handshaking, synced, suspected, removed) tracked by the Registry,
// negotiate protocol versions through the Handshaker, and exchange
// anonymized pattern digests and credit state through the Gossiper.
// The Pool holds patterns received from peers and releases them only
// after enough independent confirmations. Nothing in this package ever
// sees raw tenant text; everything on the wire went through
// pkg/anonymize first.
package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Message types carried on the federation wire.
const (
	MsgHandshake     = "handshake"
	MsgHandshakeAck  = "handshake_ack"
	MsgHeartbeat     = "heartbeat"
	MsgDigest        = "pattern_digest"
	MsgPatternSync   = "pattern_sync"
	MsgCreditState   = "credit_state"
	MsgPatternQuery  = "pattern_query"
	MsgPatternResult = "pattern_result"
)

// Sender identifies the node a message originated from. Address lets a
// receiver dial back a peer it has never seen before.
type Sender struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// Message is the JSON envelope for every federation exchange. Hops
// counts forwarding steps taken so far; a message is dropped once Hops
// reaches MaxHops. Payload is one of the *Payload structs below,
// selected by Type.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Hops      int             `json:"hops"`
	MaxHops   int             `json:"max_hops"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with a fresh message ID and the payload
// marshalled in place. A nil payload produces an empty body, which is
// valid for heartbeats.
func NewMessage(msgType string, sender Sender, maxHops int, payload any) (Message, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Message{}, fmt.Errorf("failed to mint message id: %w", err)
	}

	msg := Message{
		Type:      msgType,
		ID:        id,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		MaxHops:   maxHops,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the envelope body into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// HandshakePayload announces the protocol range a node speaks. Both
// sides of a handshake exchange one, and each checks the other against
// its own window before marking the peer synced.
type HandshakePayload struct {
	ProtocolVersion int `json:"protocol_version"`
	MinSupported    int `json:"min_supported"`
}

// PatternDigest is the lightweight summary of one stored pattern,
// enough for a receiver to decide whether its own copy is missing or
// stale without shipping embeddings around.
type PatternDigest struct {
	AnonymizedID     string    `json:"anonymized_id"`
	ContributorCount int       `json:"contributor_count"`
	QualityScore     float64   `json:"quality_score"`
	LastUpdated      time.Time `json:"last_updated"`
}

// DigestPayload carries the sender's pattern summaries for one gossip
// round.
type DigestPayload struct {
	Digests []PatternDigest `json:"digests"`
}

// PatternSyncPayload carries full anonymized patterns between peers.
// Contributor entries are the node IDs that observed the pattern; they
// travel so receiving nodes can union the sets and count distinct
// observers toward the anonymity floor. Tenant identity never appears
// here, and query responses strip the lists entirely.
type PatternSyncPayload struct {
	Patterns []common.FederationPattern `json:"patterns"`
}

// CreditStatePayload advertises the sender's credit standing for the
// current period so peers can spot free riders.
type CreditStatePayload struct {
	Period  string `json:"period"`
	Balance int64  `json:"balance"`
	Earned  int64  `json:"earned"`
	Spent   int64  `json:"spent"`
}
