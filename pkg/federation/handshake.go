package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// ErrIncompatibleVersion is returned when two nodes have no protocol
// version in common. The peer is removed; nothing is retried.
var ErrIncompatibleVersion = errors.New("incompatible protocol version")

const (
	defaultProtocolVersion = 1
	defaultMinSupported    = 1
)

// Handshaker negotiates protocol versions with peers. Each side
// announces the version it speaks and the oldest version it still
// accepts; the handshake succeeds when both windows overlap and the
// negotiated version is the lower of the two announcements.
type Handshaker struct {
	registry        *Registry
	protocolVersion int
	minSupported    int
}

type NewHandshakerParams struct {
	Registry *Registry
	// ProtocolVersion is the version this node speaks. Defaults to 1.
	ProtocolVersion int
	// MinSupported is the oldest peer version this node accepts.
	// Defaults to 1.
	MinSupported int
}

func NewHandshaker(params NewHandshakerParams) (*Handshaker, error) {
	if params.Registry == nil {
		return nil, errors.New("handshaker requires a registry")
	}
	if params.ProtocolVersion == 0 {
		params.ProtocolVersion = defaultProtocolVersion
	}
	if params.MinSupported == 0 {
		params.MinSupported = defaultMinSupported
	}
	if params.MinSupported > params.ProtocolVersion {
		return nil, fmt.Errorf(
			"minimum supported version %d exceeds own version %d",
			params.MinSupported, params.ProtocolVersion,
		)
	}

	return &Handshaker{
		registry:        params.Registry,
		protocolVersion: params.ProtocolVersion,
		minSupported:    params.MinSupported,
	}, nil
}

// Offer returns the payload this node announces when handshaking.
func (h *Handshaker) Offer() HandshakePayload {
	return HandshakePayload{
		ProtocolVersion: h.protocolVersion,
		MinSupported:    h.minSupported,
	}
}

// Evaluate checks a remote announcement against this node's window and
// returns the negotiated version, or ErrIncompatibleVersion when the
// windows do not overlap.
func (h *Handshaker) Evaluate(remote HandshakePayload) (int, error) {
	if remote.ProtocolVersion < h.minSupported || h.protocolVersion < remote.MinSupported {
		return 0, fmt.Errorf(
			"%w: speaks %d (min %d), we speak %d (min %d)",
			ErrIncompatibleVersion,
			remote.ProtocolVersion, remote.MinSupported,
			h.protocolVersion, h.minSupported,
		)
	}

	negotiated := h.protocolVersion
	if remote.ProtocolVersion < negotiated {
		negotiated = remote.ProtocolVersion
	}
	return negotiated, nil
}

// Complete finishes a handshake with the peer's announcement in hand.
// Compatible peers become synced at the negotiated version;
// incompatible peers are removed and the error carries
// ErrIncompatibleVersion.
func (h *Handshaker) Complete(ctx context.Context, nodeID string, remote HandshakePayload) (common.PeerNode, error) {
	negotiated, err := h.Evaluate(remote)
	if err != nil {
		logger.Warn("[Federation] Handshake failed",
			"peer", nodeID,
			"remoteVersion", remote.ProtocolVersion,
			"remoteMin", remote.MinSupported,
		)
		if removeErr := h.registry.Remove(ctx, nodeID); removeErr != nil {
			return common.PeerNode{}, fmt.Errorf("failed to remove incompatible peer: %w", removeErr)
		}
		return common.PeerNode{}, err
	}

	return h.registry.MarkSynced(ctx, nodeID, negotiated)
}
