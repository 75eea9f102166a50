package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPeerUnreachable is returned by Send when no route to the peer
// exists or the connection cannot be established.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Inbound couples a received message with the peer that delivered it.
// PeerID is the immediate sender, which differs from Message.Sender
// when the message was forwarded.
type Inbound struct {
	PeerID  string
	Message Message
}

// Transport moves messages between nodes. Implementations own
// connection lifecycle; callers only see Send failures and the inbound
// stream. Receive's channel closes when the transport shuts down.
type Transport interface {
	Send(ctx context.Context, peerID string, msg Message) error
	Receive() <-chan Inbound
	Close() error
}

// LoopbackHub wires in-process transports together so multi-node
// behavior can run inside one test binary. Each attached node gets its
// own inbox; Send delivers synchronously into the target's inbox.
type LoopbackHub struct {
	lock  sync.Mutex
	nodes map[string]*LoopbackTransport
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{nodes: make(map[string]*LoopbackTransport)}
}

// Attach registers a node on the hub and returns its transport.
// Attaching an ID twice replaces the earlier transport.
func (h *LoopbackHub) Attach(nodeID string) *LoopbackTransport {
	t := &LoopbackTransport{
		hub:    h,
		nodeID: nodeID,
		inbox:  make(chan Inbound, 64),
	}
	h.lock.Lock()
	h.nodes[nodeID] = t
	h.lock.Unlock()
	return t
}

// Detach removes a node, simulating a peer dropping off the network.
// Its inbox stays open so in-flight reads drain normally.
func (h *LoopbackHub) Detach(nodeID string) {
	h.lock.Lock()
	delete(h.nodes, nodeID)
	h.lock.Unlock()
}

func (h *LoopbackHub) lookup(nodeID string) (*LoopbackTransport, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	t, ok := h.nodes[nodeID]
	return t, ok
}

// LoopbackTransport is the in-memory Transport used by tests.
type LoopbackTransport struct {
	hub    *LoopbackHub
	nodeID string
	inbox  chan Inbound

	closeOnce sync.Once
}

func (t *LoopbackTransport) Send(ctx context.Context, peerID string, msg Message) error {
	target, ok := t.hub.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	}
	select {
	case target.inbox <- Inbound{PeerID: t.nodeID, Message: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LoopbackTransport) Receive() <-chan Inbound {
	return t.inbox
}

func (t *LoopbackTransport) Close() error {
	t.hub.Detach(t.nodeID)
	t.closeOnce.Do(func() { close(t.inbox) })
	return nil
}
