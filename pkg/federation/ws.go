package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultInboxSize    = 256
	defaultReadLimit    = 1 << 20
	// The wire guard sits well above the gossiper's policy limit: it
	// only protects the inbox from raw floods, while the gossiper
	// enforces the per-peer budget and docks trust.
	defaultMsgRate  = rate.Limit(100)
	defaultMsgBurst = 200
)

// AddressLookup resolves a peer's dial address. The registry's Get
// satisfies it.
type AddressLookup func(ctx context.Context, peerID string) (string, error)

// wsConn wraps a websocket connection with a write mutex since
// gorilla connections reject concurrent writers, plus the per-peer
// inbound rate limiter.
type wsConn struct {
	conn    *websocket.Conn
	wmu     sync.Mutex
	limiter *rate.Limiter
}

// WSTransport is the production Transport: JSON envelopes over
// websocket. Outbound connections dial the peer's /federation/ws
// endpoint with this node's ID in the query string; inbound
// connections are upgraded by the HTTP layer and handed over through
// Attach. Each connection runs a read loop that feeds the shared
// inbound channel, dropping messages from peers that exceed the
// per-peer rate limit.
type WSTransport struct {
	nodeID       string
	resolve      AddressLookup
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	msgRate      rate.Limit
	msgBurst     int

	lock   sync.Mutex
	conns  map[string]*wsConn
	closed bool

	readers   sync.WaitGroup
	inbox     chan Inbound
	closeOnce sync.Once
}

type NewWSTransportParams struct {
	// NodeID identifies this node to peers it dials.
	NodeID string
	// Resolve maps a peer ID to its dial address.
	Resolve AddressLookup
	// Dialer overrides the websocket dialer. Defaults to the package
	// default dialer.
	Dialer *websocket.Dialer
	// WriteTimeout bounds a single message write. Defaults to 10s.
	WriteTimeout time.Duration
	// MsgRate and MsgBurst shape the per-peer wire guard. Default to
	// 100 messages/s with a burst of 200.
	MsgRate  rate.Limit
	MsgBurst int
	// InboxSize is the receive channel capacity. Defaults to 256.
	InboxSize int
}

func NewWSTransport(params NewWSTransportParams) (*WSTransport, error) {
	if params.NodeID == "" {
		return nil, errors.New("transport requires a node id")
	}
	if params.Resolve == nil {
		return nil, errors.New("transport requires an address lookup")
	}
	if params.Dialer == nil {
		params.Dialer = websocket.DefaultDialer
	}
	if params.WriteTimeout == 0 {
		params.WriteTimeout = defaultWriteTimeout
	}
	if params.MsgRate == 0 {
		params.MsgRate = defaultMsgRate
	}
	if params.MsgBurst == 0 {
		params.MsgBurst = defaultMsgBurst
	}
	if params.InboxSize <= 0 {
		params.InboxSize = defaultInboxSize
	}

	return &WSTransport{
		nodeID:       params.NodeID,
		resolve:      params.Resolve,
		dialer:       params.Dialer,
		writeTimeout: params.WriteTimeout,
		msgRate:      params.MsgRate,
		msgBurst:     params.MsgBurst,
		conns:        make(map[string]*wsConn),
		inbox:        make(chan Inbound, params.InboxSize),
	}, nil
}

// Send delivers one message, dialing the peer first when no connection
// exists. A write failure tears the connection down so the next send
// redials.
func (t *WSTransport) Send(ctx context.Context, peerID string, msg Message) error {
	wc, err := t.connFor(ctx, peerID)
	if err != nil {
		return err
	}

	wc.wmu.Lock()
	wc.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	err = wc.conn.WriteJSON(msg)
	wc.wmu.Unlock()
	if err != nil {
		t.drop(peerID, wc)
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, peerID, err)
	}
	return nil
}

// Receive returns the shared inbound channel. It closes when the
// transport shuts down.
func (t *WSTransport) Receive() <-chan Inbound {
	return t.inbox
}

// Attach registers a server-side connection that the HTTP layer
// already upgraded. The peer announced its ID during the upgrade. An
// existing connection for the same peer is replaced.
func (t *WSTransport) Attach(peerID string, conn *websocket.Conn) error {
	if peerID == "" {
		conn.Close()
		return errors.New("peer id is required to attach a connection")
	}

	conn.SetReadLimit(defaultReadLimit)
	wc := &wsConn{
		conn:    conn,
		limiter: rate.NewLimiter(t.msgRate, t.msgBurst),
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		conn.Close()
		return errors.New("transport is closed")
	}
	if existing, ok := t.conns[peerID]; ok {
		existing.conn.Close()
	}
	t.conns[peerID] = wc
	t.readers.Add(1)
	t.lock.Unlock()

	go t.readLoop(peerID, wc)
	return nil
}

// connFor returns the live connection for a peer, dialing when absent.
func (t *WSTransport) connFor(ctx context.Context, peerID string) (*wsConn, error) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, errors.New("transport is closed")
	}
	if wc, ok := t.conns[peerID]; ok {
		t.lock.Unlock()
		return wc, nil
	}
	t.lock.Unlock()

	address, err := t.resolve(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: no address", ErrPeerUnreachable, peerID)
	}

	endpoint := url.URL{
		Scheme:   "ws",
		Host:     address,
		Path:     "/federation/ws",
		RawQuery: url.Values{"node": {t.nodeID}}.Encode(),
	}
	conn, resp, err := t.dialer.DialContext(ctx, endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, peerID, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	wc := &wsConn{
		conn:    conn,
		limiter: rate.NewLimiter(t.msgRate, t.msgBurst),
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		conn.Close()
		return nil, errors.New("transport is closed")
	}
	if existing, ok := t.conns[peerID]; ok {
		// Lost the dial race; use the connection that won.
		t.lock.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[peerID] = wc
	t.readers.Add(1)
	t.lock.Unlock()

	go t.readLoop(peerID, wc)
	return wc, nil
}

// readLoop pumps one connection into the shared inbox until the
// connection dies. Messages beyond the peer's rate allowance are
// dropped, not queued, and a full inbox likewise drops rather than
// blocking the reader.
func (t *WSTransport) readLoop(peerID string, wc *wsConn) {
	defer func() {
		t.drop(peerID, wc)
		t.readers.Done()
	}()

	for {
		var msg Message
		if err := wc.conn.ReadJSON(&msg); err != nil {
			return
		}
		if !wc.limiter.Allow() {
			logger.Warn("[Federation] Peer exceeded message rate", "peer", peerID)
			continue
		}

		select {
		case t.inbox <- Inbound{PeerID: peerID, Message: msg}:
		default:
			logger.Warn("[Federation] Inbox full, message dropped", "peer", peerID, "type", msg.Type)
		}
	}
}

// drop closes and forgets a connection, but only when the stored entry
// is still this one so a replacement connection survives.
func (t *WSTransport) drop(peerID string, wc *wsConn) {
	wc.conn.Close()
	t.lock.Lock()
	if existing, ok := t.conns[peerID]; ok && existing == wc {
		delete(t.conns, peerID)
	}
	t.lock.Unlock()
}

// Close tears down every connection, waits for their read loops to
// drain, then closes the inbound channel.
func (t *WSTransport) Close() error {
	t.lock.Lock()
	t.closed = true
	conns := make([]*wsConn, 0, len(t.conns))
	for id, wc := range t.conns {
		conns = append(conns, wc)
		delete(t.conns, id)
	}
	t.lock.Unlock()

	for _, wc := range conns {
		wc.conn.Close()
	}
	t.readers.Wait()
	t.closeOnce.Do(func() { close(t.inbox) })
	return nil
}
