package federation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultSyncInterval      = 30 * time.Second
	defaultFanout            = 3
	defaultMaxHops           = 3
	defaultPeerTimeout       = 5 * time.Second
	defaultPeerRetries       = 3
	defaultSeenTTL           = 10 * time.Minute

	retryBase = 100 * time.Millisecond
	retryCap  = 2 * time.Second

	defaultMessageRate  = 20.0
	defaultMessageBurst = 40

	// floodPenaltyEvery spaces out trust penalties during a sustained
	// flood so dropping messages stays cheaper than storing penalties.
	floodPenaltyEvery = time.Second
)

// Gossiper runs the periodic federation exchange. Each sync round it
// picks Fanout random synced peers and sends them its pattern digest
// and credit state; peers reply with the patterns the digest shows
// missing. Heartbeats run on their own faster cadence. Every inbound
// message is charged against the sending peer's rate budget and then
// deduplicated by ID; a peer that floods past its budget has messages
// dropped and loses trust. Pattern syncs are forwarded hop-limited so
// updates spread past the immediate fanout. A peer that stays
// unreachable through the retry budget is marked missed, which
// eventually suspends it from fanout; none of this ever blocks local
// graph reads or writes.
type Gossiper struct {
	registry   *Registry
	handshaker *Handshaker
	pool       *Pool
	ledger     *ledger.Ledger
	transport  Transport
	self       Sender

	heartbeatInterval time.Duration
	syncInterval      time.Duration
	fanout            int
	maxHops           int
	peerTimeout       time.Duration
	peerRetries       int
	seenTTL           time.Duration

	rngLock sync.Mutex
	rng     *rand.Rand

	seenLock sync.Mutex
	seen     map[string]time.Time

	waiterLock sync.Mutex
	waiters    map[string]chan PeerAnswer

	creditLock  sync.Mutex
	peerCredits map[string]CreditStatePayload

	limitLock    sync.Mutex
	limits       map[string]*peerLimiter
	messageRate  rate.Limit
	messageBurst int
}

// peerLimiter throttles one peer's inbound messages and remembers when
// the peer was last penalized for flooding.
type peerLimiter struct {
	limiter     *rate.Limiter
	lastPenalty time.Time
}

type NewGossiperParams struct {
	Registry   *Registry
	Handshaker *Handshaker
	Pool       *Pool
	Ledger     *ledger.Ledger
	Transport  Transport
	// Self identifies this node on the wire.
	Self Sender
	// HeartbeatInterval is the liveness cadence. Defaults to 10s.
	HeartbeatInterval time.Duration
	// SyncInterval is the digest exchange cadence. Defaults to 30s.
	SyncInterval time.Duration
	// Fanout is how many peers each sync round contacts. Defaults to 3.
	Fanout int
	// MaxHops bounds how far a forwarded pattern sync travels.
	// Defaults to 3.
	MaxHops int
	// PeerTimeout bounds each peer contact. Defaults to 5s.
	PeerTimeout time.Duration
	// PeerRetries is the send attempt budget before a contact counts
	// as missed. Defaults to 3.
	PeerRetries int
	// SeenTTL is how long message IDs stay in the dedup set.
	// Defaults to 10 minutes.
	SeenTTL time.Duration
	// MessageRate caps inbound messages per second from one peer.
	// Messages past the limit are dropped and the peer loses trust.
	// Defaults to 20.
	MessageRate float64
	// MessageBurst is the burst allowance on top of MessageRate.
	// Defaults to 40.
	MessageBurst int
	// Rand overrides the fanout selection source for tests.
	Rand *rand.Rand
}

func NewGossiper(params NewGossiperParams) (*Gossiper, error) {
	if params.Registry == nil {
		return nil, errors.New("gossiper requires a registry")
	}
	if params.Handshaker == nil {
		return nil, errors.New("gossiper requires a handshaker")
	}
	if params.Pool == nil {
		return nil, errors.New("gossiper requires a pool")
	}
	if params.Ledger == nil {
		return nil, errors.New("gossiper requires a ledger")
	}
	if params.Transport == nil {
		return nil, errors.New("gossiper requires a transport")
	}
	if params.Self.NodeID == "" {
		return nil, errors.New("gossiper requires a node identity")
	}
	if params.HeartbeatInterval == 0 {
		params.HeartbeatInterval = defaultHeartbeatInterval
	}
	if params.SyncInterval == 0 {
		params.SyncInterval = defaultSyncInterval
	}
	if params.HeartbeatInterval < 0 || params.SyncInterval < 0 {
		return nil, errors.New("gossip intervals must be positive")
	}
	if params.Fanout == 0 {
		params.Fanout = defaultFanout
	}
	if params.Fanout < 1 {
		return nil, fmt.Errorf("fanout must be positive, got %d", params.Fanout)
	}
	if params.MaxHops == 0 {
		params.MaxHops = defaultMaxHops
	}
	if params.MaxHops < 1 {
		return nil, fmt.Errorf("hop limit must be positive, got %d", params.MaxHops)
	}
	if params.PeerTimeout == 0 {
		params.PeerTimeout = defaultPeerTimeout
	}
	if params.PeerRetries == 0 {
		params.PeerRetries = defaultPeerRetries
	}
	if params.SeenTTL == 0 {
		params.SeenTTL = defaultSeenTTL
	}
	if params.MessageRate == 0 {
		params.MessageRate = defaultMessageRate
	}
	if params.MessageRate < 0 {
		return nil, fmt.Errorf("message rate must be positive, got %v", params.MessageRate)
	}
	if params.MessageBurst == 0 {
		params.MessageBurst = defaultMessageBurst
	}
	if params.MessageBurst < 1 {
		return nil, fmt.Errorf("message burst must be positive, got %d", params.MessageBurst)
	}
	if params.Rand == nil {
		params.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Gossiper{
		registry:          params.Registry,
		handshaker:        params.Handshaker,
		pool:              params.Pool,
		ledger:            params.Ledger,
		transport:         params.Transport,
		self:              params.Self,
		heartbeatInterval: params.HeartbeatInterval,
		syncInterval:      params.SyncInterval,
		fanout:            params.Fanout,
		maxHops:           params.MaxHops,
		peerTimeout:       params.PeerTimeout,
		peerRetries:       params.PeerRetries,
		seenTTL:           params.SeenTTL,
		rng:               params.Rand,
		seen:              make(map[string]time.Time),
		waiters:           make(map[string]chan PeerAnswer),
		peerCredits:       make(map[string]CreditStatePayload),
		limits:            make(map[string]*peerLimiter),
		messageRate:       rate.Limit(params.MessageRate),
		messageBurst:      params.MessageBurst,
	}, nil
}

// Run drives the receive pump, the heartbeat loop, and the sync loop
// until the context is cancelled.
func (g *Gossiper) Run(ctx context.Context) error {
	group, gCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.receiveLoop(gCtx) })
	group.Go(func() error { return g.heartbeatLoop(gCtx) })
	group.Go(func() error { return g.syncLoop(gCtx) })

	logger.Info("[Federation] Gossiper running",
		"node", g.self.NodeID,
		"fanout", g.fanout,
		"syncInterval", g.syncInterval,
	)
	return group.Wait()
}

func (g *Gossiper) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-g.transport.Receive():
			if !ok {
				return nil
			}
			if err := g.Handle(ctx, in); err != nil {
				logger.Warn("[Federation] Message handling failed",
					"peer", in.PeerID,
					"type", in.Message.Type,
					"error", err,
				)
			}
		}
	}
}

func (g *Gossiper) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Heartbeat(ctx)
		}
	}
}

func (g *Gossiper) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Round(ctx); err != nil {
				logger.Warn("[Federation] Sync round failed", "error", err)
			}
		}
	}
}

// Heartbeat sends one liveness ping to every synced peer and performs
// the periodic housekeeping: suspected peers past their grace window
// are removed and stale dedup entries dropped. Send failures count as
// a missed heartbeat for that peer.
func (g *Gossiper) Heartbeat(ctx context.Context) {
	peers, err := g.registry.Eligible(ctx)
	if err != nil {
		logger.Warn("[Federation] Heartbeat skipped", "error", err)
		return
	}

	for _, peer := range peers {
		msg, err := NewMessage(MsgHeartbeat, g.self, 1, nil)
		if err != nil {
			logger.Warn("[Federation] Heartbeat build failed", "error", err)
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
		err = g.transport.Send(sendCtx, peer.NodeID, msg)
		cancel()
		if err != nil {
			if _, missErr := g.registry.MarkMissed(ctx, peer.NodeID); missErr != nil {
				logger.Warn("[Federation] Failed to record missed heartbeat",
					"peer", peer.NodeID,
					"error", missErr,
				)
			}
		}
	}

	if _, err := g.registry.Sweep(ctx); err != nil {
		logger.Warn("[Federation] Peer sweep failed", "error", err)
	}
	g.pruneSeen()
}

// Round runs one sync round: pending handshakes are initiated, then
// Fanout random synced peers each receive this node's pattern digest
// and credit state. Contacts run in parallel with a per-peer timeout
// and a bounded backoff retry budget; a peer that exhausts the budget
// is marked missed.
func (g *Gossiper) Round(ctx context.Context) error {
	g.initiateHandshakes(ctx)

	eligible, err := g.registry.Eligible(ctx)
	if err != nil {
		return fmt.Errorf("failed to select peers: %w", err)
	}
	targets := g.pickFanout(eligible)
	if len(targets) == 0 {
		return nil
	}

	digest, err := g.pool.Digest(ctx)
	if err != nil {
		return fmt.Errorf("failed to build digest: %w", err)
	}
	credit, err := g.creditState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credit state: %w", err)
	}

	group, gCtx := errgroup.WithContext(ctx)
	for _, peer := range targets {
		target := peer
		group.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				g.contactPeer(gCtx, target, digest, credit)
				return nil
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if _, err := g.pool.Sweep(ctx); err != nil {
		logger.Warn("[Federation] Pool sweep failed", "error", err)
	}
	return nil
}

// contactPeer delivers one round's digest and credit state to a single
// peer. Failures after the retry budget mark the peer missed; success
// counts as a heartbeat.
func (g *Gossiper) contactPeer(ctx context.Context, peer common.PeerNode, digest []PatternDigest, credit CreditStatePayload) {
	err := util.RetryBackoff(ctx, g.peerRetries, retryBase, retryCap, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
		defer cancel()

		digestMsg, err := NewMessage(MsgDigest, g.self, 1, DigestPayload{Digests: digest})
		if err != nil {
			return err
		}
		if err := g.transport.Send(sendCtx, peer.NodeID, digestMsg); err != nil {
			return err
		}

		creditMsg, err := NewMessage(MsgCreditState, g.self, 1, credit)
		if err != nil {
			return err
		}
		return g.transport.Send(sendCtx, peer.NodeID, creditMsg)
	})
	if err != nil {
		logger.Warn("[Federation] Peer contact failed", "peer", peer.NodeID, "error", err)
		if _, missErr := g.registry.MarkMissed(ctx, peer.NodeID); missErr != nil {
			logger.Warn("[Federation] Failed to record missed contact",
				"peer", peer.NodeID,
				"error", missErr,
			)
		}
		return
	}

	if _, err := g.registry.RecordHeartbeat(ctx, peer.NodeID); err != nil {
		logger.Warn("[Federation] Failed to record contact", "peer", peer.NodeID, "error", err)
	}
}

// initiateHandshakes offers the protocol handshake to every peer still
// sitting in the discovered state.
func (g *Gossiper) initiateHandshakes(ctx context.Context) {
	peers, err := g.registry.List(ctx)
	if err != nil {
		logger.Warn("[Federation] Handshake scan failed", "error", err)
		return
	}

	for _, peer := range peers {
		if peer.State != common.PeerDiscovered {
			continue
		}
		if _, err := g.registry.BeginHandshake(ctx, peer.NodeID); err != nil {
			logger.Warn("[Federation] Handshake start failed", "peer", peer.NodeID, "error", err)
			continue
		}
		msg, err := NewMessage(MsgHandshake, g.self, 1, g.handshaker.Offer())
		if err != nil {
			logger.Warn("[Federation] Handshake build failed", "error", err)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
		err = g.transport.Send(sendCtx, peer.NodeID, msg)
		cancel()
		if err != nil {
			logger.Warn("[Federation] Handshake send failed", "peer", peer.NodeID, "error", err)
		}
	}
}

// Announce pushes locally staged patterns to Fanout random synced
// peers without waiting for the next digest round.
func (g *Gossiper) Announce(ctx context.Context, patterns []common.FederationPattern) error {
	if len(patterns) == 0 {
		return nil
	}

	msg, err := NewMessage(MsgPatternSync, g.self, g.maxHops, PatternSyncPayload{Patterns: patterns})
	if err != nil {
		return err
	}
	g.markSeen(msg.ID)

	eligible, err := g.registry.Eligible(ctx)
	if err != nil {
		return fmt.Errorf("failed to select peers: %w", err)
	}
	for _, peer := range g.pickFanout(eligible) {
		sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
		err := g.transport.Send(sendCtx, peer.NodeID, msg)
		cancel()
		if err != nil {
			logger.Warn("[Federation] Announce send failed", "peer", peer.NodeID, "error", err)
		}
	}
	return nil
}

// Handle processes one inbound message: dedup, then dispatch by type.
// Pattern syncs are forwarded hop-limited after absorption.
func (g *Gossiper) Handle(ctx context.Context, in Inbound) error {
	msg := in.Message
	if msg.Sender.NodeID == g.self.NodeID {
		return nil
	}
	if allowed, penalize := g.allowInbound(in.PeerID); !allowed {
		if penalize {
			logger.Warn("[Federation] Peer flooding, message dropped", "peer", in.PeerID)
			if _, err := g.registry.Penalize(ctx, in.PeerID); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("[Federation] Trust penalty failed", "peer", in.PeerID, "error", err)
			}
		}
		return nil
	}
	if g.hasSeen(msg.ID) {
		return nil
	}
	g.markSeen(msg.ID)

	switch msg.Type {
	case MsgHandshake:
		return g.handleHandshake(ctx, in)
	case MsgHandshakeAck:
		return g.handleHandshakeAck(ctx, in)
	case MsgHeartbeat:
		return g.handleHeartbeat(ctx, in)
	case MsgDigest:
		return g.handleDigest(ctx, in)
	case MsgPatternSync:
		return g.handlePatternSync(ctx, in)
	case MsgCreditState:
		return g.handleCreditState(ctx, in)
	case MsgPatternQuery:
		return g.handlePatternQuery(ctx, in)
	case MsgPatternResult:
		return g.handlePatternResult(ctx, in)
	default:
		logger.Debug("[Federation] Unknown message type dropped", "type", msg.Type, "peer", in.PeerID)
		return nil
	}
}

func (g *Gossiper) handleHandshake(ctx context.Context, in Inbound) error {
	var offer HandshakePayload
	if err := in.Message.DecodePayload(&offer); err != nil {
		return err
	}

	if _, err := g.registry.Discover(ctx, in.Message.Sender.NodeID, in.Message.Sender.Address); err != nil {
		return err
	}
	if _, err := g.registry.BeginHandshake(ctx, in.Message.Sender.NodeID); err != nil {
		return err
	}
	if _, err := g.handshaker.Complete(ctx, in.Message.Sender.NodeID, offer); err != nil {
		if errors.Is(err, ErrIncompatibleVersion) {
			return nil
		}
		return err
	}

	ack, err := NewMessage(MsgHandshakeAck, g.self, 1, g.handshaker.Offer())
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
	defer cancel()
	return g.transport.Send(sendCtx, in.PeerID, ack)
}

func (g *Gossiper) handleHandshakeAck(ctx context.Context, in Inbound) error {
	var offer HandshakePayload
	if err := in.Message.DecodePayload(&offer); err != nil {
		return err
	}

	_, err := g.handshaker.Complete(ctx, in.Message.Sender.NodeID, offer)
	if errors.Is(err, ErrIncompatibleVersion) {
		return nil
	}
	return err
}

func (g *Gossiper) handleHeartbeat(ctx context.Context, in Inbound) error {
	_, err := g.registry.RecordHeartbeat(ctx, in.Message.Sender.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		// A stranger pinged us: learn it and offer a handshake next round.
		_, err = g.registry.Discover(ctx, in.Message.Sender.NodeID, in.Message.Sender.Address)
	}
	return err
}

func (g *Gossiper) handleDigest(ctx context.Context, in Inbound) error {
	if _, err := g.registry.RequireSynced(ctx, in.PeerID); err != nil {
		return err
	}

	var payload DigestPayload
	if err := in.Message.DecodePayload(&payload); err != nil {
		return err
	}

	missing, err := g.pool.Diff(ctx, payload.Digests)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	reply, err := NewMessage(MsgPatternSync, g.self, g.maxHops, PatternSyncPayload{Patterns: missing})
	if err != nil {
		return err
	}
	g.markSeen(reply.ID)

	sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
	defer cancel()
	return g.transport.Send(sendCtx, in.PeerID, reply)
}

func (g *Gossiper) handlePatternSync(ctx context.Context, in Inbound) error {
	if _, err := g.registry.RequireSynced(ctx, in.PeerID); err != nil {
		return err
	}

	var payload PatternSyncPayload
	if err := in.Message.DecodePayload(&payload); err != nil {
		return err
	}
	if _, err := g.pool.Absorb(ctx, in.Message.Sender.NodeID, payload.Patterns); err != nil {
		return err
	}

	g.forward(ctx, in)
	return nil
}

func (g *Gossiper) handleCreditState(ctx context.Context, in Inbound) error {
	if _, err := g.registry.RequireSynced(ctx, in.PeerID); err != nil {
		return err
	}

	var payload CreditStatePayload
	if err := in.Message.DecodePayload(&payload); err != nil {
		return err
	}

	g.creditLock.Lock()
	g.peerCredits[in.Message.Sender.NodeID] = payload
	g.creditLock.Unlock()
	return nil
}

// forward relays a message to Fanout random synced peers, skipping the
// delivering peer and the origin. The hop counter increments once per
// relay and the message dies at its hop limit.
func (g *Gossiper) forward(ctx context.Context, in Inbound) {
	msg := in.Message
	msg.Hops++
	if msg.Hops >= msg.MaxHops {
		return
	}

	eligible, err := g.registry.Eligible(ctx)
	if err != nil {
		logger.Warn("[Federation] Forward skipped", "error", err)
		return
	}

	candidates := make([]common.PeerNode, 0, len(eligible))
	for _, peer := range eligible {
		if peer.NodeID == in.PeerID || peer.NodeID == msg.Sender.NodeID {
			continue
		}
		candidates = append(candidates, peer)
	}

	for _, peer := range g.pickFanout(candidates) {
		sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
		err := g.transport.Send(sendCtx, peer.NodeID, msg)
		cancel()
		if err != nil {
			logger.Debug("[Federation] Forward send failed", "peer", peer.NodeID, "error", err)
		}
	}
}

// PeerCredits returns the most recent credit state each peer has
// advertised.
func (g *Gossiper) PeerCredits() map[string]CreditStatePayload {
	g.creditLock.Lock()
	defer g.creditLock.Unlock()

	out := make(map[string]CreditStatePayload, len(g.peerCredits))
	for id, credit := range g.peerCredits {
		out[id] = credit
	}
	return out
}

func (g *Gossiper) creditState(ctx context.Context) (CreditStatePayload, error) {
	credit, err := g.ledger.Balance(ctx)
	if err != nil {
		return CreditStatePayload{}, err
	}
	return CreditStatePayload{
		Period:  credit.Period,
		Balance: credit.Balance,
		Earned:  credit.Earned,
		Spent:   credit.Spent,
	}, nil
}

func (g *Gossiper) pickFanout(peers []common.PeerNode) []common.PeerNode {
	if len(peers) <= g.fanout {
		return peers
	}

	g.rngLock.Lock()
	g.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	g.rngLock.Unlock()
	return peers[:g.fanout]
}

func (g *Gossiper) markSeen(id string) {
	g.seenLock.Lock()
	g.seen[id] = time.Now()
	g.seenLock.Unlock()
}

func (g *Gossiper) hasSeen(id string) bool {
	g.seenLock.Lock()
	defer g.seenLock.Unlock()
	_, ok := g.seen[id]
	return ok
}

// allowInbound charges one message against the peer's rate budget.
// The second result is true when a violation should also cost trust;
// at most one penalty lands per floodPenaltyEvery window.
func (g *Gossiper) allowInbound(peerID string) (bool, bool) {
	g.limitLock.Lock()
	defer g.limitLock.Unlock()

	pl, ok := g.limits[peerID]
	if !ok {
		pl = &peerLimiter{limiter: rate.NewLimiter(g.messageRate, g.messageBurst)}
		g.limits[peerID] = pl
	}
	if pl.limiter.Allow() {
		return true, false
	}

	now := time.Now()
	if now.Sub(pl.lastPenalty) < floodPenaltyEvery {
		return false, false
	}
	pl.lastPenalty = now
	return false, true
}

func (g *Gossiper) pruneSeen() {
	cutoff := time.Now().Add(-g.seenTTL)
	g.seenLock.Lock()
	for id, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, id)
		}
	}
	g.seenLock.Unlock()
}
