package federation

import (
	"context"
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// PatternQueryPayload asks a peer for servable patterns near an
// embedding. QueryID correlates the asynchronous result.
type PatternQueryPayload struct {
	QueryID   string    `json:"query_id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Limit     int       `json:"limit"`
}

// PatternResultPayload answers a PatternQueryPayload.
type PatternResultPayload struct {
	QueryID  string                     `json:"query_id"`
	Patterns []common.FederationPattern `json:"patterns"`
}

// PeerAnswer is one peer's response to a fanned-out pattern query.
type PeerAnswer struct {
	PeerID   string
	Patterns []common.FederationPattern
}

// QueryPeers fans a pattern query out to Fanout random synced peers
// and gathers answers until every contacted peer responded or the
// context expires. It returns whatever arrived in time together with
// the number of peers contacted; the caller decides whether a partial
// harvest satisfies its consistency level.
func (g *Gossiper) QueryPeers(ctx context.Context, embedding []float32, limit int) ([]PeerAnswer, int, error) {
	eligible, err := g.registry.Eligible(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select peers: %w", err)
	}
	targets := g.pickFanout(eligible)
	if len(targets) == 0 {
		return nil, 0, nil
	}

	queryID, err := gonanoid.New()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to mint query id: %w", err)
	}

	answers := make(chan PeerAnswer, len(targets))
	g.addWaiter(queryID, answers)
	defer g.removeWaiter(queryID)

	payload := PatternQueryPayload{QueryID: queryID, Embedding: embedding, Limit: limit}

	contacted := 0
	group, gCtx := errgroup.WithContext(ctx)
	results := make([]bool, len(targets))
	for i, peer := range targets {
		idx, target := i, peer
		group.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				msg, err := NewMessage(MsgPatternQuery, g.self, 1, payload)
				if err != nil {
					return err
				}
				sendCtx, cancel := context.WithTimeout(gCtx, g.peerTimeout)
				defer cancel()
				if err := g.transport.Send(sendCtx, target.NodeID, msg); err != nil {
					logger.Debug("[Federation] Query send failed", "peer", target.NodeID, "error", err)
					return nil
				}
				results[idx] = true
				return nil
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, 0, err
	}
	for _, ok := range results {
		if ok {
			contacted++
		}
	}
	if contacted == 0 {
		return nil, 0, nil
	}

	gathered := make([]PeerAnswer, 0, contacted)
	for len(gathered) < contacted {
		select {
		case answer := <-answers:
			gathered = append(gathered, answer)
		case <-ctx.Done():
			return gathered, contacted, nil
		}
	}
	return gathered, contacted, nil
}

func (g *Gossiper) addWaiter(queryID string, ch chan PeerAnswer) {
	g.waiterLock.Lock()
	g.waiters[queryID] = ch
	g.waiterLock.Unlock()
}

func (g *Gossiper) removeWaiter(queryID string) {
	g.waiterLock.Lock()
	delete(g.waiters, queryID)
	g.waiterLock.Unlock()
}

func (g *Gossiper) handlePatternQuery(ctx context.Context, in Inbound) error {
	if _, err := g.registry.RequireSynced(ctx, in.PeerID); err != nil {
		return err
	}

	var payload PatternQueryPayload
	if err := in.Message.DecodePayload(&payload); err != nil {
		return err
	}

	patterns, err := g.pool.ServeRemote(ctx, payload.Embedding, payload.Limit)
	if err != nil {
		return fmt.Errorf("failed to serve pattern query: %w", err)
	}

	reply, err := NewMessage(MsgPatternResult, g.self, 1, PatternResultPayload{
		QueryID:  payload.QueryID,
		Patterns: patterns,
	})
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, g.peerTimeout)
	defer cancel()
	return g.transport.Send(sendCtx, in.PeerID, reply)
}

func (g *Gossiper) handlePatternResult(ctx context.Context, in Inbound) error {
	if _, err := g.registry.RequireSynced(ctx, in.PeerID); err != nil {
		return err
	}

	var payload PatternResultPayload
	if err := in.Message.DecodePayload(&payload); err != nil {
		return err
	}

	g.waiterLock.Lock()
	ch, ok := g.waiters[payload.QueryID]
	g.waiterLock.Unlock()
	if !ok {
		// The querier stopped waiting; late answers are dropped.
		return nil
	}

	select {
	case ch <- PeerAnswer{PeerID: in.Message.Sender.NodeID, Patterns: payload.Patterns}:
	default:
	}
	return nil
}
