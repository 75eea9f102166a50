package queue

import (
	"fmt"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/extract"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"

	"github.com/rabbitmq/amqp091-go"
)

// Processor executes queue jobs against the node's pipeline: the
// extraction ensemble and attention graph for ingest jobs, the
// anonymization pipeline, credit ledger and federation pool for
// contribute jobs. A nil error from a handler acks the delivery;
// permanent rejections (malformed payloads, policy rejections) are
// logged and acked so they never cycle through the retry queue.
type Processor struct {
	ch        *amqp091.Channel
	ensemble  *extract.Ensemble
	graph     *graph.Engine
	gate      *ledger.Gate
	pipeline  *anonymize.Pipeline
	ledger    *ledger.Ledger
	pool      *federation.Pool
	gossiper  *federation.Gossiper
	tier      common.PrivacyTier
	federated bool
}

// NewProcessorParams configures a Processor. Channel, Ensemble, Graph
// and Gate are required. Pipeline, Ledger and Pool are required when
// Federated is set; Gossiper is optional and enables eager announce of
// fresh contributions. Tier defaults to the maximum privacy tier.
type NewProcessorParams struct {
	Channel   *amqp091.Channel
	Ensemble  *extract.Ensemble
	Graph     *graph.Engine
	Gate      *ledger.Gate
	Pipeline  *anonymize.Pipeline
	Ledger    *ledger.Ledger
	Pool      *federation.Pool
	Gossiper  *federation.Gossiper
	Tier      common.PrivacyTier
	Federated bool
}

func NewProcessor(params NewProcessorParams) (*Processor, error) {
	if params.Channel == nil {
		return nil, fmt.Errorf("processor requires a channel")
	}
	if params.Ensemble == nil {
		return nil, fmt.Errorf("processor requires an ensemble")
	}
	if params.Graph == nil {
		return nil, fmt.Errorf("processor requires a graph engine")
	}
	if params.Gate == nil {
		return nil, fmt.Errorf("processor requires a contribution gate")
	}
	if params.Federated {
		if params.Pipeline == nil || params.Ledger == nil || params.Pool == nil {
			return nil, fmt.Errorf("federated processor requires pipeline, ledger and pool")
		}
	}
	tier := params.Tier
	switch tier {
	case common.TierMaximum, common.TierBalanced, common.TierPermissive:
	default:
		tier = common.TierMaximum
	}
	return &Processor{
		ch:        params.Channel,
		ensemble:  params.Ensemble,
		graph:     params.Graph,
		gate:      params.Gate,
		pipeline:  params.Pipeline,
		ledger:    params.Ledger,
		pool:      params.Pool,
		gossiper:  params.Gossiper,
		tier:      tier,
		federated: params.Federated,
	}, nil
}
