package queue

import (
	"time"

	"github.com/mnemon-ai/mnemon/pkg/anonymize"
)

// IngestJob carries one raw tenant message from the HTTP surface to
// the worker. OptOut is the caller's request to keep this write out of
// the federation; the contribution gate decides whether the tier
// allows it.
type IngestJob struct {
	TenantID      string    `json:"tenant_id"`
	Message       string    `json:"message"`
	OptOut        bool      `json:"opt_out"`
	CorrelationID string    `json:"correlation_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ContributeJob carries the shareable candidates one ingest produced
// into the anonymization stage.
type ContributeJob struct {
	TenantID      string                `json:"tenant_id"`
	CorrelationID string                `json:"correlation_id"`
	Candidates    []anonymize.Candidate `json:"candidates"`
}
