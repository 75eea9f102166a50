package query

import (
	"sort"
	"sync"
)

type TraceEventKind string

const (
	TraceEventSeededConceptIDs   TraceEventKind = "seeded_concept_ids"
	TraceEventExpandedConceptIDs TraceEventKind = "expanded_concept_ids"
	TraceEventContactedPeerIDs   TraceEventKind = "contacted_peer_ids"
	TraceEventSharedPatternIDs   TraceEventKind = "shared_pattern_ids"
)

// TraceEvent is an extensible event envelope for recall tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	ConceptIDs []string
	PeerIDs    []string
	PatternIDs []string
}

// Tracer is a sink for recall tracing events.
//
// Implementers can forward events to logs, telemetry, or custom
// post-processing pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordSeededConceptIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventSeededConceptIDs, ConceptIDs: ids})
}

func RecordExpandedConceptIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventExpandedConceptIDs, ConceptIDs: ids})
}

func RecordContactedPeerIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventContactedPeerIDs, PeerIDs: ids})
}

func RecordSharedPatternIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventSharedPatternIDs, PatternIDs: ids})
}

// RecallTrace collects information about what data was considered and/or
// used during a recall run.
//
// This is primarily used to expose recall metadata like "concepts
// considered" and "peers consulted" on the HTTP surface.
//
// RecallTrace is safe for concurrent use.
type RecallTrace struct {
	mu sync.Mutex

	seededConceptIDs   map[string]struct{}
	expandedConceptIDs map[string]struct{}
	contactedPeerIDs   map[string]struct{}
	sharedPatternIDs   map[string]struct{}
}

type RecallTraceSnapshot struct {
	SeededConceptIDs   []string
	ExpandedConceptIDs []string
	ContactedPeerIDs   []string
	SharedPatternIDs   []string
}

func NewRecallTrace() *RecallTrace {
	return &RecallTrace{
		seededConceptIDs:   make(map[string]struct{}),
		expandedConceptIDs: make(map[string]struct{}),
		contactedPeerIDs:   make(map[string]struct{}),
		sharedPatternIDs:   make(map[string]struct{}),
	}
}

func (t *RecallTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventSeededConceptIDs:
		for _, id := range event.ConceptIDs {
			if id == "" {
				continue
			}
			t.seededConceptIDs[id] = struct{}{}
		}
	case TraceEventExpandedConceptIDs:
		for _, id := range event.ConceptIDs {
			if id == "" {
				continue
			}
			t.expandedConceptIDs[id] = struct{}{}
		}
	case TraceEventContactedPeerIDs:
		for _, id := range event.PeerIDs {
			if id == "" {
				continue
			}
			t.contactedPeerIDs[id] = struct{}{}
		}
	case TraceEventSharedPatternIDs:
		for _, id := range event.PatternIDs {
			if id == "" {
				continue
			}
			t.sharedPatternIDs[id] = struct{}{}
		}
	default:
		return
	}
}

func (t *RecallTrace) Snapshot() RecallTraceSnapshot {
	if t == nil {
		return RecallTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := RecallTraceSnapshot{
		SeededConceptIDs:   make([]string, 0, len(t.seededConceptIDs)),
		ExpandedConceptIDs: make([]string, 0, len(t.expandedConceptIDs)),
		ContactedPeerIDs:   make([]string, 0, len(t.contactedPeerIDs)),
		SharedPatternIDs:   make([]string, 0, len(t.sharedPatternIDs)),
	}

	for id := range t.seededConceptIDs {
		s.SeededConceptIDs = append(s.SeededConceptIDs, id)
	}
	for id := range t.expandedConceptIDs {
		s.ExpandedConceptIDs = append(s.ExpandedConceptIDs, id)
	}
	for id := range t.contactedPeerIDs {
		s.ContactedPeerIDs = append(s.ContactedPeerIDs, id)
	}
	for id := range t.sharedPatternIDs {
		s.SharedPatternIDs = append(s.SharedPatternIDs, id)
	}

	sort.Strings(s.SeededConceptIDs)
	sort.Strings(s.ExpandedConceptIDs)
	sort.Strings(s.ContactedPeerIDs)
	sort.Strings(s.SharedPatternIDs)

	return s
}
