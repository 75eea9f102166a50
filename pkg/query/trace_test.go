package query

import (
	"testing"
)

func TestRecallTrace_CollectsAndDeduplicates(t *testing.T) {
	trace := NewRecallTrace()

	RecordSeededConceptIDs(trace, "c-b", "c-a", "c-b", "")
	RecordExpandedConceptIDs(trace, "c-x")
	RecordContactedPeerIDs(trace, "node-2", "node-1")
	RecordSharedPatternIDs(trace, "pat-1")

	snapshot := trace.Snapshot()
	if len(snapshot.SeededConceptIDs) != 2 {
		t.Fatalf("expected duplicates and blanks dropped, got %v", snapshot.SeededConceptIDs)
	}
	if snapshot.SeededConceptIDs[0] != "c-a" || snapshot.SeededConceptIDs[1] != "c-b" {
		t.Fatalf("expected a sorted snapshot, got %v", snapshot.SeededConceptIDs)
	}
	if snapshot.ContactedPeerIDs[0] != "node-1" {
		t.Fatalf("expected peers sorted, got %v", snapshot.ContactedPeerIDs)
	}
	if len(snapshot.ExpandedConceptIDs) != 1 || len(snapshot.SharedPatternIDs) != 1 {
		t.Fatalf("expected single entries kept, got %+v", snapshot)
	}
}

func TestRecallTrace_NilSafe(t *testing.T) {
	RecordSeededConceptIDs(nil, "c-a")

	var trace *RecallTrace
	RecordSeededConceptIDs(trace, "c-a")
	if snapshot := trace.Snapshot(); len(snapshot.SeededConceptIDs) != 0 {
		t.Fatalf("expected an empty snapshot from a nil trace, got %+v", snapshot)
	}
}

func TestMultiTracer_FansOut(t *testing.T) {
	first := NewRecallTrace()
	second := NewRecallTrace()
	multi := MultiTracer{first, nil, second}

	RecordSharedPatternIDs(multi, "pat-1")

	if len(first.Snapshot().SharedPatternIDs) != 1 {
		t.Fatal("expected the first sink to record the event")
	}
	if len(second.Snapshot().SharedPatternIDs) != 1 {
		t.Fatal("expected the second sink to record the event")
	}
}
