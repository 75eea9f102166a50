package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ingestWindow retains a tenant's most recent sentence concept
// sequences plus how many occurrences per n-gram were already credited
// to the store, so repeated detection over overlapping windows does not
// double count.
type ingestWindow struct {
	sequences [][]conceptRef
	credited  map[string]int
}

func (e *Engine) windowFor(tenantID string) *ingestWindow {
	e.windowLock.Lock()
	defer e.windowLock.Unlock()

	w, ok := e.windows[tenantID]
	if !ok {
		w = &ingestWindow{credited: make(map[string]int)}
		e.windows[tenantID] = w
	}
	return w
}

// recordSequences appends sentence sequences to the tenant window,
// evicts beyond the configured capacity and promotes newly qualifying
// compounds. Caller holds the tenant lock.
func (e *Engine) recordSequences(ctx context.Context, tenantID string, sequences [][]conceptRef) ([]common.CompoundConcept, error) {
	if len(sequences) == 0 {
		return nil, nil
	}

	w := e.windowFor(tenantID)
	w.sequences = append(w.sequences, sequences...)
	if over := len(w.sequences) - e.config.CompoundWindow; over > 0 {
		w.sequences = append([][]conceptRef(nil), w.sequences[over:]...)
	}

	return e.promoteCompounds(ctx, tenantID, w, w.sequences, true)
}

// DetectCompounds examines the tenant's most recent sentence sequences
// and promotes every n-gram whose joint occurrence count exceeds the
// configured threshold. window bounds how many recent sequences are
// considered; 0 means the full retained window.
func (e *Engine) DetectCompounds(ctx context.Context, tenantID string, window int) ([]common.CompoundConcept, error) {
	unlock := e.lockTenant(tenantID)
	defer unlock()

	w := e.windowFor(tenantID)
	seqs := w.sequences
	full := window <= 0 || window >= len(seqs)
	if !full {
		seqs = seqs[len(seqs)-window:]
	}
	return e.promoteCompounds(ctx, tenantID, w, seqs, full)
}

// Compounds lists the tenant's stored compound concepts, most frequent
// first.
func (e *Engine) Compounds(ctx context.Context, tenantID string) ([]common.CompoundConcept, error) {
	return e.store.ListCompounds(ctx, tenantID)
}

// promoteCompounds counts n-grams of length 2..CompoundMaxLen across
// the given sequences and stores those exceeding the threshold. Only
// occurrences not yet credited are added, keeping stored counts in step
// with observations. fullScan additionally retires credit entries for
// n-grams that left the window entirely.
func (e *Engine) promoteCompounds(
	ctx context.Context,
	tenantID string,
	w *ingestWindow,
	sequences [][]conceptRef,
	fullScan bool,
) ([]common.CompoundConcept, error) {
	counts := make(map[string]int)
	members := make(map[string][]conceptRef)

	for _, seq := range sequences {
		for n := 2; n <= e.config.CompoundMaxLen; n++ {
			for i := 0; i+n <= len(seq); i++ {
				gram := seq[i : i+n]
				key := gramKey(gram)
				counts[key]++
				if _, ok := members[key]; !ok {
					members[key] = append([]conceptRef(nil), gram...)
				}
			}
		}
	}

	if fullScan {
		for key := range w.credited {
			if counts[key] == 0 {
				delete(w.credited, key)
			}
		}
	}

	promoted := make([]common.CompoundConcept, 0)
	for key, count := range counts {
		if count <= e.config.CompoundThreshold {
			continue
		}
		delta := count - w.credited[key]
		if delta <= 0 {
			continue
		}

		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		refs := members[key]
		memberIDs := make([]string, len(refs))
		forms := make([]string, len(refs))
		for i, r := range refs {
			memberIDs[i] = r.ID
			forms[i] = r.Form
		}

		compound := common.CompoundConcept{
			ID:              id,
			MemberIDs:       memberIDs,
			CanonicalForm:   strings.Join(forms, " "),
			OccurrenceCount: delta,
			TenantID:        tenantID,
		}
		if err := e.store.UpsertCompound(ctx, compound); err != nil {
			return nil, fmt.Errorf("failed to store compound concept: %w", err)
		}
		w.credited[key] = count
		promoted = append(promoted, compound)
		logger.Debug("[Graph] Compound promoted", "tenant", tenantID, "compound", compound.CanonicalForm, "count", count)
	}

	sort.Slice(promoted, func(i, j int) bool {
		return promoted[i].CanonicalForm < promoted[j].CanonicalForm
	})
	return promoted, nil
}

func gramKey(gram []conceptRef) string {
	parts := make([]string, len(gram))
	for i, r := range gram {
		parts[i] = r.ID
	}
	return strings.Join(parts, "\x00")
}
