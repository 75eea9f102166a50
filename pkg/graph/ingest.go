package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// IngestResult reports what one message changed in the graph.
type IngestResult struct {
	Concepts      []common.Concept
	SentenceCount int
	StrongPairs   int
	WeakPairs     int
	StrongLinks   []LinkedPair
	Compounds     []common.CompoundConcept
}

// LinkedPair is one distinct sentence-level co-occurrence surfaced by
// an ingest, in canonical link order. Contribution candidates are
// built from these pairs.
type LinkedPair struct {
	A common.Concept
	B common.Concept
}

// conceptRef is one concept occurrence inside a sentence.
type conceptRef struct {
	ID   string
	Form string
}

// Ingest applies one message's voted concepts to the tenant graph.
// Concept pairs sharing a sentence are reinforced at the full Hebbian
// rate, once per sentence they share; pairs that only share the message
// get the weak rate. Occurrence counts advance for every concept, and
// the sentence sequences feed the compound detector. A blank message or
// an empty vote yields the zero result without error.
func (e *Engine) Ingest(ctx context.Context, tenantID, message string, voted []common.VotedConcept) (IngestResult, error) {
	if strings.TrimSpace(message) == "" || len(voted) == 0 {
		return IngestResult{}, nil
	}

	unlock := e.lockTenant(tenantID)
	defer unlock()

	now := time.Now().UTC()

	concepts := make([]common.Concept, 0, len(voted))
	seen := make(map[string]struct{}, len(voted))
	for _, v := range voted {
		c := v.Concept
		if c.ID == "" {
			resolved, err := e.resolveConcept(ctx, tenantID, c.CanonicalForm, now)
			if err != nil {
				return IngestResult{}, err
			}
			c = resolved
		}
		if c.ID == "" {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		concepts = append(concepts, c)
	}
	if len(concepts) == 0 {
		return IngestResult{}, nil
	}

	ids := make([]string, len(concepts))
	for i, c := range concepts {
		ids[i] = c.ID
	}
	if err := e.store.TouchConcepts(ctx, tenantID, ids, now); err != nil {
		return IngestResult{}, fmt.Errorf("failed to update concept occurrences: %w", err)
	}

	sentences := splitIntoSentences(message)
	res := IngestResult{Concepts: concepts, SentenceCount: len(sentences)}

	byID := make(map[string]common.Concept, len(concepts))
	for _, c := range concepts {
		byID[c.ID] = c
	}

	strongSeen := make(map[string]struct{})
	updates := make([]store.LinkReinforcement, 0)
	sequences := make([][]conceptRef, 0, len(sentences))

	for _, sentence := range sentences {
		inSentence := conceptsInText(sentence, concepts)
		if len(inSentence) > 1 {
			sequences = append(sequences, inSentence)
		}
		for i := 0; i < len(inSentence); i++ {
			for j := i + 1; j < len(inSentence); j++ {
				a, b := common.LinkKey(inSentence[i].ID, inSentence[j].ID)
				if a == b {
					continue
				}
				if _, ok := strongSeen[a+"\x00"+b]; !ok {
					res.StrongLinks = append(res.StrongLinks, LinkedPair{A: byID[a], B: byID[b]})
				}
				strongSeen[a+"\x00"+b] = struct{}{}
				updates = append(updates, store.LinkReinforcement{
					ConceptA: a, ConceptB: b,
					Rate: e.config.HebbianRate,
					At:   now,
				})
				res.StrongPairs++
			}
		}
	}

	weakRate := e.config.HebbianRate * e.config.WeakFactor
	for i := 0; i < len(concepts); i++ {
		for j := i + 1; j < len(concepts); j++ {
			a, b := common.LinkKey(concepts[i].ID, concepts[j].ID)
			if a == b {
				continue
			}
			if _, ok := strongSeen[a+"\x00"+b]; ok {
				continue
			}
			updates = append(updates, store.LinkReinforcement{
				ConceptA: a, ConceptB: b,
				Rate: weakRate,
				At:   now,
			})
			res.WeakPairs++
		}
	}

	if len(updates) > 0 {
		if err := e.store.ReinforceLinks(ctx, tenantID, updates); err != nil {
			return IngestResult{}, fmt.Errorf("failed to reinforce links: %w", err)
		}
	}

	compounds, err := e.recordSequences(ctx, tenantID, sequences)
	if err != nil {
		return IngestResult{}, err
	}
	res.Compounds = compounds

	logger.Debug("[Graph] Message ingested",
		"tenant", tenantID,
		"concepts", len(concepts),
		"sentences", res.SentenceCount,
		"strongPairs", res.StrongPairs,
		"weakPairs", res.WeakPairs,
	)
	return res, nil
}

// conceptsInText returns the concepts occurring in the sentence,
// ordered by first occurrence. A concept matches on its canonical form
// or any of its surface forms.
func conceptsInText(sentence string, concepts []common.Concept) []conceptRef {
	lower := strings.ToLower(sentence)

	type positioned struct {
		ref conceptRef
		at  int
	}
	found := make([]positioned, 0, len(concepts))
	for _, c := range concepts {
		at := termPosition(lower, c.CanonicalForm)
		for _, surface := range c.SurfaceForms {
			if at >= 0 {
				break
			}
			at = termPosition(lower, strings.ToLower(surface))
		}
		if at < 0 {
			continue
		}
		found = append(found, positioned{
			ref: conceptRef{ID: c.ID, Form: c.CanonicalForm},
			at:  at,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].at < found[j].at
	})
	out := make([]conceptRef, len(found))
	for i := range found {
		out[i] = found[i].ref
	}
	return out
}

// termPosition is containsTerm returning the match offset, -1 when the
// term does not occur on a word boundary.
func termPosition(text, term string) int {
	if term == "" {
		return -1
	}
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], term)
		if idx < 0 {
			return -1
		}
		idx += start

		if boundedAt(text, idx, len(term)) {
			return idx
		}
		start = idx + 1
	}
	return -1
}
