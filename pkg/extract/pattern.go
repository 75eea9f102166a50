package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/mnemon-ai/mnemon/internal/util"
)

// quotedPhrasePattern captures explicitly quoted spans, which users
// tend to reserve for names and terms worth remembering.
var quotedPhrasePattern = regexp.MustCompile(`"([^"\n]{2,80})"`)

// properNounPattern matches runs of capitalized words, the usual shape
// of names, places and products in chat text.
var properNounPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9'&-]*(?: [A-Z][a-zA-Z0-9'&-]*)*\b`)

// contentWordPattern matches candidate single terms.
var contentWordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]{2,}`)

// patternStopwords filters function words and conversational filler
// out of the candidate set.
var patternStopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "nor": {}, "yet": {},
	"with": {}, "from": {}, "into": {}, "onto": {}, "over": {}, "under": {},
	"about": {}, "after": {}, "before": {}, "between": {}, "during": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "there": {}, "here": {},
	"what": {}, "which": {}, "where": {}, "when": {}, "while": {}, "who": {},
	"whom": {}, "whose": {}, "why": {}, "how": {},
	"have": {}, "has": {}, "had": {}, "having": {}, "been": {}, "being": {},
	"was": {}, "were": {}, "are": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "shall": {}, "might": {}, "must": {}, "can": {}, "cannot": {},
	"does": {}, "did": {}, "doing": {}, "done": {},
	"not": {}, "also": {}, "only": {}, "just": {}, "very": {}, "really": {},
	"some": {}, "any": {}, "all": {}, "each": {}, "every": {}, "more": {},
	"most": {}, "much": {}, "many": {}, "other": {}, "another": {}, "such": {},
	"than": {}, "then": {}, "them": {}, "they": {}, "their": {}, "theirs": {},
	"you": {}, "your": {}, "yours": {}, "our": {}, "ours": {}, "its": {},
	"his": {}, "her": {}, "hers": {}, "him": {}, "she": {}, "himself": {},
	"herself": {}, "itself": {}, "myself": {}, "yourself": {},
	"thanks": {}, "thank": {}, "please": {}, "okay": {}, "yeah": {}, "yes": {},
	"hello": {}, "sorry": {}, "maybe": {}, "anyway": {}, "well": {},
	"like": {}, "want": {}, "need": {}, "know": {}, "think": {}, "going": {},
	"get": {}, "got": {}, "let": {}, "lets": {}, "make": {}, "made": {},
	"say": {}, "said": {}, "see": {}, "saw": {}, "use": {}, "used": {},
}

// PatternExtractor finds concept candidates with regular expressions
// and frequency heuristics. It makes no external calls and never times
// out, which makes it the ensemble's reliable baseline.
type PatternExtractor struct {
	weight float64
}

func NewPatternExtractor(weight float64) *PatternExtractor {
	return &PatternExtractor{weight: weight}
}

func (p *PatternExtractor) Name() string {
	return "pattern"
}

func (p *PatternExtractor) Weight() float64 {
	return p.weight
}

func (p *PatternExtractor) Extract(ctx context.Context, req Request) ([]Candidate, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, nil
	}

	candidates := make([]Candidate, 0)
	seen := make(map[string]struct{})

	add := func(surface string, confidence float64) {
		normalized := util.NormalizeSurfaceForm(surface)
		if normalized == "" || isStopPhrase(normalized) {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		candidates = append(candidates, Candidate{SurfaceForm: surface, Confidence: confidence})
	}

	for _, match := range quotedPhrasePattern.FindAllStringSubmatch(text, -1) {
		add(match[1], 0.9)
	}

	for _, match := range properNounPattern.FindAllString(text, -1) {
		if len(strings.Fields(match)) == 1 && len(match) < 3 {
			continue
		}
		add(match, 0.8)
	}

	// Repeated content words carry the message's topic even without
	// casing or quoting cues.
	counts := make(map[string]int)
	for _, word := range contentWordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := patternStopwords[word]; stop {
			continue
		}
		counts[word]++
	}
	repeated := make([]string, 0, len(counts))
	for word, count := range counts {
		if count >= 2 {
			repeated = append(repeated, word)
		}
	}
	sort.Strings(repeated)
	for _, word := range repeated {
		add(word, 0.6)
	}

	return candidates, nil
}

// isStopPhrase rejects candidates made entirely of stopwords, which
// the proper-noun pattern produces from sentence-leading "The" and the
// like.
func isStopPhrase(normalized string) bool {
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		if _, stop := patternStopwords[w]; !stop {
			return false
		}
	}
	return true
}
