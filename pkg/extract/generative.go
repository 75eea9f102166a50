package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/ai"
)

const (
	defaultGenerativeMaxTokens   = 3000
	defaultGenerativeMaxConcepts = 8
	generativeMaxRetries         = 3
	generativeEncoding           = "o200k_base"
)

type extractedConcept struct {
	Term       string  `json:"term" jsonschema_description:"Short noun phrase naming the concept, under five words"`
	Importance float64 `json:"importance" jsonschema_description:"How central the concept is to the message, between 0.0 and 1.0"`
}

type conceptExtractionResponse struct {
	Concepts []extractedConcept `json:"concepts" jsonschema_description:"Concepts the person would want remembered from this message"`
}

// GenerativeExtractor asks the language model for the concepts a
// message is about. It is the only extractor that can surface concepts
// never seen before in any form.
type GenerativeExtractor struct {
	weight      float64
	ai          ai.Client
	maxTokens   int
	maxConcepts int
}

// NewGenerativeExtractorParams configures a GenerativeExtractor. AI is
// required. MaxPromptTokens defaults to 3000, MaxConcepts to 8.
type NewGenerativeExtractorParams struct {
	Weight          float64
	AI              ai.Client
	MaxPromptTokens int
	MaxConcepts     int
}

func NewGenerativeExtractor(params NewGenerativeExtractorParams) (*GenerativeExtractor, error) {
	if params.AI == nil {
		return nil, fmt.Errorf("generative extractor requires an AI client")
	}
	maxTokens := params.MaxPromptTokens
	if maxTokens <= 0 {
		maxTokens = defaultGenerativeMaxTokens
	}
	maxConcepts := params.MaxConcepts
	if maxConcepts <= 0 {
		maxConcepts = defaultGenerativeMaxConcepts
	}
	return &GenerativeExtractor{
		weight:      params.Weight,
		ai:          params.AI,
		maxTokens:   maxTokens,
		maxConcepts: maxConcepts,
	}, nil
}

func (g *GenerativeExtractor) Name() string {
	return "generative"
}

func (g *GenerativeExtractor) Weight() float64 {
	return g.weight
}

func (g *GenerativeExtractor) Extract(ctx context.Context, req Request) ([]Candidate, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, nil
	}

	text, err := g.boundText(text)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(ConceptExtractionPrompt, text, g.maxConcepts)

	var res conceptExtractionResponse
	err = util.RetryErrWithContext(ctx, generativeMaxRetries, func(ctx context.Context) error {
		return g.ai.GenerateCompletionWithFormat(
			ctx, "extract_concepts", "Extract memorable concepts from a message.", prompt, &res,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract concepts: %w", err)
	}

	candidates := make([]Candidate, 0, len(res.Concepts))
	for _, c := range res.Concepts {
		term := strings.TrimSpace(c.Term)
		if term == "" {
			continue
		}
		confidence := c.Importance
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		candidates = append(candidates, Candidate{SurfaceForm: term, Confidence: confidence})
		if len(candidates) == g.maxConcepts {
			break
		}
	}
	return candidates, nil
}

// boundText trims the message to the prompt token budget so a long
// transcript cannot blow past the model context.
func (g *GenerativeExtractor) boundText(text string) (string, error) {
	enc, err := tiktoken.GetEncoding(generativeEncoding)
	if err != nil {
		return "", fmt.Errorf("failed to load token encoding: %w", err)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= g.maxTokens {
		return text, nil
	}
	return enc.Decode(tokens[:g.maxTokens]), nil
}
