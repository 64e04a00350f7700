// Package llm wraps the Gemini API behind a small typed client used by the
// extractor and analyzer stages. Model output is untrusted: responses pass
// through a tolerant JSON parser and every failure surfaces as an error the
// stages degrade on, never as a document failure.
package llm

import (
	"context"

	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/models"
)

// Client is the oracle contract the stages program against. Implementations
// must be safe for sequential reuse; the stage workers hold one instance.
type Client interface {
	// ExtractConditions submits the full note text and returns the
	// conditions the model found in the Assessment/Plan section.
	ExtractConditions(ctx context.Context, clinicalText string) ([]models.Condition, error)

	// AnalyzeHCCRelevance submits extracted conditions plus a bounded
	// sample of the HCC reference and returns per-condition relevance
	// determinations.
	AnalyzeHCCRelevance(ctx context.Context, conditions []models.Condition, sample []hccref.Entry) ([]models.Condition, error)
}

// Disabled is a Client that always reports the oracle as unavailable. Used
// when no API key is configured so the stages run rule-based only.
type Disabled struct{}

func (Disabled) ExtractConditions(ctx context.Context, clinicalText string) ([]models.Condition, error) {
	return nil, ErrDisabled
}

func (Disabled) AnalyzeHCCRelevance(ctx context.Context, conditions []models.Condition, sample []hccref.Entry) ([]models.Condition, error) {
	return nil, ErrDisabled
}
