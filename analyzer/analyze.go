// Package analyzer implements the second pipeline stage: HCC relevance
// determination over the extracted conditions, rule-based against the
// reference table with optional LLM enrichment.
package analyzer

import (
	"context"
	"fmt"
	"math"

	"hcc.evalgo.org/llm"
	"hcc.evalgo.org/models"
)

const (
	// HighConfidence is the threshold above which the rule-based verdict
	// stands without consulting the LLM.
	HighConfidence = 0.9

	// missConfidence is assigned when no reference entry matches.
	missConfidence = 0.8

	reasoningNoMatch = "No exact match with HCC-relevant codes in reference data"
)

// Analyze runs the stage algorithm over the extraction output. The steps are
// strictly ordered: rule-based determination, LLM enrichment, finalization.
// LLM failure is recorded in the result errors and never fails the stage.
func (w *Worker) Analyze(ctx context.Context, documentID string, conditions []models.Condition) models.AnalysisResult {
	result := models.AnalysisResult{DocumentID: documentID}

	if len(conditions) == 0 {
		result.Errors = append(result.Errors, "no conditions found in extraction results")
	}

	for i := range conditions {
		w.determineRelevance(&conditions[i])
	}

	if needsEnrichment(conditions) {
		if err := w.enrich(ctx, conditions); err != nil {
			w.log.WithDocument(documentID).WithError(err).Warn("LLM enrichment failed, keeping rule-based analysis")
			result.Errors = append(result.Errors, "LLM enrichment failed: "+err.Error())
			for i := range conditions {
				conditions[i].SetMeta("analysis_source", "rule_based")
			}
		}
	}

	result.Conditions = conditions
	result.Metadata = w.aggregate(documentID, conditions, len(result.Errors))
	sanitizeResult(&result)
	return result
}

// determineRelevance applies the reference lookup to one condition.
func (w *Worker) determineRelevance(c *models.Condition) {
	c.NormalizeCodes()

	entry, ok := w.ref.Get(c.ICDCode)
	if !ok {
		entry, ok = w.ref.Get(c.ICDCodeNoDot)
	}
	if ok {
		c.HCCRelevant = true
		c.HCCCode = c.ICDCodeNoDot
		c.HCCCategory = entry.Category
		c.Confidence = 1.0
		c.Reasoning = fmt.Sprintf("Direct match with HCC-relevant code: %s", c.ICDCode)
		return
	}

	c.HCCRelevant = false
	c.Confidence = missConfidence
	c.Reasoning = reasoningNoMatch
}

// needsEnrichment reports whether any condition is below the confidence
// threshold after the rule-based pass.
func needsEnrichment(conditions []models.Condition) bool {
	for _, c := range conditions {
		if c.Confidence < HighConfidence {
			return true
		}
	}
	return false
}

// enrich submits the conditions plus a bounded reference sample to the LLM
// and folds the opinions back in by condition id. The LLM verdict replaces
// the rule-based one only when it is more confident; otherwise it is kept
// as metadata alongside the rule-based verdict.
func (w *Worker) enrich(ctx context.Context, conditions []models.Condition) error {
	opinions, err := w.llm.AnalyzeHCCRelevance(ctx, conditions, w.ref.Entries(llm.SampleLimit))
	if err != nil {
		return err
	}

	byID := make(map[string]models.Condition, len(opinions))
	for _, o := range opinions {
		byID[o.ID] = o
	}

	for i := range conditions {
		c := &conditions[i]
		opinion, ok := byID[c.ID]
		if !ok {
			c.SetMeta("analysis_source", "rule_based")
			continue
		}

		if opinion.Confidence > c.Confidence {
			c.HCCRelevant = opinion.HCCRelevant
			c.HCCCode = opinion.HCCCode
			c.HCCCategory = opinion.HCCCategory
			c.Confidence = opinion.Confidence
			c.Reasoning = opinion.Reasoning
			c.SetMeta("analysis_source", "llm")
			continue
		}

		c.SetMeta("llm_hcc_relevant", opinion.HCCRelevant)
		c.SetMeta("llm_confidence", opinion.Confidence)
		c.SetMeta("llm_reasoning", opinion.Reasoning)
		c.SetMeta("analysis_source", "rule_based")
	}

	return nil
}

// aggregate computes the artifact-level metadata.
func (w *Worker) aggregate(documentID string, conditions []models.Condition, errorCount int) models.JSONMap {
	relevant := 0
	highConfidence := 0
	sum := 0.0
	for _, c := range conditions {
		if c.HCCRelevant {
			relevant++
		}
		if c.Confidence >= HighConfidence {
			highConfidence++
		}
		sum += c.Confidence
	}

	avg := 0.0
	if len(conditions) > 0 {
		avg = sum / float64(len(conditions))
	}

	return models.JSONMap{
		"document_id":           documentID,
		"total_conditions":      len(conditions),
		"hcc_relevant_count":    relevant,
		"high_confidence_count": highConfidence,
		"confidence_avg":        avg,
		"error_count":           errorCount,
	}
}

// sanitizeResult replaces every NaN float in the finalized artifact with
// null (or zero for struct fields), recursively through conditions and
// metadata. encoding/json refuses NaN, so a stray value from an LLM opinion
// would otherwise make the artifact unstorable.
func sanitizeResult(result *models.AnalysisResult) {
	for i := range result.Conditions {
		c := &result.Conditions[i]
		if math.IsNaN(c.Confidence) {
			c.Confidence = 0
		}
		sanitizeMap(c.Metadata)
	}
	sanitizeMap(result.Metadata)
}

// sanitizeMap rewrites NaN leaves to nil in place.
func sanitizeMap(m map[string]interface{}) {
	for key, value := range m {
		m[key] = sanitizeValue(value)
	}
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) {
			return nil
		}
	case map[string]interface{}:
		sanitizeMap(v)
	case models.JSONMap:
		sanitizeMap(v)
	case []interface{}:
		for i := range v {
			v[i] = sanitizeValue(v[i])
		}
	}
	return value
}
