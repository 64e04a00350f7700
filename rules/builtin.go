package rules

import (
	"strings"
	"unicode"

	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/models"
)

// Rule identifiers carried in validation results.
const (
	RuleValidICDCode         = "valid_icd_code"
	RuleHCCRelevanceVerified = "hcc_relevance_verified"
	RuleSufficientConfidence = "sufficient_confidence"
	RuleCodeDescriptionMatch = "code_description_match"
)

// MinConfidence is the inclusion threshold applied by sufficient_confidence.
const MinConfidence = 0.7

// NewComplianceEngine returns an engine preloaded with the standard
// compliance rule set, bound to the given HCC reference.
func NewComplianceEngine(ref *hccref.Reference) *Engine {
	e := NewEngine()

	e.Register(RuleValidICDCode, "Condition must have a valid ICD-10 code",
		func(c models.Condition) (bool, error) {
			return validICDFormat(c.ICDCode) && ref.IsHCCRelevant(c.ICDCode), nil
		})

	e.Register(RuleHCCRelevanceVerified, "HCC-relevant conditions must have a code in the HCC reference list",
		func(c models.Condition) (bool, error) {
			if !c.HCCRelevant {
				return true, nil
			}
			return c.HCCCode != "" && ref.IsHCCRelevant(c.ICDCode), nil
		})

	e.Register(RuleSufficientConfidence, "Confidence score must be at least 0.7 for inclusion",
		func(c models.Condition) (bool, error) {
			return c.Confidence >= MinConfidence, nil
		})

	e.Register(RuleCodeDescriptionMatch, "ICD code and description must match",
		func(c models.Condition) (bool, error) {
			// Nothing to compare; vacuously compliant.
			if c.ICDCode == "" || c.ICDDescription == "" {
				return true, nil
			}
			entry, ok := ref.Get(c.ICDCode)
			if !ok || entry.Description == "" {
				return false, nil
			}
			return strings.EqualFold(strings.TrimSpace(entry.Description), strings.TrimSpace(c.ICDDescription)), nil
		})

	return e
}

// validICDFormat checks the ICD-10 shape: a leading letter followed by
// digits, at least three characters, one optional dot.
func validICDFormat(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) < 3 {
		return false
	}
	if !unicode.IsLetter(rune(code[0])) {
		return false
	}
	rest := strings.ReplaceAll(code[1:], ".", "")
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
