package models

import "strings"

// Condition is one medical condition extracted from a progress note. It is
// embedded in the stage artifacts and never stored as a registry row.
// IDs are stable across stages; analyzer and validator mutate fields but
// never re-assign IDs.
type Condition struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ICDCode        string  `json:"icd_code,omitempty"`
	ICDCodeNoDot   string  `json:"icd_code_no_dot,omitempty"`
	ICDDescription string  `json:"icd_description,omitempty"`
	Details        string  `json:"details,omitempty"`
	Status         string  `json:"status,omitempty"`
	Confidence     float64 `json:"confidence"`

	HCCRelevant bool   `json:"hcc_relevant"`
	HCCCode     string `json:"hcc_code,omitempty"`
	HCCCategory string `json:"hcc_category,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`

	Metadata JSONMap `json:"metadata,omitempty"`
}

// NormalizeCodes fills whichever of the dotted/undotted ICD forms is missing
// from the other. Dot removal is the only transformation.
func (c *Condition) NormalizeCodes() {
	if c.ICDCode != "" && c.ICDCodeNoDot == "" {
		c.ICDCodeNoDot = strings.ReplaceAll(c.ICDCode, ".", "")
	}
	if c.ICDCodeNoDot != "" && c.ICDCode == "" {
		c.ICDCode = c.ICDCodeNoDot
	}
}

// SetMeta writes a provenance tag, allocating the map on first use.
func (c *Condition) SetMeta(key string, value interface{}) {
	if c.Metadata == nil {
		c.Metadata = JSONMap{}
	}
	c.Metadata[key] = value
}

// RuleResult is the outcome of one validation rule applied to a condition.
type RuleResult struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
}

// ValidatedCondition is the flattened validator output shape: the condition
// plus its compliance verdict.
type ValidatedCondition struct {
	Condition
	IsCompliant       bool         `json:"is_compliant"`
	ValidationResults []RuleResult `json:"validation_results"`
}

// PatientInfo is the clinical metadata parsed from the note header. All
// fields are optional.
type PatientInfo struct {
	PatientName     string `json:"patient_name,omitempty"`
	PatientID       string `json:"patient_id,omitempty"`
	Age             string `json:"age,omitempty"`
	Gender          string `json:"gender,omitempty"`
	DateOfBirth     string `json:"date_of_birth,omitempty"`
	Provider        string `json:"provider,omitempty"`
	AppointmentDate string `json:"appointment_date,omitempty"`
	ChiefComplaint  string `json:"chief_complaint,omitempty"`
}

// ExtractionResult is the extractor stage artifact.
type ExtractionResult struct {
	DocumentID string      `json:"document_id"`
	Conditions []Condition `json:"conditions"`
	Metadata   JSONMap     `json:"metadata"`
}

// AnalysisResult is the analyzer stage artifact.
type AnalysisResult struct {
	DocumentID string      `json:"document_id"`
	Conditions []Condition `json:"conditions"`
	Metadata   JSONMap     `json:"metadata"`
	Errors     []string    `json:"errors"`
}

// ValidationReport is the validator stage artifact.
type ValidationReport struct {
	DocumentID string               `json:"document_id"`
	Conditions []ValidatedCondition `json:"conditions"`
	Metadata   JSONMap              `json:"metadata"`
}
