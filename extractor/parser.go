// Package extractor implements the first pipeline stage: parsing clinical
// progress notes into structured conditions, rule-based first with optional
// LLM assistance.
package extractor

import (
	"regexp"
	"strings"

	"hcc.evalgo.org/models"
)

var (
	namePattern      = regexp.MustCompile(`Name\s*(.*?)(?:\s*\(|ID#|$)`)
	ageGenderPattern = regexp.MustCompile(`\((\d+)yo,\s*([MF])\)`)
	idPattern        = regexp.MustCompile(`ID#\s*(\d+)`)
	dobPattern       = regexp.MustCompile(`DOB\s*(\d{2}/\d{2}/\d{4})`)
	providerPattern  = regexp.MustCompile(`Provider\s*(.+)`)
	apptPattern      = regexp.MustCompile(`Appt\.\s*Date/Time\s*(\d{2}/\d{2}/\d{4})`)
	chiefPattern     = regexp.MustCompile(`(?s)Chief Complaint\s*\n(.*?)(?:\n\n|\n\w)`)

	// Section header variants with the terminators that bound the section.
	assessmentPattern = regexp.MustCompile(
		`(?is)(?:Assessment\s*/?\s*Plan|Assessment and Plan)\s*(.*?)(?:\n\s*(?:Return to Office|Encounter Sign-Off|Follow-up|Plan of Care)|$)`)

	// Numbered items of the form "<n>. <name> - <details>".
	conditionPattern = regexp.MustCompile(`(\d+)\.\s*(.*?)\s*-\s*(.*)`)

	// "<LETTER><digits>.<digits>: <description>" inside the details.
	icdCodePattern = regexp.MustCompile(`([A-Z]\d+\.\d+):\s*(.*)`)
)

// ParsePatientInfo pulls the clinical header fields out of the note. Every
// field is optional; absent matches leave the zero value.
func ParsePatientInfo(content string) models.PatientInfo {
	var info models.PatientInfo

	if m := namePattern.FindStringSubmatch(content); m != nil {
		info.PatientName = strings.TrimSpace(m[1])
	}
	if m := ageGenderPattern.FindStringSubmatch(content); m != nil {
		info.Age = m[1]
		if m[2] == "M" {
			info.Gender = "Male"
		} else {
			info.Gender = "Female"
		}
	}
	if m := idPattern.FindStringSubmatch(content); m != nil {
		info.PatientID = strings.TrimSpace(m[1])
	}
	if m := dobPattern.FindStringSubmatch(content); m != nil {
		info.DateOfBirth = strings.TrimSpace(m[1])
	}
	if m := providerPattern.FindStringSubmatch(content); m != nil {
		info.Provider = strings.TrimSpace(m[1])
	}
	if m := apptPattern.FindStringSubmatch(content); m != nil {
		info.AppointmentDate = strings.TrimSpace(m[1])
	}
	if m := chiefPattern.FindStringSubmatch(content); m != nil {
		info.ChiefComplaint = strings.TrimSpace(m[1])
	}

	return info
}

// ExtractAssessmentPlan returns the Assessment/Plan section body, or ""
// when the note has no such section.
func ExtractAssessmentPlan(content string) string {
	if m := assessmentPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ExtractConditionsRuleBased turns every numbered item of the section into
// a condition. Rule-based extractions carry confidence 1.0.
func ExtractConditionsRuleBased(assessmentPlan string) []models.Condition {
	var conditions []models.Condition

	for _, m := range conditionPattern.FindAllStringSubmatch(assessmentPlan, -1) {
		number := m[1]
		name := strings.TrimSpace(m[2])
		details := strings.TrimSpace(m[3])

		condition := models.Condition{
			ID:         "cond-" + number,
			Name:       name,
			Details:    details,
			Confidence: 1.0,
			Metadata: models.JSONMap{
				"section_number":    number,
				"raw_text":          strings.TrimSpace(m[0]),
				"extraction_method": "rule_based",
			},
		}

		if icd := icdCodePattern.FindStringSubmatch(details); icd != nil {
			condition.ICDCode = strings.TrimSpace(icd[1])
			condition.ICDDescription = strings.TrimSpace(icd[2])
		}

		conditions = append(conditions, condition)
	}

	return conditions
}
