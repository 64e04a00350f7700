package llm

import (
	"encoding/json"
	"fmt"

	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/models"
)

// SampleLimit bounds the number of reference codes embedded in the analysis
// prompt to stay inside the model's token budget.
const SampleLimit = 50

// extractionPrompt asks the model to pull conditions out of the
// Assessment/Plan section of a progress note.
func extractionPrompt(clinicalText string) string {
	return fmt.Sprintf(`You are a medical information extraction expert specialized in analyzing clinical progress notes.

I will provide you with a clinical note. Your task is to:

1. Identify the "Assessment/Plan" section
2. Extract all medical conditions listed in this section
3. For each condition, extract:
    - The condition name
    - The ICD-10 code (if present)
    - The description associated with the ICD-10 code (if present)
    - Any additional details about the condition

Return the results as a structured JSON object with this exact format:
{
    "conditions": [
    {
        "id": "cond-1",
        "name": "Condition name",
        "icd_code": "ICD-10 code",
        "icd_description": "ICD code description",
        "details": "Additional details about condition",
        "confidence": 0.95
    }
    ]
}

The confidence field is your confidence in the extraction accuracy (0.0 to 1.0).
Focus only on the Assessment/Plan section. Ensure the output is valid JSON. Only include information that is explicitly mentioned in the text.

Here is the clinical note:
%s
`, clinicalText)
}

// analysisPrompt asks the model to judge HCC relevance for the extracted
// conditions, given a bounded sample of the reference table.
func analysisPrompt(conditions []models.Condition, sample []hccref.Entry) string {
	if len(sample) > SampleLimit {
		sample = sample[:SampleLimit]
	}

	conditionsJSON, _ := json.MarshalIndent(conditions, "", "  ")
	sampleJSON, _ := json.MarshalIndent(sample, "", "  ")

	return fmt.Sprintf(`You are a medical coding expert specializing in HCC (Hierarchical Condition Categories) analysis.

I will provide you with:
1. A list of medical conditions with their ICD-10 codes extracted from a clinical note
2. A sample of HCC-relevant ICD-10 codes for reference

Your task is to:
1. Determine which of the extracted conditions are HCC-relevant
2. For HCC-relevant conditions, provide the matching HCC code and category
3. For all conditions, provide a confidence score for your determination

Return the results as a structured JSON object with this exact format:
{
    "conditions": [
    {
        "id": "condition-id",
        "name": "Condition name",
        "icd_code": "ICD-10 code",
        "hcc_relevant": true,
        "hcc_code": "HCC code if relevant, otherwise null",
        "hcc_category": "HCC category if relevant, otherwise null",
        "confidence": 0.95,
        "reasoning": "Brief explanation of your determination"
    }
    ]
}

Even if the exact ICD code is not in the sample of HCC-relevant codes I provided, use your knowledge to determine if a condition would be HCC-relevant. Consider disease severity, chronicity, and impact on resource utilization and risk adjustment.

Here are the extracted conditions:
%s

Here is a sample of HCC-relevant ICD-10 codes:
%s

Note that this is only a sample. The full list of HCC-relevant codes is much more extensive. Use your knowledge to make determinations for codes not in this sample. If you are uncertain, state so in the reasoning field.

Ensure the output is valid JSON.

Return just the JSON object with the conditions. Do not include any additional text or formatting.
Do not wrap the response in code fences.
`, conditionsJSON, sampleJSON)
}
