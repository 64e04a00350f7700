package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"hcc.evalgo.org/models"
)

// ErrDisabled is returned when no LLM backend is configured.
var ErrDisabled = errors.New("llm client is disabled")

// ErrNoJSON is returned when no parser in the chain could recover a
// conditions object from the model response.
var ErrNoJSON = errors.New("no conditions object found in llm response")

var (
	fencedBlockRe     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
	conditionsGreedy  = regexp.MustCompile(`(?s)(\{\s*"conditions"\s*:.*\})`)
	bareNaNRe         = regexp.MustCompile(`(?i)\bNaN\b`)
	quotedPlaceholder = "\x00nan\x00"
)

// conditionsEnvelope is the JSON shape both prompts instruct the model to
// return.
type conditionsEnvelope struct {
	Conditions []models.Condition `json:"conditions"`
}

// ParseConditions recovers the conditions list from raw model output. The
// parsers run in order and the first success wins:
//
//  1. the whole response as JSON
//  2. the body of a ```json fenced block
//  3. the greedy match of a {"conditions": ...} object
//
// Bare NaN tokens are rewritten to null before each attempt since the model
// occasionally echoes them back from pandas-shaped inputs.
func ParseConditions(raw string) ([]models.Condition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", ErrNoJSON)
	}

	candidates := []string{raw}
	if m := fencedBlockRe.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := conditionsGreedy.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}

	var lastErr error
	for _, candidate := range candidates {
		var envelope conditionsEnvelope
		if err := json.Unmarshal([]byte(sanitizeNaN(candidate)), &envelope); err != nil {
			lastErr = err
			continue
		}
		return envelope.Conditions, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoJSON, lastErr)
}

// sanitizeNaN replaces bare NaN tokens with null while leaving occurrences
// inside string literals untouched.
func sanitizeNaN(s string) string {
	if !bareNaNRe.MatchString(s) {
		return s
	}

	// Shield string literals, rewrite the rest, restore.
	var out strings.Builder
	var shielded []string
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' && (i == 0 || s[i-1] != '\\') {
			if !inString {
				out.WriteString(bareNaNRe.ReplaceAllString(s[start:i], "null"))
				start = i
				inString = true
			} else {
				shielded = append(shielded, s[start:i+1])
				out.WriteString(quotedPlaceholder)
				start = i + 1
				inString = false
			}
		}
	}
	if inString {
		// Unterminated string, pass the tail through untouched.
		out.WriteString(s[start:])
	} else {
		out.WriteString(bareNaNRe.ReplaceAllString(s[start:], "null"))
	}

	result := out.String()
	for _, literal := range shielded {
		result = strings.Replace(result, quotedPlaceholder, literal, 1)
	}
	return result
}
