package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// nestedObjectPattern matches a JSON object with at most one level of nesting
var nestedObjectPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// parseAnswer recovers a JSON object from a free-form model answer.
// It tries a direct parse, then the span between the first `{` and the
// last `}`, then the first brace-balanced object found by regex.
func parseAnswer(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err == nil && data != nil {
		return data, nil
	}

	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx != -1 && endIdx > startIdx {
		data = nil
		if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &data); err == nil && data != nil {
			return data, nil
		}
	}

	if match := nestedObjectPattern.FindString(text); match != "" {
		data = nil
		if err := json.Unmarshal([]byte(match), &data); err == nil && data != nil {
			return data, nil
		}
	}

	return nil, fmt.Errorf("no JSON object found in response")
}
