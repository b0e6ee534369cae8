package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractObject parses a JSON object out of model output. It first tries the
// whole text, then the substring between the first '{' and the last '}' —
// models occasionally wrap their JSON in prose or code fences.
func ExtractObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var direct map[string]any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in model output")
	}
	var extracted map[string]any
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &extracted); err != nil {
		return nil, fmt.Errorf("model output is not a JSON object: %w", err)
	}
	return extracted, nil
}
