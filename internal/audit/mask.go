package audit

import (
	"strings"
	"unicode"
)

const maskText = "***"

var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"cookie":        true,
	"phone":         true,
	"mobile":        true,
	"email":         true,
}

// maskValue recursively masks secrets and PII inside a value. Keys are masked
// when the lowercase name is in the sensitive set or contains token/secret.
// String values are masked when they look like an email address or like a
// long alphanumeric credential (16+ chars mixing letters and digits).
func maskValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		masked := make(map[string]any, len(v))
		for key, inner := range v {
			keyL := strings.ToLower(key)
			if sensitiveKeys[keyL] || strings.Contains(keyL, "token") || strings.Contains(keyL, "secret") {
				masked[key] = maskText
			} else {
				masked[key] = maskValue(inner)
			}
		}
		return masked
	case []any:
		masked := make([]any, len(v))
		for i, inner := range v {
			masked[i] = maskValue(inner)
		}
		return masked
	case string:
		if strings.Contains(v, "@") && strings.Contains(v, ".") {
			return maskText
		}
		if len(v) >= 16 && hasLetterAndDigit(v) {
			return maskText
		}
		return v
	default:
		return value
	}
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, r := range s {
		if unicode.IsLetter(r) {
			letter = true
		} else if unicode.IsDigit(r) {
			digit = true
		}
		if letter && digit {
			return true
		}
	}
	return false
}

// maskLLMFields applies masking only to the llm_request / llm_response
// subtrees; every other field is written verbatim.
func maskLLMFields(payload map[string]any) map[string]any {
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		masked[k] = v
	}
	masked["llm_request"] = maskValue(masked["llm_request"])
	masked["llm_response"] = maskValue(masked["llm_response"])
	return masked
}
