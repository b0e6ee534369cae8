package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize recursively normalizes a payload so that logically equal
// payloads produce byte-identical JSON: strings are trimmed, map keys are
// emitted in sorted order, and list order is preserved.
func Canonicalize(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = Canonicalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = Canonicalize(inner)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = strings.TrimSpace(inner)
		}
		return out
	default:
		return value
	}
}

// CanonicalJSON serializes a canonicalized payload with sorted keys, tight
// separators and no ASCII escaping. The output is the hashing input for key
// derivation, so the encoding must never change.
func CanonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, Canonicalize(value)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, inner := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, inner); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, value)
	}
}

func writeScalar(buf *bytes.Buffer, value any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder appends a newline; strip it to keep separators tight.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}

// MakeKey derives the deterministic cache key for a payload:
// namespace + ":" + sha256hex(canonical JSON). The namespace must be one of
// the three known families and the payload must carry that namespace's
// required fields as non-blank strings.
func MakeKey(namespace string, payload map[string]any) (string, error) {
	required, ok := requiredFields[namespace]
	if !ok {
		return "", fmt.Errorf("unsupported cache namespace: %s", namespace)
	}
	for _, field := range required {
		raw, present := payload[field]
		text, isString := raw.(string)
		if !present || !isString || strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("cache key payload missing required field %q for namespace %s", field, namespace)
		}
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}
