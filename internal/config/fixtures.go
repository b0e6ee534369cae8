package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadCatalog reads a menu catalog fixture. Both fixture shapes are
// accepted: a mapping of item_id to entry, or a list of entries. The result
// feeds candidate generation and merge validation unchanged.
func LoadCatalog(path string) (any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	switch doc.(type) {
	case map[string]any, []any, nil:
		return doc, nil
	default:
		return nil, fmt.Errorf("catalog must be a mapping or a list, got %T", doc)
	}
}

// LoadAllowedMods reads the allowed-mods fixture: a YAML list of modifier
// tokens. Blank entries are dropped.
func LoadAllowedMods(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowed mods: %w", err)
	}
	var doc []string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse allowed mods: %w", err)
	}
	mods := make([]string, 0, len(doc))
	for _, mod := range doc {
		if trimmed := strings.TrimSpace(mod); trimmed != "" {
			mods = append(mods, trimmed)
		}
	}
	return mods, nil
}
