package candidates

import (
	"fmt"
	"strings"
)

// CatalogEntry is the internal normalized form of one menu item. The catalog
// input is polymorphic (map id→payload, list of objects, scalars); everything
// is coerced to this shape once before scoring.
type CatalogEntry struct {
	ItemID        string
	CanonicalName string
	Aliases       []string
}

func coerceAliases(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		var aliases []string
		for _, alias := range v {
			if text := strings.TrimSpace(asString(alias)); text != "" {
				aliases = append(aliases, asString(alias))
			}
		}
		return aliases
	case string:
		if text := strings.TrimSpace(v); text != "" {
			return []string{text}
		}
		return nil
	case []any:
		var aliases []string
		for _, alias := range v {
			if strings.TrimSpace(asString(alias)) != "" {
				aliases = append(aliases, asString(alias))
			}
		}
		return aliases
	case []string:
		var aliases []string
		for _, alias := range v {
			if strings.TrimSpace(alias) != "" {
				aliases = append(aliases, alias)
			}
		}
		return aliases
	default:
		if text := strings.TrimSpace(asString(raw)); text != "" {
			return []string{text}
		}
		return nil
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func normalizeCatalogEntry(itemID any, payload any) CatalogEntry {
	var canonical string
	var aliases []string

	switch v := payload.(type) {
	case string:
		canonical = v
	case map[string]any:
		rawName := v["canonical_name"]
		if rawName == nil || strings.TrimSpace(asString(rawName)) == "" {
			rawName = v["name"]
		}
		if rawName == nil || strings.TrimSpace(asString(rawName)) == "" {
			rawName = itemID
		}
		canonical = asString(rawName)
		rawAliases, ok := v["aliases"]
		if !ok {
			rawAliases = v["alias"]
		}
		aliases = coerceAliases(rawAliases)
	case []any:
		var names []string
		for _, part := range v {
			if strings.TrimSpace(asString(part)) != "" {
				names = append(names, asString(part))
			}
		}
		if len(names) > 0 {
			canonical = names[0]
			aliases = names[1:]
		} else {
			canonical = asString(itemID)
		}
	case []string:
		var names []string
		for _, part := range v {
			if strings.TrimSpace(part) != "" {
				names = append(names, part)
			}
		}
		if len(names) > 0 {
			canonical = names[0]
			aliases = names[1:]
		} else {
			canonical = asString(itemID)
		}
	default:
		canonical = strings.TrimSpace(asString(payload))
		if canonical == "" {
			canonical = asString(itemID)
		}
	}

	canonical = strings.TrimSpace(canonical)
	idText := strings.TrimSpace(asString(itemID))
	if idText == "" {
		idText = canonical
		if idText == "" {
			idText = "unknown_item"
		}
	}
	if canonical == "" {
		canonical = idText
	}

	return CatalogEntry{ItemID: idText, CanonicalName: canonical, Aliases: aliases}
}

// CatalogEntries coerces the polymorphic catalog input to a normalized list.
// Map payloads may override the entry id with their own item_id/id field;
// list entries without a usable id fall back to the canonical name, then to
// list_item_<index>.
func CatalogEntries(menuCatalog any) []CatalogEntry {
	var entries []CatalogEntry

	switch v := menuCatalog.(type) {
	case map[string]any:
		for itemID, payload := range v {
			entryID := any(itemID)
			if asMap, ok := payload.(map[string]any); ok {
				payloadID := asMap["item_id"]
				if payloadID == nil || strings.TrimSpace(asString(payloadID)) == "" {
					payloadID = asMap["id"]
				}
				if payloadID != nil && strings.TrimSpace(asString(payloadID)) != "" {
					entryID = payloadID
				}
			}
			entries = append(entries, normalizeCatalogEntry(entryID, payload))
		}
	case []any:
		for index, payload := range v {
			asMap, ok := payload.(map[string]any)
			if !ok {
				continue
			}
			itemID := asMap["item_id"]
			if itemID == nil || strings.TrimSpace(asString(itemID)) == "" {
				itemID = asMap["id"]
			}
			if itemID == nil || strings.TrimSpace(asString(itemID)) == "" {
				itemID = asMap["canonical_name"]
			}
			if itemID == nil || strings.TrimSpace(asString(itemID)) == "" {
				itemID = asMap["name"]
			}
			if itemID == nil || strings.TrimSpace(asString(itemID)) == "" {
				itemID = fmt.Sprintf("list_item_%d", index)
			}
			entries = append(entries, normalizeCatalogEntry(itemID, payload))
		}
	}

	return entries
}
