package normalize

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"posnorm/internal/cache"
	"posnorm/internal/contracts"
	"posnorm/internal/logging"
)

// Audit tags that force the structured result onto the review queue.
const (
	tagPolicyViolation = "policy_violation"
	tagReviewQueue     = "review_queue"
)

// auditReasonMap translates audit event types into review-queue reasons.
var auditReasonMap = map[string]string{
	"llm_client_missing":              "fallback_llm_client_missing",
	"llm_timeout":                     "fallback_llm_timeout",
	"llm_api_error":                   "fallback_llm_api_error",
	"llm_json_parse_error":            "fallback_llm_json_parse_error",
	"item_id_out_of_candidates":       "item_id_out_of_scope",
	"missing_item_id":                 "item_id_missing",
	"mods_out_of_allowed":             "mods_out_of_scope",
	"invalid_mods_payload":            "mods_payload_invalid",
	"group_line_indices_out_of_scope": "group_line_indices_out_of_scope",
	"group_type_out_of_allowed":       "group_type_out_of_scope",
}

func uniqueTokens(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	tokens := make([]string, 0, len(values))
	for _, value := range values {
		token := strings.TrimSpace(value)
		if token == "" {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

func metadataTokens(metadata contracts.Metadata, key string) []string {
	raw, ok := metadata[key].([]any)
	if !ok {
		// Events built in-process carry []string directly.
		if direct, ok := metadata[key].([]string); ok {
			return uniqueTokens(direct)
		}
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		if text, ok := item.(string); ok {
			values = append(values, text)
		}
	}
	return uniqueTokens(values)
}

// safeConfidence coerces value to a float in [0,1], falling back to def when
// it cannot be read as a number. Bools count as 1 and 0.
func safeConfidence(value any, def float64) float64 {
	var parsed float64
	switch v := value.(type) {
	case float64:
		parsed = v
	case float32:
		parsed = float64(v)
	case int:
		parsed = float64(v)
	case int64:
		parsed = float64(v)
	case bool:
		if v {
			parsed = 1
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return def
		}
		parsed = f
	default:
		return def
	}
	if math.IsNaN(parsed) {
		return def
	}
	if parsed < 0 {
		return 0
	}
	if parsed > 1 {
		return 1
	}
	return parsed
}

func safeBool(value any, def bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return def
}

// asInt accepts the integer representations JSON decoding can produce.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int(v), true
		}
	}
	return 0, false
}

// extractModTokens pulls modifier tokens out of a model mods payload. Entries
// may be plain strings or objects keyed mod / mod_raw / mod_name / name.
func extractModTokens(rawMods any) []string {
	list, ok := rawMods.([]any)
	if !ok {
		return nil
	}
	var tokens []string
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if token := strings.TrimSpace(v); token != "" {
				tokens = append(tokens, token)
			}
		case map[string]any:
			for _, key := range []string{"mod", "mod_raw", "mod_name", "name"} {
				if text, ok := v[key].(string); ok && strings.TrimSpace(text) != "" {
					tokens = append(tokens, strings.TrimSpace(text))
					break
				}
			}
		}
	}
	return tokens
}

// ruleModsFromLine extracts modifiers by substring match against the allowed
// list, preserving list order.
func ruleModsFromLine(lineText string, allowedMods []string) []string {
	var mods []string
	seen := make(map[string]struct{})
	for _, mod := range allowedMods {
		if mod == "" {
			continue
		}
		if _, dup := seen[mod]; dup {
			continue
		}
		if strings.Contains(lineText, mod) {
			seen[mod] = struct{}{}
			mods = append(mods, mod)
		}
	}
	return mods
}

// cachedRuleMods is ruleModsFromLine behind the note_mods_cache namespace.
// A cache failure degrades to a direct computation.
func cachedRuleMods(c *cache.Cache, lineText string, allowedMods []string) []string {
	if c == nil || lineText == "" {
		return ruleModsFromLine(lineText, allowedMods)
	}
	payload := map[string]any{
		"note_raw":             lineText,
		"allowed_mods_version": allowedModsVersion(allowedMods),
	}
	entry, err := c.GetOrCompute(cache.NamespaceNoteMods, payload, func() (any, float64, contracts.Metadata, error) {
		mods := ruleModsFromLine(lineText, allowedMods)
		return mods, 1.0, contracts.Metadata{"source": "rule"}, nil
	})
	if err != nil {
		logging.NormalizeWarn("note mods cache lookup failed: %v", err)
		return ruleModsFromLine(lineText, allowedMods)
	}
	if mods, ok := entry.Value.([]string); ok {
		return mods
	}
	return ruleModsFromLine(lineText, allowedMods)
}

// allowedModsVersion derives a stable version token for the allowed mod list.
func allowedModsVersion(allowedMods []string) string {
	return strings.Join(allowedMods, "\x1f")
}

// audit builds an event, folding the event type and any extra tags into the
// metadata tags list.
func audit(eventType, message string, lineIndex *int, metadata contracts.Metadata, tags ...string) contracts.AuditEvent {
	payload := contracts.CloneMetadata(metadata)
	if payload == nil {
		payload = contracts.Metadata{}
	}
	merged := []string{eventType}
	if inherited, ok := payload["tags"].([]string); ok {
		merged = append(merged, inherited...)
	} else if inherited, ok := payload["tags"].([]any); ok {
		for _, tag := range inherited {
			if text, ok := tag.(string); ok {
				merged = append(merged, text)
			}
		}
	}
	merged = append(merged, tags...)
	payload["tags"] = uniqueTokens(merged)
	return contracts.AuditEvent{
		EventType: eventType,
		Message:   message,
		LineIndex: lineIndex,
		Metadata:  payload,
		Version:   contracts.ContractVersion,
	}
}

// lineText joins the raw line with its note for substring-based mod matching.
func lineText(line contracts.RawLine) string {
	var parts []string
	if line.RawLine != "" {
		parts = append(parts, line.RawLine)
	}
	if note := contracts.Deref(line.NoteRaw); note != "" {
		parts = append(parts, note)
	}
	return strings.Join(parts, " ")
}

// sanitizeItems enforces the candidate-scoping policy on the model's item
// decisions: every line gets exactly one item, the selected id must come
// from that line's candidate list, and mods fall back to rule extraction
// when the payload is unusable. Violations become audit events and review
// flags rather than errors.
func sanitizeItems(
	orderRaw contracts.OrderRawParsed,
	candidates contracts.CandidatesByLine,
	allowedMods []string,
	itemLookup map[int]map[string]contracts.CandidateItem,
	llmItems any,
	modsCache *cache.Cache,
	auditEvents *[]contracts.AuditEvent,
) []contracts.NormalizedItem {
	referenceSet := make(map[string]struct{}, len(allowedMods))
	for _, mod := range allowedMods {
		referenceSet[mod] = struct{}{}
	}

	byLine := make(map[int]map[string]any)
	if llmItems != nil {
		if list, ok := llmItems.([]any); ok {
			for _, raw := range list {
				obj, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if lineIndex, ok := asInt(obj["line_index"]); ok {
					byLine[lineIndex] = obj
				}
			}
		} else {
			*auditEvents = append(*auditEvents, audit(
				"invalid_items_payload", "LLM items payload is not a list",
				nil, nil, tagPolicyViolation, tagReviewQueue))
		}
	}

	items := make([]contracts.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		line := line
		lineOutput := byLine[line.LineIndex]
		var lineReasons, lineTags []string

		_, hasOutput := byLine[line.LineIndex]
		missingLineOutput := !hasOutput
		if missingLineOutput {
			*auditEvents = append(*auditEvents, audit(
				"missing_line_item_decision", "LLM did not provide item decision for this line",
				&line.LineIndex, nil, tagReviewQueue))
			lineReasons = append(lineReasons, "missing_line_item_decision")
			lineTags = append(lineTags, "missing_line_item_decision")
		}

		lineCandidates := candidates[line.LineIndex]
		var firstCandidate *contracts.CandidateItem
		if len(lineCandidates) > 0 {
			firstCandidate = &lineCandidates[0]
		}
		lineLookup := itemLookup[line.LineIndex]

		var selectedID *string
		if text, ok := lineOutput["item_id"].(string); ok && strings.TrimSpace(text) != "" {
			selectedID = contracts.Str(text)
		} else {
			*auditEvents = append(*auditEvents, audit(
				"missing_item_id", "LLM response missing item_id; fallback to first candidate",
				&line.LineIndex, nil, tagReviewQueue))
			lineReasons = append(lineReasons, "item_id_missing")
			lineTags = append(lineTags, "item_id_missing")
		}

		var selectedCandidate *contracts.CandidateItem
		if selectedID != nil {
			if candidate, ok := lineLookup[*selectedID]; ok {
				candidate := candidate
				selectedCandidate = &candidate
			}
		}
		invalidItemID := false
		if selectedCandidate == nil {
			selectedCandidate = firstCandidate
			if selectedID != nil {
				invalidItemID = true
				*auditEvents = append(*auditEvents, audit(
					"item_id_out_of_candidates", "LLM selected item_id not in candidates for this line",
					&line.LineIndex, contracts.Metadata{"item_id": *selectedID},
					tagPolicyViolation, tagReviewQueue))
				lineReasons = append(lineReasons, "item_id_out_of_scope")
				lineTags = append(lineTags, "item_id_out_of_scope")
			}
		}
		if selectedCandidate == nil {
			lineReasons = append(lineReasons, "missing_candidates")
			lineTags = append(lineTags, "missing_candidates")
		}

		rawMods := lineOutput["mods"]
		invalidModsPayload := false
		if rawMods != nil {
			if _, ok := rawMods.([]any); !ok {
				invalidModsPayload = true
				*auditEvents = append(*auditEvents, audit(
					"invalid_mods_payload", "LLM mods payload is not a list; fallback to rule mods",
					&line.LineIndex, nil, tagPolicyViolation, tagReviewQueue))
				lineReasons = append(lineReasons, "mods_payload_invalid")
				lineTags = append(lineTags, "mods_payload_invalid")
			}
		}
		requestedMods := extractModTokens(rawMods)
		if len(requestedMods) == 0 {
			requestedMods = cachedRuleMods(modsCache, lineText(line), allowedMods)
		}
		filtered := uniqueTokens(requestedMods)
		var beyondReference []string
		for _, token := range filtered {
			if _, known := referenceSet[token]; !known {
				beyondReference = append(beyondReference, token)
			}
		}
		if len(beyondReference) > 0 {
			*auditEvents = append(*auditEvents, audit(
				"mods_beyond_reference", "LLM returned mods beyond reference list (accepted)",
				&line.LineIndex, contracts.Metadata{"beyond_reference_mods": beyondReference}))
		}
		confidenceMods := safeConfidence(lineOutput["confidence_mods"], 0.65)
		mods := make([]contracts.Mod, 0, len(filtered))
		for _, token := range filtered {
			mods = append(mods, contracts.Mod{
				ModRaw:      token,
				ModName:     contracts.Str(token),
				Confidence:  contracts.F64(confidenceMods),
				NeedsReview: false,
				Metadata:    contracts.Metadata{},
				Version:     contracts.ContractVersion,
			})
		}

		llmFlagged := safeBool(lineOutput["needs_review"], false)
		needsReview := line.NeedsReview ||
			invalidItemID ||
			llmFlagged ||
			selectedCandidate == nil ||
			missingLineOutput ||
			selectedID == nil ||
			invalidModsPayload
		if line.NeedsReview {
			lineReasons = append(lineReasons, "raw_line_needs_review")
			lineTags = append(lineTags, "raw_line_needs_review")
		}
		if llmFlagged {
			lineReasons = append(lineReasons, "llm_flagged_review")
			lineTags = append(lineTags, "llm_flagged_review")
		}

		nameNormalized := line.NameRaw
		var itemCode *string
		if selectedCandidate != nil {
			nameNormalized = selectedCandidate.CandidateName
			itemCode = selectedCandidate.CandidateCode
		}
		var selectedIDMeta any
		if selectedID != nil {
			selectedIDMeta = *selectedID
		}
		items = append(items, contracts.NormalizedItem{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            line.Qty,
			NameNormalized: nameNormalized,
			ItemCode:       itemCode,
			NoteRaw:        line.NoteRaw,
			Mods:           mods,
			ConfidenceItem: contracts.F64(safeConfidence(lineOutput["confidence_item"], 0.65)),
			ConfidenceMods: contracts.F64(confidenceMods),
			NeedsReview:    needsReview,
			Metadata: contracts.Metadata{
				"selected_item_id": selectedIDMeta,
				"selection_source": "llm",
				"invalid_item_id":  invalidItemID,
				"review_reasons":   uniqueTokens(lineReasons),
				"review_tags":      uniqueTokens(lineTags),
			},
			Version: contracts.ContractVersion,
		})
	}
	return items
}

// stringifyOr renders v as a string, or returns def when v is empty-ish.
func stringifyOr(v any, def string) string {
	switch value := v.(type) {
	case nil:
		return def
	case string:
		if value == "" {
			return def
		}
		return value
	case bool:
		if !value {
			return def
		}
		return "true"
	case float64:
		if value == 0 {
			return def
		}
		if value == math.Trunc(value) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// sanitizeGroups validates the model's grouping decisions: list-shaped
// payload, in-scope line indices, at least two members, allowed group type,
// and no duplicate (type, indices) pairs.
func sanitizeGroups(
	rawGroups any,
	validLineIndices map[int]struct{},
	auditEvents *[]contracts.AuditEvent,
) []contracts.GroupResult {
	if rawGroups == nil {
		return nil
	}
	list, ok := rawGroups.([]any)
	if !ok {
		*auditEvents = append(*auditEvents, audit(
			"invalid_groups_payload", "LLM groups payload is not a list",
			nil, nil, tagPolicyViolation, tagReviewQueue))
		return nil
	}

	var groups []contracts.GroupResult
	seen := make(map[string]struct{})
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			*auditEvents = append(*auditEvents, audit(
				"invalid_group_entry", "LLM group entry is not an object",
				nil, nil, tagPolicyViolation, tagReviewQueue))
			continue
		}
		rawIndices, ok := obj["line_indices"].([]any)
		if !ok {
			*auditEvents = append(*auditEvents, audit(
				"invalid_group_line_indices_payload", "LLM group line_indices must be a list",
				nil, nil, tagPolicyViolation, tagReviewQueue))
			continue
		}

		var invalidIndices []any
		indexSet := make(map[int]struct{})
		for _, rawIdx := range rawIndices {
			idx, isInt := asInt(rawIdx)
			if !isInt {
				invalidIndices = append(invalidIndices, rawIdx)
				continue
			}
			if _, valid := validLineIndices[idx]; !valid {
				invalidIndices = append(invalidIndices, idx)
				continue
			}
			indexSet[idx] = struct{}{}
		}
		if len(invalidIndices) > 0 {
			*auditEvents = append(*auditEvents, audit(
				"group_line_indices_out_of_scope", "LLM group contains out-of-scope line indices",
				nil, contracts.Metadata{"invalid_line_indices": invalidIndices},
				tagPolicyViolation, tagReviewQueue))
		}
		indices := make([]int, 0, len(indexSet))
		for idx := range indexSet {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		if len(indices) < 2 {
			*auditEvents = append(*auditEvents, audit(
				"group_line_indices_insufficient", "LLM group must reference at least two valid line indices",
				nil, contracts.Metadata{"line_indices": indices},
				tagPolicyViolation, tagReviewQueue))
			continue
		}

		groupType, _ := obj["type"].(string)
		needsReview := safeBool(obj["needs_review"], false)
		var reviewReasons, reviewTags []string
		if len(invalidIndices) > 0 {
			needsReview = true
			reviewReasons = append(reviewReasons, "group_line_indices_out_of_scope")
			reviewTags = append(reviewTags, "group_line_indices_out_of_scope")
		}
		if !contracts.ValidGroupType(groupType) {
			*auditEvents = append(*auditEvents, audit(
				"group_type_out_of_allowed", "LLM group type is outside allowed set",
				nil, contracts.Metadata{"group_type": obj["type"]},
				tagPolicyViolation, tagReviewQueue))
			groupType = string(contracts.GroupOther)
			needsReview = true
			reviewReasons = append(reviewReasons, "group_type_out_of_scope")
			reviewTags = append(reviewTags, "group_type_out_of_scope")
		}
		if safeBool(obj["needs_review"], false) {
			reviewReasons = append(reviewReasons, "llm_flagged_review")
			reviewTags = append(reviewTags, "llm_flagged_review")
		}

		key := groupKey(groupType, indices)
		if _, dup := seen[key]; dup {
			*auditEvents = append(*auditEvents, audit(
				"duplicate_group", "Duplicate group by type and line indices was dropped",
				nil, contracts.Metadata{"group_type": groupType, "line_indices": indices},
				tagReviewQueue))
			continue
		}
		seen[key] = struct{}{}

		groups = append(groups, contracts.GroupResult{
			GroupID:         stringifyOr(obj["group_id"], fmt.Sprintf("G%d", len(groups)+1)),
			Type:            contracts.GroupType(groupType),
			Label:           stringifyOr(obj["label"], "llm_group"),
			LineIndices:     indices,
			ConfidenceGroup: contracts.F64(safeConfidence(obj["confidence_group"], 0.7)),
			NeedsReview:     needsReview,
			Metadata: contracts.Metadata{
				"source":         "llm",
				"review_reasons": uniqueTokens(reviewReasons),
				"review_tags":    uniqueTokens(reviewTags),
			},
			Version: contracts.ContractVersion,
		})
	}
	if len(list) > 0 && len(groups) == 0 {
		*auditEvents = append(*auditEvents, audit(
			"invalid_groups", "LLM returned groups but none were valid",
			nil, nil, tagReviewQueue))
	}
	return groups
}

func groupKey(groupType string, indices []int) string {
	parts := make([]string, 0, len(indices)+1)
	parts = append(parts, groupType)
	for _, idx := range indices {
		parts = append(parts, strconv.Itoa(idx))
	}
	return strings.Join(parts, ",")
}
