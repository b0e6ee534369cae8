// Package merge is the final pipeline stage: it reconciles parser lines,
// candidate lists, and the structured model output into one validated
// OrderNormalized. Parser output is the source of truth for line identity
// and quantity; model output only refines it and every correction leaves an
// audit event behind.
package merge

import (
	"fmt"
	"strings"

	"posnorm/internal/contracts"
	"posnorm/internal/logging"
)

// DefaultThreshold is the confidence floor below which an item, mod, or
// group is flagged for review.
const DefaultThreshold = 0.85

// Options carries the per-concern confidence thresholds. The zero value
// means a threshold of zero (nothing flagged as low confidence); use
// DefaultOptions for the standard floors.
type Options struct {
	ItemThreshold  float64
	ModsThreshold  float64
	GroupThreshold float64
}

// DefaultOptions returns the standard 0.85 thresholds.
func DefaultOptions() Options {
	return Options{
		ItemThreshold:  DefaultThreshold,
		ModsThreshold:  DefaultThreshold,
		GroupThreshold: DefaultThreshold,
	}
}

func clampThreshold(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// normalizeConfidence maps a reported confidence onto [0,1]. Values in
// (1,100] are treated as percentages; anything else out of range is
// discarded.
func normalizeConfidence(value *float64) *float64 {
	if value == nil {
		return nil
	}
	parsed := *value
	switch {
	case parsed < 0:
		return nil
	case parsed <= 1:
		return contracts.F64(parsed)
	case parsed <= 100:
		return contracts.F64(parsed / 100.0)
	default:
		return nil
	}
}

// catalogIDs collects the set of item codes considered valid. The catalog
// itself wins; when it carries no usable ids the candidate codes serve as
// the reference set.
func catalogIDs(menuCatalog any, candidates contracts.CandidatesByLine) map[string]struct{} {
	ids := make(map[string]struct{})
	switch catalog := menuCatalog.(type) {
	case map[string]any:
		for itemID := range catalog {
			if trimmed := strings.TrimSpace(itemID); trimmed != "" {
				ids[trimmed] = struct{}{}
			}
		}
		return ids
	case []any:
		for _, raw := range catalog {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			rawID, ok := entry["item_id"]
			if !ok || rawID == nil {
				rawID = entry["item_code"]
			}
			if rawID == nil {
				continue
			}
			if itemID := strings.TrimSpace(fmt.Sprintf("%v", rawID)); itemID != "" {
				ids[itemID] = struct{}{}
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}

	for _, lineCandidates := range candidates {
		for _, candidate := range lineCandidates {
			if code := contracts.Deref(candidate.CandidateCode); code != "" {
				ids[code] = struct{}{}
			}
		}
	}
	return ids
}

func findCandidateByCode(lineCandidates []contracts.CandidateItem, itemCode string) *contracts.CandidateItem {
	if itemCode == "" {
		return nil
	}
	for i := range lineCandidates {
		if contracts.Deref(lineCandidates[i].CandidateCode) == itemCode {
			return &lineCandidates[i]
		}
	}
	return nil
}

func auditEvent(eventType, message string, lineIndex *int, metadata contracts.Metadata) contracts.AuditEvent {
	if metadata == nil {
		metadata = contracts.Metadata{}
	}
	return contracts.AuditEvent{
		EventType: eventType,
		Message:   message,
		LineIndex: lineIndex,
		Metadata:  metadata,
		Version:   contracts.ContractVersion,
	}
}

// copyAuditEvents clones upstream audit events, backfilling empty fields so
// every event in the final output is well formed.
func copyAuditEvents(events []contracts.AuditEvent) []contracts.AuditEvent {
	copied := make([]contracts.AuditEvent, 0, len(events))
	for _, event := range events {
		eventType := strings.TrimSpace(event.EventType)
		if eventType == "" {
			eventType = "merge_validate_info"
		} else {
			eventType = event.EventType
		}
		message := event.Message
		if strings.TrimSpace(message) == "" {
			message = "merge_validate_event"
		}
		version := event.Version
		if version == "" {
			version = contracts.ContractVersion
		}
		copied = append(copied, contracts.AuditEvent{
			EventType: eventType,
			Message:   message,
			LineIndex: event.LineIndex,
			ItemIndex: event.ItemIndex,
			Metadata:  contracts.CloneMetadata(event.Metadata),
			Version:   version,
		})
	}
	return copied
}

// collectStructuredItems indexes model items by line, dropping entries whose
// line index is unknown and keeping the first of any duplicates.
func collectStructuredItems(
	items []contracts.NormalizedItem,
	validLineIndices map[int]struct{},
	auditEvents *[]contracts.AuditEvent,
) map[int]*contracts.NormalizedItem {
	byLine := make(map[int]*contracts.NormalizedItem, len(items))
	for i := range items {
		item := &items[i]
		if _, valid := validLineIndices[item.LineIndex]; !valid {
			*auditEvents = append(*auditEvents, auditEvent(
				"item_invalid_line_index", "LLM item line_index not found in parser lines",
				contracts.Int(item.LineIndex), nil))
			continue
		}
		if _, dup := byLine[item.LineIndex]; dup {
			*auditEvents = append(*auditEvents, auditEvent(
				"item_duplicate_line_index", "Duplicate LLM item for the same line_index; first one is kept",
				contracts.Int(item.LineIndex), nil))
			continue
		}
		byLine[item.LineIndex] = item
	}
	return byLine
}

// normalizeMod rebuilds one mod with a usable token and confidence. Mods
// with no token at all are dropped (the caller flags the item for review).
func normalizeMod(raw contracts.Mod, defaultConfidence *float64) *contracts.Mod {
	token := strings.TrimSpace(raw.ModRaw)
	if token == "" {
		token = strings.TrimSpace(contracts.Deref(raw.ModName))
	}
	if token == "" {
		token = strings.TrimSpace(contracts.Deref(raw.ModValue))
	}
	if token == "" {
		return nil
	}
	confidence := normalizeConfidence(raw.Confidence)
	if confidence == nil {
		confidence = defaultConfidence
	}
	version := raw.Version
	if version == "" {
		version = contracts.ContractVersion
	}
	return &contracts.Mod{
		ModRaw:      token,
		ModName:     raw.ModName,
		ModValue:    raw.ModValue,
		Confidence:  confidence,
		NeedsReview: raw.NeedsReview,
		Metadata:    contracts.CloneMetadata(raw.Metadata),
		Version:     version,
	}
}

// mergeOneItem reconciles one parser line with its model decision (which may
// be absent). The parser keeps authority over identity fields; the item code
// must resolve inside the catalog and the line's own candidates or the top
// candidate takes over with a recorded fallback reason.
func mergeOneItem(
	line contracts.RawLine,
	llmItem *contracts.NormalizedItem,
	lineCandidates []contracts.CandidateItem,
	validCatalogIDs map[string]struct{},
	itemThreshold, modsThreshold float64,
	auditEvents *[]contracts.AuditEvent,
) contracts.NormalizedItem {
	needsReview := line.NeedsReview
	var sourceMetadata contracts.Metadata
	if llmItem != nil {
		sourceMetadata = contracts.CloneMetadata(llmItem.Metadata)
	}
	if sourceMetadata == nil {
		sourceMetadata = contracts.Metadata{}
	}
	var primaryCandidate *contracts.CandidateItem
	if len(lineCandidates) > 0 {
		primaryCandidate = &lineCandidates[0]
	}

	qty := line.Qty
	if llmItem != nil {
		if llmItem.Qty > 0 {
			qty = llmItem.Qty
		} else {
			needsReview = true
			*auditEvents = append(*auditEvents, auditEvent(
				"qty_invalid", "LLM qty must be positive integer; raw qty is kept",
				contracts.Int(line.LineIndex), contracts.Metadata{"qty": llmItem.Qty}))
		}
	}
	if qty <= 0 {
		needsReview = true
		*auditEvents = append(*auditEvents, auditEvent(
			"qty_invalid", "Final qty must be positive integer",
			contracts.Int(line.LineIndex), contracts.Metadata{"qty": qty}))
	}

	var confidenceItem, confidenceMods *float64
	if llmItem != nil {
		confidenceItem = normalizeConfidence(llmItem.ConfidenceItem)
		confidenceMods = normalizeConfidence(llmItem.ConfidenceMods)
	}
	if confidenceItem == nil || *confidenceItem < itemThreshold {
		needsReview = true
	}
	if confidenceMods == nil || *confidenceMods < modsThreshold {
		needsReview = true
	}

	itemCode := ""
	if llmItem != nil {
		itemCode = strings.TrimSpace(contracts.Deref(llmItem.ItemCode))
	}
	if itemCode != "" {
		if _, valid := validCatalogIDs[itemCode]; !valid {
			needsReview = true
			*auditEvents = append(*auditEvents, auditEvent(
				"item_code_not_in_catalog", "LLM item_code not found in menu_catalog; fallback is applied",
				contracts.Int(line.LineIndex), contracts.Metadata{"item_code": itemCode}))
			itemCode = ""
		}
	}

	fallbackReason := ""
	var selectedCandidate *contracts.CandidateItem
	if itemCode != "" {
		selectedCandidate = findCandidateByCode(lineCandidates, itemCode)
		if selectedCandidate == nil {
			needsReview = true
			fallbackReason = "item_code_not_in_line_candidates"
			*auditEvents = append(*auditEvents, auditEvent(
				"item_code_not_in_line_candidates", "LLM item_code is not in this line's candidates; fallback is applied when possible",
				contracts.Int(line.LineIndex), contracts.Metadata{"item_code": itemCode}))
			itemCode = ""
		}
	}
	if itemCode == "" && primaryCandidate != nil {
		if code := contracts.Deref(primaryCandidate.CandidateCode); code != "" {
			if _, valid := validCatalogIDs[code]; valid {
				itemCode = code
				selectedCandidate = primaryCandidate
				needsReview = true
				if fallbackReason == "" {
					fallbackReason = "candidate_fallback"
				}
				*auditEvents = append(*auditEvents, auditEvent(
					"item_fallback_to_candidate", "LLM item_code missing/invalid; using top candidate",
					contracts.Int(line.LineIndex), contracts.Metadata{"item_code": itemCode}))
			}
		}
	}

	nameNormalized := ""
	if llmItem != nil && strings.TrimSpace(llmItem.NameNormalized) != "" {
		nameNormalized = llmItem.NameNormalized
	}
	if nameNormalized == "" && selectedCandidate != nil {
		nameNormalized = selectedCandidate.CandidateName
		if llmItem != nil {
			needsReview = true
			if fallbackReason == "" {
				fallbackReason = "name_from_candidate"
			}
		}
	}
	if nameNormalized == "" {
		nameNormalized = line.NameRaw
		needsReview = true
		if fallbackReason == "" {
			fallbackReason = "name_from_raw"
		}
	}

	var mods []contracts.Mod
	if llmItem != nil {
		for _, rawMod := range llmItem.Mods {
			normalized := normalizeMod(rawMod, confidenceMods)
			if normalized == nil {
				needsReview = true
				continue
			}
			lowConfidence := normalized.Confidence == nil || *normalized.Confidence < modsThreshold
			normalized.NeedsReview = normalized.NeedsReview || lowConfidence
			mods = append(mods, *normalized)
		}
	}

	if llmItem == nil {
		needsReview = true
		if fallbackReason == "" {
			fallbackReason = "llm_item_missing"
		}
		*auditEvents = append(*auditEvents, auditEvent(
			"llm_item_missing", "No LLM item for parser line; using fallback fields",
			contracts.Int(line.LineIndex), nil))
	}
	if llmItem == nil || llmItem.NeedsReview {
		needsReview = true
	}

	var fallbackMeta any
	if fallbackReason != "" {
		fallbackMeta = fallbackReason
	}
	_, catalogValid := validCatalogIDs[itemCode]
	sourceMetadata["merge_source"] = mergeSource(llmItem)
	sourceMetadata["fallback_reason"] = fallbackMeta
	sourceMetadata["catalog_valid"] = itemCode != "" && catalogValid

	var itemCodePtr *string
	if itemCode != "" {
		itemCodePtr = contracts.Str(itemCode)
	}
	var groupID *string
	version := contracts.ContractVersion
	if llmItem != nil {
		groupID = llmItem.GroupID
		if llmItem.Version != "" {
			version = llmItem.Version
		}
	}
	return contracts.NormalizedItem{
		LineIndex:      line.LineIndex,
		RawLine:        line.RawLine,
		NameRaw:        line.NameRaw,
		Qty:            qty,
		NameNormalized: nameNormalized,
		ItemCode:       itemCodePtr,
		NoteRaw:        line.NoteRaw,
		Mods:           mods,
		GroupID:        groupID,
		ConfidenceItem: confidenceItem,
		ConfidenceMods: confidenceMods,
		NeedsReview:    needsReview,
		Metadata:       sourceMetadata,
		Version:        version,
	}
}

func mergeSource(llmItem *contracts.NormalizedItem) string {
	if llmItem != nil {
		return "llm"
	}
	return "fallback"
}

// mergeGroups validates structured groups against parser lines and enforces
// single-group membership: the first group to claim a line wins, later
// claims are removed and flagged.
func mergeGroups(
	rawGroups []contracts.GroupResult,
	validLineIndices map[int]struct{},
	groupThreshold float64,
	auditEvents *[]contracts.AuditEvent,
) []contracts.GroupResult {
	merged := make([]contracts.GroupResult, 0, len(rawGroups))
	occupied := make(map[int]string)

	for idx, raw := range rawGroups {
		groupID := strings.TrimSpace(raw.GroupID)
		if groupID == "" {
			groupID = fmt.Sprintf("G%d", idx+1)
		} else {
			groupID = raw.GroupID
		}
		groupType := string(raw.Type)
		typeCoerced := !contracts.ValidGroupType(groupType)
		if typeCoerced {
			groupType = string(contracts.GroupOther)
		}
		label := raw.Label
		if strings.TrimSpace(label) == "" {
			label = "group"
		}

		outOfRange := false
		duplicated := false
		seenLocal := make(map[int]struct{})
		cleaned := make([]int, 0, len(raw.LineIndices))
		for _, lineIndex := range raw.LineIndices {
			if _, valid := validLineIndices[lineIndex]; !valid {
				outOfRange = true
				continue
			}
			if _, dup := seenLocal[lineIndex]; dup {
				duplicated = true
				continue
			}
			seenLocal[lineIndex] = struct{}{}
			cleaned = append(cleaned, lineIndex)
		}

		conflict := false
		finalIndices := make([]int, 0, len(cleaned))
		for _, lineIndex := range cleaned {
			if _, taken := occupied[lineIndex]; taken {
				conflict = true
				continue
			}
			occupied[lineIndex] = groupID
			finalIndices = append(finalIndices, lineIndex)
		}

		confidenceGroup := normalizeConfidence(raw.ConfidenceGroup)
		lowConfidence := confidenceGroup == nil || *confidenceGroup < groupThreshold
		tooFewLines := len(finalIndices) < 2
		needsReview := raw.NeedsReview ||
			outOfRange ||
			duplicated ||
			conflict ||
			tooFewLines ||
			lowConfidence ||
			typeCoerced

		if outOfRange {
			*auditEvents = append(*auditEvents, auditEvent(
				"group_line_index_out_of_range", "Group contains line_indices outside parser lines",
				nil, contracts.Metadata{"group_id": groupID, "line_indices": raw.LineIndices}))
		}
		if duplicated {
			*auditEvents = append(*auditEvents, auditEvent(
				"group_line_index_duplicated", "Group line_indices contain duplicates",
				nil, contracts.Metadata{"group_id": groupID}))
		}
		if conflict {
			*auditEvents = append(*auditEvents, auditEvent(
				"group_line_conflict", "Group conflicts with previous group; conflicting lines removed (first group wins)",
				nil, contracts.Metadata{"group_id": groupID}))
		}
		if tooFewLines {
			*auditEvents = append(*auditEvents, auditEvent(
				"group_too_few_lines", "Group must contain at least 2 valid line_indices",
				nil, contracts.Metadata{"group_id": groupID, "line_indices": finalIndices}))
		}

		metadata := contracts.Metadata{
			"source":                "llm",
			"group_membership_rule": "single_group_per_line_first_wins",
		}
		for key, value := range raw.Metadata {
			metadata[key] = value
		}
		version := raw.Version
		if version == "" {
			version = contracts.ContractVersion
		}
		merged = append(merged, contracts.GroupResult{
			GroupID:         groupID,
			Type:            contracts.GroupType(groupType),
			Label:           label,
			LineIndices:     finalIndices,
			ConfidenceGroup: confidenceGroup,
			NeedsReview:     needsReview,
			Metadata:        metadata,
			Version:         version,
		})
	}
	return merged
}

// MergeAndValidate reconciles the three upstream artifacts into the final
// order. It never fails: all inconsistencies are resolved by falling back to
// parser or candidate data with review flags and audit events.
func MergeAndValidate(
	orderRaw contracts.OrderRawParsed,
	candidates contracts.CandidatesByLine,
	structured contracts.StructuredResult,
	menuCatalog any,
	allowedMods contracts.AllowedMods,
	opts Options,
) contracts.OrderNormalized {
	defer logging.StartTimer(logging.CategoryMerge, "merge_and_validate").Stop()

	itemThreshold := clampThreshold(opts.ItemThreshold)
	modsThreshold := clampThreshold(opts.ModsThreshold)
	groupThreshold := clampThreshold(opts.GroupThreshold)

	copiedLines := make([]contracts.RawLine, len(orderRaw.Lines))
	for i, line := range orderRaw.Lines {
		copied := line
		copied.Metadata = contracts.CloneMetadata(line.Metadata)
		copiedLines[i] = copied
	}
	validLineIndices := make(map[int]struct{}, len(copiedLines))
	for _, line := range copiedLines {
		validLineIndices[line.LineIndex] = struct{}{}
	}
	validCatalogIDs := catalogIDs(menuCatalog, candidates)

	auditEvents := copyAuditEvents(structured.AuditEvents)
	llmItemsByLine := collectStructuredItems(structured.Items, validLineIndices, &auditEvents)

	items := make([]contracts.NormalizedItem, 0, len(copiedLines))
	for _, line := range copiedLines {
		items = append(items, mergeOneItem(
			line,
			llmItemsByLine[line.LineIndex],
			candidates[line.LineIndex],
			validCatalogIDs,
			itemThreshold,
			modsThreshold,
			&auditEvents,
		))
	}

	groups := mergeGroups(structured.Groups, validLineIndices, groupThreshold, &auditEvents)

	overallNeedsReview := orderRaw.NeedsReview
	for _, item := range items {
		if item.NeedsReview {
			overallNeedsReview = true
		}
	}
	for _, group := range groups {
		if group.NeedsReview {
			overallNeedsReview = true
		}
	}

	mergedMetadata := contracts.CloneMetadata(orderRaw.Metadata)
	if mergedMetadata == nil {
		mergedMetadata = contracts.Metadata{}
	}
	mergedMetadata["structured_result_metadata"] = contracts.CloneMetadata(structured.Metadata)
	mergedMetadata["thresholds"] = contracts.Metadata{
		"item_threshold":  itemThreshold,
		"mods_threshold":  modsThreshold,
		"group_threshold": groupThreshold,
	}
	mergedMetadata["validation_rules"] = contracts.Metadata{
		"group_membership_rule": "single_group_per_line_first_wins",
		"mods_filter_mode":      "open",
	}
	mergedMetadata["dispatch_decision"] = buildDispatchDecision(orderRaw, items, groups, overallNeedsReview)

	var orderConfidence *float64
	updateMin := func(value *float64) {
		if value == nil {
			return
		}
		if orderConfidence == nil || *value < *orderConfidence {
			orderConfidence = contracts.F64(*value)
		}
	}
	for _, item := range items {
		updateMin(item.ConfidenceItem)
		updateMin(item.ConfidenceMods)
	}
	for _, group := range groups {
		updateMin(group.ConfidenceGroup)
	}

	logging.Merge("merged order: %d items, %d groups, review=%t", len(items), len(groups), overallNeedsReview)
	return contracts.OrderNormalized{
		SourceText:         orderRaw.SourceText,
		Items:              items,
		Groups:             groups,
		OrderID:            orderRaw.OrderID,
		Lines:              copiedLines,
		AuditEvents:        auditEvents,
		OverallNeedsReview: overallNeedsReview,
		OrderConfidence:    orderConfidence,
		Metadata:           mergedMetadata,
		Version:            contracts.ContractVersion,
	}
}
