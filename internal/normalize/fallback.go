package normalize

import (
	"fmt"
	"sort"

	"posnorm/internal/cache"
	"posnorm/internal/contracts"
)

// buildRuleGroups turns resolved grouping hints into pack_together groups.
// Hints that reference fewer than two lines, or duplicate an earlier hint's
// line set, are skipped.
func buildRuleGroups(hints []GroupHint, markReview bool, source string) []contracts.GroupResult {
	var groups []contracts.GroupResult
	seen := make(map[string]struct{})
	for _, hint := range hints {
		indexSet := make(map[int]struct{}, len(hint.ReferencedLineIndices))
		for _, idx := range hint.ReferencedLineIndices {
			indexSet[idx] = struct{}{}
		}
		indices := make([]int, 0, len(indexSet))
		for idx := range indexSet {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		key := groupKey("", indices)
		if len(indices) < 2 {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		metadata := contracts.Metadata{"source": source}
		if markReview {
			metadata["review_reasons"] = []string{"rule_group_backstop"}
			metadata["review_tags"] = []string{"rule_group_backstop"}
		}
		groups = append(groups, contracts.GroupResult{
			GroupID:         fmt.Sprintf("G%d", len(groups)+1),
			Type:            contracts.GroupPackTogether,
			Label:           "rule_group_note",
			LineIndices:     indices,
			ConfidenceGroup: contracts.F64(0.35),
			NeedsReview:     markReview,
			Metadata:        metadata,
			Version:         contracts.ContractVersion,
		})
	}
	return groups
}

// buildFallbackItems produces one item per line without any model input:
// the top-ranked candidate wins, and mods come from rule extraction against
// the allowed list.
func buildFallbackItems(
	orderRaw contracts.OrderRawParsed,
	candidates contracts.CandidatesByLine,
	allowedMods []string,
	forceReview bool,
	fallbackReason string,
	modsCache *cache.Cache,
	auditEvents *[]contracts.AuditEvent,
) []contracts.NormalizedItem {
	items := make([]contracts.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		line := line
		lineCandidates := candidates[line.LineIndex]
		var selected *contracts.CandidateItem
		if len(lineCandidates) > 0 {
			selected = &lineCandidates[0]
		}

		var reviewReasons, reviewTags []string
		if forceReview {
			reviewReasons = append(reviewReasons, "llm_fallback")
			reviewTags = append(reviewTags, "llm_fallback")
			if fallbackReason != "" {
				reviewReasons = append(reviewReasons, "fallback:"+fallbackReason)
				reviewTags = append(reviewTags, fallbackReason)
			}
		}
		if selected == nil {
			*auditEvents = append(*auditEvents, audit(
				"missing_candidates", "No candidates found; fallback to raw line",
				&line.LineIndex, nil))
			reviewReasons = append(reviewReasons, "missing_candidates")
			reviewTags = append(reviewTags, "missing_candidates")
		}

		modTokens := cachedRuleMods(modsCache, lineText(line), allowedMods)
		mods := make([]contracts.Mod, 0, len(modTokens))
		for _, token := range modTokens {
			mods = append(mods, contracts.Mod{
				ModRaw:      token,
				ModName:     contracts.Str(token),
				Confidence:  contracts.F64(0.35),
				NeedsReview: forceReview,
				Metadata:    contracts.Metadata{},
				Version:     contracts.ContractVersion,
			})
		}

		nameNormalized := line.NameRaw
		var itemCode *string
		if selected != nil {
			nameNormalized = selected.CandidateName
			itemCode = selected.CandidateCode
		}
		needsReview := line.NeedsReview
		if forceReview {
			needsReview = true
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
			ConfidenceItem: contracts.F64(0.0),
			ConfidenceMods: contracts.F64(0.0),
			NeedsReview:    needsReview,
			Metadata: contracts.Metadata{
				"selection_source": "fallback_first_candidate",
				"review_reasons":   uniqueTokens(reviewReasons),
				"review_tags":      uniqueTokens(reviewTags),
			},
			Version: contracts.ContractVersion,
		})
	}
	return items
}
