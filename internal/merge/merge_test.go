package merge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posnorm/internal/contracts"
)

func mergeLine(index, qty int, name string) contracts.RawLine {
	return contracts.RawLine{
		LineIndex: index,
		RawLine:   name,
		NameRaw:   name,
		Qty:       qty,
		Version:   contracts.ContractVersion,
	}
}

func mergeOrder(lines ...contracts.RawLine) contracts.OrderRawParsed {
	return contracts.OrderRawParsed{
		SourceText: "receipt",
		Lines:      lines,
		Version:    contracts.ContractVersion,
	}
}

func mergeCandidate(code, name string) contracts.CandidateItem {
	return contracts.CandidateItem{
		CandidateName:  name,
		CandidateCode:  contracts.Str(code),
		ConfidenceItem: contracts.F64(90),
		Metadata:       contracts.Metadata{},
		Version:        contracts.ContractVersion,
	}
}

func structuredItem(lineIndex, qty int, code, name string, confItem, confMods float64) contracts.NormalizedItem {
	return contracts.NormalizedItem{
		LineIndex:      lineIndex,
		Qty:            qty,
		NameNormalized: name,
		ItemCode:       contracts.Str(code),
		ConfidenceItem: contracts.F64(confItem),
		ConfidenceMods: contracts.F64(confMods),
		Metadata:       contracts.Metadata{},
		Version:        contracts.ContractVersion,
	}
}

func listCatalog(codes ...string) []any {
	catalog := make([]any, 0, len(codes))
	for _, code := range codes {
		catalog = append(catalog, map[string]any{"item_id": code})
	}
	return catalog
}

func eventTypes(events []contracts.AuditEvent) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	return types
}

func TestMergeAndValidate_HappyPathAutoDispatch(t *testing.T) {
	order := mergeOrder(mergeLine(0, 2, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		Items:   []contracts.NormalizedItem{structuredItem(0, 2, "A1", "鍋貼", 0.9, 0.9)},
		Version: contracts.ContractVersion,
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	require.Len(t, merged.Items, 1)
	item := merged.Items[0]
	assert.False(t, item.NeedsReview)
	assert.Equal(t, "A1", contracts.Deref(item.ItemCode))
	assert.Equal(t, 2, item.Qty)
	assert.Equal(t, "llm", item.Metadata["merge_source"])
	assert.Nil(t, item.Metadata["fallback_reason"])
	assert.Equal(t, true, item.Metadata["catalog_valid"])

	assert.False(t, merged.OverallNeedsReview)
	assert.InDelta(t, 0.9, contracts.DerefF64(merged.OrderConfidence), 1e-9)
	assert.Equal(t, "receipt", merged.SourceText)

	decision := merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Equal(t, RouteAutoDispatch, decision["route"])
	assert.Equal(t, true, decision["should_auto_dispatch"])
	assert.Empty(t, decision["reasons"])

	thresholds := merged.Metadata["thresholds"].(contracts.Metadata)
	assert.Equal(t, DefaultThreshold, thresholds["item_threshold"])
	rules := merged.Metadata["validation_rules"].(contracts.Metadata)
	assert.Equal(t, "single_group_per_line_first_wins", rules["group_membership_rule"])
	assert.Equal(t, "open", rules["mods_filter_mode"])
}

func TestMergeAndValidate_PercentConfidenceRescaled(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "A1", "鍋貼", 92, 88)},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	item := merged.Items[0]
	assert.InDelta(t, 0.92, contracts.DerefF64(item.ConfidenceItem), 1e-9)
	assert.InDelta(t, 0.88, contracts.DerefF64(item.ConfidenceMods), 1e-9)
	assert.False(t, item.NeedsReview)
}

func TestMergeAndValidate_LowConfidenceFlagsReview(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "A1", "鍋貼", 0.5, 0.9)},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	assert.True(t, merged.Items[0].NeedsReview)
	assert.True(t, merged.OverallNeedsReview)
	decision := merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Equal(t, RouteReviewQueue, decision["route"])
	assert.Contains(t, decision["reasons"], "item_needs_review")
}

func TestMergeAndValidate_QtyRules(t *testing.T) {
	t.Run("llm qty overrides raw", func(t *testing.T) {
		order := mergeOrder(mergeLine(0, 1, "鍋貼"))
		candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
		structured := contracts.StructuredResult{
			Items: []contracts.NormalizedItem{structuredItem(0, 3, "A1", "鍋貼", 0.9, 0.9)},
		}
		merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())
		assert.Equal(t, 3, merged.Items[0].Qty)
	})

	t.Run("non-positive llm qty keeps raw and flags", func(t *testing.T) {
		order := mergeOrder(mergeLine(0, 2, "鍋貼"))
		candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
		structured := contracts.StructuredResult{
			Items: []contracts.NormalizedItem{structuredItem(0, 0, "A1", "鍋貼", 0.9, 0.9)},
		}
		merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())
		item := merged.Items[0]
		assert.Equal(t, 2, item.Qty)
		assert.True(t, item.NeedsReview)
		assert.Contains(t, eventTypes(merged.AuditEvents), "qty_invalid")
	})
}

func TestMergeAndValidate_ItemCodeNotInCatalog(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "Z9", "鍋貼", 0.9, 0.9)},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	item := merged.Items[0]
	assert.True(t, item.NeedsReview)
	assert.Equal(t, "A1", contracts.Deref(item.ItemCode), "top candidate takes over")
	assert.Equal(t, "candidate_fallback", item.Metadata["fallback_reason"])

	types := eventTypes(merged.AuditEvents)
	assert.Contains(t, types, "item_code_not_in_catalog")
	assert.Contains(t, types, "item_fallback_to_candidate")
}

func TestMergeAndValidate_ItemCodeNotInLineCandidates(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		// B7 exists in the catalog but was never a candidate for this line.
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "B7", "小籠包", 0.9, 0.9)},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1", "B7"), nil, DefaultOptions())

	item := merged.Items[0]
	assert.Equal(t, "A1", contracts.Deref(item.ItemCode))
	assert.Equal(t, "item_code_not_in_line_candidates", item.Metadata["fallback_reason"])
	assert.Contains(t, eventTypes(merged.AuditEvents), "item_code_not_in_line_candidates")
}

func TestMergeAndValidate_MissingLLMItem(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"), mergeLine(1, 1, "酸辣湯"))
	candidates := contracts.CandidatesByLine{
		0: {mergeCandidate("A1", "鍋貼")},
		1: {mergeCandidate("A2", "酸辣湯")},
	}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "A1", "鍋貼", 0.9, 0.9)},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1", "A2"), nil, DefaultOptions())

	require.Len(t, merged.Items, 2)
	second := merged.Items[1]
	assert.True(t, second.NeedsReview)
	assert.Equal(t, "A2", contracts.Deref(second.ItemCode))
	assert.Equal(t, "酸辣湯", second.NameNormalized)
	assert.Equal(t, "fallback", second.Metadata["merge_source"])
	assert.Equal(t, "candidate_fallback", second.Metadata["fallback_reason"])
	assert.Contains(t, eventTypes(merged.AuditEvents), "llm_item_missing")
}

func TestMergeAndValidate_DuplicateAndUnknownLineIndices(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	first := structuredItem(0, 1, "A1", "鍋貼", 0.9, 0.9)
	duplicate := structuredItem(0, 5, "A1", "鍋貼 dup", 0.9, 0.9)
	stray := structuredItem(7, 1, "A1", "鍋貼", 0.9, 0.9)
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{first, duplicate, stray},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	require.Len(t, merged.Items, 1)
	assert.Equal(t, 1, merged.Items[0].Qty, "first structured item wins")
	types := eventTypes(merged.AuditEvents)
	assert.Contains(t, types, "item_duplicate_line_index")
	assert.Contains(t, types, "item_invalid_line_index")
}

func TestMergeAndValidate_GroupFirstWins(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"), mergeLine(1, 1, "酸辣湯"), mergeLine(2, 1, "小籠包"))
	candidates := contracts.CandidatesByLine{
		0: {mergeCandidate("A1", "鍋貼")},
		1: {mergeCandidate("A2", "酸辣湯")},
		2: {mergeCandidate("A3", "小籠包")},
	}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{
			structuredItem(0, 1, "A1", "鍋貼", 0.9, 0.9),
			structuredItem(1, 1, "A2", "酸辣湯", 0.9, 0.9),
			structuredItem(2, 1, "A3", "小籠包", 0.9, 0.9),
		},
		Groups: []contracts.GroupResult{
			{GroupID: "G1", Type: contracts.GroupPackTogether, Label: "同袋", LineIndices: []int{0, 1}, ConfidenceGroup: contracts.F64(0.9)},
			{GroupID: "G2", Type: contracts.GroupPackTogether, Label: "同袋", LineIndices: []int{1, 2}, ConfidenceGroup: contracts.F64(0.9)},
		},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1", "A2", "A3"), nil, DefaultOptions())

	require.Len(t, merged.Groups, 2)
	assert.Equal(t, []int{0, 1}, merged.Groups[0].LineIndices)
	assert.False(t, merged.Groups[0].NeedsReview)
	// Line 1 already belongs to G1; G2 keeps only line 2 and is flagged.
	assert.Equal(t, []int{2}, merged.Groups[1].LineIndices)
	assert.True(t, merged.Groups[1].NeedsReview)

	types := eventTypes(merged.AuditEvents)
	assert.Contains(t, types, "group_line_conflict")
	assert.Contains(t, types, "group_too_few_lines")

	decision := merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Contains(t, decision["reasons"], "group_needs_review")
}

func TestMergeAndValidate_GroupValidation(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"), mergeLine(1, 1, "酸辣湯"))
	candidates := contracts.CandidatesByLine{
		0: {mergeCandidate("A1", "鍋貼")},
		1: {mergeCandidate("A2", "酸辣湯")},
	}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{
			structuredItem(0, 1, "A1", "鍋貼", 0.9, 0.9),
			structuredItem(1, 1, "A2", "酸辣湯", 0.9, 0.9),
		},
		Groups: []contracts.GroupResult{
			{Type: contracts.GroupType("stacked"), LineIndices: []int{0, 1, 1, 9}, ConfidenceGroup: contracts.F64(0.9)},
		},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1", "A2"), nil, DefaultOptions())

	require.Len(t, merged.Groups, 1)
	group := merged.Groups[0]
	assert.Equal(t, "G1", group.GroupID)
	assert.Equal(t, contracts.GroupOther, group.Type)
	assert.Equal(t, "group", group.Label)
	assert.Equal(t, []int{0, 1}, group.LineIndices)
	assert.True(t, group.NeedsReview)

	types := eventTypes(merged.AuditEvents)
	assert.Contains(t, types, "group_line_index_out_of_range")
	assert.Contains(t, types, "group_line_index_duplicated")
}

func TestMergeAndValidate_OrderConfidenceIsMinimum(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"), mergeLine(1, 1, "酸辣湯"))
	candidates := contracts.CandidatesByLine{
		0: {mergeCandidate("A1", "鍋貼")},
		1: {mergeCandidate("A2", "酸辣湯")},
	}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{
			structuredItem(0, 1, "A1", "鍋貼", 0.95, 0.9),
			structuredItem(1, 1, "A2", "酸辣湯", 0.88, 0.91),
		},
		Groups: []contracts.GroupResult{
			{GroupID: "G1", Type: contracts.GroupPackTogether, LineIndices: []int{0, 1}, ConfidenceGroup: contracts.F64(0.87)},
		},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1", "A2"), nil, DefaultOptions())
	assert.InDelta(t, 0.87, contracts.DerefF64(merged.OrderConfidence), 1e-9)
}

func TestMergeAndValidate_DispatchReasonOrdering(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "神秘品項"))
	order.NeedsReview = true
	structured := contracts.StructuredResult{}

	merged := MergeAndValidate(order, nil, structured, nil, nil, DefaultOptions())

	decision := merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Equal(t, RouteReviewQueue, decision["route"])
	assert.Equal(t, false, decision["should_auto_dispatch"])
	assert.Equal(t, []string{"order_raw_needs_review", "item_needs_review", "missing_item_code"},
		decision["reasons"])
}

func TestMergeAndValidate_CopiesUpstreamAuditEvents(t *testing.T) {
	order := mergeOrder(mergeLine(0, 1, "鍋貼"))
	candidates := contracts.CandidatesByLine{0: {mergeCandidate("A1", "鍋貼")}}
	structured := contracts.StructuredResult{
		Items: []contracts.NormalizedItem{structuredItem(0, 1, "A1", "鍋貼", 0.9, 0.9)},
		AuditEvents: []contracts.AuditEvent{
			{EventType: "llm_timeout", Message: "LLM request timed out"},
			{},
		},
	}

	merged := MergeAndValidate(order, candidates, structured, listCatalog("A1"), nil, DefaultOptions())

	require.GreaterOrEqual(t, len(merged.AuditEvents), 2)
	assert.Equal(t, "llm_timeout", merged.AuditEvents[0].EventType)
	assert.Equal(t, contracts.ContractVersion, merged.AuditEvents[0].Version)
	assert.Equal(t, "merge_validate_info", merged.AuditEvents[1].EventType)
	assert.Equal(t, "merge_validate_event", merged.AuditEvents[1].Message)
}

func TestMergeAndValidate_PreservesParserLines(t *testing.T) {
	order := mergeOrder(mergeLine(0, 2, "鍋貼"), mergeLine(3, 1, "酸辣湯"))
	order.Lines[0].NoteRaw = contracts.Str("加辣")
	order.Lines[1].Metadata = contracts.Metadata{"parse_hint": "bare_qty"}

	merged := MergeAndValidate(order, nil, contracts.StructuredResult{}, nil, nil, DefaultOptions())

	if diff := cmp.Diff(order.Lines, merged.Lines, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("parser lines changed through merge (-want +got):\n%s", diff)
	}
}

func TestNormalizeConfidence(t *testing.T) {
	assert.Nil(t, normalizeConfidence(nil))
	assert.Nil(t, normalizeConfidence(contracts.F64(-0.1)))
	assert.Nil(t, normalizeConfidence(contracts.F64(250)))
	assert.Equal(t, 0.5, contracts.DerefF64(normalizeConfidence(contracts.F64(0.5))))
	assert.Equal(t, 0.92, contracts.DerefF64(normalizeConfidence(contracts.F64(92))))
	assert.Equal(t, 1.0, contracts.DerefF64(normalizeConfidence(contracts.F64(1))))
}

func TestCatalogIDs(t *testing.T) {
	t.Run("map catalog", func(t *testing.T) {
		ids := catalogIDs(map[string]any{"A1": nil, " ": nil}, nil)
		assert.Equal(t, map[string]struct{}{"A1": {}}, ids)
	})

	t.Run("list catalog with item_code key", func(t *testing.T) {
		ids := catalogIDs([]any{map[string]any{"item_code": "B2"}}, nil)
		assert.Contains(t, ids, "B2")
	})

	t.Run("candidates fallback", func(t *testing.T) {
		candidates := contracts.CandidatesByLine{0: {mergeCandidate("C3", "小菜")}}
		ids := catalogIDs(nil, candidates)
		assert.Contains(t, ids, "C3")
	})
}
