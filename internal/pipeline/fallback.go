package pipeline

import (
	"strings"

	"posnorm/internal/contracts"
)

// fallbackOrderRaw substitutes for a failed parse: one review-flagged line
// per non-blank input line, or a single UNKNOWN_LINE row for blank input.
func fallbackOrderRaw(receiptText string, orderID *string, stageErr string) contracts.OrderRawParsed {
	var lines []contracts.RawLine
	for index, raw := range strings.Split(strings.ReplaceAll(receiptText, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		lines = append(lines, contracts.RawLine{
			LineIndex:   index,
			RawLine:     raw,
			NameRaw:     strings.TrimSpace(raw),
			Qty:         1,
			NeedsReview: true,
			Metadata:    contracts.Metadata{"fallback_reason": "parser_exception"},
			Version:     contracts.ContractVersion,
		})
	}
	if len(lines) == 0 {
		nameRaw := strings.TrimSpace(receiptText)
		if nameRaw == "" {
			nameRaw = "UNKNOWN_LINE"
		}
		lines = []contracts.RawLine{{
			LineIndex:   0,
			RawLine:     receiptText,
			NameRaw:     nameRaw,
			Qty:         1,
			NeedsReview: true,
			Metadata:    contracts.Metadata{"fallback_reason": "parser_exception_empty"},
			Version:     contracts.ContractVersion,
		}}
	}
	return contracts.OrderRawParsed{
		SourceText:    receiptText,
		Lines:         lines,
		OrderID:       orderID,
		ParseWarnings: []string{"pipeline parser fallback: " + stageErr},
		NeedsReview:   true,
		Metadata: contracts.Metadata{
			"parse_errors":    []string{stageErr},
			"fallback_reason": "parser_exception",
		},
		Version: contracts.ContractVersion,
	}
}

// fallbackCandidates gives every line a single zero-confidence candidate
// built from its raw name.
func fallbackCandidates(orderRaw contracts.OrderRawParsed, stageErr string) contracts.CandidatesByLine {
	byLine := make(contracts.CandidatesByLine, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		qty := line.Qty
		if qty <= 0 {
			qty = 1
		}
		candidateName := line.NameRaw
		if candidateName == "" {
			candidateName = "UNKNOWN_ITEM"
		}
		byLine[line.LineIndex] = []contracts.CandidateItem{{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            qty,
			CandidateName:  candidateName,
			NoteRaw:        line.NoteRaw,
			ConfidenceItem: contracts.F64(0.0),
			NeedsReview:    true,
			Metadata: contracts.Metadata{
				"fallback_reason": "candidates_exception",
				"error":           stageErr,
			},
			Version: contracts.ContractVersion,
		}}
	}
	return byLine
}

// fallbackStructured selects each line's top candidate with zero confidence
// and no groups.
func fallbackStructured(orderRaw contracts.OrderRawParsed, byLine contracts.CandidatesByLine, stageErr string) contracts.StructuredResult {
	items := make([]contracts.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineCandidates := byLine[line.LineIndex]
		var top *contracts.CandidateItem
		if len(lineCandidates) > 0 {
			top = &lineCandidates[0]
		}
		qty := line.Qty
		if qty <= 0 {
			qty = 1
		}
		nameNormalized := line.NameRaw
		if nameNormalized == "" {
			nameNormalized = "UNKNOWN_ITEM"
		}
		var itemCode *string
		if top != nil {
			nameNormalized = top.CandidateName
			itemCode = top.CandidateCode
		}
		items = append(items, contracts.NormalizedItem{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            qty,
			NameNormalized: nameNormalized,
			ItemCode:       itemCode,
			NoteRaw:        line.NoteRaw,
			Mods:           []contracts.Mod{},
			ConfidenceItem: contracts.F64(0.0),
			ConfidenceMods: contracts.F64(0.0),
			NeedsReview:    true,
			Metadata: contracts.Metadata{
				"fallback_reason": "structured_exception",
				"error":           stageErr,
			},
			Version: contracts.ContractVersion,
		})
	}
	return contracts.StructuredResult{
		Items:  items,
		Groups: []contracts.GroupResult{},
		AuditEvents: []contracts.AuditEvent{{
			EventType: "pipeline_structured_fallback",
			Message:   "Structured stage failed, fallback generated",
			Metadata:  contracts.Metadata{"error": stageErr},
			Version:   contracts.ContractVersion,
		}},
		Metadata: contracts.Metadata{
			"fallback_reason": "structured_exception",
			"error":           stageErr,
		},
		Version: contracts.ContractVersion,
	}
}

// fallbackMerged review-flags every structured item (or synthesizes items
// from parser lines when there are none) and drops all groups.
func fallbackMerged(orderRaw contracts.OrderRawParsed, structured contracts.StructuredResult, stageErr string) contracts.OrderNormalized {
	safeItems := make([]contracts.NormalizedItem, 0, len(structured.Items))
	for _, item := range structured.Items {
		item.NeedsReview = true
		item.Metadata = contracts.CloneMetadata(item.Metadata)
		if item.Metadata == nil {
			item.Metadata = contracts.Metadata{}
		}
		item.Metadata["fallback_reason"] = "merge_exception"
		item.Metadata["error"] = stageErr
		safeItems = append(safeItems, item)
	}
	if len(safeItems) == 0 {
		for _, line := range orderRaw.Lines {
			qty := line.Qty
			if qty <= 0 {
				qty = 1
			}
			nameNormalized := line.NameRaw
			if nameNormalized == "" {
				nameNormalized = "UNKNOWN_ITEM"
			}
			safeItems = append(safeItems, contracts.NormalizedItem{
				LineIndex:      line.LineIndex,
				RawLine:        line.RawLine,
				NameRaw:        line.NameRaw,
				Qty:            qty,
				NameNormalized: nameNormalized,
				NoteRaw:        line.NoteRaw,
				Mods:           []contracts.Mod{},
				ConfidenceItem: contracts.F64(0.0),
				ConfidenceMods: contracts.F64(0.0),
				NeedsReview:    true,
				Metadata: contracts.Metadata{
					"fallback_reason": "merge_exception",
					"error":           stageErr,
				},
				Version: contracts.ContractVersion,
			})
		}
	}

	auditEvents := append([]contracts.AuditEvent{}, structured.AuditEvents...)
	auditEvents = append(auditEvents, contracts.AuditEvent{
		EventType: "pipeline_merge_fallback",
		Message:   "Merge stage failed, fallback generated",
		Metadata:  contracts.Metadata{"error": stageErr},
		Version:   contracts.ContractVersion,
	})
	return contracts.OrderNormalized{
		SourceText:         orderRaw.SourceText,
		Items:              safeItems,
		Groups:             []contracts.GroupResult{},
		OrderID:            orderRaw.OrderID,
		Lines:              orderRaw.Lines,
		AuditEvents:        auditEvents,
		OverallNeedsReview: true,
		Metadata: contracts.Metadata{
			"fallback_reason": "merge_exception",
			"error":           stageErr,
		},
		Version: contracts.ContractVersion,
	}
}
