// Package normalize is the LLM stage of the ingest pipeline: it detects
// rule-based grouping hints, renders the normalization prompt, calls the
// model, and sanitizes whatever comes back so that downstream stages only
// ever see catalog-scoped item ids and valid group shapes. Every correction
// applied during sanitization is recorded as an audit event.
package normalize

import (
	"regexp"
	"strings"

	"posnorm/internal/contracts"
)

// Keywords that mark a line as a potential grouping instruction
// (e.g. 跟上面一起, 全部同袋).
var groupKeywords = []string{
	"一起",
	"同一袋",
	"同袋",
	"同包",
	"合併",
	"合并",
	"裝一起",
	"装一起",
	"上面",
	"前面",
}

// refRE matches back-references like 上面2項 / 前三項.
var refRE = regexp.MustCompile(`(上面|前面|前)\s*([123一二兩两三])\s*項`)

var refCountMap = map[string]int{
	"1": 1,
	"2": 2,
	"3": 3,
	"一": 1,
	"二": 2,
	"兩": 2,
	"两": 2,
	"三": 3,
}

// GroupHint is a rule-detected grouping instruction. ReferencedLineIndices
// may be empty when the reference could not be resolved; the model still
// sees the trigger note.
type GroupHint struct {
	TriggerLineIndex      int    `json:"trigger_line_index"`
	CandidateGroupNote    string `json:"candidate_group_note"`
	ReferencedLineIndices []int  `json:"referenced_line_indices"`
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// resolveReferenceIndices resolves which line indices a grouping note points
// at. linePositions is the ordered list of line indices; currentPos is the
// position of the note-bearing line within it.
func resolveReferenceIndices(linePositions []int, currentPos int, text string) []int {
	previous := linePositions[:currentPos]
	if m := refRE.FindStringSubmatch(text); m != nil {
		if count, ok := refCountMap[m[2]]; ok && count > 0 && len(previous) > 0 {
			start := len(previous) - count
			if start < 0 {
				start = 0
			}
			return append([]int(nil), previous[start:]...)
		}
	}
	allTogether := strings.Contains(text, "全部") || strings.Contains(text, "都")
	if allTogether && containsAny(text, []string{"一起", "同袋", "同包", "合併", "合并"}) {
		return append([]int(nil), linePositions[:currentPos+1]...)
	}
	if containsAny(text, []string{"一起", "同袋", "同包", "合併", "合并", "裝一起", "装一起"}) && len(previous) > 0 {
		return []int{previous[len(previous)-1], linePositions[currentPos]}
	}
	return nil
}

// BuildGroupHints scans parsed lines for grouping keywords and resolves the
// lines each hint refers to.
func BuildGroupHints(orderRaw contracts.OrderRawParsed) []GroupHint {
	linePositions := make([]int, len(orderRaw.Lines))
	for i, line := range orderRaw.Lines {
		linePositions[i] = line.LineIndex
	}

	var hints []GroupHint
	for pos, line := range orderRaw.Lines {
		var parts []string
		if note := contracts.Deref(line.NoteRaw); note != "" {
			parts = append(parts, note)
		}
		if line.RawLine != "" {
			parts = append(parts, line.RawLine)
		}
		text := strings.TrimSpace(strings.Join(parts, " "))
		if text == "" || !containsAny(text, groupKeywords) {
			continue
		}
		note := contracts.Deref(line.NoteRaw)
		if note == "" {
			note = line.RawLine
		}
		refs := resolveReferenceIndices(linePositions, pos, text)
		if refs == nil {
			refs = []int{}
		}
		hints = append(hints, GroupHint{
			TriggerLineIndex:      line.LineIndex,
			CandidateGroupNote:    note,
			ReferencedLineIndices: refs,
		})
	}
	return hints
}
