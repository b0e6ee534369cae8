package normalize

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"posnorm/internal/contracts"
)

//go:embed normalize_group.prompt.md
var defaultPromptTemplate string

// loadPromptTemplate returns the embedded template, or the file at path when
// an override is given.
func loadPromptTemplate(path string) (string, error) {
	if path == "" {
		return defaultPromptTemplate, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	return string(raw), nil
}

// linePayload is the per-line view handed to the model.
type linePayload struct {
	LineIndex          int                `json:"line_index"`
	RawLine            string             `json:"raw_line"`
	NameRaw            string             `json:"name_raw"`
	Qty                int                `json:"qty"`
	NoteRaw            *string            `json:"note_raw"`
	CandidateGroupNote *string            `json:"candidate_group_note"`
	Candidates         []candidatePayload `json:"candidates"`
}

type candidatePayload struct {
	ItemID        string  `json:"item_id"`
	CandidateName string  `json:"candidate_name"`
	CandidateCode *string `json:"candidate_code"`
}

// buildItemID derives the prompt-visible id for a candidate slot. Duplicate
// ids within a line get a "#n" suffix so selections stay unambiguous.
func buildItemID(candidate contracts.CandidateItem, slot int) string {
	if code := contracts.Deref(candidate.CandidateCode); code != "" {
		return code
	}
	if candidate.CandidateName != "" {
		return candidate.CandidateName
	}
	return fmt.Sprintf("candidate_%d", slot+1)
}

// buildCandidateContext assigns stable item ids per line and assembles the
// line payload for the prompt. The returned lookup maps line index to
// item id to the candidate it identifies.
func buildCandidateContext(
	orderRaw contracts.OrderRawParsed,
	candidates contracts.CandidatesByLine,
	hints []GroupHint,
) (map[int]map[string]contracts.CandidateItem, []linePayload) {
	hintByLine := make(map[int]string, len(hints))
	for _, hint := range hints {
		hintByLine[hint.TriggerLineIndex] = hint.CandidateGroupNote
	}

	itemLookup := make(map[int]map[string]contracts.CandidateItem, len(orderRaw.Lines))
	payload := make([]linePayload, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineCandidates := candidates[line.LineIndex]
		lookup := make(map[string]contracts.CandidateItem, len(lineCandidates))
		candidatePayloads := make([]candidatePayload, 0, len(lineCandidates))
		for slot, candidate := range lineCandidates {
			itemID := buildItemID(candidate, slot)
			if _, taken := lookup[itemID]; taken {
				itemID = fmt.Sprintf("%s#%d", itemID, slot+1)
			}
			lookup[itemID] = candidate
			candidatePayloads = append(candidatePayloads, candidatePayload{
				ItemID:        itemID,
				CandidateName: candidate.CandidateName,
				CandidateCode: candidate.CandidateCode,
			})
		}
		itemLookup[line.LineIndex] = lookup

		var groupNote *string
		if note, ok := hintByLine[line.LineIndex]; ok {
			groupNote = contracts.Str(note)
		}
		payload = append(payload, linePayload{
			LineIndex:          line.LineIndex,
			RawLine:            line.RawLine,
			NameRaw:            line.NameRaw,
			Qty:                line.Qty,
			NoteRaw:            line.NoteRaw,
			CandidateGroupNote: groupNote,
			Candidates:         candidatePayloads,
		})
	}
	return itemLookup, payload
}

// jsonBlock renders v as indented JSON without HTML escaping, for embedding
// in the prompt.
func jsonBlock(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "null"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// renderPrompt substitutes the template placeholders with order data.
func renderPrompt(template string, allowedMods []string, lines []linePayload, hints []GroupHint) string {
	if allowedMods == nil {
		allowedMods = []string{}
	}
	if lines == nil {
		lines = []linePayload{}
	}
	if hints == nil {
		hints = []GroupHint{}
	}
	prompt := template
	prompt = strings.ReplaceAll(prompt, "{{ALLOWED_MODS_JSON}}", jsonBlock(allowedMods))
	prompt = strings.ReplaceAll(prompt, "{{ORDER_LINES_JSON}}", jsonBlock(lines))
	prompt = strings.ReplaceAll(prompt, "{{STEP1_HINTS_JSON}}", jsonBlock(hints))
	return prompt
}
