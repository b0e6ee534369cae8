// Package parser turns dirty receipt text into parsed raw lines. It
// normalizes full-width symbols, drops noise rows (separators, phone numbers,
// timestamps, receipt metadata), strips list markers, peels inline and
// parenthesized notes, and extracts quantities. Line indices refer to the
// original text and survive noise skipping.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"posnorm/internal/contracts"
	"posnorm/internal/logging"
)

var symbolReplacer = strings.NewReplacer(
	"：", ":",
	"（", "(",
	"）", ")",
	"＊", "*",
	"﹡", "*",
	"＄", "$",
	"Ｘ", "x",
	"ｘ", "x",
	"×", "x",
	"　", " ",
)

var (
	leadingMarkerRE = regexp.MustCompile(`^\s*(?:[*\-•●#]+|\d{1,3}[.)、]|[(（]\d{1,3}[)）]|[A-Za-z][.)])\s*`)
	separatorRE     = regexp.MustCompile(`^[\-=~_*#\s]{3,}$`)
	phoneOnlyRE     = regexp.MustCompile(`(?i)^\s*(?:電話|tel)?\s*:?\s*(?:\+?886[-\s]?)?(?:0\d{1,2}[-\s]?\d{6,8}|09\d{2}[-\s]?\d{3}[-\s]?\d{3})(?:\s*(?:#|ext\.?|轉)\s*\d{1,5})?\s*$`)
	datetimeOnlyRE  = regexp.MustCompile(`^\s*(?:\d{4}[/-]\d{1,2}[/-]\d{1,2}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?|\d{1,2}:\d{2}(?::\d{2})?)\s*$`)
	noiseLeadRE     = regexp.MustCompile(`(?i)^\s*(?:電話|tel|地址|統編|單號|訂單|時間|日期|總計|小計|合計|應收|找零)(?:\s|:|$)`)

	noteRE           = regexp.MustCompile(`(?i)(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	standaloneNoteRE = regexp.MustCompile(`(?i)^\s*(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	trailingParenRE  = regexp.MustCompile(`^(.+?)\s*\(([^()]+)\)\s*$`)

	qtyXOrStarRE  = regexp.MustCompile(`(?i)^(.+?)\s*[x*]\s*(-?\d+)\s*$`)
	qtyFenRE      = regexp.MustCompile(`^(.+?)\s+(-?\d+)\s*份\s*$`)
	qtyPlainRE    = regexp.MustCompile(`^(.+?)\s+(-?\d+)\s*$`)
	qtyMarkerAnyRE = regexp.MustCompile(`(?i)^(.+?)\s*[x*]\s*(\S*)\s*$`)
	qtyFenAnyRE   = regexp.MustCompile(`^(.+?)\s+(\S+)\s*份\s*$`)
	hasQtyHintRE  = regexp.MustCompile(`(?i)[x*]\s*\S+|\d+\s*份`)
	hasQtyMarkRE  = regexp.MustCompile(`(?i)(?:^|\s)[x*]\s*\S+`)
	hasFenMarkRE  = regexp.MustCompile(`\d+\s*份`)

	trailingCurrencyRE = regexp.MustCompile(`(?i)^(.+?)\s*(?:ntd?\$?|twd|\$)\s*(\d+(?:\.\d{1,2})?)\s*$`)
	trailingUnitRE     = regexp.MustCompile(`^(.+?)\s*(\d+(?:\.\d{1,2})?)\s*元\s*$`)
	trailingPlainRE    = regexp.MustCompile(`^(.+?)\s+(\d+(?:\.\d{1,2})?)\s*$`)

	fallbackQtySuffixRE = regexp.MustCompile(`(?i)[x*]\s*-?\d+\s*$`)
	fallbackFenSuffixRE = regexp.MustCompile(`\s*-?\d+\s*份?\s*$`)
	whitespaceRE        = regexp.MustCompile(`\s+`)
)

// qty extraction states.
const (
	qtyOK      = "ok"
	qtyMissing = "missing"
	qtyInvalid = "invalid"
)

func normalizeForParse(line string) string {
	normalized := symbolReplacer.Replace(line)
	normalized = whitespaceRE.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func stripLeadingMarkers(line string) string {
	current := line
	for {
		stripped := strings.TrimSpace(leadingMarkerRE.ReplaceAllString(current, ""))
		if stripped == current {
			return current
		}
		current = stripped
	}
}

func isNoiseLine(normalized string) bool {
	if normalized == "" {
		return true
	}
	if separatorRE.MatchString(normalized) {
		return true
	}
	if noiseLeadRE.MatchString(normalized) {
		// A qty hint means this is an item line despite the prefix
		// (e.g. 時間限定鍋貼 x2).
		return !hasQtyHintRE.MatchString(normalized)
	}
	if phoneOnlyRE.MatchString(normalized) {
		return true
	}
	return datetimeOnlyRE.MatchString(normalized)
}

func extractInlineNote(text string) (string, string) {
	loc := noteRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return strings.TrimSpace(text), ""
	}
	body := strings.TrimSpace(text[:loc[0]])
	note := strings.TrimSpace(text[loc[2]:loc[3]])
	return body, note
}

// extractParentheticalNote peels trailing (…) groups off the name. Notes are
// returned in their original left-to-right order.
func extractParentheticalNote(nameWithNote string) (string, []string) {
	var notes []string
	current := strings.TrimSpace(nameWithNote)
	for {
		m := trailingParenRE.FindStringSubmatch(current)
		if m == nil {
			return current, notes
		}
		notes = append([]string{strings.TrimSpace(m[2])}, notes...)
		current = strings.TrimSpace(m[1])
	}
}

func fallbackName(text string) string {
	name := strings.TrimSpace(fallbackQtySuffixRE.ReplaceAllString(text, ""))
	name = strings.TrimSpace(fallbackFenSuffixRE.ReplaceAllString(name, ""))
	if name == "" {
		return strings.TrimSpace(text)
	}
	return name
}

func extractNameAndQtyOnce(text string) (string, int, string) {
	if m := qtyXOrStarRE.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, qtyOK
	}
	if m := qtyFenRE.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, qtyOK
	}
	if m := qtyMarkerAnyRE.FindStringSubmatch(text); m != nil {
		state := qtyInvalid
		if strings.TrimSpace(m[2]) == "" {
			state = qtyMissing
		}
		return strings.TrimSpace(m[1]), 0, state
	}
	if m := qtyFenAnyRE.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), 0, qtyInvalid
	}
	if hasQtyMarkRE.MatchString(text) || hasFenMarkRE.MatchString(text) {
		return text, 0, qtyInvalid
	}
	if m := qtyPlainRE.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, qtyOK
	}
	return text, 0, qtyMissing
}

// stripTrailingAmount removes price noise (NTD/$/TWD prefixes, 元 suffix, or
// a bare trailing decimal when the body still has a qty hint).
func stripTrailingAmount(text string) string {
	current := strings.TrimSpace(text)
	for _, pattern := range []*regexp.Regexp{trailingCurrencyRE, trailingUnitRE} {
		if m := pattern.FindStringSubmatch(current); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if m := trailingPlainRE.FindStringSubmatch(current); m != nil {
		body := strings.TrimSpace(m[1])
		if hasQtyHintRE.MatchString(body) {
			return body
		}
	}
	return current
}

func extractNameAndQty(prepared string) (string, int, string) {
	name, qty, state := extractNameAndQtyOnce(prepared)
	if state == qtyOK {
		return name, qty, state
	}

	trimmed := stripTrailingAmount(prepared)
	if trimmed != prepared {
		trimmedName, trimmedQty, trimmedState := extractNameAndQtyOnce(trimmed)
		if trimmedState == qtyOK || trimmedState == qtyInvalid {
			return trimmedName, trimmedQty, trimmedState
		}
	}
	return name, qty, state
}

func parseLine(rawLine string, lineIndex int, warnings *[]string) contracts.RawLine {
	normalized := normalizeForParse(rawLine)
	prepared := stripLeadingMarkers(normalized)
	prepared, inlineNote := extractInlineNote(prepared)

	nameToken, qty, qtyState := extractNameAndQty(prepared)

	needsReview := false
	switch {
	case qtyState != qtyOK:
		qty = 1
		needsReview = true
		if qtyState == qtyInvalid {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty invalid, defaulted to 1", lineIndex))
		} else {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty missing, defaulted to 1", lineIndex))
		}
		nameToken = fallbackName(nameToken)
	case qty <= 0:
		qty = 1
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: qty must be positive, defaulted to 1", lineIndex))
	}

	nameRaw, noteParts := extractParentheticalNote(nameToken)
	if inlineNote != "" {
		noteParts = append(noteParts, inlineNote)
	}
	var nonEmpty []string
	for _, part := range noteParts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	noteRaw := strings.Join(nonEmpty, "; ")

	if nameRaw == "" {
		nameRaw = fallbackName(prepared)
		if nameRaw == "" {
			nameRaw = normalized
		}
		if nameRaw == "" {
			nameRaw = strings.TrimSpace(rawLine)
		}
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: unable to confidently parse item name", lineIndex))
	}

	return contracts.RawLine{
		LineIndex:   lineIndex,
		RawLine:     rawLine,
		NameRaw:     nameRaw,
		Qty:         qty,
		NoteRaw:     contracts.StrOrNil(noteRaw),
		NeedsReview: needsReview,
		Metadata:    contracts.Metadata{},
		Version:     contracts.ContractVersion,
	}
}

// standaloneNote returns the note text when the line is nothing but a note
// marker (e.g. 備註:分裝), otherwise "".
func standaloneNote(rawLine string) string {
	normalized := normalizeForParse(rawLine)
	m := standaloneNoteRE.FindStringSubmatch(normalized)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// lineBreakReplacer folds every line boundary onto "\n". The set matches
// Unicode line boundaries: CR/LF/CRLF plus vertical tab, form feed, the
// FS/GS/RS separators, NEL, and LINE/PARAGRAPH SEPARATOR.
var lineBreakReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\v", "\n",
	"\f", "\n",
	"\x1c", "\n",
	"\x1d", "\n",
	"\x1e", "\n",
	"\u0085", "\n",
	"\u2028", "\n",
	"\u2029", "\n",
)

func splitLines(text string) []string {
	normalized := lineBreakReplacer.Replace(text)
	if normalized == "" {
		return nil
	}
	lines := strings.Split(normalized, "\n")
	// A trailing newline yields a final empty element that the original text
	// never contained as a line.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ParseReceiptText parses receipt text into an OrderRawParsed envelope. A
// failure on one line never aborts the rest: the line degrades to a
// review-flagged fallback and the error lands in metadata.parse_errors.
func ParseReceiptText(text string) contracts.OrderRawParsed {
	defer logging.StartTimer(logging.CategoryParser, "parse_receipt_text").Stop()

	var (
		parseWarnings = []string{}
		parseErrors   = []string{}
		lines         []contracts.RawLine
	)

	for index, line := range splitLines(text) {
		rawLine := strings.TrimRight(line, "\r")
		normalized := normalizeForParse(rawLine)
		if normalized == "" || isNoiseLine(normalized) {
			logging.ParserDebug("line %d skipped as noise", index)
			continue
		}

		if note := standaloneNote(rawLine); note != "" {
			if len(lines) > 0 {
				prev := &lines[len(lines)-1]
				if existing := contracts.Deref(prev.NoteRaw); existing != "" {
					prev.NoteRaw = contracts.Str(existing + "; " + note)
				} else {
					prev.NoteRaw = contracts.Str(note)
				}
			} else {
				parseWarnings = append(parseWarnings, fmt.Sprintf("line %d: standalone note with no preceding item", index))
			}
			continue
		}

		parsed, err := safeParseLine(rawLine, index, &parseWarnings)
		if err != nil {
			parseErrors = append(parseErrors, fmt.Sprintf("line %d: %v", index, err))
			parseWarnings = append(parseWarnings, fmt.Sprintf("line %d: parser exception fallback, defaulted qty to 1", index))
			name := normalizeForParse(rawLine)
			if name == "" {
				name = strings.TrimSpace(rawLine)
			}
			parsed = contracts.RawLine{
				LineIndex:   index,
				RawLine:     rawLine,
				NameRaw:     name,
				Qty:         1,
				NeedsReview: true,
				Metadata:    contracts.Metadata{},
				Version:     contracts.ContractVersion,
			}
		}
		lines = append(lines, parsed)
	}

	needsReview := len(parseWarnings) > 0 || len(parseErrors) > 0
	for _, line := range lines {
		if line.NeedsReview {
			needsReview = true
			break
		}
	}

	return contracts.OrderRawParsed{
		SourceText:    text,
		Lines:         lines,
		ParseWarnings: parseWarnings,
		NeedsReview:   needsReview,
		Metadata:      contracts.Metadata{"parse_errors": parseErrors},
		Version:       contracts.ContractVersion,
	}
}

// safeParseLine isolates a single line's parse so an unexpected panic
// degrades to the fallback line instead of killing the whole text.
func safeParseLine(rawLine string, lineIndex int, warnings *[]string) (parsed contracts.RawLine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return parseLine(rawLine, lineIndex, warnings), nil
}
