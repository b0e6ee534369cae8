// Package candidates matches parsed receipt lines against the menu catalog
// using weighted character / partial / token similarity and emits ranked
// candidate lists per line.
package candidates

import (
	"math"
	"sort"

	"posnorm/internal/contracts"
	"posnorm/internal/logging"
)

// DefaultTopK is the candidate list length per line.
const DefaultTopK = 10

type scoredEntry struct {
	score       float64
	basis       string
	matchedText string
	entry       CatalogEntry
}

// Generate scores every line against every catalog entry and returns the
// top-k candidates per line, using the default list length and threshold.
func Generate(lines []contracts.RawLine, menuCatalog any) contracts.CandidatesByLine {
	return GenerateWithOptions(lines, menuCatalog, DefaultTopK, LowConfidenceThreshold)
}

// GenerateWithOptions is Generate with explicit top-k and low-confidence
// threshold. topK <= 0 yields empty candidate lists.
func GenerateWithOptions(lines []contracts.RawLine, menuCatalog any, topK int, lowConfidenceThreshold float64) contracts.CandidatesByLine {
	defer logging.StartTimer(logging.CategoryCandidates, "generate_candidates").Stop()

	entries := CatalogEntries(menuCatalog)
	limit := topK
	if limit < 0 {
		limit = 0
	}
	byLine := make(contracts.CandidatesByLine, len(lines))

	for _, line := range lines {
		scored := make([]scoredEntry, 0, len(entries))
		for _, entry := range entries {
			best := scoredEntry{score: -1.0, basis: "canonical", matchedText: entry.CanonicalName, entry: entry}

			canonicalScore, canonicalBasis := scoreMatch(line.NameRaw, entry.CanonicalName)
			if canonicalScore > best.score {
				best.score = canonicalScore
				best.basis = "canonical"
				if canonicalBasis == "token" {
					best.basis = "token"
				}
				best.matchedText = entry.CanonicalName
			}

			for _, alias := range entry.Aliases {
				aliasScore, aliasBasis := scoreMatch(line.NameRaw, alias)
				if aliasScore > best.score {
					best.score = aliasScore
					best.basis = "alias"
					if aliasBasis == "token" {
						best.basis = "token"
					}
					best.matchedText = alias
				}
			}

			scored = append(scored, best)
		}

		sort.SliceStable(scored, func(i, j int) bool {
			if scored[i].score != scored[j].score {
				return scored[i].score > scored[j].score
			}
			if scored[i].entry.CanonicalName != scored[j].entry.CanonicalName {
				return scored[i].entry.CanonicalName < scored[j].entry.CanonicalName
			}
			return scored[i].entry.ItemID < scored[j].entry.ItemID
		})

		selected := scored
		if limit == 0 {
			selected = nil
		} else if len(selected) > limit {
			selected = selected[:limit]
		}

		bestLineScore := 0.0
		if len(selected) > 0 {
			bestLineScore = selected[0].score
		}
		lowConfidence := bestLineScore < lowConfidenceThreshold

		lineCandidates := make([]contracts.CandidateItem, 0, len(selected))
		for rank, row := range selected {
			reviewReason := "ok"
			if lowConfidence {
				reviewReason = "best_score_below_threshold"
			}
			lineCandidates = append(lineCandidates, contracts.CandidateItem{
				LineIndex:      line.LineIndex,
				RawLine:        line.RawLine,
				NameRaw:        line.NameRaw,
				Qty:            line.Qty,
				CandidateName:  row.entry.CanonicalName,
				CandidateCode:  contracts.Str(row.entry.ItemID),
				NoteRaw:        line.NoteRaw,
				ConfidenceItem: contracts.F64(round4(row.score)),
				NeedsReview:    line.NeedsReview || lowConfidence,
				Metadata: contracts.Metadata{
					"match_basis":              row.basis,
					"score":                    round4(row.score),
					"low_confidence":           lowConfidence,
					"matched_text":             row.matchedText,
					"rank":                     rank + 1,
					"best_line_score":          round4(bestLineScore),
					"low_confidence_threshold": round4(lowConfidenceThreshold),
					"review_reason":            reviewReason,
				},
				Version: contracts.ContractVersion,
			})
		}

		logging.CandidatesDebug("line %d: %d candidates, best %.2f", line.LineIndex, len(lineCandidates), bestLineScore)
		byLine[line.LineIndex] = lineCandidates
	}

	return byLine
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
