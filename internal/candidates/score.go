package candidates

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scoring weights over the three similarity signals.
const (
	weightChar    = 0.50
	weightPartial = 0.30
	weightToken   = 0.20

	// LowConfidenceThreshold is the best-line-score floor below which every
	// candidate for that line is flagged for review.
	LowConfidenceThreshold = 55.0
)

var (
	commonSymbolsRE = regexp.MustCompile("[!\"#$%&'()*+,\\-./:;<=>?@\\[\\]\\\\^_`{|}~，。！？、；：／（）【】「」『』《》〈〉·．]")
	multiSpaceRE    = regexp.MustCompile(`\s+`)
)

// normalizeText applies NFKC, lowercases, replaces common punctuation with
// spaces and collapses whitespace.
func normalizeText(text string) string {
	normalized := strings.ToLower(norm.NFKC.String(text))
	normalized = commonSymbolsRE.ReplaceAllString(normalized, " ")
	normalized = multiSpaceRE.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func compactText(text string) string {
	return strings.ReplaceAll(text, " ", "")
}

// tokenize returns the word tokens plus character bigrams of the space-free
// form. Single-character names token to themselves.
func tokenize(text string) map[string]bool {
	normalized := normalizeText(text)
	compact := []rune(compactText(normalized))
	if len(compact) == 0 {
		return map[string]bool{}
	}
	tokens := make(map[string]bool)
	for _, part := range strings.Split(normalized, " ") {
		if part != "" {
			tokens[part] = true
		}
	}
	if len(compact) == 1 {
		tokens[string(compact)] = true
		return tokens
	}
	for i := 0; i+1 < len(compact); i++ {
		tokens[string(compact[i:i+2])] = true
	}
	return tokens
}

// lcsLength is the longest-common-subsequence length over runes.
func lcsLength(left, right []rune) int {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	prev := make([]int, len(right)+1)
	curr := make([]int, len(right)+1)
	for i := 1; i <= len(left); i++ {
		for j := 1; j <= len(right); j++ {
			if left[i-1] == right[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(right)]
}

// ratio is the character similarity on the 0-100 scale:
// 2*LCS / (len(a)+len(b)) * 100.
func ratio(left, right string) float64 {
	if left == "" || right == "" {
		return 0.0
	}
	l, r := []rune(left), []rune(right)
	matches := lcsLength(l, r)
	return 200.0 * float64(matches) / float64(len(l)+len(r))
}

// partialRatio slides the shorter string across the longer one and keeps the
// best window ratio. A direct substring scores 100.
func partialRatio(left, right string) float64 {
	if left == "" || right == "" {
		return 0.0
	}
	short, long := left, right
	if len([]rune(left)) > len([]rune(right)) {
		short, long = right, left
	}
	if strings.Contains(long, short) {
		return 100.0
	}
	shortRunes, longRunes := []rune(short), []rune(long)
	if len(shortRunes) == len(longRunes) {
		return ratio(short, long)
	}
	window := len(shortRunes)
	maxScore := 0.0
	for start := 0; start+window <= len(longRunes); start++ {
		matches := lcsLength(shortRunes, longRunes[start:start+window])
		score := 200.0 * float64(matches) / float64(2*window)
		if score > maxScore {
			maxScore = score
		}
	}
	return maxScore
}

func tokenSimilarity(left, right map[string]bool) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0.0
	}
	inter := 0
	for token := range left {
		if right[token] {
			inter++
		}
	}
	union := len(left) + len(right) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union) * 100.0
}

// scoreMatch combines the three signals, adds the substring bonus, clamps to
// [0,100], and reports whether the token signal dominated.
func scoreMatch(query, candidate string) (float64, string) {
	queryNorm := normalizeText(query)
	candidateNorm := normalizeText(candidate)
	queryCompact := compactText(queryNorm)
	candidateCompact := compactText(candidateNorm)

	charScore := ratio(queryCompact, candidateCompact)
	partialScore := partialRatio(queryCompact, candidateCompact)
	tokenScore := tokenSimilarity(tokenize(queryNorm), tokenize(candidateNorm))

	score := weightChar*charScore + weightPartial*partialScore + weightToken*tokenScore
	if queryCompact != "" && candidateCompact != "" &&
		(strings.Contains(candidateCompact, queryCompact) || strings.Contains(queryCompact, candidateCompact)) {
		score += 5.0
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	maxDirect := charScore
	if partialScore > maxDirect {
		maxDirect = partialScore
	}
	basis := "string"
	if tokenScore >= maxDirect+5.0 {
		basis = "token"
	}
	return score, basis
}
