package retrieval

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// tokenize lowercases and splits s into word tokens, grounded on the
// teacher's sparse.go keyword-extraction regexes, simplified from
// code-symbol extraction to plain word tokens since retrieval sources
// here are prose summaries and file names, not source code.
func tokenize(s string) []string {
	matches := wordPattern.FindAllString(strings.ToLower(s), -1)
	return matches
}

// Tokenize exports the same word tokenizer for internal/preference,
// which needs identical term extraction when bucketizing feedback
// content into the positive/negative term lists textScore's callers
// (via merge's learning rerank) expect.
func Tokenize(s string) []string { return uniqueTokens(tokenize(s)) }

// textScore scores haystack against query by weighted token overlap,
// the same scorer the analytic source and the canonical-lexical source
// (spec.md §4.6's EXPANSION) both use, so SQL LIKE narrowing and
// directory-walk narrowing produce comparable scores. Grounded on the
// teacher's RankFiles: each matched query token contributes a weight,
// boosted for multiple distinct matches, normalized to [0,1].
func textScore(query, haystack string) float64 {
	queryTokens := uniqueTokens(tokenize(query))
	if len(queryTokens) == 0 {
		return 0
	}
	haystackSet := make(map[string]bool)
	for _, t := range tokenize(haystack) {
		haystackSet[t] = true
	}

	matched := 0
	for _, t := range queryTokens {
		if haystackSet[t] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}

	score := float64(matched) / float64(len(queryTokens))
	if matched > 1 {
		score *= 1.0 + float64(matched-1)*0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// summaryHash returns a short stable hash of s for the identity-key
// fallback when project/file are unavailable.
func summaryHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:8])
}
