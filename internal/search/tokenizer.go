package search

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "by": {}, "for": {},
	"from": {}, "in": {}, "of": {}, "on": {}, "or": {}, "the": {},
	"to": {}, "with": {}, "near": {},
}

// tokenize lower-cases text, splits on non-alphanumeric boundaries, and
// drops stop-words and single-character fragments. Listing names are often
// transliterated Arabic, so no stemming is applied.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if _, isStop := stopWords[word]; isStop {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Field weights for relevance scoring. A token matching the listing's
// name counts three times a description match.
const (
	nameWeight        = 3.0
	addressWeight     = 2.0
	descriptionWeight = 1.0
)

// relevanceScore counts weighted token occurrences of the query across the
// document's lower-cased text fields.
func relevanceScore(queryTokens []string, nameLower, addressLower, descriptionLower string) float64 {
	var score float64
	for _, tok := range queryTokens {
		if strings.Contains(nameLower, tok) {
			score += nameWeight
		}
		if strings.Contains(addressLower, tok) {
			score += addressWeight
		}
		if strings.Contains(descriptionLower, tok) {
			score += descriptionWeight
		}
	}
	return score
}
