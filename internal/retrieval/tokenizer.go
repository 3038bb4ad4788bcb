package retrieval

import (
	"strings"
	"unicode"
)

// Stopwords excluded from BM25 indexing and keyword matching. Mixed Chinese
// and English because the corpus and queries are mixed.
var stopwords = map[string]struct{}{
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "我": {}, "有": {},
	"他": {}, "这": {}, "中": {}, "吗": {}, "呢": {}, "啊": {}, "去": {},
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "of": {}, "to": {},
	"and": {}, "or": {}, "in": {}, "on": {}, "for": {},
}

// Tokenize splits text into BM25 terms: each Han character is its own token,
// consecutive letters/digits form one lowercased token, everything else is a
// delimiter. Stopwords are dropped.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tok := strings.ToLower(current.String())
			if _, stop := stopwords[tok]; !stop {
				tokens = append(tokens, tok)
			}
			current.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tok := string(r)
			if _, stop := stopwords[tok]; !stop {
				tokens = append(tokens, tok)
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
