package keyword

import (
	"strings"
	"unicode"
)

// DefaultMinTokenLength is the shortest token kept by the default tokenizers.
const DefaultMinTokenLength = 2

// Tokenizer turns text into index terms.
type Tokenizer interface {
	Tokenize(text string) []string
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(text string) []string

// Tokenize calls f(text).
func (f TokenizerFunc) Tokenize(text string) []string { return f(text) }

// DefaultTokenizer lowercases text, splits it on anything that is not a letter
// or digit, and drops short tokens and stop words.
type DefaultTokenizer struct {
	MinTokenLength int
	StopWords      map[string]struct{}
}

// NewDefaultTokenizer returns a tokenizer with the English stop word list.
func NewDefaultTokenizer() *DefaultTokenizer {
	return &DefaultTokenizer{
		MinTokenLength: DefaultMinTokenLength,
		StopWords:      EnglishStopWords(),
	}
}

// Tokenize implements Tokenizer.
func (t *DefaultTokenizer) Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return filterTokens(fields, t.MinTokenLength, t.StopWords)
}

func filterTokens(tokens []string, minLen int, stop map[string]struct{}) []string {
	out := tokens[:0]
	for _, tok := range tokens {
		if len([]rune(tok)) < minLen {
			continue
		}
		if _, ok := stop[tok]; ok {
			continue
		}
		out = append(out, tok)
	}
	return out
}

var englishStopWords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
	"between", "both", "but", "by", "can", "could", "did", "do", "does", "doing",
	"down", "during", "each", "few", "for", "from", "further", "had", "has", "have",
	"having", "he", "her", "here", "hers", "herself", "him", "himself", "his", "how",
	"i", "if", "in", "into", "is", "it", "its", "itself", "just", "me", "more", "most",
	"my", "myself", "no", "nor", "not", "now", "of", "off", "on", "once", "only", "or",
	"other", "our", "ours", "ourselves", "out", "over", "own", "same", "she", "should",
	"so", "some", "such", "than", "that", "the", "their", "theirs", "them", "themselves",
	"then", "there", "these", "they", "this", "those", "through", "to", "too", "under",
	"until", "up", "very", "was", "we", "were", "what", "when", "where", "which", "while",
	"who", "whom", "why", "will", "with", "would", "you", "your", "yours", "yourself",
	"yourselves",
}

// EnglishStopWords returns a fresh copy of the default stop word set.
func EnglishStopWords() map[string]struct{} {
	m := make(map[string]struct{}, len(englishStopWords))
	for _, w := range englishStopWords {
		m[w] = struct{}{}
	}
	return m
}
